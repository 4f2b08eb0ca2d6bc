// Package processtest provides in-memory processes for tests that exercise the
// supervisor, router and session without spawning real executables.
package processtest

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/process"
)

// FakeProcess is a pipe-backed process.Process. The test plays the assistant:
// it reads what the host wrote from HostInput and writes replies with
// WriteStdout / WriteStderr.
type FakeProcess struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	// IgnoreTerminate makes Terminate a no-op so Stop has to fall back to Kill
	IgnoreTerminate bool

	mu         sync.Mutex
	exited     chan struct{}
	status     process.ExitStatus
	terminated int
	killed     int
}

func NewFakeProcess(pid int) *FakeProcess {
	p := &FakeProcess{
		pid:    pid,
		exited: make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *FakeProcess) Pid() int              { return p.pid }
func (p *FakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *FakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *FakeProcess) Stderr() io.Reader     { return p.stderrR }

// HostInput is the assistant side of stdin
func (p *FakeProcess) HostInput() io.Reader { return p.stdinR }

func (p *FakeProcess) WriteStdout(s string) error {
	_, err := io.WriteString(p.stdoutW, s)
	return err
}

func (p *FakeProcess) WriteStderr(s string) error {
	_, err := io.WriteString(p.stderrW, s)
	return err
}

// Exit ends the process with the given status. Output streams reach EOF.
// Only the first call has an effect.
func (p *FakeProcess) Exit(status process.ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
		return
	default:
	}
	p.status = status
	p.stdoutW.Close()
	p.stderrW.Close()
	p.stdinR.Close()
	close(p.exited)
}

// Exited is closed once the process has exited
func (p *FakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *FakeProcess) Wait() process.ExitStatus {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated++
	ignore := p.IgnoreTerminate
	p.mu.Unlock()
	if !ignore {
		p.Exit(process.ExitStatus{Code: -1, Signal: "SIGTERM"})
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.Exit(process.ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (p *FakeProcess) Close() error {
	p.stdinW.Close()
	p.stdoutR.Close()
	p.stderrR.Close()
	return nil
}

// Signals reports how many times Terminate and Kill were called
func (p *FakeProcess) Signals() (terminated, killed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated, p.killed
}

// Serve reads host lines from stdin and writes every reply returned by
// respond to stdout, until stdin closes or the process exits.
func (p *FakeProcess) Serve(respond func(line []byte) []string) {
	go func() {
		scanner := bufio.NewScanner(p.stdinR)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			for _, reply := range respond(scanner.Bytes()) {
				if err := p.WriteStdout(reply + "\n"); err != nil {
					return
				}
			}
		}
	}()
}

// Launcher hands out fake processes and records every launch
type Launcher struct {
	mu       sync.Mutex
	next     func(n int) (*FakeProcess, error)
	launches []process.ExecutionConfig
	contexts []context.Context
	procs    []*FakeProcess
	notify   chan *FakeProcess
}

// NewLauncher builds a launcher; next is called with the 1-based launch number
func NewLauncher(next func(n int) (*FakeProcess, error)) *Launcher {
	return &Launcher{
		next:   next,
		notify: make(chan *FakeProcess, 64),
	}
}

// Launch implements process.Launcher
func (l *Launcher) Launch(ctx context.Context, execution process.ExecutionConfig) (process.Process, error) {
	l.mu.Lock()
	l.launches = append(l.launches, execution)
	l.contexts = append(l.contexts, ctx)
	n := len(l.launches)
	l.mu.Unlock()

	proc, err := l.next(n)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, errors.NewLaunchFailureError("fake launcher returned no process", nil)
	}

	l.mu.Lock()
	l.procs = append(l.procs, proc)
	l.mu.Unlock()
	l.notify <- proc
	return proc, nil
}

// Launches returns the execution configs seen so far
func (l *Launcher) Launches() []process.ExecutionConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]process.ExecutionConfig(nil), l.launches...)
}

// Contexts returns the context passed to each launch, in launch order
func (l *Launcher) Contexts() []context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]context.Context(nil), l.contexts...)
}

// Started delivers every successfully launched fake in launch order
func (l *Launcher) Started() <-chan *FakeProcess { return l.notify }
