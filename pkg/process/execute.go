package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"` // KEY=VALUE, already merged
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

// ExitStatus describes how a process ended
type ExitStatus struct {
	Code   int    // -1 when the process was killed by a signal or never reported a code
	Signal string // terminating signal name, empty for a normal exit
	Err    error  // wait error, if the exit status could not be collected
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("wait failed: %v", s.Err)
	case s.Signal != "":
		return fmt.Sprintf("killed by signal %s", s.Signal)
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Process is a running child with its three standard streams. Wait must be
// called exactly once; Close releases the host side of the pipes.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() ExitStatus
	Terminate() error
	Kill() error
	Close() error
}

// Launcher starts a process for an execution config
type Launcher func(ctx context.Context, execution ExecutionConfig) (Process, error)

// NewStdLauncher returns a Launcher backed by os/exec
func NewStdLauncher(logger logging.Logger) Launcher {
	return func(ctx context.Context, execution ExecutionConfig) (Process, error) {
		if ctx == nil {
			return nil, errors.NewValidationError("context cannot be nil", nil)
		}

		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, error: %v", err)
			return nil, errors.NewValidationError("invalid execution configuration", err)
		}

		workDir := execution.WorkingDirectory
		if workDir == "" {
			absPath, err := filepath.Abs(execution.ExecutablePath)
			if err != nil {
				return nil, errors.NewIOError("failed to get absolute path", err).WithContext("executable_path", execution.ExecutablePath)
			}
			workDir = filepath.Dir(absPath)
		}

		logger.Debugf("Executing process, executable path: '%s', args: %v, working directory: '%s'",
			execution.ExecutablePath, execution.Args, workDir)

		// exec.Command, not CommandContext: the supervisor owns termination and
		// a cancelled launch context must not kill a running assistant.
		cmd := exec.Command(execution.ExecutablePath, execution.Args...)
		cmd.Dir = workDir
		cmd.Env = execution.Environment
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}

		setupProcessAttributes(cmd)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, errors.NewProcessError("failed to create stdin pipe", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return nil, errors.NewProcessError("failed to create stdout pipe", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			stdin.Close()
			stdout.Close()
			return nil, errors.NewProcessError("failed to create stderr pipe", err)
		}

		if err := cmd.Start(); err != nil {
			stdin.Close()
			stdout.Close()
			stderr.Close()
			return nil, errors.NewLaunchFailureError("failed to start the process", err).
				WithContext("executable_path", execution.ExecutablePath)
		}

		logger.Infof("Successfully executed process, path: %s, PID: %d", execution.ExecutablePath, cmd.Process.Pid)

		return &stdProcess{
			cmd:    cmd,
			stdin:  stdin,
			stdout: stdout,
			stderr: stderr,
		}, nil
	}
}

type stdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	closeOnce sync.Once
}

func (p *stdProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *stdProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *stdProcess) Stdout() io.Reader     { return p.stdout }
func (p *stdProcess) Stderr() io.Reader     { return p.stderr }

// Wait waits on the os.Process rather than the exec.Cmd: Cmd.Wait closes the
// stdout/stderr pipes as soon as the child exits, dropping output that
// readers have not consumed yet.
func (p *stdProcess) Wait() ExitStatus {
	state, err := p.cmd.Process.Wait()
	if err != nil {
		return ExitStatus{Code: -1, Err: err}
	}
	return exitStatusFromState(state)
}

func (p *stdProcess) Terminate() error {
	return sendTerminationSignal(p.cmd.Process)
}

func (p *stdProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *stdProcess) Close() error {
	collection := errors.NewErrorCollection()
	p.closeOnce.Do(func() {
		collection.Add(ignoreClosed(p.stdin.Close()))
		collection.Add(ignoreClosed(p.stdout.Close()))
		collection.Add(ignoreClosed(p.stderr.Close()))
	})
	return collection.ToError()
}

func ignoreClosed(err error) error {
	if err == nil || err == os.ErrClosed {
		return nil
	}
	if pathErr, ok := err.(*os.PathError); ok && pathErr.Err == os.ErrClosed {
		return nil
	}
	return err
}
