package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/core-tools/hsu-assistant/pkg/diagnostics"
	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/locator"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/process"
	"github.com/core-tools/hsu-assistant/pkg/process/processtest"
	"github.com/core-tools/hsu-assistant/pkg/processfile"
	"github.com/core-tools/hsu-assistant/pkg/protocol"
	"github.com/core-tools/hsu-assistant/pkg/supervisor"
)

// echoReplies streams one delta and then answers every request that carries a
// request_id
func echoReplies(line []byte) []string {
	requestID := gjson.GetBytes(line, "request_id")
	if !requestID.Exists() {
		return nil
	}
	return []string{
		`{"type":"stream_delta","delta":"thinking"}`,
		fmt.Sprintf(`{"type":"result","request_id":%q,"result":%s}`, requestID.String(), gjson.GetBytes(line, "prompt").Raw),
	}
}

func silent([]byte) []string { return nil }

func testSessionConfig(t *testing.T) Config {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)

	config := DefaultConfig()
	config.Supervisor.GracefulTimeout = time.Second
	config.Supervisor.DrainTimeout = time.Second
	config.Router.RequestTimeout = 5 * time.Second
	config.Launch = supervisor.LaunchSpec{
		Binary: locator.Config{UserPath: self},
		Args:   []string{"--stdio"},
	}
	return config
}

func newTestSession(t *testing.T, respond func(line []byte) []string) (*Session, *processtest.Launcher) {
	t.Helper()
	launcher := processtest.NewLauncher(func(n int) (*processtest.FakeProcess, error) {
		proc := processtest.NewFakeProcess(500 + n)
		proc.Serve(respond)
		return proc, nil
	})
	s, err := New(testSessionConfig(t), logging.NewNopLogger(),
		WithSupervisorOptions(supervisor.WithLauncher(launcher.Launch)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, launcher
}

func nextProcess(t *testing.T, launcher *processtest.Launcher) *processtest.FakeProcess {
	t.Helper()
	select {
	case proc := <-launcher.Started():
		return proc
	case <-time.After(2 * time.Second):
		t.Fatal("no process launched")
		return nil
	}
}

func prompt(t *testing.T, text string) protocol.OutboundMessage {
	t.Helper()
	message, err := protocol.NewOutbound("user_message")
	require.NoError(t, err)
	message, err = message.Set("prompt", text)
	require.NoError(t, err)
	return message
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Supervisor.MaxRestarts = -1

	_, err := New(config, logging.NewNopLogger())

	assert.True(t, errors.IsValidationError(err))
}

func TestSession_ConnectAndRequest(t *testing.T) {
	s, _ := newTestSession(t, echoReplies)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, supervisor.StateRunning, s.State())

	reply, err := s.Request(context.Background(), prompt(t, "hello"))

	require.NoError(t, err)
	assert.Equal(t, "result", reply.Type)
	assert.Equal(t, "hello", reply.Get("result").String())
	assert.Len(t, reply.RequestID, 36)
}

func TestSession_ConcurrentConnectLaunchesOnce(t *testing.T) {
	s, launcher := newTestSession(t, silent)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Connect(context.Background()))
		}()
	}
	wg.Wait()

	assert.Len(t, launcher.Launches(), 1)
	assert.Equal(t, supervisor.StateRunning, s.State())
}

func TestSession_ObserveMessagesSeesStreamedDeltas(t *testing.T) {
	s, _ := newTestSession(t, echoReplies)
	require.NoError(t, s.Connect(context.Background()))

	deltas, cancel, err := s.ObserveMessages(protocol.TypeStreamDelta)
	require.NoError(t, err)
	defer cancel()

	_, err = s.Request(context.Background(), prompt(t, "stream"))
	require.NoError(t, err)

	select {
	case message := <-deltas:
		assert.Equal(t, protocol.TypeStreamDelta, message.Type)
		variant, err := message.Variant()
		require.NoError(t, err)
		assert.Equal(t, "thinking", variant.(protocol.StreamDelta).Delta)
	case <-time.After(2 * time.Second):
		t.Fatal("no delta delivered")
	}
}

func TestSession_SendWhileDisconnected(t *testing.T) {
	s, _ := newTestSession(t, silent)

	err := s.Send(prompt(t, "nobody home"))

	assert.True(t, errors.IsProcessTerminatedError(err))
}

func TestSession_CrashFailsPendingAndReportsDiagnostics(t *testing.T) {
	s, launcher := newTestSession(t, silent)
	events, cancelEvents := s.ObserveDiagnostics(16)
	defer cancelEvents()

	require.NoError(t, s.Connect(context.Background()))
	proc := nextProcess(t, launcher)

	doomed := prompt(t, "doomed")
	result := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), doomed)
		result <- err
	}()
	require.Eventually(t, func() bool { return s.RouterStats().Pending == 1 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, proc.WriteStderr("Error: connect ECONNREFUSED 127.0.0.1:443\n"))
	proc.Exit(process.ExitStatus{Code: 1})

	select {
	case err := <-result:
		assert.True(t, errors.IsProcessTerminatedError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed")
	}

	require.Eventually(t, func() bool { return s.State() == supervisor.StateCrashed }, 2*time.Second, 2*time.Millisecond)

	var kinds []diagnostics.EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case event := <-events:
			kinds = append(kinds, event.Kind)
			if event.Kind == diagnostics.EventClassification {
				assert.Equal(t, diagnostics.CategoryNetwork, event.Classification.Category)
			}
		case <-timeout:
			t.Fatalf("diagnostic events missing, got: %v", kinds)
		}
	}
	assert.Equal(t, []diagnostics.EventKind{diagnostics.EventStderr, diagnostics.EventClassification}, kinds)
	assert.Equal(t, []string{"Error: connect ECONNREFUSED 127.0.0.1:443"}, s.StderrTail())
}

func TestSession_MalformedOutputBecomesDiagnostic(t *testing.T) {
	s, launcher := newTestSession(t, silent)
	events, cancelEvents := s.ObserveDiagnostics(16)
	defer cancelEvents()

	require.NoError(t, s.Connect(context.Background()))
	proc := nextProcess(t, launcher)
	require.NoError(t, proc.WriteStdout("this is not json\n"))

	select {
	case event := <-events:
		assert.Equal(t, diagnostics.EventMalformed, event.Kind)
		assert.True(t, errors.IsMalformedMessageError(event.Err))
	case <-time.After(2 * time.Second):
		t.Fatal("malformed line not reported")
	}
	assert.Equal(t, supervisor.StateRunning, s.State())
}

func TestSession_CloseTearsDownEverything(t *testing.T) {
	s, launcher := newTestSession(t, silent)
	require.NoError(t, s.Connect(context.Background()))
	proc := nextProcess(t, launcher)

	messages, _, err := s.ObserveMessages("")
	require.NoError(t, err)
	events, _ := s.ObserveDiagnostics(4)
	states, _ := s.ObserveState()

	pending := prompt(t, "pending")
	result := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), pending)
		result <- err
	}()
	require.Eventually(t, func() bool { return s.RouterStats().Pending == 1 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, s.Close(context.Background()))

	assert.True(t, errors.IsProcessTerminatedError(<-result))
	_, open := <-messages
	assert.False(t, open)
	_, open = <-events
	assert.False(t, open)
	for range states {
	}
	terminated, _ := proc.Signals()
	assert.Equal(t, 1, terminated)
	assert.Equal(t, supervisor.StateStopped, s.State())

	assert.True(t, errors.IsCancelledError(s.Connect(context.Background())))
	assert.True(t, errors.IsCancelledError(s.Send(prompt(t, "late"))))
	assert.NoError(t, s.Close(context.Background()))
}

// unkillableProcess survives both Terminate and Kill until the test exits it
type unkillableProcess struct {
	*processtest.FakeProcess
}

func (p unkillableProcess) Terminate() error { return nil }
func (p unkillableProcess) Kill() error      { return nil }

func TestSession_CloseReportsTornDownWhenStopFails(t *testing.T) {
	proc := processtest.NewFakeProcess(777)
	t.Cleanup(func() { proc.Exit(process.ExitStatus{Code: -1, Signal: "SIGKILL"}) })

	config := testSessionConfig(t)
	config.Supervisor.GracefulTimeout = 20 * time.Millisecond
	config.Supervisor.KillTimeout = 50 * time.Millisecond
	launch := func(ctx context.Context, execution process.ExecutionConfig) (process.Process, error) {
		return unkillableProcess{proc}, nil
	}
	s, err := New(config, logging.NewNopLogger(),
		WithSupervisorOptions(supervisor.WithLauncher(launch)))
	require.NoError(t, err)

	require.NoError(t, s.Connect(context.Background()))
	messages, _, err := s.ObserveMessages("")
	require.NoError(t, err)

	err = s.Close(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
	assert.True(t, errors.IsTimeoutError(err))
	tornDown, ok := errors.ContextValue(err, "torn_down")
	require.True(t, ok)
	assert.Equal(t, true, tornDown)
	pid, ok := errors.ContextValue(err, "pid")
	require.True(t, ok)
	assert.Equal(t, 777, pid)

	_, open := <-messages
	assert.False(t, open)
	assert.Equal(t, supervisor.StateStopped, s.State())
	assert.True(t, errors.IsCancelledError(s.Send(prompt(t, "late"))))
	assert.True(t, errors.IsCancelledError(s.Connect(context.Background())))
	assert.NoError(t, s.Close(context.Background()))
}

func TestSession_DisconnectThenReconnect(t *testing.T) {
	s, launcher := newTestSession(t, echoReplies)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, supervisor.StateStopped, s.State())

	require.NoError(t, s.Connect(context.Background()))
	reply, err := s.Request(context.Background(), prompt(t, "again"))

	require.NoError(t, err)
	assert.Equal(t, "again", reply.Get("result").String())
	assert.Len(t, launcher.Launches(), 2)
}

func TestSession_UpdateConfigAppliesOnNextLaunch(t *testing.T) {
	s, launcher := newTestSession(t, silent)
	require.NoError(t, s.Connect(context.Background()))

	config := s.Config()
	config.Launch.Args = []string{"--stdio", "--verbose"}
	config.Launch.Environment = map[string]string{"ASSISTANT_MODE": "test"}
	require.NoError(t, s.UpdateConfig(config))

	assert.Equal(t, []string{"--stdio"}, launcher.Launches()[0].Args)

	require.NoError(t, s.Restart(context.Background()))
	launches := launcher.Launches()
	require.Len(t, launches, 2)
	assert.Equal(t, []string{"--stdio", "--verbose"}, launches[1].Args)
	assert.Contains(t, launches[1].Environment, "ASSISTANT_MODE=test")
}

func TestSession_UpdateConfigRejectsInvalid(t *testing.T) {
	s, _ := newTestSession(t, silent)
	config := s.Config()
	config.Supervisor.MaxDelay = time.Millisecond
	config.Supervisor.BaseDelay = time.Second

	err := s.UpdateConfig(config)

	assert.True(t, errors.IsValidationError(err))
	assert.Equal(t, 16*time.Second, s.Config().Supervisor.MaxDelay)
}

func TestSession_ProcessFileTracksRunningAssistant(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "assistant.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("not a pid\n"), 0o644))
	pidFile := processfile.New(pidPath, logging.NewNopLogger())

	launcher := processtest.NewLauncher(func(n int) (*processtest.FakeProcess, error) {
		proc := processtest.NewFakeProcess(900 + n)
		proc.Serve(silent)
		return proc, nil
	})
	s, err := New(testSessionConfig(t), logging.NewNopLogger(),
		WithProcessFile(pidFile),
		WithSupervisorOptions(supervisor.WithLauncher(launcher.Launch)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	require.NoError(t, s.Connect(context.Background()))

	record, err := pidFile.Read()
	require.NoError(t, err)
	assert.Equal(t, 901, record.PID)

	require.NoError(t, s.Disconnect(context.Background()))
	assert.NoFileExists(t, pidPath)
}
