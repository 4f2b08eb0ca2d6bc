// Package session binds one supervised assistant process, its protocol router
// and its diagnostics channel to a single application session.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/core-tools/hsu-assistant/pkg/diagnostics"
	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/process"
	"github.com/core-tools/hsu-assistant/pkg/processfile"
	"github.com/core-tools/hsu-assistant/pkg/protocol"
	"github.com/core-tools/hsu-assistant/pkg/router"
	"github.com/core-tools/hsu-assistant/pkg/supervisor"
)

// Facade is what UI and editor collaborators may use. They never reach the
// supervisor or router directly.
type Facade interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Restart(ctx context.Context) error
	Send(message protocol.OutboundMessage) error
	Request(ctx context.Context, message protocol.OutboundMessage) (protocol.InboundMessage, error)
	State() supervisor.State
	ObserveState() (<-chan supervisor.StateChange, func())
	ObserveMessages(messageType string) (<-chan protocol.InboundMessage, func(), error)
	ObserveDiagnostics(buffer int) (<-chan diagnostics.Event, func())
}

// Config is everything a session needs to launch and talk to the assistant
type Config struct {
	Supervisor  supervisor.Config
	Launch      supervisor.LaunchSpec
	Router      router.Config
	Diagnostics diagnostics.Config
}

func DefaultConfig() Config {
	return Config{
		Supervisor:  supervisor.DefaultConfig(),
		Router:      router.DefaultConfig(),
		Diagnostics: diagnostics.DefaultConfig(),
	}
}

type Option func(*Session)

// WithID overrides the generated session id
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithProcessFile records the running assistant's PID in file and reaps an
// orphan left in it by a previous host before the first launch
func WithProcessFile(file *processfile.File) Option {
	return func(s *Session) { s.processFile = file }
}

// WithSupervisorOptions passes options through to the supervisor, e.g. a fake launcher in tests
func WithSupervisorOptions(options ...supervisor.Option) Option {
	return func(s *Session) { s.supervisorOptions = append(s.supervisorOptions, options...) }
}

type Session struct {
	id                string
	logger            logging.Logger
	supervisorOptions []supervisor.Option
	processFile       *processfile.File

	diagnostics *diagnostics.Channel
	router      *router.Router
	supervisor  *supervisor.Supervisor

	connectGroup singleflight.Group

	mutex  sync.Mutex
	config Config
	closed bool
}

var _ Facade = (*Session)(nil)

func New(config Config, logger logging.Logger, options ...Option) (*Session, error) {
	if err := supervisor.ValidateConfig(config.Supervisor); err != nil {
		return nil, errors.NewValidationError("invalid session configuration", err)
	}

	s := &Session{
		id:     uuid.NewString(),
		config: config,
	}
	for _, option := range options {
		option(s)
	}
	s.logger = logging.WithPrefix(logger, "session="+shortID(s.id)+" ")

	s.diagnostics = diagnostics.NewChannel(config.Diagnostics, s.logger)
	s.router = router.New(config.Router, s.logger, router.WithMalformedSink(s.diagnostics.ReportMalformed))

	supervisorOptions := append([]supervisor.Option{
		supervisor.WithDiagnostics(s.diagnostics),
		supervisor.WithName(s.id),
		supervisor.WithHooks(supervisor.Hooks{
			OnStarted: s.attach,
			OnExited:  s.detach,
		}),
	}, s.supervisorOptions...)
	s.supervisor = supervisor.New(config.Supervisor, config.Launch, s.logger, supervisorOptions...)

	s.logger.Infof("Session created, id: %s", s.id)
	return s, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Session) attach(proc process.Process) error {
	if err := s.router.Attach(proc.Stdin(), proc.Stdout()); err != nil {
		return err
	}
	if s.processFile != nil {
		if err := s.processFile.Write(proc.Pid()); err != nil {
			s.logger.Warnf("Failed to record assistant PID, PID: %d, error: %v", proc.Pid(), err)
		}
	}
	return nil
}

func (s *Session) detach(proc process.Process, status process.ExitStatus) {
	s.mutex.Lock()
	drain := s.config.Supervisor.DrainTimeout
	s.mutex.Unlock()

	s.router.Detach(drain)
	s.logger.Debugf("Router detached, PID: %d, status: %s", proc.Pid(), status)

	if s.processFile != nil {
		if err := s.processFile.Remove(); err != nil {
			s.logger.Warnf("Failed to remove PID file, error: %v", err)
		}
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) checkOpen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return errors.NewCancelledError("session is closed", nil).WithContext("session_id", s.id)
	}
	return nil
}

// Connect starts the assistant unless it is already up or coming up.
// Concurrent calls share one launch.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err, shared := s.connectGroup.Do("connect", func() (interface{}, error) {
		switch state := s.supervisor.State(); state {
		case supervisor.StateRunning, supervisor.StateStarting, supervisor.StateRestarting:
			s.logger.Debugf("Already connected, state: %s", state)
			return nil, nil
		case supervisor.StateStopping:
			return nil, errors.NewConflictError("session is disconnecting", nil).WithContext("session_id", s.id)
		}
		s.reapOrphan(ctx)
		s.logger.Infof("Connecting session, id: %s", s.id)
		return nil, s.supervisor.Start(ctx)
	})
	if shared {
		s.logger.Debugf("Connect collapsed with a concurrent call, id: %s", s.id)
	}
	return err
}

// reapOrphan only logs failures; it never fails a connect
func (s *Session) reapOrphan(ctx context.Context) {
	if s.processFile == nil {
		return
	}
	s.mutex.Lock()
	timeout := s.config.Supervisor.GracefulTimeout
	s.mutex.Unlock()

	pid, err := s.processFile.ReapOrphan(ctx, timeout)
	if err != nil {
		s.logger.Warnf("Failed to reap orphaned assistant, error: %v", err)
		return
	}
	if pid != 0 {
		s.logger.Infof("Reaped orphaned assistant, PID: %d", pid)
	}
}

// Disconnect stops the assistant; the session stays usable
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.logger.Infof("Disconnecting session, id: %s", s.id)
	return s.supervisor.Stop(ctx)
}

// Restart is the explicit user restart, also out of a terminal crash
func (s *Session) Restart(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.supervisor.Restart(ctx)
}

func (s *Session) Send(message protocol.OutboundMessage) error {
	return s.router.Send(message)
}

// Request sends message and waits for its correlated reply, using the
// message's request_id or a generated one
func (s *Session) Request(ctx context.Context, message protocol.OutboundMessage) (protocol.InboundMessage, error) {
	return s.router.SendAndAwait(ctx, message, "", 0)
}

func (s *Session) State() supervisor.State {
	return s.supervisor.State()
}

func (s *Session) ObserveState() (<-chan supervisor.StateChange, func()) {
	return s.supervisor.Observe()
}

// ObserveMessages streams inbound messages of one type ("" for all). The
// stream ends when the current run ends.
func (s *Session) ObserveMessages(messageType string) (<-chan protocol.InboundMessage, func(), error) {
	sub, err := s.router.Subscribe(messageType)
	if err != nil {
		return nil, nil, err
	}
	return sub.C(), sub.Close, nil
}

func (s *Session) ObserveDiagnostics(buffer int) (<-chan diagnostics.Event, func()) {
	return s.diagnostics.Subscribe(buffer)
}

// UpdateConfig validates and stores a new configuration. It applies from the
// next launch; a live process keeps running unchanged.
func (s *Session) UpdateConfig(config Config) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.supervisor.Reconfigure(config.Supervisor, config.Launch); err != nil {
		return errors.NewValidationError("invalid session configuration", err)
	}
	s.router.Reconfigure(config.Router)
	s.diagnostics.Reconfigure(config.Diagnostics)

	s.mutex.Lock()
	s.config = config
	s.mutex.Unlock()

	s.logger.Infof("Session configuration updated, id: %s", s.id)
	return nil
}

func (s *Session) Config() Config {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.config
}

func (s *Session) Diagnostics() supervisor.Diagnostics {
	return s.supervisor.Diagnostics()
}

func (s *Session) RouterStats() router.Stats {
	return s.router.Stats()
}

func (s *Session) StderrTail() []string {
	return s.diagnostics.Tail()
}

// Close tears down router, diagnostics and supervisor as one unit. Pending
// requests fail and every stream closes before the process is stopped, so
// nothing is delivered once Close has begun.
//
// The session counts as closed even when stopping the process fails. The
// returned ProcessError then carries torn_down=true and the pid, and wraps
// the termination failure; the caller owns any further cleanup of that pid.
func (s *Session) Close(ctx context.Context) error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	s.mutex.Unlock()

	s.logger.Infof("Closing session, id: %s", s.id)

	pid := s.supervisor.Diagnostics().PID
	s.router.Close()
	s.diagnostics.Close()
	err := s.supervisor.Stop(ctx)
	s.supervisor.Close()

	if err != nil {
		s.logger.Errorf("Session closed with termination error, id: %s, pid: %d, error: %v", s.id, pid, err)
		return errors.NewProcessError("session closed but the assistant did not stop", err).
			WithContext("torn_down", true).
			WithContext("pid", pid).
			WithContext("session_id", s.id)
	}
	s.logger.Infof("Session closed, id: %s", s.id)
	return nil
}
