// Package supervisor owns the assistant process lifecycle: launch, exit
// observation, explicit stop and backoff-paced restarts.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/core-tools/hsu-assistant/pkg/diagnostics"
	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/locator"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/metrics"
	"github.com/core-tools/hsu-assistant/pkg/process"
)

// Hooks let the owner attach and detach protocol handling per run
type Hooks struct {
	// OnStarted runs after spawn and before the running transition. An error
	// aborts the launch.
	OnStarted func(proc process.Process) error
	// OnExited runs after the process exited and before the crash/stop
	// transition.
	OnExited func(proc process.Process, status process.ExitStatus)
}

type Option func(*Supervisor)

func WithLauncher(launcher process.Launcher) Option {
	return func(s *Supervisor) { s.launcher = launcher }
}

func WithLocator(l *locator.Locator) Option {
	return func(s *Supervisor) { s.locator = l }
}

func WithDiagnostics(channel *diagnostics.Channel) Option {
	return func(s *Supervisor) { s.diagnostics = channel }
}

func WithHooks(hooks Hooks) Option {
	return func(s *Supervisor) { s.hooks = hooks }
}

// WithSleep replaces the backoff wait; it must return early with an error when ctx ends
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = sleep }
}

// WithClock replaces the clock used for uptime measurement
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithBaseEnvironment replaces the inherited environment (os.Environ by default)
func WithBaseEnvironment(environ func() []string) Option {
	return func(s *Supervisor) { s.environ = environ }
}

// WithName labels logs and metrics
func WithName(name string) Option {
	return func(s *Supervisor) { s.name = name }
}

// Supervisor is the single writer of the process state. User operations
// (Start, Stop, Restart) and automatic relaunches are serialized by opMutex;
// mutex guards the fields below it and is never held across blocking calls.
type Supervisor struct {
	config      Config
	spec        LaunchSpec
	logger      logging.Logger
	name        string
	launcher    process.Launcher
	locator     *locator.Locator
	diagnostics *diagnostics.Channel
	hooks       Hooks
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	environ     func() []string

	opMutex sync.Mutex

	mutex              sync.Mutex
	state              State
	proc               process.Process
	runID              int
	runDone            chan struct{}
	startTime          time.Time
	automatic          bool
	launches           int
	binary             *locator.ResolvedBinary
	lastErr            error
	lastClassification *diagnostics.Classification
	lastAttemptTime    time.Time
	policy             *restartPolicy
	cancelRestart      context.CancelFunc
	observers          map[int]chan StateChange
	nextObserverID     int
}

func New(config Config, spec LaunchSpec, logger logging.Logger, options ...Option) *Supervisor {
	s := &Supervisor{
		config:    config,
		spec:      spec,
		logger:    logger,
		name:      "assistant",
		sleep:     sleepContext,
		now:       time.Now,
		environ:   os.Environ,
		state:     StateStopped,
		policy:    newRestartPolicy(config, logger),
		observers: make(map[int]chan StateChange),
	}
	for _, option := range options {
		option(s)
	}
	if s.launcher == nil {
		s.launcher = process.NewStdLauncher(logger)
	}
	if s.locator == nil {
		s.locator = locator.NewLocator(locator.WithLogger(logger))
	}
	if s.diagnostics == nil {
		s.diagnostics = diagnostics.NewChannel(diagnostics.DefaultConfig(), logger)
	}
	metrics.RecordState(s.name, string(StateStopped), stateNames())
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the process from stopped or crashed. A start out of crashed
// is a manual restart and resets the attempt counter. Launch errors are
// returned and also leave the supervisor in crashed.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	if err := s.planStart(); err != nil {
		return err
	}
	return s.launch(ctx)
}

// Restart stops a live process if there is one and starts afresh
func (s *Supervisor) Restart(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}
	s.logger.Infof("Manual restart requested, name: %s", s.name)

	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

func (s *Supervisor) planStart() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !canStartFromState(s.state) {
		return errors.NewValidationError(
			fmt.Sprintf("cannot start process in state '%s': operation not allowed", s.state), nil).
			WithContext("name", s.name).WithContext("current_state", string(s.state))
	}

	s.policy.reset()
	s.automatic = false
	s.transitionLocked(StateChange{State: StateStarting})
	return nil
}

// launch runs with opMutex held and the state already set to starting
func (s *Supervisor) launch(ctx context.Context) error {
	s.mutex.Lock()
	spec := s.spec
	s.lastAttemptTime = s.now()
	s.mutex.Unlock()

	resolved, err := s.locator.Resolve(spec.Binary)
	if err != nil {
		s.logger.Errorf("Failed to resolve assistant binary, error: %v", err)
		return s.launchFailed(err)
	}

	environment := process.MergeEnvironment(
		s.environ(),
		process.ProtocolEnvironment(),
		process.MapToEnvironment(spec.Environment),
	)

	s.logger.Infof("Launching assistant, path: %s, source: %s, platform: %s", resolved.Path, resolved.Source, resolved.Platform)

	proc, err := s.launcher(ctx, process.ExecutionConfig{
		ExecutablePath:   resolved.Path,
		Args:             spec.Args,
		Environment:      environment,
		WorkingDirectory: spec.WorkingDirectory,
	})
	if err != nil {
		return s.launchFailed(err)
	}

	s.diagnostics.Capture(proc.Pid(), proc.Stderr())

	if s.hooks.OnStarted != nil {
		if err := s.hooks.OnStarted(proc); err != nil {
			s.logger.Errorf("Failed to attach to launched process, PID: %d, error: %v", proc.Pid(), err)
			_ = proc.Kill()
			proc.Wait()
			_ = proc.Close()
			return s.launchFailed(err)
		}
	}

	s.mutex.Lock()
	s.runID++
	runID := s.runID
	runDone := make(chan struct{})
	s.proc = proc
	s.runDone = runDone
	s.startTime = s.now()
	s.launches++
	s.binary = &resolved
	attempt := s.policy.attempts
	s.transitionLocked(StateChange{State: StateRunning, PID: proc.Pid(), Attempt: attempt})
	s.mutex.Unlock()

	metrics.RecordStart(s.name)
	s.logger.Infof("Assistant running, PID: %d, attempt: %d", proc.Pid(), attempt)

	go s.watch(runID, proc, runDone)
	return nil
}

// launchFailed moves starting -> crashed with a classified LaunchFailure.
// Launch failures never count as a run, so an automatic relaunch that fails
// is evaluated like an immediate crash.
func (s *Supervisor) launchFailed(cause error) error {
	classification := classifyLaunchFailure(cause)
	launchErr := errors.NewLaunchFailureError(classification.Message, cause).
		WithContext("category", string(classification.Category))
	if errors.IsBinaryNotFoundError(cause) {
		if attempted, ok := errors.ContextValue(cause, "attempted"); ok {
			launchErr.WithContext("attempted", attempted)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	decision := s.policy.evaluate(run{automatic: s.automatic}, classification)
	var err error = launchErr
	if !decision.restart && errors.IsRestartLimitExceededError(decision.reason) {
		err = errors.NewRestartLimitExceededError(decision.reason.Message, launchErr)
	}
	s.crashLocked(err, classification, decision)
	return launchErr
}

func classifyLaunchFailure(cause error) diagnostics.Classification {
	if errors.IsBinaryNotFoundError(cause) {
		return diagnostics.Classification{
			Category: diagnostics.CategoryMissingDependency,
			Message:  "assistant executable not found",
			Evidence: cause.Error(),
			Exit:     process.ExitStatus{Code: -1, Err: cause},
		}
	}
	classification := diagnostics.Classify([]string{cause.Error()}, process.ExitStatus{Code: -1, Err: cause})
	if classification.Category == diagnostics.CategoryExited {
		classification.Message = "failed to launch assistant: " + cause.Error()
	}
	return classification
}

// watch observes one run until exit
func (s *Supervisor) watch(runID int, proc process.Process, runDone chan struct{}) {
	defer close(runDone)

	status := proc.Wait()
	s.logger.Infof("Assistant exited, PID: %d, status: %s", proc.Pid(), status)

	if s.hooks.OnExited != nil {
		s.hooks.OnExited(proc, status)
	}
	if !s.diagnostics.WaitDrained(s.drainTimeout()) {
		s.logger.Warnf("Diagnostics stream did not end after exit, PID: %d", proc.Pid())
	}
	if err := proc.Close(); err != nil {
		s.logger.Debugf("Failed to close process pipes, PID: %d, error: %v", proc.Pid(), err)
	}

	s.handleExit(runID, proc, status)
}

func (s *Supervisor) drainTimeout() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.config.DrainTimeout
}

func (s *Supervisor) handleExit(runID int, proc process.Process, status process.ExitStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if runID != s.runID || s.proc != proc {
		return
	}
	s.proc = nil

	if s.state == StateStopping {
		// explicit stop, finalized by Stop
		return
	}

	uptime := s.now().Sub(s.startTime)
	classification := s.diagnostics.Classify(proc.Pid(), status)
	metrics.RecordCrash(s.name, string(classification.Category))

	s.logger.Warnf("Assistant crashed, PID: %d, uptime: %v, category: %s, message: %s",
		proc.Pid(), uptime, classification.Category, classification.Message)

	decision := s.policy.evaluate(run{uptime: uptime, automatic: s.automatic}, classification)

	terminated := errors.NewProcessTerminatedError(classification.Message, nil).
		WithContext("pid", proc.Pid()).
		WithContext("exit", status.String()).
		WithContext("category", string(classification.Category))
	var err error = terminated
	switch {
	case decision.restart:
	case errors.IsRestartLimitExceededError(decision.reason):
		err = errors.NewRestartLimitExceededError(decision.reason.Message, terminated)
	default:
		err = decision.reason.WithContext("pid", proc.Pid()).WithContext("exit", status.String())
	}
	s.crashLocked(err, classification, decision)
}

// crashLocked publishes crashed and, when the decision allows, schedules the
// backoff-delayed relaunch
func (s *Supervisor) crashLocked(err error, classification diagnostics.Classification, decision restartDecision) {
	s.lastErr = err
	s.lastClassification = &classification
	s.transitionLocked(StateChange{State: StateCrashed, Err: err, Classification: &classification})

	if !decision.restart {
		s.logger.Errorf("Not restarting assistant, reason: %v", decision.reason)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRestart = cancel
	s.transitionLocked(StateChange{State: StateRestarting, Attempt: decision.attempt, Delay: decision.delay})
	metrics.RecordRestart(s.name)
	s.logger.Warnf("Scheduling restart, attempt: %d/%d, delay: %v", decision.attempt, s.config.MaxRestarts, decision.delay)

	go s.restartAfter(ctx, cancel, decision.attempt, decision.delay)
}

// restartAfter owns the restart context and cancels it when it returns.
// Launched processes are not bound to it.
func (s *Supervisor) restartAfter(ctx context.Context, cancel context.CancelFunc, attempt int, delay time.Duration) {
	defer cancel()
	if err := s.sleep(ctx, delay); err != nil {
		s.logger.Debugf("Restart cancelled during backoff, attempt: %d", attempt)
		return
	}

	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	s.mutex.Lock()
	if ctx.Err() != nil || s.state != StateRestarting {
		s.mutex.Unlock()
		return
	}
	s.cancelRestart = nil
	s.automatic = true
	s.transitionLocked(StateChange{State: StateStarting, Attempt: attempt})
	s.mutex.Unlock()

	if err := s.launch(ctx); err != nil {
		s.logger.Errorf("Automatic restart failed, attempt: %d, error: %v", attempt, err)
	}
}

// Stop terminates the process from any state: graceful signal, grace
// window, then kill. Pending automatic restarts are cancelled.
func (s *Supervisor) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	s.cancelPendingRestart()

	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	plan := s.validateAndPlanStop()
	if !plan.shouldProceed {
		return nil
	}

	var terminationError error
	if plan.processToTerminate != nil {
		if err := s.terminateProcess(ctx, plan.processToTerminate, plan.runDone, plan.gracefulTimeout, plan.killTimeout); err != nil {
			s.logger.Errorf("Failed to terminate process, error: %v", err)
			terminationError = err
		}
	}

	s.finalizeStop()
	return terminationError
}

func (s *Supervisor) cancelPendingRestart() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cancelRestart != nil {
		s.cancelRestart()
		s.cancelRestart = nil
	}
}

type stopPlan struct {
	processToTerminate process.Process
	runDone            chan struct{}
	gracefulTimeout    time.Duration
	killTimeout        time.Duration
	shouldProceed      bool
}

func (s *Supervisor) validateAndPlanStop() *stopPlan {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	plan := &stopPlan{}
	if s.state == StateStopped {
		s.logger.Debugf("Process already stopped, name: %s", s.name)
		return plan
	}

	s.transitionLocked(StateChange{State: StateStopping, PID: pidOf(s.proc)})
	plan.processToTerminate = s.proc
	plan.runDone = s.runDone
	plan.gracefulTimeout = s.config.GracefulTimeout
	plan.killTimeout = s.config.KillTimeout
	plan.shouldProceed = true
	return plan
}

func (s *Supervisor) finalizeStop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.proc = nil
	s.policy.reset()
	s.transitionLocked(StateChange{State: StateStopped})
}

// terminateProcess signals, waits out the grace window and kills. runDone
// closes once the watcher has fully handled the exit.
func (s *Supervisor) terminateProcess(ctx context.Context, proc process.Process, runDone chan struct{}, gracefulTimeout, killTimeout time.Duration) error {
	pid := proc.Pid()
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultConfig().GracefulTimeout
	}
	if killTimeout <= 0 {
		killTimeout = DefaultConfig().KillTimeout
	}

	s.logger.Infof("Sending termination signal, PID: %d, timeout: %v", pid, gracefulTimeout)
	if err := proc.Terminate(); err != nil {
		s.logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
	}

	graceTimer := time.NewTimer(gracefulTimeout)
	defer graceTimer.Stop()

	select {
	case <-runDone:
		s.logger.Infof("Process terminated gracefully, PID: %d", pid)
		return nil
	case <-graceTimer.C:
		s.logger.Warnf("Process did not terminate within %v, forcing termination, PID: %d", gracefulTimeout, pid)
	case <-ctx.Done():
		s.logger.Warnf("Context cancelled during graceful termination, forcing termination, PID: %d", pid)
	}

	if err := proc.Kill(); err != nil {
		s.logger.Warnf("Failed to kill process, PID: %d, error: %v", pid, err)
	}

	killTimer := time.NewTimer(killTimeout)
	defer killTimer.Stop()

	select {
	case <-runDone:
		s.logger.Infof("Process force terminated, PID: %d", pid)
		return nil
	case <-killTimer.C:
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).
			WithContext("pid", pid).
			WithContext("kill_timeout", killTimeout.String())
	}
}

func pidOf(proc process.Process) int {
	if proc == nil {
		return 0
	}
	return proc.Pid()
}

// transitionLocked is the only writer of state
func (s *Supervisor) transitionLocked(change StateChange) {
	change.Previous = s.state
	change.Time = s.now()
	if change.PID == 0 {
		change.PID = pidOf(s.proc)
	}
	s.state = change.State

	s.logger.Debugf("State transition: %s -> %s, name: %s", change.Previous, change.State, s.name)
	metrics.RecordState(s.name, string(change.State), stateNames())

	for _, observer := range s.observers {
		deliverLatest(observer, change)
	}
}

// deliverLatest keeps only the newest change in a one-slot channel
func deliverLatest(ch chan StateChange, change StateChange) {
	for {
		select {
		case ch <- change:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Observe returns a last-value-wins stream of state changes, primed with the
// current state, and a cancel function that closes it
func (s *Supervisor) Observe() (<-chan StateChange, func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ch := make(chan StateChange, 1)
	id := s.nextObserverID
	s.nextObserverID++
	s.observers[id] = ch
	ch <- StateChange{
		State:          s.state,
		Previous:       s.state,
		PID:            pidOf(s.proc),
		Err:            s.lastErrForState(),
		Classification: s.lastClassification,
		Time:           s.now(),
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mutex.Lock()
			defer s.mutex.Unlock()
			if observer, ok := s.observers[id]; ok {
				delete(s.observers, id)
				close(observer)
			}
		})
	}
}

func (s *Supervisor) lastErrForState() error {
	if s.state == StateCrashed {
		return s.lastErr
	}
	return nil
}

func (s *Supervisor) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Supervisor) Diagnostics() Diagnostics {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	d := Diagnostics{
		State:              s.state,
		PID:                pidOf(s.proc),
		RestartAttempts:    s.policy.attempts,
		Launches:           s.launches,
		LastError:          s.lastErr,
		LastClassification: s.lastClassification,
		Binary:             s.binary,
		LastAttemptTime:    s.lastAttemptTime,
	}
	if s.proc != nil {
		startTime := s.startTime
		d.StartTime = &startTime
	}
	return d
}

// Reconfigure replaces the launch spec and restart settings; both apply from
// the next launch on
func (s *Supervisor) Reconfigure(config Config, spec LaunchSpec) error {
	if err := ValidateConfig(config); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.config = config
	s.spec = spec
	s.policy.config = config
	s.logger.Infof("Supervisor reconfigured, name: %s, max_restarts: %d", s.name, config.MaxRestarts)
	return nil
}

// Close closes every observer stream
func (s *Supervisor) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for id, observer := range s.observers {
		delete(s.observers, id)
		close(observer)
	}
}
