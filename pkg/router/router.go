// Package router correlates requests with replies from the assistant process
// and fans inbound messages out to type-filtered subscribers.
package router

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/metrics"
	"github.com/core-tools/hsu-assistant/pkg/protocol"
)

type Config struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxLineBytes   int           `yaml:"max_line_bytes"`
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 60 * time.Second,
		MaxLineBytes:   protocol.DefaultMaxLineBytes,
	}
}

type Stats struct {
	Attached    bool
	Inbound     uint64
	Outbound    uint64
	Malformed   uint64
	Correlated  uint64
	Timeouts    uint64
	Dropped     uint64 // queued outbound messages discarded at teardown
	Pending     int
	Subscribers int
}

type Option func(*Router)

// WithMalformedSink receives every malformed inbound line
func WithMalformedSink(sink func(error)) Option {
	return func(r *Router) { r.malformedSink = sink }
}

type pendingResult struct {
	message protocol.InboundMessage
	err     error
}

type pendingRequest struct {
	result chan pendingResult
}

// Router is bound to one session and attached to one process run at a time.
// Subscriptions and pending requests belong to the current run (or the next
// one when made while detached) and end when that run is detached.
type Router struct {
	config        Config
	logger        logging.Logger
	malformedSink func(error)

	mu            sync.Mutex
	generation    int
	attached      bool
	closed        bool
	cancel        context.CancelFunc
	readerDone    chan struct{}
	queue         []protocol.OutboundMessage
	queueSignal   chan struct{}
	pending       map[string]*pendingRequest
	subscriptions map[uint64]*Subscription
	nextSubID     uint64
	stats         Stats
}

func withDefaults(config Config) Config {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultConfig().MaxLineBytes
	}
	return config
}

func New(config Config, logger logging.Logger, options ...Option) *Router {
	r := &Router{
		config:        withDefaults(config),
		logger:        logger,
		queueSignal:   make(chan struct{}, 1),
		pending:       make(map[string]*pendingRequest),
		subscriptions: make(map[uint64]*Subscription),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Attach starts the reader and writer loops over a process's stdio
func (r *Router) Attach(stdin io.Writer, stdout io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.NewCancelledError("router is closed", nil)
	}
	if r.attached {
		return errors.NewConflictError("router is already attached to a process", nil)
	}

	r.generation++
	generation := r.generation
	maxLineBytes := r.config.MaxLineBytes
	r.attached = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	readerDone := make(chan struct{})
	r.readerDone = readerDone

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(readerDone)
		return r.readLoop(generation, stdout, maxLineBytes)
	})
	group.Go(func() error {
		return r.writeLoop(groupCtx, generation, protocol.NewEncoder(stdin))
	})
	go func() {
		if err := group.Wait(); err != nil {
			r.logger.Warnf("Router loops ended with error, generation: %d, error: %v", generation, err)
		} else {
			r.logger.Debugf("Router loops ended, generation: %d", generation)
		}
	}()

	r.logger.Debugf("Router attached, generation: %d, queued: %d", generation, len(r.queue))
	return nil
}

// Detach ends the current run. Output already written by the process is
// delivered for up to drain while the reader reaches end of stream. Pending
// requests then fail with ProcessTerminated, subscriptions complete and
// queued outbound messages are dropped.
func (r *Router) Detach(drain time.Duration) {
	r.mu.Lock()
	if !r.attached {
		r.mu.Unlock()
		return
	}
	readerDone := r.readerDone
	r.mu.Unlock()

	if drain > 0 {
		timer := time.NewTimer(drain)
		select {
		case <-readerDone:
		case <-timer.C:
			r.logger.Warnf("Assistant output did not end within drain timeout, timeout: %v", drain)
		}
		timer.Stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked(true, errors.NewProcessTerminatedError("assistant process terminated", nil))
}

// Close tears down the current run and rejects any further use. No message
// is delivered once Close has started.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.teardownLocked(false, errors.NewProcessTerminatedError("session closed", nil))
	r.closed = true
	for id, sub := range r.subscriptions {
		delete(r.subscriptions, id)
		sub.finish(false)
	}
}

func (r *Router) teardownLocked(drainSubscribers bool, cause error) {
	if !r.attached {
		return
	}
	r.attached = false
	r.cancel()

	for id, p := range r.pending {
		delete(r.pending, id)
		p.result <- pendingResult{err: cause}
	}
	for id, sub := range r.subscriptions {
		delete(r.subscriptions, id)
		sub.finish(drainSubscribers)
	}
	if dropped := len(r.queue); dropped > 0 {
		r.stats.Dropped += uint64(dropped)
		r.logger.Warnf("Dropping queued outbound messages, count: %d", dropped)
	}
	r.queue = nil
}

// Send queues a message for transmission. Messages are written in call order.
func (r *Router) Send(message protocol.OutboundMessage) error {
	if message.IsZero() {
		return errors.NewValidationError("message is empty", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(message)
}

func (r *Router) enqueueLocked(message protocol.OutboundMessage) error {
	if r.closed {
		return errors.NewCancelledError("router is closed", nil)
	}
	if !r.attached {
		return errors.NewProcessTerminatedError("assistant process is not running", nil)
	}
	r.queue = append(r.queue, message)
	select {
	case r.queueSignal <- struct{}{}:
	default:
	}
	return nil
}

// SendAndAwait sends message stamped with requestID and waits for the reply
// correlated to it. An empty requestID falls back to the message's own
// request_id and then to a generated one. A non-positive timeout uses the
// configured default.
func (r *Router) SendAndAwait(ctx context.Context, message protocol.OutboundMessage, requestID string, timeout time.Duration) (protocol.InboundMessage, error) {
	if message.IsZero() {
		return protocol.InboundMessage{}, errors.NewValidationError("message is empty", nil)
	}
	if requestID == "" {
		requestID = message.RequestID()
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if message.RequestID() != requestID {
		stamped, err := message.WithRequestID(requestID)
		if err != nil {
			return protocol.InboundMessage{}, err
		}
		message = stamped
	}
	if timeout <= 0 {
		r.mu.Lock()
		timeout = r.config.RequestTimeout
		r.mu.Unlock()
	}

	started := time.Now()
	request := &pendingRequest{result: make(chan pendingResult, 1)}

	r.mu.Lock()
	if _, exists := r.pending[requestID]; exists {
		r.mu.Unlock()
		return protocol.InboundMessage{}, errors.NewConflictError("request id already pending", nil).
			WithContext("request_id", requestID)
	}
	if err := r.enqueueLocked(message); err != nil {
		r.mu.Unlock()
		return protocol.InboundMessage{}, err
	}
	r.pending[requestID] = request
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-request.result:
		r.recordResult(result.err, started)
		return result.message, result.err

	case <-timer.C:
		if result, delivered := r.abandon(requestID, request); delivered {
			r.recordResult(result.err, started)
			return result.message, result.err
		}
		r.mu.Lock()
		r.stats.Timeouts++
		r.mu.Unlock()
		metrics.RecordRequest(metrics.OutcomeTimeout, time.Since(started))
		r.logger.Warnf("Request timed out, request_id: %s, timeout: %v", requestID, timeout)
		return protocol.InboundMessage{}, errors.NewRequestTimeoutError("no reply before deadline", nil).
			WithContext("request_id", requestID).
			WithContext("timeout", timeout.String())

	case <-ctx.Done():
		if result, delivered := r.abandon(requestID, request); delivered {
			r.recordResult(result.err, started)
			return result.message, result.err
		}
		metrics.RecordRequest(metrics.OutcomeCancelled, time.Since(started))
		return protocol.InboundMessage{}, errors.NewCancelledError("request cancelled", ctx.Err()).
			WithContext("request_id", requestID)
	}
}

// abandon removes a pending entry owned by the caller. If the entry was
// already resolved, the delivered result is returned instead.
func (r *Router) abandon(requestID string, request *pendingRequest) (pendingResult, bool) {
	r.mu.Lock()
	if current, ok := r.pending[requestID]; ok && current == request {
		delete(r.pending, requestID)
		r.mu.Unlock()
		return pendingResult{}, false
	}
	r.mu.Unlock()
	return <-request.result, true
}

func (r *Router) recordResult(err error, started time.Time) {
	outcome := metrics.OutcomeOK
	switch {
	case errors.IsProcessTerminatedError(err):
		outcome = metrics.OutcomeTerminated
	case err != nil:
		outcome = metrics.OutcomeFailed
	}
	metrics.RecordRequest(outcome, time.Since(started))
}

// Subscribe returns a broadcast stream of inbound messages whose type equals
// messageType; an empty messageType matches every message.
func (r *Router) Subscribe(messageType string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.NewCancelledError("router is closed", nil)
	}
	r.nextSubID++
	sub := newSubscription(r, r.nextSubID, messageType)
	r.subscriptions[sub.id] = sub
	return sub, nil
}

func (r *Router) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, id)
}

// Reconfigure replaces the settings. The line limit applies from the next
// Attach, the request timeout to requests issued afterwards.
func (r *Router) Reconfigure(config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = withDefaults(config)
}

func (r *Router) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attached
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.Attached = r.attached
	stats.Pending = len(r.pending)
	stats.Subscribers = len(r.subscriptions)
	return stats
}

func (r *Router) readLoop(generation int, stdout io.Reader, maxLineBytes int) error {
	decoder := protocol.NewDecoder(stdout, maxLineBytes)
	for {
		raw, err := decoder.Decode()
		if err != nil {
			if errors.IsMalformedMessageError(err) {
				r.reportMalformed(generation, err)
				continue
			}
			if err == io.EOF {
				return nil
			}
			return errors.NewIOError("failed to read assistant output", err)
		}

		message, err := protocol.ParseInbound(raw)
		if err != nil {
			r.reportMalformed(generation, err)
			continue
		}
		r.dispatch(generation, message)
	}
}

func (r *Router) reportMalformed(generation int, err error) {
	r.mu.Lock()
	current := r.attached && r.generation == generation
	if current {
		r.stats.Malformed++
	}
	r.mu.Unlock()
	if !current {
		return
	}

	metrics.RecordMalformed()
	if r.malformedSink != nil {
		r.malformedSink(err)
	} else {
		r.logger.Warnf("Malformed message from assistant, error: %v", err)
	}
}

// dispatch resolves at most one pending request and independently publishes
// to every matching subscriber, all under the router lock.
func (r *Router) dispatch(generation int, message protocol.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.attached || r.generation != generation {
		return
	}
	r.stats.Inbound++
	metrics.RecordInbound(message.Type)

	for _, id := range message.CorrelationIDs() {
		if request, ok := r.pending[id]; ok {
			delete(r.pending, id)
			request.result <- pendingResult{message: message}
			r.stats.Correlated++
			break
		}
	}

	for _, sub := range r.subscriptions {
		if sub.matches(message.Type) {
			sub.push(message)
		}
	}
}

func (r *Router) writeLoop(ctx context.Context, generation int, encoder *protocol.Encoder) error {
	for {
		message, ok := r.next(ctx, generation)
		if !ok {
			return nil
		}
		if err := encoder.Encode(message); err != nil {
			return errors.NewIOError("failed to write to assistant", err).
				WithContext("type", message.Type())
		}

		r.mu.Lock()
		r.stats.Outbound++
		r.mu.Unlock()
		metrics.RecordOutbound(message.Type())
	}
}

func (r *Router) next(ctx context.Context, generation int) (protocol.OutboundMessage, bool) {
	for {
		r.mu.Lock()
		if !r.attached || r.generation != generation {
			r.mu.Unlock()
			return protocol.OutboundMessage{}, false
		}
		if len(r.queue) > 0 {
			message := r.queue[0]
			r.queue[0] = protocol.OutboundMessage{}
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return message, true
		}
		r.mu.Unlock()

		select {
		case <-r.queueSignal:
		case <-ctx.Done():
			return protocol.OutboundMessage{}, false
		}
	}
}
