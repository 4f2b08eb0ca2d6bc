package router

import (
	"sync"

	"github.com/core-tools/hsu-assistant/pkg/protocol"
)

// Subscription is one subscriber's stream. Its queue is unbounded so a slow
// consumer never stalls the reader loop or other subscribers.
type Subscription struct {
	router      *Router
	id          uint64
	messageType string
	out         chan protocol.InboundMessage

	mu       sync.Mutex
	queue    []protocol.InboundMessage
	draining bool
	signal   chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newSubscription(router *Router, id uint64, messageType string) *Subscription {
	s := &Subscription{
		router:      router,
		id:          id,
		messageType: messageType,
		out:         make(chan protocol.InboundMessage),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s
}

// C delivers matching messages in read order and is closed when the stream ends
func (s *Subscription) C() <-chan protocol.InboundMessage {
	return s.out
}

func (s *Subscription) Type() string {
	return s.messageType
}

// Close ends the stream immediately
func (s *Subscription) Close() {
	s.router.unsubscribe(s.id)
	s.finish(false)
}

func (s *Subscription) matches(messageType string) bool {
	return s.messageType == "" || s.messageType == messageType
}

func (s *Subscription) push(message protocol.InboundMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, message)
	s.mu.Unlock()
	s.wake()
}

// finish ends the stream. With drain the messages already queued are still
// delivered; without it nothing more is delivered.
func (s *Subscription) finish(drain bool) {
	if drain {
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
		s.wake()
		return
	}
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		message := s.queue[0]
		s.queue[0] = protocol.InboundMessage{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.out <- message:
		case <-s.done:
			return
		}
	}
}
