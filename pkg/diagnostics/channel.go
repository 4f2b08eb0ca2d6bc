// Package diagnostics captures the assistant's stderr, keeps a bounded tail of
// it and classifies process exits into actionable categories.
package diagnostics

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/process"
)

type Config struct {
	MaxLines int `yaml:"max_lines"`
	MaxBytes int `yaml:"max_bytes"`
}

func DefaultConfig() Config {
	return Config{
		MaxLines: 200,
		MaxBytes: 64 * 1024,
	}
}

type EventKind string

const (
	EventStderr         EventKind = "stderr"
	EventMalformed      EventKind = "malformed_message"
	EventClassification EventKind = "classification"
)

// Event is one diagnostic observation published to subscribers
type Event struct {
	Kind           EventKind
	Time           time.Time
	PID            int
	Line           string
	Err            error
	Classification *Classification
}

// Channel retains the stderr window of the current run. Subscribers get
// events on a best-effort basis: a full subscriber buffer drops the event.
type Channel struct {
	config Config
	logger logging.Logger

	mu          sync.Mutex
	lines       []string
	bytes       int
	generation  int
	drained     chan struct{}
	subscribers map[int]chan Event
	nextSubID   int
	closed      bool
}

func withDefaults(config Config) Config {
	if config.MaxLines <= 0 {
		config.MaxLines = DefaultConfig().MaxLines
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	return config
}

func NewChannel(config Config, logger logging.Logger) *Channel {
	config = withDefaults(config)
	drained := make(chan struct{})
	close(drained)
	return &Channel{
		config:      config,
		logger:      logger,
		drained:     drained,
		subscribers: make(map[int]chan Event),
	}
}

// Capture starts reading a new run's stderr. The previous window is dropped
// and any reader still attached to an older run stops contributing.
func (c *Channel) Capture(pid int, stderr io.Reader) {
	c.mu.Lock()
	c.generation++
	generation := c.generation
	c.lines = nil
	c.bytes = 0
	drained := make(chan struct{})
	c.drained = drained
	maxBytes := c.config.MaxBytes
	c.mu.Unlock()

	c.logger.Debugf("Capturing diagnostics, PID: %d", pid)

	go func() {
		defer close(drained)
		reader := bufio.NewReader(stderr)
		for {
			line, err := readBoundedLine(reader, maxBytes)
			if len(line) > 0 || err == nil {
				c.append(generation, pid, line)
			}
			if err != nil {
				if err != io.EOF {
					c.logger.Debugf("Diagnostics stream ended, PID: %d, error: %v", pid, err)
				}
				return
			}
		}
	}()
}

// WaitDrained waits until the current capture reached end of stream
func (c *Channel) WaitDrained(timeout time.Duration) bool {
	c.mu.Lock()
	drained := c.drained
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Channel) append(generation, pid int, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || generation != c.generation {
		return
	}

	c.lines = append(c.lines, line)
	c.bytes += len(line)
	for len(c.lines) > c.config.MaxLines || (c.bytes > c.config.MaxBytes && len(c.lines) > 1) {
		c.bytes -= len(c.lines[0])
		c.lines = c.lines[1:]
	}

	c.publishLocked(Event{Kind: EventStderr, Time: time.Now(), PID: pid, Line: line})
}

// Reconfigure replaces the window limits from the next Capture on
func (c *Channel) Reconfigure(config Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = withDefaults(config)
}

// Tail returns a copy of the retained window, oldest line first
func (c *Channel) Tail() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// ReportMalformed publishes a non-fatal protocol decode failure
func (c *Channel) ReportMalformed(err error) {
	c.logger.Warnf("Malformed message from assistant, error: %v", err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.publishLocked(Event{Kind: EventMalformed, Time: time.Now(), Err: err})
}

// Classify classifies an exit against the retained window and publishes the result
func (c *Channel) Classify(pid int, exit process.ExitStatus) Classification {
	classification := Classify(c.Tail(), exit)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		result := classification
		c.publishLocked(Event{
			Kind:           EventClassification,
			Time:           time.Now(),
			PID:            pid,
			Line:           classification.Message,
			Classification: &result,
		})
	}
	return classification
}

// Subscribe returns a stream of events and a cancel function. The stream is
// closed on cancel or when the channel closes.
func (c *Channel) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close closes every subscription; later events are discarded
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, sub := range c.subscribers {
		delete(c.subscribers, id)
		close(sub)
	}
}

func (c *Channel) publishLocked(event Event) {
	for _, sub := range c.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// readBoundedLine reads one line without its terminator, keeping at most
// limit bytes and discarding the rest of an oversize line
func readBoundedLine(reader *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		fragment, isPrefix, err := reader.ReadLine()
		if room := limit - len(line); room > 0 {
			if len(fragment) > room {
				fragment = fragment[:room]
			}
			line = append(line, fragment...)
		}
		if err != nil {
			return string(line), err
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}
