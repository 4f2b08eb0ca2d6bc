package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
	"github.com/core-tools/hsu-assistant/pkg/protocol"
	"github.com/core-tools/hsu-assistant/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 16 << 20
	commandTimeout = 30 * time.Second
)

// client relays one WebSocket connection. Only writeLoop writes to conn.
type client struct {
	conn   *websocket.Conn
	facade session.Facade
	logger logging.Logger
	send   chan []byte
}

func newClient(conn *websocket.Conn, facade session.Facade, buffer int, logger logging.Logger) *client {
	return &client{
		conn:   conn,
		facade: facade,
		logger: logger,
		send:   make(chan []byte, buffer),
	}
}

func (c *client) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	c.enqueue(ctx, helloEnvelope(c.facade.ID(), c.facade.State()))

	// unblocks the reader when anything else ends
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	group.Go(func() error { return c.writeLoop(ctx) })
	group.Go(func() error {
		defer cancel() // a closed client ends every loop
		return c.readLoop(ctx, group)
	})
	group.Go(func() error { c.forwardState(ctx); return nil })
	group.Go(func() error { c.forwardMessages(ctx); return nil })
	group.Go(func() error { c.forwardDiagnostics(ctx); return nil })
	return group.Wait()
}

func (c *client) enqueue(ctx context.Context, frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case c.send <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "host shutting down"),
				time.Now().Add(time.Second))
			return nil
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return errors.NewIOError("failed to write to UI client", err)
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return errors.NewIOError("failed to ping UI client", err)
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context, group *errgroup.Group) error {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.NewIOError("failed to read from UI client", err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(ctx, group, frame)
	}
}

func (c *client) handleFrame(ctx context.Context, group *errgroup.Group, frame []byte) {
	messageType := gjson.GetBytes(frame, protocol.FieldType).String()
	requestID := gjson.GetBytes(frame, protocol.FieldRequestID).String()

	switch messageType {
	case CommandConnect, CommandDisconnect, CommandRestart:
		group.Go(func() error {
			c.enqueue(ctx, ackEnvelope(messageType, requestID, c.runCommand(ctx, messageType)))
			return nil
		})
		return
	}

	message, err := protocol.ParseOutbound(frame)
	if err != nil {
		c.logger.Warnf("Rejecting UI frame, error: %v", err)
		c.enqueue(ctx, errorEnvelope(requestID, err))
		return
	}

	if message.RequestID() == "" {
		if err := c.facade.Send(message); err != nil {
			c.enqueue(ctx, errorEnvelope("", err))
		}
		return
	}

	// The correlated reply reaches the UI through the broadcast stream; only
	// failures are reported here.
	group.Go(func() error {
		if _, err := c.facade.Request(ctx, message); err != nil {
			c.logger.Debugf("UI request failed, request_id: %s, error: %v", message.RequestID(), err)
			c.enqueue(ctx, errorEnvelope(message.RequestID(), err))
		}
		return nil
	})
}

func (c *client) runCommand(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	c.logger.Infof("UI command received, command: %s", command)
	switch command {
	case CommandConnect:
		return c.facade.Connect(ctx)
	case CommandDisconnect:
		return c.facade.Disconnect(ctx)
	default:
		return c.facade.Restart(ctx)
	}
}

func (c *client) forwardState(ctx context.Context) {
	changes, cancel := c.facade.ObserveState()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok || !c.enqueue(ctx, stateEnvelope(change)) {
				return
			}
		}
	}
}

// forwardMessages relays every inbound assistant message verbatim. A
// subscription ends with its run, so it subscribes again for the next one.
func (c *client) forwardMessages(ctx context.Context) {
	for ctx.Err() == nil {
		messages, cancel, err := c.facade.ObserveMessages("")
		if err != nil {
			c.logger.Debugf("Message stream unavailable, error: %v", err)
			return
		}
		c.relay(ctx, messages)
		cancel()
	}
}

func (c *client) relay(ctx context.Context, messages <-chan protocol.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			if !c.enqueue(ctx, message.Raw) {
				return
			}
		}
	}
}

func (c *client) forwardDiagnostics(ctx context.Context) {
	events, cancel := c.facade.ObserveDiagnostics(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok || !c.enqueue(ctx, diagnosticEnvelope(event)) {
				return
			}
		}
	}
}
