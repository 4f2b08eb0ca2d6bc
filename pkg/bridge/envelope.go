package bridge

import (
	stderrors "errors"

	"github.com/core-tools/hsu-assistant/pkg/diagnostics"
	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/protocol"
	"github.com/core-tools/hsu-assistant/pkg/supervisor"
)

// Envelope types the host adds to the assistant's own message stream
const (
	TypeHello      = "host.hello"
	TypeState      = "host.state"
	TypeDiagnostic = "host.diagnostic"
	TypeAck        = "host.ack"
	TypeError      = "host.error"

	CommandConnect    = "host.connect"
	CommandDisconnect = "host.disconnect"
	CommandRestart    = "host.restart"
)

type field struct {
	path  string
	value interface{}
}

func envelope(messageType string, fields ...field) []byte {
	message, err := protocol.NewOutbound(messageType)
	if err != nil {
		return nil
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if s, ok := f.value.(string); ok && s == "" {
			continue
		}
		if next, err := message.Set(f.path, f.value); err == nil {
			message = next
		}
	}
	return message.Bytes()
}

func helloEnvelope(sessionID string, state supervisor.State) []byte {
	return envelope(TypeHello,
		field{"session_id", sessionID},
		field{"state", string(state)},
	)
}

func stateEnvelope(change supervisor.StateChange) []byte {
	fields := []field{
		{"state", string(change.State)},
		{"previous", string(change.Previous)},
		{"time", change.Time.UnixMilli()},
	}
	if change.PID != 0 {
		fields = append(fields, field{"pid", change.PID})
	}
	if change.Attempt != 0 {
		fields = append(fields, field{"attempt", change.Attempt})
	}
	if change.Delay != 0 {
		fields = append(fields, field{"delay_ms", change.Delay.Milliseconds()})
	}
	if change.Err != nil {
		fields = append(fields,
			field{"error.type", errorType(change.Err)},
			field{"error.message", change.Err.Error()},
		)
	}
	if change.Classification != nil {
		fields = append(fields,
			field{"classification.category", string(change.Classification.Category)},
			field{"classification.message", change.Classification.Message},
			field{"classification.recoverable", change.Classification.Recoverable},
		)
	}
	return envelope(TypeState, fields...)
}

func diagnosticEnvelope(event diagnostics.Event) []byte {
	fields := []field{
		{"kind", string(event.Kind)},
		{"time", event.Time.UnixMilli()},
		{"line", event.Line},
	}
	if event.PID != 0 {
		fields = append(fields, field{"pid", event.PID})
	}
	if event.Err != nil {
		fields = append(fields, field{"error", event.Err.Error()})
	}
	if event.Classification != nil {
		fields = append(fields,
			field{"category", string(event.Classification.Category)},
			field{"recoverable", event.Classification.Recoverable},
		)
	}
	return envelope(TypeDiagnostic, fields...)
}

func ackEnvelope(command, requestID string, err error) []byte {
	fields := []field{
		{"command", command},
		{"request_id", requestID},
		{"ok", err == nil},
	}
	if err != nil {
		fields = append(fields,
			field{"error.type", errorType(err)},
			field{"error.message", err.Error()},
		)
	}
	return envelope(TypeAck, fields...)
}

func errorEnvelope(requestID string, err error) []byte {
	return envelope(TypeError,
		field{"request_id", requestID},
		field{"error.type", errorType(err)},
		field{"error.message", err.Error()},
	)
}

// errorType is the domain error type of err, or "internal"
func errorType(err error) string {
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		return string(domainErr.Type)
	}
	return string(errors.ErrorTypeInternal)
}
