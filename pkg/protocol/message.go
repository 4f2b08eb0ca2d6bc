package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/core-tools/hsu-assistant/pkg/errors"
)

const (
	FieldType      = "type"
	FieldRequestID = "request_id"
	FieldMessageID = "message_id"
)

// InboundMessage is one decoded line from the assistant. Raw holds the exact
// bytes that were read; the other fields are extracted from it.
type InboundMessage struct {
	Type      string
	RequestID string
	MessageID string
	Kind      Kind
	Raw       json.RawMessage
}

// ParseInbound extracts the envelope fields from a decoded line. Values that
// are not JSON objects or lack a string type are malformed.
func ParseInbound(raw json.RawMessage) (InboundMessage, error) {
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return InboundMessage{}, errors.NewMalformedMessageError("message is not a JSON object", nil).
			WithContext("snippet", snippet(raw))
	}

	typ := result.Get(FieldType)
	if typ.Type != gjson.String || typ.Str == "" {
		return InboundMessage{}, errors.NewMalformedMessageError("message has no type", nil).
			WithContext("snippet", snippet(raw))
	}

	return InboundMessage{
		Type:      typ.Str,
		RequestID: idField(result, FieldRequestID),
		MessageID: idField(result, FieldMessageID),
		Kind:      KindOf(typ.Str),
		Raw:       raw,
	}, nil
}

// Correlation ids may be strings or numbers on the wire
func idField(result gjson.Result, field string) string {
	value := result.Get(field)
	switch value.Type {
	case gjson.String:
		return value.Str
	case gjson.Number:
		return value.Raw
	default:
		return ""
	}
}

// CorrelationIDs lists the ids a pending request may be keyed by, request_id first
func (m InboundMessage) CorrelationIDs() []string {
	ids := make([]string, 0, 2)
	if m.RequestID != "" {
		ids = append(ids, m.RequestID)
	}
	if m.MessageID != "" && m.MessageID != m.RequestID {
		ids = append(ids, m.MessageID)
	}
	return ids
}

// Get reads a payload field using gjson path syntax
func (m InboundMessage) Get(path string) gjson.Result {
	return gjson.GetBytes(m.Raw, path)
}

// Decode unmarshals the full message into v
func (m InboundMessage) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return errors.NewMalformedMessageError("failed to decode "+m.Type+" payload", err)
	}
	return nil
}

// MarshalJSON returns the message exactly as it was read
func (m InboundMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("null"), nil
	}
	return m.Raw, nil
}

// OutboundMessage is a JSON object with a string type, edited with sjson.
// Editing methods return a new message and leave the receiver untouched.
type OutboundMessage struct {
	raw []byte
}

// NewOutbound creates {"type": messageType}
func NewOutbound(messageType string) (OutboundMessage, error) {
	if messageType == "" {
		return OutboundMessage{}, errors.NewValidationError("message type is required", nil)
	}
	raw, err := sjson.SetBytes([]byte(`{}`), FieldType, messageType)
	if err != nil {
		return OutboundMessage{}, errors.NewInternalError("failed to build message", err)
	}
	return OutboundMessage{raw: raw}, nil
}

// ParseOutbound validates raw JSON as an outbound envelope
func ParseOutbound(raw []byte) (OutboundMessage, error) {
	if !gjson.ValidBytes(raw) {
		return OutboundMessage{}, errors.NewValidationError("message is not valid JSON", nil)
	}
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return OutboundMessage{}, errors.NewValidationError("message must be a JSON object", nil)
	}
	if typ := result.Get(FieldType); typ.Type != gjson.String || typ.Str == "" {
		return OutboundMessage{}, errors.NewValidationError("message type is required", nil)
	}
	return OutboundMessage{raw: append([]byte(nil), raw...)}, nil
}

// MarshalOutbound builds an envelope from any value that marshals to an object with a type
func MarshalOutbound(v interface{}) (OutboundMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return OutboundMessage{}, errors.NewValidationError("failed to marshal message", err)
	}
	return ParseOutbound(raw)
}

// Set returns a copy with path set to value
func (m OutboundMessage) Set(path string, value interface{}) (OutboundMessage, error) {
	if path == FieldType {
		if s, ok := value.(string); !ok || s == "" {
			return m, errors.NewValidationError("message type must be a non-empty string", nil)
		}
	}
	raw, err := sjson.SetBytes(m.Bytes(), path, value)
	if err != nil {
		return m, errors.NewValidationError("failed to set "+path, err)
	}
	return OutboundMessage{raw: raw}, nil
}

// WithRequestID returns a copy carrying request_id
func (m OutboundMessage) WithRequestID(requestID string) (OutboundMessage, error) {
	return m.Set(FieldRequestID, requestID)
}

func (m OutboundMessage) Type() string {
	return gjson.GetBytes(m.raw, FieldType).String()
}

func (m OutboundMessage) RequestID() string {
	return idField(gjson.ParseBytes(m.raw), FieldRequestID)
}

func (m OutboundMessage) IsZero() bool {
	return len(m.raw) == 0
}

// Bytes returns a copy of the encoded message
func (m OutboundMessage) Bytes() []byte {
	return append([]byte(nil), m.raw...)
}

func (m OutboundMessage) MarshalJSON() ([]byte, error) {
	if len(m.raw) == 0 {
		return nil, errors.NewValidationError("empty outbound message", nil)
	}
	return m.raw, nil
}

func (m OutboundMessage) String() string {
	return string(m.raw)
}
