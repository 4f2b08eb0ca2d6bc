package protocol

import (
	"encoding/json"
)

// Kind is the decoded variant of an inbound message type. KindUnknown is a
// valid variant: such messages are still routed by their type string.
type Kind int

const (
	KindUnknown Kind = iota
	KindAssistantMessage
	KindStreamDelta
	KindToolUseRequest
	KindError
	KindResult
	KindSystem
)

// Recognised inbound type strings
const (
	TypeAssistantMessage = "assistant_message"
	TypeStreamDelta      = "stream_delta"
	TypeToolUseRequest   = "tool_use_request"
	TypeError            = "error"
	TypeResult           = "result"
	TypeSystem           = "system"
)

var kindsByType = map[string]Kind{
	TypeAssistantMessage: KindAssistantMessage,
	TypeStreamDelta:      KindStreamDelta,
	TypeToolUseRequest:   KindToolUseRequest,
	TypeError:            KindError,
	TypeResult:           KindResult,
	TypeSystem:           KindSystem,
}

func KindOf(messageType string) Kind {
	return kindsByType[messageType]
}

func (k Kind) String() string {
	switch k {
	case KindAssistantMessage:
		return TypeAssistantMessage
	case KindStreamDelta:
		return TypeStreamDelta
	case KindToolUseRequest:
		return TypeToolUseRequest
	case KindError:
		return TypeError
	case KindResult:
		return TypeResult
	case KindSystem:
		return TypeSystem
	default:
		return "unknown"
	}
}

// Variant is the typed payload of an inbound message
type Variant interface {
	Kind() Kind
}

type AssistantMessage struct {
	Content    string `json:"content"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type StreamDelta struct {
	Delta string `json:"delta"`
	Index int    `json:"index,omitempty"`
	Final bool   `json:"final,omitempty"`
}

type ToolUseRequest struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ErrorMessage is the assistant's error envelope; Code is machine readable
type ErrorMessage struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type Result struct {
	IsError    bool   `json:"is_error,omitempty"`
	Result     string `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

type System struct {
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Unknown carries a message whose type this host does not model
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (AssistantMessage) Kind() Kind { return KindAssistantMessage }
func (StreamDelta) Kind() Kind      { return KindStreamDelta }
func (ToolUseRequest) Kind() Kind   { return KindToolUseRequest }
func (ErrorMessage) Kind() Kind     { return KindError }
func (Result) Kind() Kind           { return KindResult }
func (System) Kind() Kind           { return KindSystem }
func (Unknown) Kind() Kind          { return KindUnknown }

// Variant decodes the typed payload for the message kind
func (m InboundMessage) Variant() (Variant, error) {
	switch m.Kind {
	case KindAssistantMessage:
		var v AssistantMessage
		err := m.Decode(&v)
		return v, err
	case KindStreamDelta:
		var v StreamDelta
		err := m.Decode(&v)
		return v, err
	case KindToolUseRequest:
		var v ToolUseRequest
		err := m.Decode(&v)
		return v, err
	case KindError:
		var v ErrorMessage
		err := m.Decode(&v)
		return v, err
	case KindResult:
		var v Result
		err := m.Decode(&v)
		return v, err
	case KindSystem:
		var v System
		err := m.Decode(&v)
		return v, err
	default:
		return Unknown{Type: m.Type, Raw: m.Raw}, nil
	}
}
