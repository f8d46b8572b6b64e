// Package rpc implements the controller↔agent protocol: framed JSON
// messages (request/response/notification/stream) over one persistent
// bidirectional WebSocket connection, with correlation, deadlines, and
// advisory cancellation.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType discriminates protocol frames.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeStream       MessageType = "stream"
)

// MaxFrameSize is the largest accepted single frame. Larger payloads
// must use streaming or external transfer.
const MaxFrameSize = 10 << 20 // 10 MiB

// Reserved method names handled by the transport itself.
const (
	MethodCancel = "rpc.cancel"
)

// ErrorInfo is the wire form of a protocol error.
type ErrorInfo struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Message is one protocol frame. A response or stream reuses the
// originating request's id; notifications carry a fresh id and expect
// no reply.
type Message struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// NewRequest builds a request frame with a fresh id.
func NewRequest(method string, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:      "req-" + uuid.New().String(),
		Type:    TypeRequest,
		Method:  method,
		Payload: raw,
	}, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id string, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: TypeResponse, Payload: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id, code, message string) *Message {
	return &Message{
		ID:    id,
		Type:  TypeResponse,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// NewNotification builds a notification frame with a fresh id.
func NewNotification(method string, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:      "notif-" + uuid.New().String(),
		Type:    TypeNotification,
		Method:  method,
		Payload: raw,
	}, nil
}

// NewStream builds a stream frame correlated to the given request id.
func NewStream(id string, payload interface{}) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Type: TypeStream, Payload: raw}, nil
}

// IsError reports whether the message is an error response.
func (m *Message) IsError() bool {
	return m.Type == TypeResponse && m.Error != nil
}

// StreamCompleted reports whether a stream frame is terminal: its
// payload carries completed=true.
func (m *Message) StreamCompleted() bool {
	if m.Type != TypeStream || len(m.Payload) == 0 {
		return false
	}
	var probe struct {
		Completed bool `json:"completed"`
	}
	if err := json.Unmarshal(m.Payload, &probe); err != nil {
		return false
	}
	return probe.Completed
}

// Validate checks structural frame rules before dispatch.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("frame missing id")
	}
	switch m.Type {
	case TypeRequest, TypeNotification:
		if m.Method == "" {
			return fmt.Errorf("%s frame missing method", m.Type)
		}
	case TypeResponse, TypeStream:
	default:
		return fmt.Errorf("unknown frame type %q", m.Type)
	}
	return nil
}

// Encode marshals the frame, enforcing the size limit.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes (%d)", MaxFrameSize, len(b))
	}
	return b, nil
}

// Decode parses and validates a frame.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes (%d)", MaxFrameSize, len(data))
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// CancelPayload is the payload of an rpc.cancel notification.
type CancelPayload struct {
	ID string `json:"id"`
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
