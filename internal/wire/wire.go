// Package wire defines the JSON-RPC 2.0 envelope exchanged with a child
// process and the rules for classifying inbound frames.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only JSON-RPC protocol version accepted on the wire.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a JSON-RPC 2.0 request, notification or response.
//
// Field order is the canonical envelope order (jsonrpc, method, params, id),
// which encoding/json preserves when marshaling. A nil ID marshals as an
// omitted id, which is how notifications are written.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request envelope. params is marshaled eagerly so that
// encoding failures surface before an id is put on the wire.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	rid := NumberID(id)
	return &Message{JSONRPC: Version, Method: method, Params: raw, ID: &rid}, nil
}

// NewNotification builds a notification envelope (no id).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response for a peer-initiated request.
func NewResult(id RequestID, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: &id, Result: data}, nil
}

// NewErrorResponse builds an error response for a peer-initiated request.
func NewErrorResponse(id RequestID, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message}}
}

// MarshalParams encodes params, returning nil when params is nil or encodes
// to JSON null so the field is omitted from the envelope.
func MarshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		if isNull(raw) {
			return nil, nil
		}
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal params: %w", err)
	}
	if isNull(data) {
		return nil, nil
	}
	return data, nil
}

// Decode parses one frame payload and validates it as a JSON-RPC 2.0 message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wire: invalid JSON: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

var (
	errVersion        = errors.New("wire: missing or unsupported jsonrpc version")
	errRequestResult  = errors.New("wire: request carries result or error")
	errResultAndError = errors.New("wire: response carries both result and error")
	errNoResult       = errors.New("wire: response carries neither result nor error")
)

// Validate enforces the JSON-RPC 2.0 envelope rules.
func (m *Message) Validate() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("%w: %q", errVersion, m.JSONRPC)
	}
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	if m.Method != "" {
		if hasResult || hasError {
			return errRequestResult
		}
		return nil
	}
	if hasResult && hasError {
		return errResultAndError
	}
	if !hasResult && !hasError {
		return errNoResult
	}
	return nil
}

// Kind classifies the message. A method with an absent or null id is a
// notification; a method with an id is a peer-initiated request.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID == nil:
		return KindNotification
	case m.Method != "":
		return KindRequest
	case len(m.Result) > 0 || m.Error != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
