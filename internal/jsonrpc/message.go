// Package jsonrpc implements the asynchronous JSON-RPC layer pools and the
// status API talk over: message framing, request/response correlation by id,
// resend-until-answered calls and a method registry for inbound requests.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC request, notification or response. Params and Result
// stay raw until a handler decodes them into the type it expects.
type Message struct {
	ID     any             `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error member of a response. It also implements error so a
// handler can return one to control the code sent back.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts the JSON-RPC 2.0 object form as well as the
// [code, message, data] array and bare string forms used by stratum pools.
func (e *Error) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if len(parts) > 0 {
			var code float64
			if err := json.Unmarshal(parts[0], &code); err == nil {
				e.Code = int(code)
			}
		}
		if len(parts) > 1 {
			var msg string
			if err := json.Unmarshal(parts[1], &msg); err == nil {
				e.Message = msg
			}
		}
		if len(parts) > 2 {
			var extra any
			if err := json.Unmarshal(parts[2], &extra); err == nil {
				e.Data = extra
			}
		}
		return nil
	case '"':
		return json.Unmarshal(data, &e.Message)
	default:
		type plain Error
		return json.Unmarshal(data, (*plain)(e))
	}
}

// NewError builds an Error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRequest creates a request. The id is assigned by the Endpoint on send.
func NewRequest(method string, params any) (*Message, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewNotification creates a request that expects no response.
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest(method, params)
}

// NewResponse creates a successful response to id.
func NewResponse(id any, result any) (*Message, error) {
	raw, err := marshalRaw(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response to id.
func NewErrorResponse(id any, rpcErr *Error) *Message {
	return &Message{ID: id, Error: rpcErr}
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// ParseMessage parses one JSON-RPC message.
func ParseMessage(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage encodes a message without a trailing newline.
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// IsRequest reports whether the message is a call expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether the message is a call without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsError reports whether the message is an error response.
func (m *Message) IsError() bool {
	return m.IsResponse() && m.Error != nil
}

// NumericID returns the id as an integer. Pools echo ids back either as
// numbers or as decimal strings; both are accepted.
func (m *Message) NumericID() (uint64, bool) {
	switch id := m.ID.(type) {
	case json.Number:
		n, err := strconv.ParseUint(id.String(), 10, 64)
		return n, err == nil
	case float64:
		if id < 0 || id != float64(uint64(id)) {
			return 0, false
		}
		return uint64(id), true
	case uint64:
		return id, true
	case int:
		return uint64(id), id >= 0
	case int64:
		return uint64(id), id >= 0
	case string:
		n, err := strconv.ParseUint(id, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// DecodeResult decodes the result member into v.
func (m *Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return fmt.Errorf("message has no result")
	}
	return json.Unmarshal(m.Result, v)
}

// DecodeParams decodes the params member into v.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("message has no params")
	}
	return json.Unmarshal(m.Params, v)
}

// ResultTrue reports whether the message is a response whose result is the
// JSON literal true.
func (m *Message) ResultTrue() bool {
	if !m.IsResponse() || m.Error != nil {
		return false
	}
	var ok bool
	return json.Unmarshal(m.Result, &ok) == nil && ok
}
