// Package jsonrpc defines the JSON-RPC 2.0 wire types used by every
// transport engine. Request ids are UUID strings generated fresh for
// each attempt so that a stale in-flight reply from a previous attempt
// can never be mis-correlated with the current one.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version used by MCP.
const Version = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a request with a freshly generated id.
func NewRequest(method string, params any) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Matches reports whether the response id correlates with the given
// request id. Servers are free to echo the id as a JSON string or
// number, so the comparison goes through a string normalization.
func (r *Response) Matches(id string) bool {
	return IDString(r.ID) == id
}

// Complete reports whether the response carries a result or an error.
// A response with neither is not a valid JSON-RPC reply.
func (r *Response) Complete() bool {
	return r.Result != nil || r.Error != nil
}

// IDString normalizes a decoded JSON-RPC id value to a string.
// Strings pass through; numbers are rendered without a decimal point
// when integral; nil becomes the empty string.
func IDString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrorText extracts a human-readable message from a decoded error
// value. JSON-RPC error objects yield their message field; anything
// else is serialized back to JSON as a fallback.
func ErrorText(errVal any) string {
	if m, ok := errVal.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	data, err := json.Marshal(errVal)
	if err != nil {
		return fmt.Sprintf("%v", errVal)
	}
	return string(data)
}

// Notification is a JSON-RPC 2.0 notification (no id, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}
