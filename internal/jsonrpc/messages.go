// Package jsonrpc implements the JSON-RPC 2.0 envelope carried over the
// gateway's multiplexed endpoint. The set of method names and their parameter
// schemas is owned by the operation catalogue; this package only concerns
// itself with framing.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only supported JSON-RPC protocol version.
const Version = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603

	// ErrorCodeAuthenticationRequired is returned when a protected method is
	// invoked without an authenticated identity context. It is deliberately
	// distinct from the generic error codes so callers can trigger an
	// authorization flow instead of treating the failure as a server fault.
	ErrorCodeAuthenticationRequired ErrorCode = -32001

	// ErrorCodeTransportUnavailable is returned when a requested transport
	// (e.g. a duplex upgrade) cannot be delivered by the current negotiation.
	ErrorCodeTransportUnavailable ErrorCode = -32002
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request represents a request (with an ID) or a notification (without one).
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response represents a JSON-RPC response. The ID field is never omitted:
// a response whose request ID could not be determined (e.g. a parse-error
// reply) must carry an explicit null ID.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id"`
}

// NewResultResponse builds a success response, marshaling result.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{Version: Version, Result: b, ID: id}, nil
}

// NewErrorResponse builds an error response with the given code and message.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		Version: Version,
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// ParseRequest decodes and validates a single inbound request or notification.
// Batch arrays are rejected: the gateway transport forbids them.
func ParseRequest(raw []byte) (*Request, error) {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return nil, fmt.Errorf("batch requests are not supported")
		}
		break
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	if req.Version != Version {
		return nil, fmt.Errorf("unsupported JSON-RPC version %q", req.Version)
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return &req, nil
}
