// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the wire codec for JSON-RPC 2.0 messages used
// by the gateway: parsing, classification into request/notification/response/
// error, and serialization.
package jsonrpc2

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// ID is a JSON-RPC request identifier: a string, a number, or absent/null.
type ID struct {
	value any
}

// StringID creates a string-valued request ID.
func StringID(s string) ID { return ID{value: s} }

// Int64ID creates a number-valued request ID.
func Int64ID(i int64) ID { return ID{value: i} }

// IsValid reports whether id carries a value (as opposed to the zero ID,
// which marshals to JSON null and denotes a notification).
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying string, int64, or nil value.
func (id ID) Raw() any { return id.value }

func (id ID) String() string {
	switch v := id.value.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		id.value = nil
	case string:
		id.value = x
	case float64:
		id.value = int64(x)
	default:
		return fmt.Errorf("jsonrpc2: invalid id type %T", v)
	}
	return nil
}

// Kind classifies a decoded JSON-RPC value, per the tie-break rules in the
// codec's Classify predicate: presence of id+method is a request, method
// alone is a notification, id+result is a response, id+error is an error.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is the closed set of concrete JSON-RPC value types: *Request,
// *Response, and *ErrorResponse. A *Request with an invalid ID is a
// notification.
type Message interface {
	Kind() Kind
	marshal(*wireMessage)
}

// Request is a JSON-RPC call (ID.IsValid()) or notification (!ID.IsValid()).
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

func (r *Request) Kind() Kind {
	if r.ID.IsValid() {
		return KindRequest
	}
	return KindNotification
}

func (r *Request) marshal(w *wireMessage) {
	w.ID = &r.ID
	w.Method = r.Method
	w.Params = r.Params
}

// Response is a successful reply to a Request.
type Response struct {
	ID     ID
	Result json.RawMessage
}

func (*Response) Kind() Kind { return KindResponse }

func (r *Response) marshal(w *wireMessage) {
	w.ID = &r.ID
	w.Result = r.Result
}

// ErrorResponse is a failed reply to a Request.
type ErrorResponse struct {
	ID    ID
	Error *Error
}

func (*ErrorResponse) Kind() Kind { return KindError }

func (r *ErrorResponse) marshal(w *wireMessage) {
	w.ID = &r.ID
	w.Err = r.Error
}

// Error is the {code, message, data?} object carried by an ErrorResponse.
// Standard codes are declared below; any int is otherwise legal.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC / MCP gateway error codes. The envelope validator and
// session object produce Parse, InvalidRequest, BadRequest and
// SessionNotFound, and the session object also reports InternalError when
// an agent's Init or OnMessage fails; MethodNotFound and InvalidParams come
// from application collaborators such as agent.Server.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeBadRequest      = -32000 // generic envelope violation (method/accept/type/size)
	CodeSessionNotFound = -32001
)

// NewError builds an *Error, used when constructing an ErrorResponse.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}
