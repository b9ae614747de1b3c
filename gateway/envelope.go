// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// MaxBodyBytes is the maximum accepted size, in bytes, of a POST body. It
// matches the MCP gateway's documented envelope limit of 4 MiB.
const MaxBodyBytes int64 = 4 * 1024 * 1024

// EnvelopeError is a rejection produced by the HTTP envelope validator: an
// HTTP status to report plus the JSON-RPC error to send in the body. It is
// always keyed to id=null, since envelope violations precede any request ID
// that might be present in the body.
type EnvelopeError struct {
	Status int
	Code   int
	Msg    string
}

func (e *EnvelopeError) Error() string { return e.Msg }

func envErr(status, code int, format string, args ...any) *EnvelopeError {
	return &EnvelopeError{Status: status, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// AcceptOK reports whether the Accept header (possibly repeated, possibly
// comma-separated within a single header per RFC 9110) offers the given
// media types. A request with no Accept header at all is treated as
// accepting everything, matching net/http's own default client behavior.
func AcceptOK(header http.Header, want ...string) bool {
	values := header.Values("Accept")
	if len(values) == 0 {
		return true
	}
	have := map[string]bool{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			have[strings.TrimSpace(strings.SplitN(part, ";", 2)[0])] = true
		}
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

// CheckMethod rejects methods other than the ones the endpoint allows.
func CheckMethod(r *http.Request, allowed ...string) *EnvelopeError {
	for _, m := range allowed {
		if r.Method == m {
			return nil
		}
	}
	return envErr(http.StatusMethodNotAllowed, jsonrpc2.CodeBadRequest, "method %s not allowed", r.Method)
}

// CheckContentType rejects a POST whose Content-Type does not include
// application/json.
func CheckContentType(r *http.Request) *EnvelopeError {
	ct := r.Header.Get("Content-Type")
	for _, part := range strings.Split(ct, ";") {
		if strings.TrimSpace(part) == "application/json" {
			return nil
		}
	}
	return envErr(http.StatusUnsupportedMediaType, jsonrpc2.CodeBadRequest, "Content-Type must include application/json")
}

// ReadLimitedBody reads r.Body up to MaxBodyBytes, failing closed (413)
// before any JSON parsing is attempted if the body is larger.
func ReadLimitedBody(r *http.Request) ([]byte, *EnvelopeError) {
	if r.ContentLength > MaxBodyBytes {
		return nil, envErr(http.StatusRequestEntityTooLarge, jsonrpc2.CodeBadRequest, "request body exceeds %d bytes", MaxBodyBytes)
	}
	limited := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, envErr(http.StatusRequestEntityTooLarge, jsonrpc2.CodeBadRequest, "request body exceeds %d bytes", MaxBodyBytes)
	}
	return body, nil
}

// ParseBatch parses body into JSON-RPC messages, per the codec's
// classification rules. Parse/classification failures are reported as
// -32700, except that an invalid-request error from the codec (such as an
// empty batch) is reported as -32600.
func ParseBatch(body []byte) ([]jsonrpc2.Message, bool, *EnvelopeError) {
	msgs, isBatch, err := jsonrpc2.ReadBatch(body)
	if err != nil {
		if rpcErr, ok := err.(*jsonrpc2.Error); ok && rpcErr.Code == jsonrpc2.CodeInvalidRequest {
			return nil, isBatch, envErr(http.StatusBadRequest, jsonrpc2.CodeInvalidRequest, "%s", rpcErr.Message)
		}
		return nil, isBatch, envErr(http.StatusBadRequest, jsonrpc2.CodeParseError, "%s", err.Error())
	}
	return msgs, isBatch, nil
}

// CheckInitializePlacement enforces the two lifecycle rules that must hold
// before a session even exists: if an initialize request is present, the
// batch must contain exactly that one message, and the Mcp-Session-Id header
// must be absent.
func CheckInitializePlacement(msgs []jsonrpc2.Message, sessionHeader string) *EnvelopeError {
	hasInit := false
	for _, m := range msgs {
		if jsonrpc2.IsInitialize(m) {
			hasInit = true
			break
		}
	}
	if !hasInit {
		return nil
	}
	if len(msgs) != 1 {
		return envErr(http.StatusBadRequest, jsonrpc2.CodeInvalidRequest, "initialize must not be batched with other messages")
	}
	if sessionHeader != "" {
		return envErr(http.StatusBadRequest, jsonrpc2.CodeInvalidRequest, "initialize must not carry an Mcp-Session-Id header")
	}
	return nil
}

// WriteEnvelopeError writes e as a JSON-RPC error response with id=null,
// using e.Status as the HTTP status.
func WriteEnvelopeError(w http.ResponseWriter, e *EnvelopeError) {
	WriteJSONRPCError(w, e.Status, jsonrpc2.ID{}, e.Code, e.Msg)
}

// WriteJSONRPCError writes {jsonrpc, error: {code, message}, id} with the
// given HTTP status.
func WriteJSONRPCError(w http.ResponseWriter, status int, id jsonrpc2.ID, code int, msg string) {
	resp := &jsonrpc2.ErrorResponse{ID: id, Error: jsonrpc2.NewError(code, msg)}
	data, err := jsonrpc2.Encode(resp)
	if err != nil {
		http.Error(w, msg, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
