// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"bytes"
	"fmt"

	"github.com/segmentio/encoding/json"
)

const wireVersion = "2.0"

// wireMessage is the union of all JSON-RPC 2.0 fields, used to marshal and
// unmarshal any Message without knowing its kind in advance.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// Encode serializes msg to its JSON-RPC 2.0 wire form.
func Encode(msg Message) ([]byte, error) {
	w := wireMessage{JSONRPC: wireVersion}
	msg.marshal(&w)
	data, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc2: encode: %w", err)
	}
	return data, nil
}

// Decode parses a single JSON value into a classified Message. It implements
// the codec's Classify predicate: presence of id+method is a request (or
// notification, if id is absent/null), id+result is a response, and
// id+error is an error. Any other shape fails with CodeParseError.
func Decode(data []byte) (Message, error) {
	if err := validateFieldCase(data, &wireMessage{}); err != nil {
		return nil, &Error{Code: CodeParseError, Message: err.Error()}
	}
	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, &Error{Code: CodeParseError, Message: fmt.Sprintf("malformed JSON-RPC message: %v", err)}
	}

	switch {
	case w.Method != "":
		id := ID{}
		if w.ID != nil {
			id = *w.ID
		}
		return &Request{ID: id, Method: w.Method, Params: w.Params}, nil
	case w.ID != nil && w.Err != nil:
		return &ErrorResponse{ID: *w.ID, Error: w.Err}, nil
	case w.ID != nil && w.Result != nil:
		return &Response{ID: *w.ID, Result: w.Result}, nil
	default:
		return nil, &Error{Code: CodeParseError, Message: "unclassifiable JSON-RPC value"}
	}
}

// ReadBatch parses raw as either a single JSON-RPC message or a JSON array of
// messages (a batch), returning the decoded messages in wire order. The
// second return reports whether raw was an array.
func ReadBatch(raw []byte) ([]Message, bool, error) {
	trimmed := trimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, &Error{Code: CodeParseError, Message: "empty body"}
	}
	if trimmed[0] == '[' {
		var rawMsgs []json.RawMessage
		if err := json.Unmarshal(trimmed, &rawMsgs); err != nil {
			return nil, true, &Error{Code: CodeParseError, Message: fmt.Sprintf("malformed batch: %v", err)}
		}
		if len(rawMsgs) == 0 {
			return nil, true, &Error{Code: CodeInvalidRequest, Message: "batch must not be empty"}
		}
		msgs := make([]Message, len(rawMsgs))
		for i, rm := range rawMsgs {
			m, err := Decode(rm)
			if err != nil {
				return nil, true, err
			}
			msgs[i] = m
		}
		return msgs, true, nil
	}
	m, err := Decode(trimmed)
	if err != nil {
		return nil, false, err
	}
	return []Message{m}, false, nil
}

// IsInitialize reports whether msg is a request invoking the "initialize"
// lifecycle method.
func IsInitialize(msg Message) bool {
	req, ok := msg.(*Request)
	return ok && req.Kind() == KindRequest && req.Method == "initialize"
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isWhitespace(b[i]) {
		i++
	}
	for j > i && isWhitespace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
