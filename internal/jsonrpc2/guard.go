// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc2

import (
	"reflect"
	"strings"

	"github.com/segmentio/encoding/json"
)

// validateFieldCase rejects JSON objects whose top-level keys match one of
// v's expected JSON field names only up to case, e.g. "ID" where "id" is
// expected. encoding/json matches field names case-insensitively by default,
// which would otherwise let a client smuggle a second "id" or "method" past
// whatever the first decode already inspected.
func validateFieldCase(data []byte, v any) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// Not a JSON object (e.g. an array); nothing to validate here.
		return nil
	}
	expected := expectedFieldNames(v)
	for key := range raw {
		if expected[key] {
			continue
		}
		lower := strings.ToLower(key)
		for name := range expected {
			if strings.ToLower(name) == lower {
				return &Error{Code: CodeParseError, Message: "field name case mismatch: got " + key + ", expected " + name}
			}
		}
	}
	return nil
}

func expectedFieldNames(v any) map[string]bool {
	fields := make(map[string]bool)
	t := reflect.TypeOf(v)
	if t == nil {
		return fields
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fields
	}
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx != -1 {
			tag = tag[:idx]
		}
		if tag != "" {
			fields[tag] = true
		}
	}
	return fields
}
