// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/segmentio/encoding/json"

	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("test-server", "v0.0.1")
	err := s.AddTool(&Tool{
		Name:        "greet",
		Description: "Greet the caller by name.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name": {Type: "string"},
			},
			Required: []string{"name"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
			var p struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, err
			}
			return &CallToolResult{Content: []Content{NewTextContent("Hello, " + p.Name + "!")}}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHandleInitialize(t *testing.T) {
	s := newTestServer(t)
	result, rpcErr := s.Handle(context.Background(), "initialize", []byte(`{"protocolVersion":"2025-06-18","clientInfo":{"name":"c","version":"1"}}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	init, ok := result.(*InitializeResult)
	if !ok {
		t.Fatalf("got %T, want *InitializeResult", result)
	}
	if init.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", init.ProtocolVersion, ProtocolVersion)
	}
	if init.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo.name = %q, want test-server", init.ServerInfo.Name)
	}
	if init.Capabilities.Tools == nil {
		t.Error("tools capability not advertised")
	}
}

func TestHandlePing(t *testing.T) {
	s := newTestServer(t)
	result, rpcErr := s.Handle(context.Background(), "ping", nil)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{}" {
		t.Errorf("ping result = %s, want {}", data)
	}
}

func TestHandleToolsList(t *testing.T) {
	s := newTestServer(t)
	result, rpcErr := s.Handle(context.Background(), "tools/list", nil)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	list, ok := result.(*ListToolsResult)
	if !ok {
		t.Fatalf("got %T, want *ListToolsResult", result)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "greet" {
		t.Errorf("tools = %+v, want exactly greet", list.Tools)
	}
}

func TestHandleToolsCall(t *testing.T) {
	s := newTestServer(t)
	result, rpcErr := s.Handle(context.Background(), "tools/call", []byte(`{"name":"greet","arguments":{"name":"X"}}`))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	call, ok := result.(*CallToolResult)
	if !ok {
		t.Fatalf("got %T, want *CallToolResult", result)
	}
	text, ok := call.Content[0].(*TextContent)
	if !ok || text.Text != "Hello, X!" {
		t.Errorf("content = %+v, want Hello, X!", call.Content)
	}
}

func TestHandleToolsCallSchemaViolation(t *testing.T) {
	s := newTestServer(t)
	// "name" is required and must be a string.
	for _, args := range []string{`{}`, `{"name":42}`} {
		_, rpcErr := s.Handle(context.Background(), "tools/call", []byte(`{"name":"greet","arguments":`+args+`}`))
		if rpcErr == nil {
			t.Errorf("arguments %s passed schema validation", args)
			continue
		}
		if rpcErr.Code != jsonrpc2.CodeInvalidParams {
			t.Errorf("arguments %s: code = %d, want %d", args, rpcErr.Code, jsonrpc2.CodeInvalidParams)
		}
	}
}

func TestHandleUnknownToolAndMethod(t *testing.T) {
	s := newTestServer(t)
	_, rpcErr := s.Handle(context.Background(), "tools/call", []byte(`{"name":"nope"}`))
	if rpcErr == nil || rpcErr.Code != jsonrpc2.CodeInvalidParams {
		t.Errorf("unknown tool: got %v, want invalid params", rpcErr)
	}
	_, rpcErr = s.Handle(context.Background(), "resources/list", nil)
	if rpcErr == nil || rpcErr.Code != jsonrpc2.CodeMethodNotFound {
		t.Errorf("unknown method: got %v, want method not found", rpcErr)
	}
}

func TestHandlerErrorBecomesToolError(t *testing.T) {
	s := NewServer("s", "v1")
	if err := s.AddTool(&Tool{
		Name: "fail",
		Handler: func(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
			return nil, errors.New("tool blew up")
		},
	}); err != nil {
		t.Fatal(err)
	}
	result, rpcErr := s.Handle(context.Background(), "tools/call", []byte(`{"name":"fail"}`))
	if rpcErr != nil {
		t.Fatalf("handler failure surfaced as protocol error: %v", rpcErr)
	}
	call := result.(*CallToolResult)
	if !call.IsError {
		t.Error("IsError not set")
	}
	text := call.Content[0].(*TextContent)
	if text.Text != "tool blew up" {
		t.Errorf("error text = %q", text.Text)
	}
}

func TestDefaultAgentDispatch(t *testing.T) {
	ag := NewDefaultAgent(newTestServer(t))
	sent := make(chan jsonrpc2.Message, 1)
	sess := sendFunc(func(ctx context.Context, msg jsonrpc2.Message, related jsonrpc2.ID) error {
		sent <- msg
		return nil
	})

	req := &jsonrpc2.Request{ID: jsonrpc2.Int64ID(1), Method: "ping"}
	if err := ag.OnMessage(context.Background(), sess, req); err != nil {
		t.Fatal(err)
	}
	msg := <-sent
	if resp, ok := msg.(*jsonrpc2.Response); !ok || resp.ID.String() != "1" {
		t.Errorf("got %T %v, want response to id 1", msg, msg)
	}

	// Notifications are absorbed without a reply.
	note := &jsonrpc2.Request{Method: "notifications/initialized"}
	if err := ag.OnMessage(context.Background(), sess, note); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sent:
		t.Errorf("notification produced a reply: %v", msg)
	default:
	}
}

type sendFunc func(ctx context.Context, msg jsonrpc2.Message, related jsonrpc2.ID) error

func (f sendFunc) SendOutbound(ctx context.Context, msg jsonrpc2.Message, related jsonrpc2.ID) error {
	return f(ctx, msg, related)
}
