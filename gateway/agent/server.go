// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/segmentio/encoding/json"

	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// ToolHandler executes one tools/call invocation. args is the raw,
// unvalidated JSON arguments object the caller sent; handlers that want
// typed access should unmarshal it themselves, or register a schema and
// rely on Server to reject non-conforming calls before the handler runs.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*CallToolResult, error)

// Tool is one entry in a Server's tool registry.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     ToolHandler

	resolved *jsonschema.Resolved
}

// Server is the minimal MCP server collaborator the gateway drives through
// the Transport contract. It is intentionally small: applications with a
// fuller tool/prompt/resource surface bring their own McpAgent. This exists
// to serve initialize, tools/list, tools/call, ping and notification
// handling so the transport/session layer works end to end out of the box.
type Server struct {
	Name    string
	Version string

	mu    sync.Mutex
	tools map[string]*Tool
}

// NewServer creates an empty Server.
func NewServer(name, version string) *Server {
	return &Server{Name: name, Version: version, tools: make(map[string]*Tool)}
}

// AddTool registers t, resolving its input schema (if any) up front so that
// a malformed schema fails at registration time rather than on first call.
func (s *Server) AddTool(t *Tool) error {
	if t.InputSchema != nil {
		resolved, err := t.InputSchema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
		if err != nil {
			return fmt.Errorf("agent: resolving schema for tool %q: %w", t.Name, err)
		}
		t.resolved = resolved
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = t
	return nil
}

// Handle dispatches one JSON-RPC request to the server's built-in methods.
// It returns either a result value (to be marshaled into a Response) or a
// *jsonrpc2.Error (to be marshaled into an ErrorResponse). Handle never
// panics on malformed input; it reports -32602/-32601 instead.
func (s *Server) Handle(ctx context.Context, method string, params json.RawMessage) (any, *jsonrpc2.Error) {
	switch method {
	case "initialize":
		return &InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
			ServerInfo:      Implementation{Name: s.Name, Version: s.Version},
		}, nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		s.mu.Lock()
		defer s.mu.Unlock()
		result := &ListToolsResult{}
		for _, t := range s.tools {
			result.Tools = append(result.Tools, &ToolDescriptor{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
		return result, nil

	case "tools/call":
		var p CallToolParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, "malformed tools/call params: "+err.Error())
		}
		s.mu.Lock()
		t, ok := s.tools[p.Name]
		s.mu.Unlock()
		if !ok {
			return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, "unknown tool "+p.Name)
		}
		if t.resolved != nil {
			var v any
			if len(p.Arguments) > 0 {
				if err := json.Unmarshal(p.Arguments, &v); err != nil {
					return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, "malformed tool arguments: "+err.Error())
				}
			} else {
				v = map[string]any{}
			}
			if err := t.resolved.Validate(v); err != nil {
				return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, "tool arguments failed schema validation: "+err.Error())
			}
		}
		result, err := t.Handler(ctx, p.Arguments)
		if err != nil {
			return &CallToolResult{
				Content: []Content{NewTextContent(err.Error())},
				IsError: true,
			}, nil
		}
		return result, nil

	default:
		return nil, jsonrpc2.NewError(jsonrpc2.CodeMethodNotFound, "unknown method "+method)
	}
}
