// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package agent provides the minimal in-process MCP server collaborator
// that the gateway's transport and session layer drives through the
// Transport contract: tool registration, the initialize handshake, and
// tool invocation. Applications wanting the full MCP surface implement
// McpAgent themselves.
package agent

import "github.com/segmentio/encoding/json"

// Implementation identifies a client or server name/version pair, as
// exchanged during initialize.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertised by the server. Only the subset the gateway
// exercises is modeled; unknown capability keys round-trip as Experimental.
type Capabilities struct {
	Tools        *ToolsCapability `json:"tools,omitempty"`
	Experimental map[string]any   `json:"experimental,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams are the parameters of the client's initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}

// ProtocolVersion is the MCP lifecycle version this gateway negotiates.
const ProtocolVersion = "2025-06-18"

// Content is the closed set of content block types a tool result can carry.
type Content interface{ isContent() }

// TextContent is a plain-text content block.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (*TextContent) isContent() {}

// NewTextContent builds a TextContent block with Type populated.
func NewTextContent(text string) *TextContent {
	return &TextContent{Type: "text", Text: text}
}

// CallToolParams is the parameters of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the server's response to a tools/call request.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// MarshalJSON flattens Content into its wire representation, since Content
// is an interface and the default encoder can't do this without a concrete
// field type.
func (r *CallToolResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Content []Content `json:"content"`
		IsError bool      `json:"isError,omitempty"`
	}
	return json.Marshal(wire{Content: r.Content, IsError: r.IsError})
}

// ListToolsResult is the server's response to a tools/list request.
type ListToolsResult struct {
	Tools []*ToolDescriptor `json:"tools"`
}

// ToolDescriptor is the wire shape of one registered tool, without its
// handler.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}
