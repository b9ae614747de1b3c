// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"

	"github.com/segmentio/encoding/json"

	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// Session is the narrow surface of gateway/session.Session that an McpAgent
// needs: the ability to emit a server-initiated message (a response, a
// notification, or a server-to-client request) back through whichever
// stream the session's routing rules pick.
type Session interface {
	SendOutbound(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error
}

// McpAgent is the interface application code implements to back a gateway
// session. It stands in for the dynamic-dispatch "class extending a base MCP
// handler" pattern found in other language runtimes for this same protocol:
// Init corresponds to the one-time setup a session performs the first time
// it is initialized, OnStart to whatever a concrete agent wants to do once a
// transport is attached, OnMessage to per-message handling, and Server to an
// abstract accessor exposing the underlying tool/prompt/resource registry
// (out of the gateway's core scope beyond the minimal Server in this
// package).
type McpAgent interface {
	Init(ctx context.Context, props map[string]any) error
	OnStart(ctx context.Context, sess Session) error
	OnMessage(ctx context.Context, sess Session, msg jsonrpc2.Message) error
	Server() *Server
}

// DefaultAgent is the straightforward McpAgent: it does nothing special on
// Init/OnStart, and dispatches every inbound request/notification to its
// wrapped Server, replying with a Response or ErrorResponse as appropriate.
// Most gateway deployments need nothing more than this.
type DefaultAgent struct {
	server *Server
}

// NewDefaultAgent wraps server in a DefaultAgent.
func NewDefaultAgent(server *Server) *DefaultAgent {
	return &DefaultAgent{server: server}
}

func (a *DefaultAgent) Server() *Server { return a.server }

func (a *DefaultAgent) Init(ctx context.Context, props map[string]any) error { return nil }

func (a *DefaultAgent) OnStart(ctx context.Context, sess Session) error { return nil }

// OnMessage dispatches requests to the Server and replies on sess. It
// ignores the few notification methods a well-behaved client sends after
// initialize (notifications/initialized, notifications/cancelled) since the
// minimal Server has no task/subscription state those would affect.
func (a *DefaultAgent) OnMessage(ctx context.Context, sess Session, msg jsonrpc2.Message) error {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		return nil
	}
	if req.Kind() == jsonrpc2.KindNotification {
		return nil
	}

	result, rpcErr := a.server.Handle(ctx, req.Method, req.Params)
	if rpcErr != nil {
		return sess.SendOutbound(ctx, &jsonrpc2.ErrorResponse{ID: req.ID, Error: rpcErr}, req.ID)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return sess.SendOutbound(ctx, &jsonrpc2.ErrorResponse{
			ID:    req.ID,
			Error: jsonrpc2.NewError(jsonrpc2.CodeInternalError, err.Error()),
		}, req.ID)
	}
	return sess.SendOutbound(ctx, &jsonrpc2.Response{ID: req.ID, Result: data}, req.ID)
}
