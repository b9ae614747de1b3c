// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mount

import (
	"context"
	"net/http"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/gateway/session"
	"github.com/bridgemcp/gateway/gateway/wsmcp"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// newWebSocketMount wires the WebSocket transport: a single Upgrade carries
// the whole session, so the session is created at upgrade time and torn
// down when the socket closes. There is no envelope stage between frames
// and dispatch; the initialize/lifecycle check happens in the OnMessage
// callback, as it does for the legacy SSE transport's message endpoint.
func newWebSocketMount(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{
				Status: http.StatusMethodNotAllowed,
				Code:   jsonrpc2.CodeBadRequest,
				Msg:    "WebSocket endpoint requires an upgrade request",
			})
			return
		}

		sessionID := gateway.NewSessionID()
		transport, err := wsmcp.Accept(w, r, sessionID)
		if err != nil {
			// Accept has already written the failure response.
			return
		}

		ag := cfg.NewAgent(r.Context(), r)
		sess := session.New(sessionID, ag, cfg.Store)
		sess.AttachTransport(transport)
		sess.OpenStream(gateway.StreamID(0))

		// The connection is hijacked once the upgrade succeeds, so the
		// request context dies with this handler; the pump needs its own.
		ctx := context.Background()

		transport.SetCallbacks(gateway.Callbacks{
			OnMessage: func(msg jsonrpc2.Message, stream gateway.StreamID) {
				if jsonrpc2.IsInitialize(msg) {
					req := msg.(*jsonrpc2.Request)
					props := map[string]any{}
					if cfg.Auth != nil {
						props = cfg.Auth(r)
					}
					if rpcErr := sess.Initialize(ctx, props); rpcErr != nil {
						_ = sess.SendOutbound(ctx, &jsonrpc2.ErrorResponse{ID: req.ID, Error: rpcErr}, req.ID)
						return
					}
					sess.AcceptInbound(ctx, msg, stream, "")
					return
				}
				if !sess.IsInitialized() {
					if req, ok := msg.(*jsonrpc2.Request); ok && req.Kind() == jsonrpc2.KindRequest {
						_ = sess.SendOutbound(ctx, &jsonrpc2.ErrorResponse{ID: req.ID, Error: session.ErrNotInitialized}, req.ID)
					}
					return
				}
				sess.AcceptInbound(ctx, msg, stream, "")
			},
			OnClose: func() {
				sess.CloseStream(gateway.StreamID(0))
				_ = sess.Close(ctx)
			},
		})
		_ = transport.Start(ctx)
		_ = sess.Start(ctx)
	})
}
