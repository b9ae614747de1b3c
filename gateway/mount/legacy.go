// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mount

import (
	"net/http"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/gateway/session"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// buildLegacyHandler wires the legacy SSE handler so that every new GET
// creates a Session backed by a fresh McpAgent, exactly as the Streamable
// handlers do for their own POST-driven initialize. There is no envelope
// stage that sees a whole batch before dispatch (the POST body is always a
// single message), so the initialize/lifecycle check happens directly in
// the OnMessage callback below.
func buildLegacyHandler(cfg Config) http.Handler {
	return gateway.NewLegacySSEHandler(cfg.LegacySSEPath, cfg.LegacyMessagePath, func(r *http.Request, sessionID string) (*gateway.LegacySSETransport, error) {
		ag := cfg.NewAgent(r.Context(), r)
		sess := session.New(sessionID, ag, cfg.Store)
		transport := gateway.NewLegacySSETransport(sessionID, cfg.LegacyMessagePath)
		sess.AttachTransport(transport)

		transport.SetCallbacks(gateway.Callbacks{
			OnMessage: func(msg jsonrpc2.Message, stream gateway.StreamID) {
				ctx := r.Context()
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
		})
		_ = sess.Start(r.Context())
		return transport, nil
	})
}
