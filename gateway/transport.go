// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package gateway holds the shared pieces of the MCP gateway's transport
// layer: the front-end envelope validator, the Transport contract, SSE
// framing, and the legacy SSE transport. The Streamable HTTP and WebSocket
// transports live in the streamable and wsmcp subpackages, and the
// dispatcher that mounts them onto an http.ServeMux path in mount.
package gateway

import (
	"context"

	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// StreamID identifies one logical outbound connection within a session: an
// SSE response for a single POST, a long-lived GET listener, or a WebSocket
// direction. StreamID 0 is reserved for "no particular stream" (messages not
// associated with any inbound request).
type StreamID int64

// Callbacks are supplied when a concrete Transport is constructed. They are
// invoked for every client-originated message, for non-fatal transport
// errors, and exactly once when the transport is gone.
type Callbacks struct {
	// OnMessage is invoked for every client-originated JSON-RPC value, after
	// envelope validation and classification, together with the logical
	// stream it arrived on.
	OnMessage func(msg jsonrpc2.Message, stream StreamID)
	// OnError is invoked for non-fatal protocol or transport errors. It never
	// closes the transport by itself.
	OnError func(err error)
	// OnClose is invoked exactly once when the transport can no longer send
	// or receive.
	OnClose func()
}

// Transport is the abstract contract every wire-format implementation (SSE,
// Streamable HTTP stateful/stateless, WebSocket) provides to a Session.
type Transport interface {
	// Start arms the transport. It is idempotent only in the sense that a
	// second call returns an error; it does not restart a closed transport.
	Start(ctx context.Context) error

	// Send serializes and dispatches one JSON-RPC message.
	//
	// For a *jsonrpc2.Response or *jsonrpc2.ErrorResponse, the message's own
	// ID selects the target stream via the transport's correlation table.
	// For a server-initiated request or notification, relatedRequestID, if
	// valid, constrains delivery to the stream carrying that request; if
	// invalid, the transport picks any open listener stream, else drops or
	// queues the message per its own policy (see each transport's doc
	// comment).
	Send(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error

	// Close ceases delivery and invokes OnClose.
	Close() error
}

// SessionID returned by transports that allocate one (the HTTP-facing
// transports). Not all Transport implementations need to implement this.
type SessionIdentifier interface {
	SessionID() string
}
