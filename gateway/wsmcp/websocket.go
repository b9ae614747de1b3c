// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wsmcp implements the WebSocket transport: a single Upgrade
// carries one JSON-RPC message per text frame in either direction. It is
// the client-facing WebSocket transport that gateway/mount serves; Dial
// provides the client side. gateway/mount does not dial session owners.
package wsmcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// Subprotocol is the WebSocket subprotocol this transport negotiates.
const Subprotocol = "mcp"

// Transport implements gateway.Transport over one *websocket.Conn. It has
// exactly one logical stream, so Send's relatedRequestID is accepted but
// never consulted: every message goes out over the single duplex channel.
type Transport struct {
	conn      *websocket.Conn
	sessionID string

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	cb        gateway.Callbacks
}

// NewTransport wraps an already-upgraded connection. sessionID need not be
// the MCP Mcp-Session-Id; for a dialed connection it is simply a
// correlation label for logs (see Dial).
func NewTransport(conn *websocket.Conn, sessionID string) *Transport {
	return &Transport{conn: conn, sessionID: sessionID}
}

func (t *Transport) SessionID() string { return t.sessionID }

func (t *Transport) SetCallbacks(cb gateway.Callbacks) { t.cb = cb }

// Start begins the read pump on its own goroutine, delivering every
// well-formed JSON-RPC text frame to OnMessage. Frames that fail to parse
// as JSON-RPC are dropped rather than surfaced as OnError: session-owner
// runtimes may share this same socket for internal state-change broadcasts
// that must not leak to MCP clients. Start fails on a second call.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("wsmcp: transport %s: already started", t.sessionID)
	}
	t.started = true
	t.mu.Unlock()
	go t.readPump(ctx)
	return nil
}

func (t *Transport) readPump(ctx context.Context) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if t.cb.OnError != nil {
					t.cb.OnError(fmt.Errorf("wsmcp: read: %w", err))
				}
			}
			t.Close()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := jsonrpc2.Decode(data)
		if err != nil {
			// Not a JSON-RPC frame: an internal broadcast, silently dropped.
			continue
		}
		if t.cb.OnMessage != nil {
			t.cb.OnMessage(msg, gateway.StreamID(0))
		}
	}
}

// Send implements gateway.Transport.
func (t *Transport) Send(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error {
	data, err := jsonrpc2.Encode(msg)
	if err != nil {
		return fmt.Errorf("wsmcp: encode: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsmcp: write: %w", err)
	}
	return nil
}

// Close implements gateway.Transport.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		if t.cb.OnClose != nil {
			t.cb.OnClose()
		}
	})
	return err
}

// Upgrader upgrades an incoming HTTP request to a WebSocket connection
// speaking the "mcp" subprotocol. CheckOrigin defaults to allowing every
// origin; deployments that front the gateway with a browser-facing CORS
// policy should override it to match (see gateway/mount's CORS config).
var Upgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// Accept upgrades r/w to a WebSocket connection and wraps it as a Transport.
func Accept(w http.ResponseWriter, r *http.Request, sessionID string) (*Transport, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsmcp: upgrade: %w", err)
	}
	return NewTransport(conn, sessionID), nil
}

// Dial opens a client-side WebSocket connection to url and wraps it as a
// Transport. gateway/mount does not call it: the dispatcher holds its
// sessions in process and opens no WebSocket to them.
func Dial(ctx context.Context, url string, header http.Header) (*Transport, error) {
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{Subprotocol}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsmcp: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("wsmcp: dial: %w", err)
	}
	// Dial-side transports have no server-assigned session id yet; label
	// the connection so its log lines can still be correlated.
	return NewTransport(conn, gateway.NewStreamCorrelationID()), nil
}

var _ io.Closer = (*Transport)(nil)
