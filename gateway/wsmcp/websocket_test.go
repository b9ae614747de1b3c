// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wsmcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// newEchoServer upgrades every request and answers every JSON-RPC request
// frame with an empty result.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Accept(w, r, "test-session")
		if err != nil {
			return
		}
		tr.SetCallbacks(gateway.Callbacks{
			OnMessage: func(msg jsonrpc2.Message, stream gateway.StreamID) {
				if req, ok := msg.(*jsonrpc2.Request); ok && req.ID.IsValid() {
					_ = tr.Send(context.Background(), &jsonrpc2.Response{ID: req.ID, Result: []byte(`{}`)}, req.ID)
				}
			},
		})
		_ = tr.Start(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRequestResponseOverWebSocket(t *testing.T) {
	srv := newEchoServer(t)

	client, err := Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	got := make(chan jsonrpc2.Message, 1)
	client.SetCallbacks(gateway.Callbacks{
		OnMessage: func(msg jsonrpc2.Message, stream gateway.StreamID) { got <- msg },
	})
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := &jsonrpc2.Request{ID: jsonrpc2.Int64ID(1), Method: "ping"}
	if err := client.Send(context.Background(), req, jsonrpc2.ID{}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		resp, ok := msg.(*jsonrpc2.Response)
		if !ok || resp.ID.String() != "1" {
			t.Errorf("got %T %v, want response to id 1", msg, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response frame")
	}
}

func TestNonJSONRPCFramesDropped(t *testing.T) {
	srv := newEchoServer(t)

	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{Subprotocol}
	conn, resp, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	resp.Body.Close()

	// An internal broadcast frame that is not JSON-RPC must be dropped,
	// not answered and not fatal to the connection.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"state-update","payload":42}`)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := jsonrpc2.Decode(frame)
	if err != nil {
		t.Fatalf("decoding %q: %v", frame, err)
	}
	r, ok := msg.(*jsonrpc2.Response)
	if !ok || r.ID.String() != "7" {
		t.Errorf("got %T %v, want response to id 7 (the broadcast frame must not be answered)", msg, msg)
	}
}

func TestSubprotocolNegotiated(t *testing.T) {
	srv := newEchoServer(t)
	client, err := Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if got := client.conn.Subprotocol(); got != Subprotocol {
		t.Errorf("negotiated subprotocol = %q, want %q", got, Subprotocol)
	}
}

func TestCloseInvokesOnCloseOnce(t *testing.T) {
	srv := newEchoServer(t)
	client, err := Dial(context.Background(), wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	closes := 0
	client.SetCallbacks(gateway.Callbacks{OnClose: func() { closes++ }})
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	_ = client.Close()
	if closes != 1 {
		t.Errorf("OnClose ran %d times, want 1", closes)
	}
}
