// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mount

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/gateway/agent"
	"github.com/bridgemcp/gateway/gateway/session"
	"github.com/bridgemcp/gateway/gateway/wsmcp"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

func newGreeterAgent(ctx context.Context, r *http.Request) agent.McpAgent {
	server := agent.NewServer("mount-test", "v0.0.1")
	if err := server.AddTool(&agent.Tool{
		Name: "greet",
		Handler: func(ctx context.Context, args json.RawMessage) (*agent.CallToolResult, error) {
			var p struct {
				Name string `json:"name"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &p); err != nil {
					return nil, err
				}
			}
			return &agent.CallToolResult{Content: []agent.Content{agent.NewTextContent("Hello, " + p.Name + "!")}}, nil
		},
	}); err != nil {
		panic(err)
	}
	return agent.NewDefaultAgent(server)
}

func testConfig() Config {
	return Config{
		BasePath:          "/mcp",
		StatelessPath:     "/mcp/stateless",
		LegacySSEPath:     "/sse",
		LegacyMessagePath: "/sse/message",
		WSPath:            "/mcp/ws",
		NewAgent:          newGreeterAgent,
		Store:             session.NewMemoryStore(),
		CORS:              CORSConfig{AllowOrigin: "*"},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newMountedServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Mount(cfg))
	t.Cleanup(srv.Close)
	return srv
}

func TestPreflight(t *testing.T) {
	srv := newMountedServer(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q, want POST included", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Mcp-Session-Id") {
		t.Errorf("Allow-Headers = %q, want Mcp-Session-Id included", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("preflight body = %q, want empty", body)
	}
}

func TestMountedInitialize(t *testing.T) {
	srv := newMountedServer(t, testConfig())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"0"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Error("missing Mcp-Session-Id header")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want * on non-preflight responses too", got)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = RateLimit{RPS: rate.Limit(0.01), Burst: 1}
	srv := newMountedServer(t, cfg)

	get := func() int {
		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
		if err != nil {
			t.Fatal(err)
		}
		// Key both requests to the same session so the limiter sees one
		// bucket regardless of connection reuse.
		req.Header.Set("Mcp-Session-Id", "RATE-TEST-SID")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get(); got != http.StatusNoContent {
		t.Fatalf("first request status = %d, want 204", got)
	}
	if got := get(); got != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", got)
	}
}

func TestWebSocketMountLifecycle(t *testing.T) {
	srv := newMountedServer(t, testConfig())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mcp/ws"

	client, err := wsmcp.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	got := make(chan jsonrpc2.Message, 4)
	client.SetCallbacks(gateway.Callbacks{
		OnMessage: func(msg jsonrpc2.Message, stream gateway.StreamID) { got <- msg },
	})
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	recv := func() jsonrpc2.Message {
		select {
		case msg := <-got:
			return msg
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}

	// A request before initialize is refused without killing the session.
	if err := client.Send(context.Background(), &jsonrpc2.Request{ID: jsonrpc2.Int64ID(1), Method: "ping"}, jsonrpc2.ID{}); err != nil {
		t.Fatal(err)
	}
	if errResp, ok := recv().(*jsonrpc2.ErrorResponse); !ok || errResp.Error.Code != jsonrpc2.CodeSessionNotFound {
		t.Fatalf("pre-init request: got %v, want session-not-found error", errResp)
	}

	if err := client.Send(context.Background(), &jsonrpc2.Request{
		ID:     jsonrpc2.Int64ID(2),
		Method: "initialize",
		Params: []byte(`{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"0"}}`),
	}, jsonrpc2.ID{}); err != nil {
		t.Fatal(err)
	}
	if resp, ok := recv().(*jsonrpc2.Response); !ok || resp.ID.String() != "2" {
		t.Fatal("no initialize response")
	}

	if err := client.Send(context.Background(), &jsonrpc2.Request{
		ID:     jsonrpc2.Int64ID(3),
		Method: "tools/call",
		Params: []byte(`{"name":"greet","arguments":{"name":"WS"}}`),
	}, jsonrpc2.ID{}); err != nil {
		t.Fatal(err)
	}
	resp, ok := recv().(*jsonrpc2.Response)
	if !ok || resp.ID.String() != "3" {
		t.Fatal("no tools/call response")
	}
	if !strings.Contains(string(resp.Result), "Hello, WS!") {
		t.Errorf("result = %s, want greeting", resp.Result)
	}
}

func TestWebSocketMountRequiresGET(t *testing.T) {
	srv := newMountedServer(t, testConfig())
	resp, err := http.Post(srv.URL+"/mcp/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestLegacyMountEndToEnd(t *testing.T) {
	srv := newMountedServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /sse status = %d, want 200", resp.StatusCode)
	}

	post := func(msgURL, body string) {
		t.Helper()
		resp, err := http.Post(srv.URL+msgURL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("POST status = %d, want 202", resp.StatusCode)
		}
	}

	// One scanner drives the whole conversation: the endpoint event tells
	// us where to POST, and each POST's reply is the next event. The
	// tools/call POST waits for the initialize reply so the two responses
	// arrive in a known order.
	var msgURL string
	n := 0
	for ev, err := range gateway.ScanEvents(resp.Body) {
		if err != nil {
			t.Fatalf("reading events: %v", err)
		}
		switch n {
		case 0:
			msgURL = string(ev.Data)
			if !strings.HasPrefix(msgURL, "/sse/message?sessionId=") {
				t.Fatalf("endpoint payload = %q", msgURL)
			}
			post(msgURL, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"t","version":"0"}}}`)
		case 1:
			if !strings.Contains(string(ev.Data), `"id":1`) {
				t.Errorf("first reply = %s, want initialize response", ev.Data)
			}
			post(msgURL, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"greet","arguments":{"name":"SSE"}}}`)
		case 2:
			if !strings.Contains(string(ev.Data), "Hello, SSE!") {
				t.Errorf("second reply = %s, want greeting", ev.Data)
			}
		}
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("saw %d events, want 3", n)
	}
}
