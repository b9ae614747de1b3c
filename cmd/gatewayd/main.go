// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command gatewayd runs the MCP gateway runtime: a session-oriented HTTP
// front end exposing the Streamable HTTP (stateful and stateless), legacy
// SSE, and WebSocket transports over an in-process tool registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bridgemcp/gateway/gateway/agent"
	"github.com/bridgemcp/gateway/gateway/auth"
	"github.com/bridgemcp/gateway/gateway/mount"
	"github.com/bridgemcp/gateway/gateway/session"
)

var (
	httpAddr        = flag.String("http", ":8080", "address to serve the gateway's HTTP transports on")
	basePath        = flag.String("path", "/mcp", "base path for the stateful Streamable HTTP endpoint")
	statelessPath   = flag.String("stateless-path", "/mcp/stateless", "path for the stateless Streamable HTTP endpoint; empty disables it")
	legacySSEPath   = flag.String("sse-path", "/sse", "path for the legacy SSE endpoint; empty disables it")
	legacyMsgPath   = flag.String("sse-message-path", "/sse/message", "path for the legacy SSE transport's message endpoint")
	wsPath          = flag.String("ws-path", "/mcp/ws", "path for the WebSocket endpoint; empty disables it")
	corsOrigin      = flag.String("cors-origin", "*", "Access-Control-Allow-Origin value; empty disables CORS headers")
	sessionDBPath   = flag.String("session-db", "", "path to a sqlite database for durable session state; empty uses an in-memory store")
	logFile         = flag.String("log-file", "", "if set, write structured logs here (rotated via lumberjack) instead of stderr")
	rateRPS         = flag.Float64("rate-rps", 20, "per-session requests/second allowed across all gateway endpoints")
	rateBurst       = flag.Int("rate-burst", 40, "per-session burst size for the rate limiter; 0 disables rate limiting")
	requireBearer   = flag.Bool("require-bearer-claims", false, "decode Authorization: Bearer claims into session properties (no signature verification; see gateway/auth)")
)

func main() {
	flag.Parse()

	logger := newLogger(*logFile)
	slog.SetDefault(logger)

	store, closeStore, err := newStore(*sessionDBPath)
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	if closeStore != nil {
		defer closeStore()
	}

	extractor := &auth.ClaimsExtractor{}
	var authFn func(r *http.Request) map[string]any
	if *requireBearer {
		authFn = func(r *http.Request) map[string]any {
			props, err := extractor.ClaimsFromRequest(r)
			if err != nil {
				logger.Warn("bearer claim extraction failed", "error", err)
				return map[string]any{}
			}
			return props
		}
	}

	cfg := mount.Config{
		BasePath:          *basePath,
		StatelessPath:     *statelessPath,
		LegacySSEPath:     *legacySSEPath,
		LegacyMessagePath: *legacyMsgPath,
		WSPath:            *wsPath,
		NewAgent:          newGreeterAgent,
		Store:             store,
		Auth:              authFn,
		CORS:              mount.CORSConfig{AllowOrigin: *corsOrigin},
		Rate:              mount.RateLimit{RPS: rate.Limit(*rateRPS), Burst: *rateBurst},
		Logger:            logger,
	}

	handler := mount.Mount(cfg)

	logger.Info("gateway listening", "addr", *httpAddr, "base_path", *basePath)
	srv := &http.Server{
		Addr:              *httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(path string) *slog.Logger {
	var w = os.Stderr
	if path == "" {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(rotator, nil))
}

func newStore(path string) (session.Store, func() error, error) {
	if path == "" {
		return session.NewMemoryStore(), nil, nil
	}
	store, err := session.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("gatewayd: %w", err)
	}
	return store, store.Close, nil
}

// newGreeterAgent backs every new session with a minimal tool registry, so
// the gateway works end to end without an external application.
func newGreeterAgent(ctx context.Context, r *http.Request) agent.McpAgent {
	server := agent.NewServer("gateway-greeter", "v1.0.0")
	_ = server.AddTool(&agent.Tool{
		Name:        "greet",
		Description: "Greet the caller by name.",
		Handler: func(ctx context.Context, args json.RawMessage) (*agent.CallToolResult, error) {
			var params struct {
				Name string `json:"name"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return nil, fmt.Errorf("malformed arguments: %w", err)
				}
			}
			if params.Name == "" {
				params.Name = "there"
			}
			return &agent.CallToolResult{
				Content: []agent.Content{agent.NewTextContent(fmt.Sprintf("Hello, %s!", params.Name))},
			}, nil
		},
	})
	return agent.NewDefaultAgent(server)
}
