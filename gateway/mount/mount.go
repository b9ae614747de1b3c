// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package mount implements the dispatcher: it mounts the gateway's
// transports onto an http.ServeMux path, handling CORS preflight,
// per-session rate limiting, and structured request logging ahead of each
// transport's own envelope validation.
package mount

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/gateway/session"
	"github.com/bridgemcp/gateway/gateway/streamable"
)

// CORSConfig configures the preflight response the dispatcher emits for
// OPTIONS requests that carry an Origin header.
type CORSConfig struct {
	AllowOrigin  string // "*" or a specific origin; empty disables CORS headers entirely
	AllowMethods string // default "GET, POST, DELETE, OPTIONS"
	AllowHeaders string // default "Content-Type, Mcp-Session-Id, Last-Event-ID, Authorization"
}

func (c CORSConfig) methods() string {
	if c.AllowMethods != "" {
		return c.AllowMethods
	}
	return "GET, POST, DELETE, OPTIONS"
}

func (c CORSConfig) headers() string {
	if c.AllowHeaders != "" {
		return c.AllowHeaders
	}
	return "Content-Type, Mcp-Session-Id, Last-Event-ID, Authorization"
}

// RateLimit configures the per-session token-bucket rate limit applied to
// inbound requests.
type RateLimit struct {
	RPS   rate.Limit
	Burst int
}

// Config is the set of collaborators and options the dispatcher needs to
// mount the gateway's transports.
type Config struct {
	// BasePath is the stateful Streamable HTTP endpoint, e.g. "/mcp".
	BasePath string
	// StatelessPath is the stateless Streamable HTTP endpoint, e.g.
	// "/mcp/stateless". Leave empty to omit it.
	StatelessPath string
	// LegacySSEPath/LegacyMessagePath mount the legacy SSE transport.
	// Leave both empty to omit it.
	LegacySSEPath     string
	LegacyMessagePath string
	// WSPath mounts the WebSocket transport, e.g. "/mcp/ws". Leave empty
	// to omit it.
	WSPath string

	NewAgent streamable.NewAgent
	Store    session.Store
	Auth     func(r *http.Request) map[string]any

	CORS CORSConfig
	Rate RateLimit // Burst == 0 disables rate limiting

	Logger *slog.Logger
}

// Mount builds the http.Handler serving every configured transport,
// wrapped in CORS, logging, and rate-limiting middleware.
func Mount(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mux := http.NewServeMux()

	stateful := streamable.NewHandler(true, cfg.NewAgent, cfg.Store)
	stateful.Properties = cfg.Auth
	mux.Handle(cfg.BasePath, withCORS(cfg.CORS, stateful))

	if cfg.StatelessPath != "" {
		stateless := streamable.NewHandler(false, cfg.NewAgent, nil)
		stateless.Properties = cfg.Auth
		mux.Handle(cfg.StatelessPath, withCORS(cfg.CORS, stateless))
	}

	if cfg.LegacySSEPath != "" && cfg.LegacyMessagePath != "" {
		legacy := newLegacyMount(cfg)
		mux.Handle(cfg.LegacySSEPath, withCORS(cfg.CORS, legacy))
		mux.Handle(cfg.LegacyMessagePath, withCORS(cfg.CORS, legacy))
	}

	if cfg.WSPath != "" {
		mux.Handle(cfg.WSPath, newWebSocketMount(cfg))
	}

	var h http.Handler = mux
	h = withLogging(cfg.Logger, h)
	if cfg.Rate.Burst > 0 {
		h = withRateLimit(cfg.Rate, h)
	}
	return h
}

// withCORS handles OPTIONS preflight and, for every other method, sets
// Access-Control-Allow-Origin before delegating to next.
func withCORS(cors CORSConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cors.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", cors.AllowOrigin)
			w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
		}
		if r.Method == http.MethodOptions {
			if origin := r.Header.Get("Origin"); origin != "" && cors.AllowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Methods", cors.methods())
				w.Header().Set("Access-Control-Allow-Headers", cors.headers())
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging wraps every request with a slog entry keyed by method,
// session_id, and duration_ms.
func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("mcp request",
			"method", r.Method,
			"path", r.URL.Path,
			"session_id", r.Header.Get("Mcp-Session-Id"),
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer so the WebSocket upgrade works
// through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// withRateLimit applies a token-bucket limit per session id (falling back
// to remote address for requests that don't yet carry one, i.e. the
// initialize POST).
func withRateLimit(cfg RateLimit, next http.Handler) http.Handler {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(cfg.RPS, cfg.Burst)
			limiters[key] = l
		}
		return l
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Mcp-Session-Id")
		if key == "" {
			key = r.RemoteAddr
		}
		if !limiterFor(key).Allow() {
			gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{
				Status: http.StatusTooManyRequests,
				Code:   -32000,
				Msg:    "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newLegacyMount builds the legacy SSE handler. It is kept in its own file
// (legacy.go) to separate the session-wiring glue from the stateful/
// stateless/CORS/logging concerns above.
func newLegacyMount(cfg Config) http.Handler {
	return buildLegacyHandler(cfg)
}
