// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package session implements the durable per-sessionId state of the
// gateway: properties, the initialization flag, the attached MCP agent, the
// active transport, and the request-origin table that lets responses and
// server-initiated traffic find the right stream.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/gateway/agent"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// Lifecycle errors and the JSON-RPC codes each one surfaces as.
var (
	ErrAlreadyInitialized = jsonrpc2.NewError(jsonrpc2.CodeInvalidRequest, "session already initialized")
	ErrNotInitialized     = jsonrpc2.NewError(jsonrpc2.CodeSessionNotFound, "session not initialized")
	ErrNotFound           = jsonrpc2.NewError(jsonrpc2.CodeSessionNotFound, "session not found")
)

// Session is the unit of state bound to one sessionId: one MCP agent
// instance and one set of caller-supplied properties. A Session is safe for
// concurrent use; all mutation for a given session funnels through sess.mu,
// making the session itself the unit of isolation (no cross-session lock
// contention).
type Session struct {
	ID string

	mu          sync.Mutex
	properties  map[string]any
	initialized bool
	agent       agent.McpAgent
	transport   gateway.Transport

	// requestOriginTable maps an outstanding inbound request id to the
	// stream that must receive its response. Entries are created in
	// AcceptInbound and removed in SendOutbound (or when CloseStream
	// observes that stream close).
	requestOriginTable map[jsonrpc2.ID]gateway.StreamID

	// progressTokens maps an opaque progress token (carried in a request's
	// params, unrelated to the JSON-RPC id) to the stream that accepted the
	// request it was attached to. It is read only through ProgressStream;
	// SendOutbound and the transports do not consult it, so progress
	// notifications are routed like any other notification.
	progressTokens map[string]gateway.StreamID

	streams map[gateway.StreamID]bool

	store  Store
	closed bool
}

// New creates a Session bound to id, backed by store for persistence and
// ag as its MCP agent. The session starts uninitialized.
func New(id string, ag agent.McpAgent, store Store) *Session {
	return &Session{
		ID:                 id,
		agent:              ag,
		properties:         map[string]any{},
		requestOriginTable: make(map[jsonrpc2.ID]gateway.StreamID),
		progressTokens:     make(map[string]gateway.StreamID),
		streams:            make(map[gateway.StreamID]bool),
		store:              store,
	}
}

// Restore loads a prior hibernated session's durable State (properties and
// the initialized flag) back into s, e.g. after a runtime eviction. It does
// not call the agent's Init; the agent's one-time setup already ran in the
// session's first lifetime.
func (s *Session) Restore(state *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = state.Properties
	if s.properties == nil {
		s.properties = map[string]any{}
	}
	s.initialized = state.Initialized
}

// IsInitialized reports whether the session has completed its one
// initialize handshake.
func (s *Session) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Initialize sets properties, invokes the agent's Init exactly once, and
// marks the session initialized. A second call fails with
// ErrAlreadyInitialized and does not invoke Init again, even when two
// initialize requests race.
func (s *Session) Initialize(ctx context.Context, properties map[string]any) *jsonrpc2.Error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.properties = properties
	s.initialized = true
	s.mu.Unlock()

	if err := s.agent.Init(ctx, properties); err != nil {
		s.mu.Lock()
		s.initialized = false
		s.mu.Unlock()
		return jsonrpc2.NewError(jsonrpc2.CodeInternalError, fmt.Sprintf("initialization failed: %v", err))
	}

	if s.store != nil {
		_ = s.store.Store(ctx, s.ID, &State{Properties: properties, Initialized: true})
	}
	return nil
}

// Properties returns the caller-supplied opaque properties attached at
// initialization.
func (s *Session) Properties() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.properties
}

// Agent returns the session's MCP agent collaborator.
func (s *Session) Agent() agent.McpAgent {
	return s.agent
}

// AttachTransport installs t as the session's active transport. A session
// has at most one active transport at a time in this gateway's model
// (stateless Streamable HTTP attaches a fresh transport per POST; stateful
// Streamable HTTP, SSE, and WebSocket attach one long-lived transport).
func (s *Session) AttachTransport(t gateway.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Start notifies the agent that a transport is attached and the session is
// ready to carry traffic.
func (s *Session) Start(ctx context.Context) error {
	return s.agent.OnStart(ctx, (*sessionSender)(s))
}

// OpenStream registers stream as a currently open outbound connection.
func (s *Session) OpenStream(stream gateway.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream] = true
}

// CloseStream removes stream from the set of open connections and deletes
// every requestOriginTable entry pointing at it: those in-flight requests'
// eventual responses will be dropped or redirected to another open
// listener, per each transport's own policy. Session only stops considering
// the closed stream a valid delivery target.
func (s *Session) CloseStream(stream gateway.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, stream)
	for id, sid := range s.requestOriginTable {
		if sid == stream {
			delete(s.requestOriginTable, id)
		}
	}
	for tok, sid := range s.progressTokens {
		if sid == stream {
			delete(s.progressTokens, tok)
		}
	}
}

// AcceptInbound records the request's origin stream (if msg is a request)
// and dispatches it to the agent. Dispatch runs on its own goroutine so
// that a slow tool handler does not block the stream pump reading further
// inbound messages for other, concurrent requests on the same connection.
func (s *Session) AcceptInbound(ctx context.Context, msg jsonrpc2.Message, stream gateway.StreamID, progressToken string) {
	if req, ok := msg.(*jsonrpc2.Request); ok && req.ID.IsValid() {
		s.mu.Lock()
		s.requestOriginTable[req.ID] = stream
		if progressToken != "" {
			s.progressTokens[progressToken] = stream
		}
		s.mu.Unlock()
	}
	go func() {
		if err := s.agent.OnMessage(ctx, (*sessionSender)(s), msg); err != nil {
			if et, ok := msg.(*jsonrpc2.Request); ok {
				_ = s.SendOutbound(ctx, &jsonrpc2.ErrorResponse{
					ID:    et.ID,
					Error: jsonrpc2.NewError(jsonrpc2.CodeInternalError, err.Error()),
				}, et.ID)
			}
		}
	}()
}

// sessionSender adapts *Session to agent.Session without exposing Session's
// full API to agent implementations.
type sessionSender Session

func (s *sessionSender) SendOutbound(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error {
	return (*Session)(s).SendOutbound(ctx, msg, relatedRequestID)
}

// SendOutbound routes msg to the correct transport stream and forgets the
// request-origin-table entry a response/error consumes. Responses and
// errors are keyed by their own ID; notifications and server-initiated
// requests are keyed by relatedRequestID. The progress-token table is not
// consulted here.
func (s *Session) SendOutbound(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error {
	s.mu.Lock()
	var consumedID jsonrpc2.ID
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		consumedID = m.ID
	case *jsonrpc2.ErrorResponse:
		consumedID = m.ID
	}
	if consumedID.IsValid() {
		delete(s.requestOriginTable, consumedID)
	}
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		return fmt.Errorf("session %s: no attached transport", s.ID)
	}
	return transport.Send(ctx, msg, relatedRequestID)
}

// ProgressStream returns the stream associated with a progressToken. A
// token stays registered after its request is answered; it is removed only
// when its stream closes (CloseStream) or the session closes.
func (s *Session) ProgressStream(token string) (gateway.StreamID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.progressTokens[token]
	return sid, ok
}

// Close tears the session down: clears in-memory state and removes its
// durable state from the Store. There is no way back; a new session needs a
// new id.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	transport := s.transport
	s.transport = nil
	s.streams = make(map[gateway.StreamID]bool)
	s.requestOriginTable = make(map[jsonrpc2.ID]gateway.StreamID)
	s.progressTokens = make(map[string]gateway.StreamID)
	s.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	if s.store != nil {
		return s.store.Delete(ctx, s.ID)
	}
	return nil
}

// Closed reports whether Close has already run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
