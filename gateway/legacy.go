// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// LegacySSETransport implements the legacy SSE transport: one long-lived
// GET response carries every server-to-client message for the life of the
// session, while client-to-server messages arrive one at a time on a
// separate POST endpoint keyed by sessionId. Unlike the Streamable
// transports there is exactly one logical outbound stream per session, so
// there is no request-origin correlation table here: every outbound
// message, whatever it relates to, goes to the single open GET stream, or
// is dropped if none is open.
type LegacySSETransport struct {
	sessionID   string
	messagePath string // base path of the message endpoint; recorded only, see NewLegacySSETransport

	mu       sync.Mutex
	started  bool
	closed   bool
	listener chan Event // the open GET's delivery channel, nil if none is attached
	cb       Callbacks
}

// NewLegacySSETransport creates a legacy SSE transport for sessionID.
// messagePath is the base path of the message endpoint. The transport only
// records it: the "endpoint" event is built by LegacySSEHandler from its own
// MessagePath, with the sessionId query parameter appended.
func NewLegacySSETransport(sessionID, messagePath string) *LegacySSETransport {
	return &LegacySSETransport{sessionID: sessionID, messagePath: messagePath}
}

func (t *LegacySSETransport) SessionID() string { return t.sessionID }

// SetCallbacks installs the Session's callbacks. Must be called before
// Start.
func (t *LegacySSETransport) SetCallbacks(cb Callbacks) { t.cb = cb }

// Start arms the transport. Arming is a no-op beyond the idempotence check:
// the real work happens when the GET response attaches via attachListener.
func (t *LegacySSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("legacy sse transport %s: already started", t.sessionID)
	}
	t.started = true
	return nil
}

// attachListener registers ch as the channel the currently-open GET request
// is draining into. Only one GET may be open per session; a second GET
// replaces the first. The superseded handler's channel simply stops
// receiving events; that handler returns when its own request context ends
// or the transport closes.
func (t *LegacySSETransport) attachListener() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listener = ch
	return ch
}

func (t *LegacySSETransport) detachListener(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == ch {
		t.listener = nil
	}
}

// deliverRaw pushes a pre-encoded SSE event to the open listener, if any. It
// never blocks the caller: a full or absent listener channel causes the
// event to be dropped, there being no other stream it could be redirected
// to.
func (t *LegacySSETransport) deliverRaw(ev Event) {
	t.mu.Lock()
	ch := t.listener
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

// Send implements Transport. This transport has only one stream, so
// relatedRequestID is accepted for interface conformance but never
// consulted.
func (t *LegacySSETransport) Send(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("legacy sse transport %s: closed", t.sessionID)
	}
	t.mu.Unlock()

	data, err := jsonrpc2.Encode(msg)
	if err != nil {
		return fmt.Errorf("legacy sse transport %s: encode: %w", t.sessionID, err)
	}
	t.deliverRaw(Event{Name: "message", Data: data})
	return nil
}

// Close implements Transport.
func (t *LegacySSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ch := t.listener
	t.listener = nil
	t.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	if t.cb.OnClose != nil {
		t.cb.OnClose()
	}
	return nil
}

// LegacySSEHandler mounts the legacy SSE transport on a base path (GET) and
// its message endpoint (POST .../message). New constructs the transport and
// session for a freshly observed GET; it is responsible for registering the
// session so that subsequent POSTs with the same sessionId can find it.
type LegacySSEHandler struct {
	BasePath    string
	MessagePath string

	// New is invoked once per new GET connection, after a session id has
	// been allocated, to construct and wire the corresponding session. The
	// returned transport's callbacks must already be installed.
	New func(r *http.Request, sessionID string) (*LegacySSETransport, error)

	mu       sync.Mutex
	sessions map[string]*LegacySSETransport
}

// NewLegacySSEHandler returns a handler serving the legacy SSE transport.
func NewLegacySSEHandler(basePath, messagePath string, newSession func(r *http.Request, sessionID string) (*LegacySSETransport, error)) *LegacySSEHandler {
	return &LegacySSEHandler{
		BasePath:    basePath,
		MessagePath: messagePath,
		New:         newSession,
		sessions:    make(map[string]*LegacySSETransport),
	}
}

func (h *LegacySSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == h.MessagePath && r.Method == http.MethodPost:
		h.serveMessage(w, r)
	case r.URL.Path == h.BasePath && r.Method == http.MethodGet:
		h.serveSSE(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method or path for legacy SSE transport", http.StatusMethodNotAllowed)
	}
}

func (h *LegacySSEHandler) serveSSE(w http.ResponseWriter, r *http.Request) {
	if !AcceptOK(r.Header, "text/event-stream") {
		WriteEnvelopeError(w, envErr(http.StatusNotAcceptable, jsonrpc2.CodeBadRequest, "Accept must contain text/event-stream"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := NewSessionID()
	transport, err := h.New(r, sessionID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to establish session: %v", err), http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	h.sessions[sessionID] = transport
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	msgURL := h.MessagePath + "?sessionId=" + url.QueryEscape(sessionID)
	if err := WriteEvent(w, Event{Name: "endpoint", Data: []byte(msgURL)}); err != nil {
		return
	}
	flusher.Flush()

	ch := transport.attachListener()
	defer transport.detachListener(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := WriteEvent(w, ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *LegacySSEHandler) serveMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		WriteEnvelopeError(w, envErr(http.StatusBadRequest, jsonrpc2.CodeBadRequest, "missing sessionId query parameter"))
		return
	}
	h.mu.Lock()
	transport, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		WriteEnvelopeError(w, envErr(http.StatusNotFound, jsonrpc2.CodeSessionNotFound, "unknown session %q", sessionID))
		return
	}
	if err := CheckContentType(r); err != nil {
		WriteEnvelopeError(w, err)
		return
	}
	body, envErr := ReadLimitedBody(r)
	if envErr != nil {
		WriteEnvelopeError(w, envErr)
		return
	}
	msg, err := jsonrpc2.Decode(body)
	if err != nil {
		WriteEnvelopeError(w, &EnvelopeError{Status: http.StatusBadRequest, Code: jsonrpc2.CodeParseError, Msg: err.Error()})
		return
	}
	if transport.cb.OnMessage != nil {
		transport.cb.OnMessage(msg, StreamID(0))
	}
	w.WriteHeader(http.StatusAccepted)
}
