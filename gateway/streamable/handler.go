// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package streamable

import (
	"context"
	"net/http"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/gateway/agent"
	"github.com/bridgemcp/gateway/gateway/session"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// NewAgent constructs the McpAgent backing a freshly initialized session.
// Application code supplies this; the transport layer never constructs
// agents itself.
type NewAgent func(ctx context.Context, r *http.Request) agent.McpAgent

// Handler serves one Streamable HTTP endpoint, in either stateful or
// stateless mode. The two modes share the same Transport bookkeeping; they
// differ in whether a session persists across POSTs, whether GET/DELETE are
// accepted, and whether Mcp-Session-Id is required or forbidden.
type Handler struct {
	Stateful bool
	NewAgent NewAgent
	Store    session.Store // may be nil (MemoryStore semantics not persisted)

	// Properties extracts the opaque per-session properties (e.g. decoded
	// bearer claims) to attach at initialization. May be nil, in which case
	// sessions initialize with an empty properties map.
	Properties func(r *http.Request) map[string]any

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	sess      *session.Session
	transport *Transport
}

// NewHandler returns a Handler serving the stateful (session persists
// across POSTs, GET/DELETE accepted) or stateless (one session per POST)
// mode.
func NewHandler(stateful bool, newAgent NewAgent, store session.Store) *Handler {
	return &Handler{
		Stateful: stateful,
		NewAgent: newAgent,
		Store:    store,
		sessions: make(map[string]*entry),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.servePOST(w, r)
	case http.MethodGet:
		if !h.Stateful {
			gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusMethodNotAllowed, Code: jsonrpc2.CodeBadRequest, Msg: "GET is not supported on the stateless Streamable endpoint"})
			return
		}
		h.serveGET(w, r)
	case http.MethodDelete:
		if !h.Stateful {
			gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusMethodNotAllowed, Code: jsonrpc2.CodeBadRequest, Msg: "DELETE is not supported on the stateless Streamable endpoint"})
			return
		}
		h.serveDELETE(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusMethodNotAllowed, Code: jsonrpc2.CodeBadRequest, Msg: "method not allowed"})
	}
}

const sessionHeader = "Mcp-Session-Id"

func (h *Handler) lookup(id string) (*entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sessions[id]
	return e, ok
}

func (h *Handler) servePOST(w http.ResponseWriter, r *http.Request) {
	wantAccept := []string{"application/json", "text/event-stream"}
	if !gateway.AcceptOK(r.Header, wantAccept...) {
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusNotAcceptable, Code: jsonrpc2.CodeBadRequest, Msg: "Accept must contain application/json and text/event-stream"})
		return
	}
	if envErr := gateway.CheckContentType(r); envErr != nil {
		gateway.WriteEnvelopeError(w, envErr)
		return
	}
	body, envErr := gateway.ReadLimitedBody(r)
	if envErr != nil {
		gateway.WriteEnvelopeError(w, envErr)
		return
	}
	msgs, _, envErr := gateway.ParseBatch(body)
	if envErr != nil {
		gateway.WriteEnvelopeError(w, envErr)
		return
	}

	sessionHdr := r.Header.Get(sessionHeader)
	if !h.Stateful && sessionHdr != "" {
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusBadRequest, Code: jsonrpc2.CodeInvalidRequest, Msg: "Mcp-Session-Id must not be sent to the stateless Streamable endpoint"})
		return
	}
	if envErr := gateway.CheckInitializePlacement(msgs, sessionHdr); envErr != nil {
		gateway.WriteEnvelopeError(w, envErr)
		return
	}

	hasInit := false
	for _, m := range msgs {
		if jsonrpc2.IsInitialize(m) {
			hasInit = true
		}
	}

	var e *entry
	if h.Stateful {
		if hasInit {
			e = h.newStatefulSession(r)
		} else {
			var ok bool
			e, ok = h.lookup(sessionHdr)
			if !ok {
				gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusNotFound, Code: jsonrpc2.CodeSessionNotFound, Msg: "unknown session"})
				return
			}
			if !e.sess.IsInitialized() {
				gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusBadRequest, Code: jsonrpc2.CodeSessionNotFound, Msg: "session not initialized"})
				return
			}
		}
	} else {
		e = h.newStatelessEntry(r)
	}

	if hasInit {
		req := msgs[0].(*jsonrpc2.Request)
		props := map[string]any{}
		if h.Properties != nil {
			props = h.Properties(r)
		}
		if rpcErr := e.sess.Initialize(r.Context(), props); rpcErr != nil {
			gateway.WriteJSONRPCError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message)
			return
		}
	}

	onlyQuiet := true
	var requestIDs []jsonrpc2.ID
	for _, m := range msgs {
		if req, ok := m.(*jsonrpc2.Request); ok && req.Kind() == jsonrpc2.KindRequest {
			onlyQuiet = false
			requestIDs = append(requestIDs, req.ID)
		}
	}

	if onlyQuiet {
		for _, m := range msgs {
			e.sess.AcceptInbound(r.Context(), m, gateway.StreamID(0), "")
		}
		if h.Stateful {
			w.Header().Set(sessionHeader, e.sess.ID)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	streamID, signal := e.transport.newStream(requestIDs)
	for _, m := range msgs {
		progressToken := progressTokenOf(m)
		e.sess.AcceptInbound(r.Context(), m, streamID, progressToken)
	}

	if h.Stateful {
		w.Header().Set(sessionHeader, e.sess.ID)
	}
	h.streamResponse(w, r, e.transport, streamID, 0, signal, true)
	if !h.Stateful {
		// The stateless session lived exactly as long as this POST.
		_ = e.sess.Close(context.Background())
	}
}

func progressTokenOf(m jsonrpc2.Message) string {
	req, ok := m.(*jsonrpc2.Request)
	if !ok {
		return ""
	}
	var withMeta struct {
		Meta struct {
			ProgressToken string `json:"progressToken"`
		} `json:"_meta"`
	}
	if len(req.Params) == 0 {
		return ""
	}
	_ = json.Unmarshal(req.Params, &withMeta)
	return withMeta.Meta.ProgressToken
}

func (h *Handler) serveGET(w http.ResponseWriter, r *http.Request) {
	if !gateway.AcceptOK(r.Header, "text/event-stream") {
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusNotAcceptable, Code: jsonrpc2.CodeBadRequest, Msg: "Accept must contain text/event-stream"})
		return
	}
	sessionHdr := r.Header.Get(sessionHeader)
	e, ok := h.lookup(sessionHdr)
	if !ok {
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusNotFound, Code: jsonrpc2.CodeSessionNotFound, Msg: "unknown session"})
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	signal, nextIndex, ok := e.transport.attachListener(lastEventID)
	if !ok {
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusBadRequest, Code: jsonrpc2.CodeBadRequest, Msg: "malformed Last-Event-ID"})
		return
	}
	h.streamResponse(w, r, e.transport, gateway.StreamID(0), nextIndex, signal, false)
}

func (h *Handler) serveDELETE(w http.ResponseWriter, r *http.Request) {
	sessionHdr := r.Header.Get(sessionHeader)
	if sessionHdr == "" {
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusBadRequest, Code: jsonrpc2.CodeBadRequest, Msg: "DELETE requires Mcp-Session-Id"})
		return
	}
	h.mu.Lock()
	e, ok := h.sessions[sessionHdr]
	if ok {
		delete(h.sessions, sessionHdr)
	}
	h.mu.Unlock()
	if !ok {
		gateway.WriteEnvelopeError(w, &gateway.EnvelopeError{Status: http.StatusNotFound, Code: jsonrpc2.CodeSessionNotFound, Msg: "unknown session"})
		return
	}
	_ = e.transport.Close()
	_ = e.sess.Close(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// streamResponse writes the SSE response for one logical stream, closing
// when closeOnEmpty is set and the stream's outstanding request set empties
// (a POST-opened stream), or running until the client disconnects otherwise
// (a long-lived GET listener).
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, t *Transport, id gateway.StreamID, nextIndex int, signal chan struct{}, closeOnEmpty bool) {
	defer t.detachSignal(id)
	if closeOnEmpty {
		defer t.forgetStream(id)
	}

	flusher, canFlush := w.(http.Flusher)
	writes := 0
	headersSent := false
	sendHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache, no-transform")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	for {
		events, nOutstanding, nOutgoing := t.pending(id, nextIndex)
		for _, ev := range events {
			sendHeaders()
			if err := gateway.WriteEvent(w, gateway.Event{ID: formatEventID(id, ev.idx), Name: ev.name, Data: ev.data}); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
			writes++
			nextIndex = ev.idx + 1
		}

		if nextIndex < nOutgoing {
			continue
		}
		if closeOnEmpty && nOutstanding == 0 {
			if writes == 0 {
				w.WriteHeader(http.StatusAccepted)
			}
			return
		}

		select {
		case <-signal:
		case <-t.Done():
			if writes == 0 {
				http.Error(w, "session terminated", http.StatusGone)
			}
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) newStatefulSession(r *http.Request) *entry {
	id := gateway.NewSessionID()
	ag := h.NewAgent(r.Context(), r)
	sess := session.New(id, ag, h.Store)
	transport := NewTransport(id, true)
	sess.AttachTransport(transport)
	_ = sess.Start(r.Context())
	e := &entry{sess: sess, transport: transport}
	h.mu.Lock()
	h.sessions[id] = e
	h.mu.Unlock()
	return e
}

func (h *Handler) newStatelessEntry(r *http.Request) *entry {
	id := gateway.NewSessionID()
	ag := h.NewAgent(r.Context(), r)
	sess := session.New(id, ag, nil)
	transport := NewTransport(id, false)
	sess.AttachTransport(transport)
	_ = sess.Start(r.Context())
	return &entry{sess: sess, transport: transport}
}
