// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package streamable implements the stateful and stateless Streamable HTTP
// transports: a POST carrying one or more JSON-RPC messages opens an SSE
// response over which the server's replies and related notifications flow, a
// GET may open a long-lived listener stream resumable with Last-Event-ID,
// and a DELETE tears the session down.
package streamable

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// HistoryCap bounds the number of replayable events retained for the
// long-lived listener stream (StreamID 0). Once exceeded, the oldest entries
// are evicted and can no longer be replayed after a reconnect.
const HistoryCap = 1000

type outgoingEvent struct {
	idx  int
	name string
	data []byte
}

// Transport carries the server side of one Streamable HTTP session. In
// stateless mode the "session" lives exactly as long as a single POST. It
// keeps per-stream outgoing queues, a request->stream correlation table, and
// the set of unanswered request ids per stream that determines when a
// stream's SSE response may close.
type Transport struct {
	id       string
	stateful bool

	nextStreamID atomic.Int64

	mu             sync.Mutex
	started        bool
	closed         bool
	done           chan struct{}
	cb             gateway.Callbacks
	outgoing       map[gateway.StreamID][]*outgoingEvent
	base0          int // number of evicted entries from stream 0's outgoing queue
	signals        map[gateway.StreamID]chan struct{}
	requestStreams map[jsonrpc2.ID]gateway.StreamID
	streamRequests map[gateway.StreamID]map[jsonrpc2.ID]struct{}
}

// NewTransport constructs a Transport for sessionID. stateful controls
// whether a GET listener stream (StreamID 0) is meaningful for this
// transport: stateless transports are discarded after a single POST and
// never see a GET.
func NewTransport(sessionID string, stateful bool) *Transport {
	return &Transport{
		id:             sessionID,
		stateful:       stateful,
		done:           make(chan struct{}),
		outgoing:       make(map[gateway.StreamID][]*outgoingEvent),
		signals:        make(map[gateway.StreamID]chan struct{}),
		requestStreams: make(map[jsonrpc2.ID]gateway.StreamID),
		streamRequests: make(map[gateway.StreamID]map[jsonrpc2.ID]struct{}),
	}
}

func (t *Transport) SessionID() string { return t.id }

func (t *Transport) SetCallbacks(cb gateway.Callbacks) { t.cb = cb }

// Start arms the transport. It fails on a second call.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("streamable transport %s: already started", t.id)
	}
	t.started = true
	return nil
}

// newStream allocates a fresh logical stream id for a POST, registers the
// set of request ids it is answerable for, and returns both the id and a
// signal channel the HTTP handler should block on between writes.
func (t *Transport) newStream(requestIDs []jsonrpc2.ID) (gateway.StreamID, chan struct{}) {
	id := gateway.StreamID(t.nextStreamID.Add(1))
	signal := make(chan struct{}, 1)
	t.mu.Lock()
	if len(requestIDs) > 0 {
		t.streamRequests[id] = make(map[jsonrpc2.ID]struct{}, len(requestIDs))
	}
	for _, rid := range requestIDs {
		t.requestStreams[rid] = id
		t.streamRequests[id][rid] = struct{}{}
	}
	t.signals[id] = signal
	t.mu.Unlock()
	return id, signal
}

// attachListener registers StreamID 0 (the long-lived GET listener) and
// returns its signal channel plus the outgoing index to resume from, derived from
// Last-Event-ID: the listener replays every retained event with a higher
// index, in order, before going live. ok is false if lastEventID is present
// but unparseable.
func (t *Transport) attachListener(lastEventID string) (signal chan struct{}, nextIndex int, ok bool) {
	nextIndex = 0
	if lastEventID != "" {
		_, idx, parsed := parseEventID(lastEventID)
		if !parsed {
			return nil, 0, false
		}
		nextIndex = idx + 1
	}
	signal = make(chan struct{}, 1)
	t.mu.Lock()
	t.signals[gateway.StreamID(0)] = signal
	t.mu.Unlock()
	return signal, nextIndex, true
}

func (t *Transport) detachSignal(id gateway.StreamID) {
	t.mu.Lock()
	delete(t.signals, id)
	t.mu.Unlock()
}

// pending returns the outgoing events for stream id starting at fromIndex,
// clamped to the entries actually retained (stream 0's history may have
// been partially evicted), plus the count of still-unanswered requests and
// total outgoing count for that stream.
func (t *Transport) pending(id gateway.StreamID, fromIndex int) (events []*outgoingEvent, nOutstanding, nOutgoing int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.outgoing[id]
	base := 0
	if id == 0 {
		base = t.base0
	}
	start := fromIndex - base
	if start < 0 {
		start = 0
	}
	if start > len(all) {
		start = len(all)
	}
	return append([]*outgoingEvent(nil), all[start:]...), len(t.streamRequests[id]), len(all) + base
}

// Send enqueues msg onto the correct logical stream and wakes any handler
// blocked waiting for it. Responses and errors go to the stream their
// request arrived on; server-initiated messages go to the stream carrying
// relatedRequestID when it is valid, else to the shared listener stream.
func (t *Transport) Send(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("streamable transport %s: closed", t.id)
	}

	var consumed jsonrpc2.ID
	var forStream gateway.StreamID
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		consumed = m.ID
		forStream = t.requestStreams[m.ID]
	case *jsonrpc2.ErrorResponse:
		consumed = m.ID
		forStream = t.requestStreams[m.ID]
	default:
		if relatedRequestID.IsValid() {
			forStream = t.requestStreams[relatedRequestID]
		}
	}

	if _, ok := t.streamRequests[forStream]; !ok && forStream != 0 {
		// The stream this message was bound for has already closed (no
		// outstanding requests remain on it). Fall back to the shared
		// listener stream 0. In stateless mode the handler keeps every
		// request's stream registered until it has been answered, so
		// nothing ever crosses over to another request's response here.
		forStream = 0
	}

	data, err := jsonrpc2.Encode(msg)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("streamable transport %s: encode: %w", t.id, err)
	}

	base := 0
	if forStream == 0 {
		base = t.base0
	}
	idx := len(t.outgoing[forStream]) + base
	t.outgoing[forStream] = append(t.outgoing[forStream], &outgoingEvent{
		idx:  idx,
		name: "message",
		data: data,
	})

	if consumed.IsValid() {
		delete(t.streamRequests[forStream], consumed)
		if len(t.streamRequests[forStream]) == 0 {
			delete(t.streamRequests, forStream)
		}
	}

	if forStream == 0 && t.stateful && len(t.outgoing[0]) > HistoryCap {
		drop := len(t.outgoing[0]) - HistoryCap
		t.outgoing[0] = t.outgoing[0][drop:]
		t.base0 += drop
	}

	signal := t.signals[forStream]
	t.mu.Unlock()

	if signal != nil {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// forgetStream drops a POST-originated stream's outgoing queue once its
// HTTP response has finished, since ephemeral POST streams are never
// resumed with Last-Event-ID (only the long-lived listener, StreamID 0,
// is). This keeps memory bounded without needing a global eviction scheme
// for them.
func (t *Transport) forgetStream(id gateway.StreamID) {
	if id == 0 {
		return
	}
	t.mu.Lock()
	delete(t.outgoing, id)
	delete(t.streamRequests, id)
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()
	if t.cb.OnClose != nil {
		t.cb.OnClose()
	}
	return nil
}

func (t *Transport) Done() <-chan struct{} { return t.done }

// formatEventID and parseEventID encode a logical stream id and an index
// within it as "<streamID>_<idx>", so a reconnecting client's Last-Event-ID
// names both the stream it was reading and its position in it.
func formatEventID(sid gateway.StreamID, idx int) string {
	return fmt.Sprintf("%d_%d", sid, idx)
}

func parseEventID(eventID string) (sid gateway.StreamID, idx int, ok bool) {
	parts := strings.SplitN(eventID, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 {
		return 0, 0, false
	}
	i, err := strconv.Atoi(parts[1])
	if err != nil || i < 0 {
		return 0, 0, false
	}
	return gateway.StreamID(s), i, true
}
