// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package streamable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bridgemcp/gateway/gateway"
	"github.com/bridgemcp/gateway/internal/jsonrpc2"
)

// Client is the client side of the Streamable HTTP transport: every Send
// POSTs one message to the endpoint and pumps the SSE response (if any)
// into the OnMessage callback; Listen holds the long-lived GET stream open,
// resuming with Last-Event-ID across disconnects.
type Client struct {
	Endpoint string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// MaxRetries bounds the POST retry loop and the GET reconnect loop.
	// Zero means a sensible default.
	MaxRetries int

	cb gateway.Callbacks

	mu          sync.Mutex
	started     bool
	sessionID   string
	lastEventID string
	closed      chan struct{}
	closeOnce   sync.Once
}

const defaultMaxRetries = 5

func (c *Client) SetCallbacks(cb gateway.Callbacks) { c.cb = cb }

// SessionID returns the server-assigned session id, once an initialize
// round trip has completed.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return defaultMaxRetries
}

// Start arms the client. It fails on a second call.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("streamable client: already started")
	}
	c.started = true
	c.closed = make(chan struct{})
	return nil
}

// backoff returns the pause before retry attempt n: exponential, capped at
// five seconds, plus a random jitter of up to a quarter of that value.
func backoff(n int) time.Duration {
	d := 50 * time.Millisecond << n
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d + time.Duration(rand.Int64N(int64(d/4+1)))
}

// Send POSTs msg to the endpoint, retrying transient network failures, and
// pumps any SSE response into OnMessage on its own goroutine. The
// relatedRequestID parameter exists for Transport conformance; the HTTP
// client has only the one endpoint to send to.
func (c *Client) Send(ctx context.Context, msg jsonrpc2.Message, relatedRequestID jsonrpc2.ID) error {
	data, err := jsonrpc2.Encode(msg)
	if err != nil {
		return fmt.Errorf("streamable client: encode: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries(); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return fmt.Errorf("streamable client: closed")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json, text/event-stream")
		req.Header.Set("Content-Type", "application/json")
		if sid := c.SessionID(); sid != "" {
			req.Header.Set(sessionHeader, sid)
		}

		resp, err := c.httpClient().Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if sid := resp.Header.Get(sessionHeader); sid != "" {
			c.mu.Lock()
			c.sessionID = sid
			c.mu.Unlock()
		}

		switch {
		case resp.StatusCode == http.StatusAccepted:
			resp.Body.Close()
			return nil
		case resp.StatusCode == http.StatusOK && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"):
			go c.pump(resp.Body, false)
			return nil
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("streamable client: POST failed: status %d: %s", resp.StatusCode, body)
		}
	}
	return fmt.Errorf("streamable client: POST failed after %d attempts: %w", c.maxRetries(), lastErr)
}

// Listen opens the long-lived GET listener stream, reconnecting with
// exponential backoff and resuming from the last seen event id. It returns
// when ctx is done, the client is closed, or the retry budget is exhausted.
func (c *Client) Listen(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "text/event-stream")
		if sid := c.SessionID(); sid != "" {
			req.Header.Set(sessionHeader, sid)
		}
		c.mu.Lock()
		if c.lastEventID != "" {
			req.Header.Set("Last-Event-ID", c.lastEventID)
		}
		c.mu.Unlock()

		resp, err := c.httpClient().Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			failures = 0
			c.pump(resp.Body, true)
			continue // the stream ended; reconnect and resume
		}
		if err == nil {
			resp.Body.Close()
			return fmt.Errorf("streamable client: GET failed: status %d", resp.StatusCode)
		}

		failures++
		if failures >= c.maxRetries() {
			return fmt.Errorf("streamable client: listener gave up after %d attempts: %w", failures, err)
		}
		select {
		case <-time.After(backoff(failures - 1)):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		}
	}
}

// pump decodes each SSE event on body and hands it to OnMessage. Only the
// listener stream tracks event ids for resumption: a POST's response stream
// is never resumed, and its ids would misposition the listener's replay.
func (c *Client) pump(body io.ReadCloser, trackIDs bool) {
	defer body.Close()
	for ev, err := range gateway.ScanEvents(body) {
		if err != nil {
			if err != io.EOF && c.cb.OnError != nil {
				c.cb.OnError(err)
			}
			return
		}
		if trackIDs && ev.ID != "" {
			c.mu.Lock()
			c.lastEventID = ev.ID
			c.mu.Unlock()
		}
		msg, err := jsonrpc2.Decode(ev.Data)
		if err != nil {
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
			continue
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg, gateway.StreamID(0))
		}
	}
}

// Close tears the session down with a DELETE (when one was established) and
// stops any listener loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.closed != nil {
			close(c.closed)
		}
		if sid := c.SessionID(); sid != "" {
			req, reqErr := http.NewRequest(http.MethodDelete, c.Endpoint, nil)
			if reqErr == nil {
				req.Header.Set(sessionHeader, sid)
				if resp, doErr := c.httpClient().Do(req); doErr == nil {
					resp.Body.Close()
				} else {
					err = doErr
				}
			}
		}
		if c.cb.OnClose != nil {
			c.cb.OnClose()
		}
	})
	return err
}
