// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
)

// Event is a single Server-Sent Event: an optional id, an event name, and an
// opaque data payload (here always a JSON-encoded JSON-RPC message).
type Event struct {
	ID   string
	Name string
	Data []byte
}

// WriteEvent writes ev to w in SSE wire format and flushes it, so that
// clients holding the connection open observe it immediately. If w does not
// implement http.Flusher the event is written without a flush; only a write
// error is reported.
func WriteEvent(w http.ResponseWriter, ev Event) error {
	var buf bytes.Buffer
	if ev.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", ev.ID)
	}
	name := ev.Name
	if name == "" {
		name = "message"
	}
	fmt.Fprintf(&buf, "event: %s\n", name)
	for _, line := range strings.Split(string(ev.Data), "\n") {
		fmt.Fprintf(&buf, "data: %s\n", line)
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ScanEvents reads successive SSE events from r until EOF or a read error.
// It is a range-over-func iterator: each iteration yields (Event, nil) or
// (Event{}, err) on the final, failing step.
func ScanEvents(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var cur Event
		var data bytes.Buffer
		haveEvent := false
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if haveEvent {
					cur.Data = append([]byte(nil), bytes.TrimSuffix(data.Bytes(), []byte("\n"))...)
					if !yield(cur, nil) {
						return
					}
					cur = Event{}
					data.Reset()
					haveEvent = false
				}
			case strings.HasPrefix(line, "id:"):
				cur.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
				haveEvent = true
			case strings.HasPrefix(line, "event:"):
				cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				haveEvent = true
			case strings.HasPrefix(line, "data:"):
				// A single space after the colon is part of the framing,
				// not of the value.
				data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
				data.WriteByte('\n')
				haveEvent = true
			case strings.HasPrefix(line, ":"):
				// comment / keep-alive, ignore
			}
		}
		if err := sc.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		yield(Event{}, io.EOF)
	}
}
