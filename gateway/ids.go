// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// NewSessionID returns a fresh, printable, opaque session identifier,
// suitable for the Mcp-Session-Id header.
func NewSessionID() string {
	return rand.Text()
}

// NewStreamCorrelationID returns a process-unique identifier that labels a
// dial-side WebSocket transport (see wsmcp.Dial), which has no
// server-assigned session id. It is never sent as Mcp-Session-Id.
func NewStreamCorrelationID() string {
	return uuid.NewString()
}
