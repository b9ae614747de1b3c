// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	"github.com/segmentio/encoding/json"
	_ "modernc.org/sqlite"
)

// State is the durable slice of a Session's data: everything that must
// survive a runtime hibernation/eviction and be restored when a client
// reconnects. In-memory state (open streams, message history, the
// request-origin table) is NOT part of State; it is rebuilt from clients'
// reconnects (see gateway/streamable's Last-Event-ID replay).
type State struct {
	Properties  map[string]any `json:"properties"`
	Initialized bool           `json:"initialized"`
}

// Store persists Session State across hibernation: properties and the
// initialized flag survive even though streams and history are discarded.
type Store interface {
	Load(ctx context.Context, sessionID string) (*State, error)
	Store(ctx context.Context, sessionID string, state *State) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process Store, adequate for a single-node deployment
// that never hibernates sessions across a restart.
type MemoryStore struct {
	mu    sync.Mutex
	store map[string]*State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{store: make(map[string]*State)}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.store[sessionID]
	if !ok {
		return nil, fs.ErrNotExist
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) Store(ctx context.Context, sessionID string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.store[sessionID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, sessionID)
	return nil
}

// SQLiteStore is a Store backed by a pure-Go SQLite database, for
// deployments that want session properties and the initialized flag to
// survive a process restart, not just an in-memory map.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLiteStore at path, e.g.
// "file:gateway-sessions.db?_pragma=busy_timeout(5000)".
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: opening sqlite store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	properties  TEXT NOT NULL,
	initialized INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: creating sessions table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT properties, initialized FROM sessions WHERE id = ?`, sessionID)
	var propsJSON string
	var initialized int
	if err := row.Scan(&propsJSON, &initialized); err != nil {
		if err == sql.ErrNoRows {
			return nil, fs.ErrNotExist
		}
		return nil, fmt.Errorf("session: loading %s: %w", sessionID, err)
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
		return nil, fmt.Errorf("session: decoding properties for %s: %w", sessionID, err)
	}
	return &State{Properties: props, Initialized: initialized != 0}, nil
}

func (s *SQLiteStore) Store(ctx context.Context, sessionID string, state *State) error {
	propsJSON, err := json.Marshal(state.Properties)
	if err != nil {
		return fmt.Errorf("session: encoding properties for %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, properties, initialized) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET properties = excluded.properties, initialized = excluded.initialized`,
		sessionID, string(propsJSON), boolToInt(state.Initialized))
	if err != nil {
		return fmt.Errorf("session: storing %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("session: deleting %s: %w", sessionID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
