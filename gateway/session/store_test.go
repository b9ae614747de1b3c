// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testStoreRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load(missing) = %v, want fs.ErrNotExist", err)
	}

	want := &State{
		Properties:  map[string]any{"sub": "user-1", "admin": true, "level": float64(3)},
		Initialized: true,
	}
	if err := store.Store(ctx, "S1", want); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Overwrite updates in place.
	want.Initialized = false
	want.Properties["sub"] = "user-2"
	if err := store.Store(ctx, "S1", want); err != nil {
		t.Fatal(err)
	}
	got, err = store.Load(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Initialized || got.Properties["sub"] != "user-2" {
		t.Errorf("overwrite not observed: %+v", got)
	}

	if err := store.Delete(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "S1"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load after Delete = %v, want fs.ErrNotExist", err)
	}

	// Deleting a session that never existed is not an error.
	if err := store.Delete(ctx, "never-there"); err != nil {
		t.Errorf("Delete(never-there) = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	testStoreRoundTrip(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	state := &State{Properties: map[string]any{"sub": "u1"}, Initialized: true}
	if err := store.Store(ctx, "S", state); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.Load(ctx, "S")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Initialized || got.Properties["sub"] != "u1" {
		t.Errorf("reloaded state = %+v, want initialized with sub=u1", got)
	}
}

func TestMemoryStoreCopiesState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	state := &State{Properties: map[string]any{"sub": "u1"}, Initialized: true}
	if err := store.Store(ctx, "S", state); err != nil {
		t.Fatal(err)
	}
	state.Initialized = false

	got, err := store.Load(ctx, "S")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Initialized {
		t.Error("stored state aliased the caller's value")
	}
}
