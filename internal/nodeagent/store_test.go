package nodeagent

import (
	"bytes"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *ChunkDir {
	t.Helper()
	store, err := NewChunkDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewChunkDir: %v", err)
	}
	return store
}

func TestChunkDirStoreFetchDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Store("chunk-1", []byte("sealed")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := store.Fetch("chunk-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, []byte("sealed")) {
		t.Errorf("Fetch = %q, want %q", got, "sealed")
	}

	if err := store.Delete("chunk-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Fetch("chunk-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch after delete: got %v, want ErrNotFound", err)
	}
	if err := store.Delete("chunk-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("repeat Delete: got %v, want ErrNotFound", err)
	}
}

func TestChunkDirStoreConflict(t *testing.T) {
	store := newTestStore(t)

	if err := store.Store("chunk-1", []byte("original")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// Same bytes: idempotent.
	if err := store.Store("chunk-1", []byte("original")); err != nil {
		t.Fatalf("idempotent Store: %v", err)
	}
	// Different bytes: conflict.
	if err := store.Store("chunk-1", []byte("different")); !errors.Is(err, ErrConflict) {
		t.Fatalf("conflicting Store: got %v, want ErrConflict", err)
	}
}

func TestChunkDirRejectsPathTraversal(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if err := store.Store(id, []byte("x")); err == nil {
			t.Errorf("Store(%q) accepted an unsafe id", id)
		}
	}
}

func TestChunkDirTempFinalize(t *testing.T) {
	store := newTestStore(t)

	name, err := store.CreateTemp("session-1")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := store.AppendTemp(name, []byte("part one ")); err != nil {
		t.Fatalf("AppendTemp: %v", err)
	}
	if err := store.AppendTemp(name, []byte("part two")); err != nil {
		t.Fatalf("AppendTemp: %v", err)
	}

	// Staging files never count as chunks.
	if _, chunks := store.Usage(); chunks != 0 {
		t.Errorf("Usage counts %d chunks before finalize, want 0", chunks)
	}

	if err := store.FinalizeTemp(name, "chunk-1"); err != nil {
		t.Fatalf("FinalizeTemp: %v", err)
	}
	got, err := store.Fetch("chunk-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, []byte("part one part two")) {
		t.Errorf("Fetch = %q, want %q", got, "part one part two")
	}
}

func TestChunkDirFinalizeConflict(t *testing.T) {
	store := newTestStore(t)
	if err := store.Store("chunk-1", []byte("existing")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	name, err := store.CreateTemp("session-1")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := store.AppendTemp(name, []byte("different")); err != nil {
		t.Fatalf("AppendTemp: %v", err)
	}
	if err := store.FinalizeTemp(name, "chunk-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("FinalizeTemp over occupied id: got %v, want ErrConflict", err)
	}
	// The occupied chunk is untouched.
	got, _ := store.Fetch("chunk-1")
	if !bytes.Equal(got, []byte("existing")) {
		t.Errorf("chunk mutated by failed finalize: %q", got)
	}
}

func TestChunkDirUsage(t *testing.T) {
	store := newTestStore(t)
	store.Store("a", []byte("12345"))
	store.Store("b", []byte("123"))

	used, chunks := store.Usage()
	if used != 8 {
		t.Errorf("usedSpace = %d, want 8", used)
	}
	if chunks != 2 {
		t.Errorf("numChunks = %d, want 2", chunks)
	}
}
