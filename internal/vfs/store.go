package vfs

import (
	"context"
	"errors"
)

// Chunk access errors. HTTP-backed stores map relay status codes onto these
// sentinels so the tree logic never inspects status codes itself.
var (
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrChunkConflict means the chunk id is already occupied by unrelated
	// data. The caller regenerates the id and retries.
	ErrChunkConflict = errors.New("chunk id conflict")
)

// ChunkStore is the client's view of remote chunk storage: opaque sealed
// blobs keyed by UUID. Implementations talk to the relay; tests use an
// in-memory fake.
type ChunkStore interface {
	// Fetch returns the sealed blob for a chunk, or ErrChunkNotFound.
	Fetch(ctx context.Context, chunkID string) ([]byte, error)
	// Store writes a sealed blob at the given id. Storing different data at
	// an occupied id returns ErrChunkConflict.
	Store(ctx context.Context, chunkID string, blob []byte) error
	// Delete removes a chunk. Deleting a missing chunk is not an error.
	Delete(ctx context.Context, chunkID string) error
}
