// Package nodeagent implements the storage-node side of the relay protocol:
// a disk-backed chunk store and the websocket agent that answers relay
// commands against it. Chunk contents are sealed client-side; the agent
// stores and serves opaque bytes.
package nodeagent

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound = errors.New("chunk not found")
	ErrConflict = errors.New("chunk id already holds different data")
)

// ChunkDir stores one file per chunk under a directory, with in-progress
// uploads staged in a tmp/ subdirectory until finalized.
type ChunkDir struct {
	dir string
}

// NewChunkDir creates the chunk and staging directories if needed.
func NewChunkDir(dir string) (*ChunkDir, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0700); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &ChunkDir{dir: dir}, nil
}

// chunkPath validates the id and maps it to a file path. IDs are UUIDs, but
// the check is defensive since ids arrive over the wire.
func (c *ChunkDir) chunkPath(chunkID string) (string, error) {
	if chunkID == "" || strings.ContainsAny(chunkID, "/\\") || strings.Contains(chunkID, "..") {
		return "", fmt.Errorf("invalid chunk id %q", chunkID)
	}
	return filepath.Join(c.dir, chunkID), nil
}

// Store writes a chunk. Same id with identical bytes is an idempotent
// success; same id with different bytes is ErrConflict.
func (c *ChunkDir) Store(chunkID string, data []byte) error {
	path, err := c.chunkPath(chunkID)
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return ErrConflict
	}
	return os.WriteFile(path, data, 0600)
}

// Fetch reads a chunk's bytes.
func (c *ChunkDir) Fetch(chunkID string) ([]byte, error) {
	path, err := c.chunkPath(chunkID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes a chunk. Deleting a missing chunk is ErrNotFound; callers
// that want idempotence handle that themselves.
func (c *ChunkDir) Delete(chunkID string) error {
	path, err := c.chunkPath(chunkID)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// CreateTemp opens a staging file for a multi-frame upload and returns its
// name. The name is what the relay hands back at finalize time.
func (c *ChunkDir) CreateTemp(sessionID string) (string, error) {
	name := "upload-" + sessionID
	f, err := os.Create(filepath.Join(c.dir, "tmp", name))
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	f.Close()
	return name, nil
}

// AppendTemp appends one frame's payload to a staging file.
func (c *ChunkDir) AppendTemp(name string, data []byte) error {
	f, err := os.OpenFile(filepath.Join(c.dir, "tmp", name), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open temp object: %w", err)
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// FinalizeTemp promotes a staging file to a chunk. The rename is atomic on
// the same filesystem, so a chunk file is always complete.
func (c *ChunkDir) FinalizeTemp(name, chunkID string) error {
	path, err := c.chunkPath(chunkID)
	if err != nil {
		return err
	}
	tmpPath := filepath.Join(c.dir, "tmp", name)
	if existing, err := os.ReadFile(path); err == nil {
		staged, rerr := os.ReadFile(tmpPath)
		if rerr == nil && bytes.Equal(existing, staged) {
			os.Remove(tmpPath)
			return nil
		}
		os.Remove(tmpPath)
		return ErrConflict
	}
	return os.Rename(tmpPath, path)
}

// DiscardTemp drops an abandoned staging file.
func (c *ChunkDir) DiscardTemp(name string) {
	os.Remove(filepath.Join(c.dir, "tmp", name))
}

// Usage reports total stored bytes and chunk count, ignoring staging files.
func (c *ChunkDir) Usage() (usedSpace, numChunks int64) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		usedSpace += info.Size()
		numChunks++
	}
	return usedSpace, numChunks
}
