// Package transfer moves file bytes between the client and the relay as
// fixed-size encrypted chunks, with live progress reporting.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/obscura/internal/crypto"
	"github.com/ssd-technologies/obscura/internal/vfs"
)

// DefaultChunkSize is the fixed slice size files are split into.
const DefaultChunkSize = 1 << 20 // 1 MiB

// maxStoreAttempts bounds id regeneration when a chunk store hits an
// occupied id.
const maxStoreAttempts = 5

// ErrTooManyConflicts is returned when a chunk store keeps colliding after
// the bounded number of fresh ids.
var ErrTooManyConflicts = errors.New("too many chunk id conflicts")

// Progress is one live update during an upload or download. The final event
// has Done set (and Err on failure) so subscribers can assert terminal state
// deterministically.
type Progress struct {
	FileName    string
	ChunksDone  int
	TotalChunks int
	Percent     float64
	Done        bool
	Err         error
}

// UploadResult reports the outcome of an Upload call.
type UploadResult struct {
	// RequiresConfirmation is set when a same-name entry exists and
	// overwrite was false. Nothing was written; the caller may retry with
	// overwrite set.
	RequiresConfirmation bool
	File                 *vfs.FileItem
}

// Client uploads and downloads files for one open filesystem session.
type Client struct {
	tree      *vfs.Tree
	store     vfs.ChunkStore
	chunkSize int
}

// NewClient creates a transfer client. chunkSize <= 0 selects
// DefaultChunkSize.
func NewClient(tree *vfs.Tree, store vfs.ChunkStore, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Client{tree: tree, store: store, chunkSize: chunkSize}
}

// Upload splits data into fixed-size chunks, encrypts and stores each in
// order, then records the file in the current directory. Progress events are
// sent to progress (may be nil) after every chunk, ending with a terminal
// event. Chunks are processed in strict array order; the chunk list order
// reconstructs file byte order on download.
func (c *Client) Upload(ctx context.Context, name string, data []byte, overwrite bool, progress chan<- Progress) (*UploadResult, error) {
	if _, exists := c.tree.Lookup(name); exists && !overwrite {
		return &UploadResult{RequiresConfirmation: true}, nil
	}

	totalChunks := (len(data) + c.chunkSize - 1) / c.chunkSize
	chunkIDs := make([]string, 0, totalChunks)

	fail := func(err error) (*UploadResult, error) {
		// Best-effort cleanup of chunks stored before the failure.
		for _, id := range chunkIDs {
			_ = c.store.Delete(ctx, id)
		}
		emit(progress, Progress{FileName: name, ChunksDone: len(chunkIDs), TotalChunks: totalChunks, Percent: percent(len(chunkIDs), totalChunks), Done: true, Err: err})
		return nil, err
	}

	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		start := i * c.chunkSize
		end := min(start+c.chunkSize, len(data))

		blob, err := crypto.Seal(data[start:end], c.tree.Key())
		if err != nil {
			return fail(err)
		}
		id, err := c.storeChunk(ctx, blob)
		if err != nil {
			return fail(err)
		}
		chunkIDs = append(chunkIDs, id)

		emit(progress, Progress{
			FileName:    name,
			ChunksDone:  i + 1,
			TotalChunks: totalChunks,
			Percent:     percent(i+1, totalChunks),
		})
	}

	file := vfs.FileItem{
		Name:       name,
		Size:       int64(len(data)),
		CreatedAt:  time.Now().Unix(),
		FileChunks: chunkIDs,
	}
	if err := c.tree.PutFile(ctx, file, overwrite); err != nil {
		return fail(err)
	}

	emit(progress, Progress{FileName: name, ChunksDone: totalChunks, TotalChunks: totalChunks, Percent: 100, Done: true})
	return &UploadResult{File: &file}, nil
}

// Download fetches and decrypts every chunk of a file in order and returns
// the reassembled bytes. Any chunk failure aborts the whole download; no
// partial result is returned.
func (c *Client) Download(ctx context.Context, file *vfs.FileItem, progress chan<- Progress) ([]byte, error) {
	total := len(file.FileChunks)
	out := make([]byte, 0, file.Size)

	for i, id := range file.FileChunks {
		if err := ctx.Err(); err != nil {
			emit(progress, Progress{FileName: file.Name, ChunksDone: i, TotalChunks: total, Percent: percent(i, total), Done: true, Err: err})
			return nil, err
		}
		blob, err := c.store.Fetch(ctx, id)
		if err != nil {
			err = fmt.Errorf("fetch chunk %s: %w", id, err)
			emit(progress, Progress{FileName: file.Name, ChunksDone: i, TotalChunks: total, Percent: percent(i, total), Done: true, Err: err})
			return nil, err
		}
		plain, err := crypto.Open(blob, c.tree.Key())
		if err != nil {
			emit(progress, Progress{FileName: file.Name, ChunksDone: i, TotalChunks: total, Percent: percent(i, total), Done: true, Err: err})
			return nil, err
		}
		out = append(out, plain...)

		emit(progress, Progress{
			FileName:    file.Name,
			ChunksDone:  i + 1,
			TotalChunks: total,
			Percent:     percent(i+1, total),
			Done:        i+1 == total,
		})
	}
	if total == 0 {
		emit(progress, Progress{FileName: file.Name, Percent: 100, Done: true})
	}
	return out, nil
}

// storeChunk stores a sealed blob under a fresh UUID, regenerating the id on
// conflict.
func (c *Client) storeChunk(ctx context.Context, blob []byte) (string, error) {
	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		id := uuid.New().String()
		err := c.store.Store(ctx, id, blob)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, vfs.ErrChunkConflict) {
			return "", err
		}
	}
	return "", ErrTooManyConflicts
}

func emit(ch chan<- Progress, p Progress) {
	if ch != nil {
		ch <- p
	}
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}
