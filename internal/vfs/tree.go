package vfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ssd-technologies/obscura/internal/crypto"
)

var (
	ErrNameConflict      = errors.New("name already exists in directory")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrEntryNotFound     = errors.New("entry not found in directory")
	ErrAtRoot            = errors.New("already at root directory")
	ErrNotLoaded         = errors.New("no directory loaded")
	// ErrTooManyConflicts is returned when the bounded id-regeneration loop
	// exhausts its attempts.
	ErrTooManyConflicts = errors.New("too many chunk id conflicts")
)

// maxStoreAttempts bounds the id-regeneration loop when a store hits an
// occupied chunk id.
const maxStoreAttempts = 5

// Tree is one open filesystem session: a master key, a deterministic root
// id, and the single currently loaded Directory. There is no cache of the
// full tree; every navigation fetches and decrypts over the network.
//
// A Tree assumes at most one concurrent mutating call. Conflicts between two
// separately open sessions on the same directory are resolved only by the
// chunk-id collision retry (last writer wins).
type Tree struct {
	store  ChunkStore
	key    []byte
	rootID string
	cur    *Directory
}

// New derives the session key and root chunk id from the user's password and
// salt. No network traffic happens until Bootstrap.
func New(store ChunkStore, password string, salt []byte) *Tree {
	return &Tree{
		store:  store,
		key:    crypto.DeriveMasterKey(password, salt),
		rootID: crypto.DeriveRootChunkID(password, salt),
	}
}

// Key exposes the session master key for file chunk encryption.
func (t *Tree) Key() []byte { return t.key }

// RootID returns the derived root chunk id.
func (t *Tree) RootID() string { return t.rootID }

// Current returns the currently loaded directory, or nil before Bootstrap.
func (t *Tree) Current() *Directory { return t.cur }

// Bootstrap loads the root directory, creating an empty one at the derived
// root id if it does not exist yet. Safe to call on every login.
func (t *Tree) Bootstrap(ctx context.Context) (*Directory, error) {
	dir, err := t.fetchDirectory(ctx, t.rootID)
	if err == nil {
		t.cur = dir
		return dir, nil
	}
	if !errors.Is(err, ErrChunkNotFound) {
		return nil, err
	}

	root := &Directory{ChunkID: t.rootID, Name: "/"}
	if err := t.storeAt(ctx, root); err != nil {
		// A concurrent login from the same account may have created the root
		// between our fetch and store. Re-fetch rather than fail.
		if errors.Is(err, ErrChunkConflict) {
			dir, err := t.fetchDirectory(ctx, t.rootID)
			if err != nil {
				return nil, err
			}
			t.cur = dir
			return dir, nil
		}
		return nil, err
	}
	t.cur = root
	return root, nil
}

// ChangeDirectory replaces the current directory with the child identified
// by childID.
func (t *Tree) ChangeDirectory(ctx context.Context, childID string) (*Directory, error) {
	dir, err := t.fetchDirectory(ctx, childID)
	if err != nil {
		return nil, err
	}
	t.cur = dir
	return dir, nil
}

// LeaveDirectory replaces the current directory with its parent.
func (t *Tree) LeaveDirectory(ctx context.Context) (*Directory, error) {
	if t.cur == nil {
		return nil, ErrNotLoaded
	}
	if t.cur.IsRoot() {
		return nil, ErrAtRoot
	}
	dir, err := t.fetchDirectory(ctx, t.cur.ParentID)
	if err != nil {
		return nil, err
	}
	t.cur = dir
	return dir, nil
}

// Contents returns the current directory's entries, directories before
// files, each group sorted by name.
func (t *Tree) Contents() []Item {
	if t.cur == nil {
		return nil
	}
	return t.cur.Sorted()
}

// Lookup finds an entry in the current directory by exact name.
func (t *Tree) Lookup(name string) (Item, bool) {
	if t.cur == nil {
		return Item{}, false
	}
	if i := t.cur.find(name); i >= 0 {
		return t.cur.Contents[i], true
	}
	return Item{}, false
}

// CreateSubdirectory allocates a new empty directory under the current one
// and persists both. Returns the child's final chunk id.
func (t *Tree) CreateSubdirectory(ctx context.Context, name string) (string, error) {
	if t.cur == nil {
		return "", ErrNotLoaded
	}
	if t.cur.find(name) >= 0 {
		return "", ErrNameConflict
	}

	child := &Directory{
		ChunkID:  uuid.New().String(),
		Name:     name,
		ParentID: t.cur.ChunkID,
	}
	if err := t.storeNew(ctx, child); err != nil {
		return "", err
	}

	t.cur.Contents = append(t.cur.Contents, Item{
		Kind: KindDirectory,
		Dir:  &DirItem{Name: name, ChunkID: child.ChunkID},
	})
	if _, err := t.persist(ctx, t.cur); err != nil {
		return "", err
	}
	return child.ChunkID, nil
}

// DeleteDirectory removes an empty child directory: its chunk is deleted and
// the reference dropped from the current directory. A non-empty target is
// rejected so callers can ask the user for explicit recursive confirmation.
func (t *Tree) DeleteDirectory(ctx context.Context, chunkID string) error {
	if t.cur == nil {
		return ErrNotLoaded
	}

	target, err := t.fetchDirectory(ctx, chunkID)
	if err != nil {
		return err
	}
	if len(target.Contents) > 0 {
		return ErrDirectoryNotEmpty
	}

	idx := -1
	for i, it := range t.cur.Contents {
		if it.Kind == KindDirectory && it.Dir.ChunkID == chunkID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrEntryNotFound
	}

	if err := t.store.Delete(ctx, chunkID); err != nil {
		return fmt.Errorf("delete directory chunk: %w", err)
	}

	t.cur.Contents = append(t.cur.Contents[:idx], t.cur.Contents[idx+1:]...)
	_, err = t.persist(ctx, t.cur)
	return err
}

// DeleteFile removes a file entry from the current directory and deletes its
// chunks. Chunk deletion is best-effort: failures are reported in the
// returned error but never block removing the reference.
func (t *Tree) DeleteFile(ctx context.Context, name string) error {
	if t.cur == nil {
		return ErrNotLoaded
	}
	idx := t.cur.find(name)
	if idx < 0 || t.cur.Contents[idx].Kind != KindFile {
		return ErrEntryNotFound
	}

	var chunkErrs []error
	for _, id := range t.cur.Contents[idx].File.FileChunks {
		if err := t.store.Delete(ctx, id); err != nil {
			chunkErrs = append(chunkErrs, fmt.Errorf("delete chunk %s: %w", id, err))
		}
	}

	t.cur.Contents = append(t.cur.Contents[:idx], t.cur.Contents[idx+1:]...)
	if _, err := t.persist(ctx, t.cur); err != nil {
		chunkErrs = append(chunkErrs, err)
	}
	return errors.Join(chunkErrs...)
}

// PutFile adds a file entry to the current directory. With overwrite set, an
// existing file of the same name is replaced and its old chunks deleted
// best-effort; an existing subdirectory of the same name is always a
// conflict.
func (t *Tree) PutFile(ctx context.Context, file FileItem, overwrite bool) error {
	if t.cur == nil {
		return ErrNotLoaded
	}

	item := Item{Kind: KindFile, File: &file}
	if idx := t.cur.find(file.Name); idx >= 0 {
		existing := t.cur.Contents[idx]
		if !overwrite || existing.Kind != KindFile {
			return ErrNameConflict
		}
		for _, id := range existing.File.FileChunks {
			_ = t.store.Delete(ctx, id)
		}
		t.cur.Contents[idx] = item
	} else {
		t.cur.Contents = append(t.cur.Contents, item)
	}

	_, err := t.persist(ctx, t.cur)
	return err
}

// fetchDirectory fetches, decrypts and decodes one directory chunk.
func (t *Tree) fetchDirectory(ctx context.Context, chunkID string) (*Directory, error) {
	blob, err := t.store.Fetch(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	data, err := crypto.Open(blob, t.key)
	if err != nil {
		return nil, err
	}
	return decodeDirectory(data)
}

// storeAt seals and stores a directory at its current id, no retries.
func (t *Tree) storeAt(ctx context.Context, dir *Directory) error {
	data, err := encodeDirectory(dir)
	if err != nil {
		return err
	}
	blob, err := crypto.Seal(data, t.key)
	if err != nil {
		return err
	}
	return t.store.Store(ctx, dir.ChunkID, blob)
}

// storeNew stores a freshly allocated directory, regenerating its id on
// conflict. The id was random to begin with, so a conflict only means an
// unlucky collision with an unrelated chunk.
func (t *Tree) storeNew(ctx context.Context, dir *Directory) error {
	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		err := t.storeAt(ctx, dir)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrChunkConflict) {
			return err
		}
		dir.ChunkID = uuid.New().String()
	}
	return ErrTooManyConflicts
}

// persist implements the directory update protocol: delete the old chunk,
// then store the new serialized bytes at the same id. If the store collides
// with an unrelated chunk, a new id is generated and the store retried; this
// is the only way a directory's chunk id changes mid-life, and the parent
// reference is repointed when it happens. Returns the final id.
func (t *Tree) persist(ctx context.Context, dir *Directory) (string, error) {
	if err := t.store.Delete(ctx, dir.ChunkID); err != nil {
		return "", fmt.Errorf("delete old directory chunk: %w", err)
	}

	oldID := dir.ChunkID
	for attempt := 0; attempt < maxStoreAttempts; attempt++ {
		err := t.storeAt(ctx, dir)
		if err == nil {
			if dir.ChunkID != oldID {
				if err := t.repointParent(ctx, oldID, dir); err != nil {
					return "", err
				}
			}
			return dir.ChunkID, nil
		}
		if !errors.Is(err, ErrChunkConflict) {
			return "", err
		}
		dir.ChunkID = uuid.New().String()
	}
	return "", ErrTooManyConflicts
}

// repointParent updates the parent's reference after dir was relocated to a
// new chunk id. The parent's own persist may cascade further relocations up
// the tree; the recursion is bounded by tree depth.
func (t *Tree) repointParent(ctx context.Context, oldID string, dir *Directory) error {
	if dir.IsRoot() {
		// The root has no inbound reference. A relocated root is no longer
		// discoverable by derivation; nothing more can be done here.
		return nil
	}
	parent, err := t.fetchDirectory(ctx, dir.ParentID)
	if err != nil {
		return fmt.Errorf("fetch parent after relocation: %w", err)
	}
	found := false
	for i, it := range parent.Contents {
		if it.Kind == KindDirectory && it.Dir.ChunkID == oldID {
			parent.Contents[i].Dir.ChunkID = dir.ChunkID
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("parent %s has no reference to relocated directory %s", parent.ChunkID, oldID)
	}
	if _, err := t.persist(ctx, parent); err != nil {
		return err
	}
	// The parent may itself have moved.
	dir.ParentID = parent.ChunkID
	return nil
}
