package vfs

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ItemKind tags the two DirectoryItem variants.
type ItemKind string

const (
	KindFile      ItemKind = "file"
	KindDirectory ItemKind = "directory"
)

// FileItem describes a file stored as an ordered list of chunk ids. Each
// chunk holds one fixed-size slice of the file; the last slice may be
// shorter.
type FileItem struct {
	Name       string   `json:"name"`
	Size       int64    `json:"size"`
	CreatedAt  int64    `json:"created_at"`
	FileChunks []string `json:"file_chunks"`
}

// DirItem references a subdirectory by its chunk id.
type DirItem struct {
	Name    string `json:"name"`
	ChunkID string `json:"chunk_id"`
}

// Item is a tagged union: exactly one of File or Dir is set, selected by
// Kind.
type Item struct {
	Kind ItemKind  `json:"kind"`
	File *FileItem `json:"file,omitempty"`
	Dir  *DirItem  `json:"directory,omitempty"`
}

// Name returns the entry name regardless of variant.
func (it Item) Name() string {
	switch {
	case it.Kind == KindFile && it.File != nil:
		return it.File.Name
	case it.Kind == KindDirectory && it.Dir != nil:
		return it.Dir.Name
	}
	return ""
}

// Directory is the decrypted form of a directory chunk. ChunkID is stable
// for the directory's lifetime except when an id conflict forces relocation
// during a store. The root directory has an empty ParentID.
type Directory struct {
	ChunkID  string `json:"chunk_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	Contents []Item `json:"contents"`
}

// IsRoot reports whether this is the filesystem root.
func (d *Directory) IsRoot() bool {
	return d.ParentID == ""
}

// find returns the index of the entry with the given name, or -1.
// Names are unique within a directory, case-sensitive.
func (d *Directory) find(name string) int {
	for i, it := range d.Contents {
		if it.Name() == name {
			return i
		}
	}
	return -1
}

// Sorted returns the directory entries with directories first, each group
// ordered lexicographically by name.
func (d *Directory) Sorted() []Item {
	items := make([]Item, len(d.Contents))
	copy(items, d.Contents)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Kind != items[j].Kind {
			return items[i].Kind == KindDirectory
		}
		return items[i].Name() < items[j].Name()
	})
	return items
}

func encodeDirectory(d *Directory) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode directory: %w", err)
	}
	return data, nil
}

func decodeDirectory(data []byte) (*Directory, error) {
	var d Directory
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	return &d, nil
}
