// Package fileid implements the per-epoch FileId map: a stable identity
// for each tracked path that survives renames within an epoch, persisted
// as JSON at .manifold/fileids.
//
// FileId values are minted with google/uuid, the same opaque-identifier
// library used elsewhere in the retrieved example pack for exactly this
// "give me a stable random handle" need.
package fileid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ID is a 128-bit opaque per-epoch file identity.
type ID string

// New mints a fresh FileId.
func New() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}

// entry is the on-disk JSON shape: [{"path": "...", "file_id": "..."}]
type entry struct {
	Path   string `json:"path"`
	FileID string `json:"file_id"`
}

// Map is the path -> FileId mapping for one epoch.
type Map struct {
	mu   sync.RWMutex
	path string
	ids  map[string]ID
}

// Load reads the fileid map at path, returning an empty map if the file
// does not exist yet (a brand-new repo has no fileids file).
func Load(path string) (*Map, error) {
	m := &Map{path: path, ids: make(map[string]ID)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fileid: read %s: %w", path, err)
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("fileid: parse %s: %w", path, err)
	}
	for _, e := range entries {
		m.ids[e.Path] = ID(e.FileID)
	}
	return m, nil
}

// Lookup returns the FileId for path, if known.
func (m *Map) Lookup(path string) (ID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[path]
	return id, ok
}

// MintOrLookup returns the existing FileId for path, or mints and records a
// fresh one if the path is new to the map. It does not persist the change;
// call Save when the caller is ready to make it durable.
func (m *Map) MintOrLookup(path string) ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[path]; ok {
		return id
	}
	id := New()
	m.ids[path] = id
	return id
}

// Remove deletes path's entry (e.g. when a file is deleted and its identity
// should not be reused for an unrelated future file at the same path).
func (m *Map) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, path)
}

// Save writes the map back to disk via write-to-tmp + fsync + rename, the
// same atomic-replace discipline MergeState persistence uses.
func (m *Map) Save() error {
	m.mu.RLock()
	entries := make([]entry, 0, len(m.ids))
	for p, id := range m.ids {
		entries = append(entries, entry{Path: p, FileID: string(id)})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("fileid: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("fileid: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".fileids-*.tmp")
	if err != nil {
		return fmt.Errorf("fileid: create tmp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fileid: write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fileid: fsync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fileid: close tmp: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("fileid: rename: %w", err)
	}
	return nil
}
