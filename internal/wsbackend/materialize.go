package wsbackend

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

// manifest records, for a file-materialized workspace (copy/reflink
// backends, which have no git index of their own), the tree entries it was
// created from, so Status/Snapshot can diff the live directory against its
// base without needing a working .git checkout.
type manifest struct {
	Epoch   string            `json:"epoch"`
	Entries map[string]string `json:"entries"` // path -> blob oid
}

func manifestPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, ".manifold-manifest.json")
}

func writeManifest(workspaceDir string, epoch oid.EpochId, entries []objectstore.FlatEntry) error {
	m := manifest{Epoch: epoch.String(), Entries: make(map[string]string, len(entries))}
	for _, e := range entries {
		m.Entries[e.Path] = e.OID.String()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(manifestPath(workspaceDir), data, 0o644)
}

func readManifest(workspaceDir string) (manifest, error) {
	data, err := os.ReadFile(manifestPath(workspaceDir))
	if err != nil {
		return manifest{}, fmt.Errorf("wsbackend: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("wsbackend: parse manifest: %w", err)
	}
	return m, nil
}

// materializeTree writes every blob reachable from tree into destDir,
// creating parent directories and honoring the executable bit encoded in
// git's file mode. The manifest it leaves behind records epoch (the
// workspace's base commit), not tree, so Status can compare it against the
// current epoch ref directly.
func materializeTree(ctx context.Context, s *objectstore.Store, epoch oid.EpochId, tree oid.OID, destDir string) ([]objectstore.FlatEntry, error) {
	entries, err := s.ListTreeRecursive(ctx, tree)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("wsbackend: mkdir workspace dir: %w", err)
	}
	for _, e := range entries {
		if e.Mode == "160000" || e.Mode == "120000" {
			continue // submodules and symlinks: not materialized, left as bare entries
		}
		full := filepath.Join(destDir, filepath.FromSlash(e.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("wsbackend: mkdir %s: %w", filepath.Dir(full), err)
		}
		data, err := s.ReadBlob(ctx, e.OID)
		if err != nil {
			return nil, fmt.Errorf("wsbackend: read blob for %s: %w", e.Path, err)
		}
		perm := os.FileMode(0o644)
		if e.Mode == "100755" {
			perm = 0o755
		}
		if err := os.WriteFile(full, data, perm); err != nil {
			return nil, fmt.Errorf("wsbackend: write %s: %w", full, err)
		}
	}
	if err := writeManifest(destDir, epoch, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// diffAgainstManifest walks workspaceDir and classifies every path as
// added, modified, or deleted relative to the manifest captured at create
// time, hashing live file content with the same algorithm git uses for
// blobs so comparisons remain content-addressed.
func diffAgainstManifest(workspaceDir string, m manifest) (Snapshot, error) {
	seen := make(map[string]bool, len(m.Entries))
	var snap Snapshot

	err := filepath.Walk(workspaceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ".manifold-manifest.json" {
			return nil
		}
		seen[rel] = true

		want, known := m.Entries[rel]
		if !known {
			snap.Added = append(snap.Added, rel)
			return nil
		}
		got, err := gitBlobHash(path)
		if err != nil {
			return err
		}
		if got != want {
			snap.Modified = append(snap.Modified, rel)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("wsbackend: walk workspace: %w", err)
	}

	for path := range m.Entries {
		if !seen[path] {
			snap.Deleted = append(snap.Deleted, path)
		}
	}

	sort.Strings(snap.Added)
	sort.Strings(snap.Modified)
	sort.Strings(snap.Deleted)
	return snap, nil
}

// gitBlobHash computes the git blob object id of a file's current content
// without touching the object database, so a read-only Status/Snapshot call
// never mutates repo state. git's default object id is SHA-1 over
// "blob <len>\x00<data>"; the repo's Store always operates through the git
// binary, so this mirrors that format rather than inventing a hash of its
// own.
func gitBlobHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := sha1.New()
	if _, err := fmt.Fprintf(h, "blob %d\x00", len(data)); err != nil {
		return "", err
	}
	if _, err := h.Write(data); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
