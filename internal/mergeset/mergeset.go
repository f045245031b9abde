// Package mergeset implements the Collector: it turns each source
// workspace's backend-reported Snapshot into a sorted, deduplicated
// PatchSet of FileChanges with blob OIDs, failing fast on the first
// workspace that errors out.
package mergeset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/manifold-vcs/maw/internal/fileid"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
	"github.com/manifold-vcs/maw/internal/wsbackend"
)

// ChangeKind is the closed set of per-path change kinds.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileChange is one path's change within a workspace's PatchSet.
type FileChange struct {
	Path   string
	Kind   ChangeKind
	FileID fileid.ID // zero value only for a Deleted path the map does not track
	Blob   oid.OID   // zero value iff Kind == Deleted
}

// PatchSet is one workspace's collected, sorted changes against the base
// epoch it was created from.
type PatchSet struct {
	WorkspaceID string
	Epoch       oid.EpochId
	Changes     []FileChange
}

// ErrKind is the closed set of collector failure modes (grounded on
// collect.rs's CollectorError enum).
type ErrKind int

const (
	ErrSnapshotFailed ErrKind = iota
	ErrReadFailed
	ErrEpochFailed
)

// Error is a Collect failure, carrying which workspace and phase it
// happened in.
type Error struct {
	Kind      ErrKind
	Workspace string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mergeset: collect %s failed: %v", e.Workspace, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Collect turns workspaceIDs into PatchSets by querying backend.Snapshot
// for each, reading blob content via store, and minting/looking-up a
// FileId for every touched path. Fails fast: the first workspace that
// cannot be collected aborts the whole call, since a partial PatchSet list
// cannot be safely fed to the resolver.
func Collect(ctx context.Context, backend wsbackend.Backend, store *objectstore.Store, ids *fileid.Map, workspaceIDs []string) ([]PatchSet, error) {
	out := make([]PatchSet, 0, len(workspaceIDs))
	for _, wsID := range workspaceIDs {
		ps, err := collectOne(ctx, backend, store, ids, wsID)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}

func collectOne(ctx context.Context, backend wsbackend.Backend, store *objectstore.Store, ids *fileid.Map, wsID string) (PatchSet, error) {
	status, err := backend.Status(ctx, wsID)
	if err != nil {
		return PatchSet{}, &Error{Kind: ErrSnapshotFailed, Workspace: wsID, Err: err}
	}

	snap, err := backend.Snapshot(ctx, wsID)
	if err != nil {
		return PatchSet{}, &Error{Kind: ErrSnapshotFailed, Workspace: wsID, Err: err}
	}

	path := backend.WorkspacePath(wsID)
	changes := make([]FileChange, 0, len(snap.Added)+len(snap.Modified)+len(snap.Deleted))

	for _, p := range snap.Added {
		blob, err := hashAndStore(ctx, store, filepath.Join(path, p))
		if err != nil {
			return PatchSet{}, &Error{Kind: ErrReadFailed, Workspace: wsID, Err: err}
		}
		changes = append(changes, FileChange{Path: p, Kind: Added, FileID: ids.MintOrLookup(p), Blob: blob})
	}
	for _, p := range snap.Modified {
		blob, err := hashAndStore(ctx, store, filepath.Join(path, p))
		if err != nil {
			return PatchSet{}, &Error{Kind: ErrReadFailed, Workspace: wsID, Err: err}
		}
		id, known := ids.Lookup(p)
		if !known {
			id = ids.MintOrLookup(p)
		}
		changes = append(changes, FileChange{Path: p, Kind: Modified, FileID: id, Blob: blob})
	}
	for _, p := range snap.Deleted {
		id, _ := ids.Lookup(p)
		changes = append(changes, FileChange{Path: p, Kind: Deleted, FileID: id})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	if status.BaseEpoch.IsZero() {
		return PatchSet{}, &Error{Kind: ErrEpochFailed, Workspace: wsID, Err: fmt.Errorf("workspace has no base epoch")}
	}

	return PatchSet{WorkspaceID: wsID, Epoch: status.BaseEpoch, Changes: changes}, nil
}

func hashAndStore(ctx context.Context, store *objectstore.Store, fullPath string) (oid.OID, error) {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return oid.Zero, fmt.Errorf("read %s: %w", fullPath, err)
	}
	return store.WriteBlob(ctx, data)
}
