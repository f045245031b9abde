package wsbackend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

func init() {
	Register("copy", newCopyBackend)
}

// copyBackend materializes a workspace as a plain directory tree with no
// git metadata at all: every blob is written out by content, full stop.
// It is the fallback of last resort among the workspace strategies and
// the baseline the reflink backend degrades to when its copy-on-write
// fast path is unavailable.
type copyBackend struct {
	store   *objectstore.Store
	baseDir string
}

func newCopyBackend(repoRoot string) (Backend, error) {
	s, err := objectstore.Open(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("wsbackend: open object store: %w", err)
	}
	return &copyBackend{store: s, baseDir: filepath.Join(s.GitDir, "manifold-workspaces")}, nil
}

func (c *copyBackend) Name() string { return "copy" }

func (c *copyBackend) WorkspacePath(id string) string {
	return filepath.Join(c.baseDir, id)
}

func (c *copyBackend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(manifestPath(c.WorkspacePath(id)))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *copyBackend) Create(ctx context.Context, id string, epoch oid.EpochId) (Info, error) {
	path := c.WorkspacePath(id)
	exists, err := c.Exists(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if exists {
		if err := c.Destroy(ctx, id); err != nil {
			return Info{}, fmt.Errorf("wsbackend: recreate %s: %w", id, err)
		}
	}

	commit, err := c.store.ReadCommit(ctx, epoch.OID())
	if err != nil {
		return Info{}, fmt.Errorf("wsbackend: read epoch commit: %w", err)
	}
	if _, err := materializeTree(ctx, c.store, epoch, commit.Tree, path); err != nil {
		_ = os.RemoveAll(path)
		return Info{}, err
	}

	ref := "refs/manifold/ws/" + id
	if err := c.store.CASRef(ctx, ref, oid.Zero, epoch.OID()); err != nil {
		_ = os.RemoveAll(path)
		return Info{}, fmt.Errorf("wsbackend: mint workspace ref: %w", err)
	}

	return Info{ID: id, Path: path, Epoch: epoch, State: StateActive}, nil
}

func (c *copyBackend) Destroy(ctx context.Context, id string) error {
	path := c.WorkspacePath(id)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("wsbackend: remove workspace dir %s: %w", id, err)
	}
	ref := "refs/manifold/ws/" + id
	current, found, err := c.store.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return c.store.DeleteRef(ctx, ref, current)
}

func (c *copyBackend) List(ctx context.Context) ([]Info, error) {
	refs, err := c.store.ListRefs(ctx, "refs/manifold/ws/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(refs))
	for ref := range refs {
		ids = append(ids, strings.TrimPrefix(ref, "refs/manifold/ws/"))
	}
	sort.Strings(ids)

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		status, err := c.Status(ctx, id)
		if err != nil {
			continue
		}
		state := StateActive
		if status.IsStale {
			state = StateStale
		}
		infos = append(infos, Info{ID: id, Path: c.WorkspacePath(id), Epoch: status.BaseEpoch, State: state})
	}
	return infos, nil
}

func (c *copyBackend) Status(ctx context.Context, id string) (Status, error) {
	m, err := readManifest(c.WorkspacePath(id))
	if err != nil {
		return Status{}, err
	}
	base, err := oid.Parse(m.Epoch)
	if err != nil {
		return Status{}, fmt.Errorf("wsbackend: manifest has invalid epoch for %s: %w", id, err)
	}

	snap, err := diffAgainstManifest(c.WorkspacePath(id), m)
	if err != nil {
		return Status{}, err
	}
	dirty := append(append(append([]string{}, snap.Added...), snap.Modified...), snap.Deleted...)
	sort.Strings(dirty)

	current, _, err := c.store.ResolveRef(ctx, "refs/manifold/epoch/current")
	if err != nil {
		return Status{}, err
	}
	stale := !current.IsZero() && current != base

	return Status{BaseEpoch: oid.NewEpochId(base), DirtyFiles: dirty, IsStale: stale}, nil
}

func (c *copyBackend) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	m, err := readManifest(c.WorkspacePath(id))
	if err != nil {
		return Snapshot{}, err
	}
	return diffAgainstManifest(c.WorkspacePath(id), m)
}

// CapturePoint hashes and stores every added/modified file currently on
// disk, builds a tree over the workspace's base commit's tree reflecting
// those changes plus any deletions, and commits it. Shared by copy,
// overlay, and reflink, all of which materialize a workspace as a plain
// directory tracked by the same manifest.
func (c *copyBackend) CapturePoint(ctx context.Context, id string) (oid.OID, error) {
	path := c.WorkspacePath(id)
	m, err := readManifest(path)
	if err != nil {
		return oid.Zero, err
	}
	baseCommit, err := oid.Parse(m.Epoch)
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: manifest has invalid epoch for %s: %w", id, err)
	}
	commit, err := c.store.ReadCommit(ctx, baseCommit)
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: read base commit for %s: %w", id, err)
	}

	snap, err := diffAgainstManifest(path, m)
	if err != nil {
		return oid.Zero, err
	}

	changed := make([]string, 0, len(snap.Added)+len(snap.Modified))
	changed = append(changed, snap.Added...)
	changed = append(changed, snap.Modified...)

	changes := make([]objectstore.PathChange, 0, len(changed)+len(snap.Deleted))
	for _, p := range changed {
		full := filepath.Join(path, filepath.FromSlash(p))
		data, err := os.ReadFile(full)
		if err != nil {
			return oid.Zero, fmt.Errorf("wsbackend: read %s for capture of %s: %w", full, id, err)
		}
		blob, err := c.store.WriteBlob(ctx, data)
		if err != nil {
			return oid.Zero, fmt.Errorf("wsbackend: write blob for %s: %w", p, err)
		}
		mode := "100644"
		if info, statErr := os.Stat(full); statErr == nil && info.Mode()&0o111 != 0 {
			mode = "100755"
		}
		changes = append(changes, objectstore.PathChange{Path: p, Mode: mode, OID: blob})
	}
	for _, p := range snap.Deleted {
		changes = append(changes, objectstore.PathChange{Path: p, Delete: true})
	}

	tree, err := c.store.BuildTree(ctx, commit.Tree, changes)
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: build capture tree for %s: %w", id, err)
	}
	return c.store.WriteCommit(ctx, tree, []oid.OID{baseCommit}, fmt.Sprintf("recovery capture of workspace %s", id))
}
