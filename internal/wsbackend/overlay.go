//go:build linux

package wsbackend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

func init() {
	Register("overlay", newOverlayBackend)
}

// overlayBackend materializes a workspace as a Linux overlayfs mount: a
// read-only lower directory holding the epoch's content (shared and
// rebuilt only when the epoch changes) plus a writable upper directory
// holding the workspace's own edits. Mounting requires CAP_SYS_ADMIN (or
// user namespaces enabling unprivileged overlay mounts); when the mount
// call fails this backend degrades to a plain copyBackend workspace rather
// than erroring: materialization strategy is meant to stay transparent
// to the engine.
type overlayBackend struct {
	copyBackend
	mountsDir string
}

func newOverlayBackend(repoRoot string) (Backend, error) {
	s, err := objectstore.Open(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("wsbackend: open object store: %w", err)
	}
	return &overlayBackend{
		copyBackend: copyBackend{store: s, baseDir: filepath.Join(s.GitDir, "manifold-workspaces")},
		mountsDir:   filepath.Join(s.GitDir, "manifold-overlay"),
	}, nil
}

func (o *overlayBackend) Name() string { return "overlay" }

func (o *overlayBackend) lowerDir(epoch oid.EpochId) string {
	return filepath.Join(o.mountsDir, "lower", epoch.String())
}

func (o *overlayBackend) upperDir(id string) string { return filepath.Join(o.mountsDir, "upper", id) }
func (o *overlayBackend) workDir(id string) string  { return filepath.Join(o.mountsDir, "work", id) }
func (o *overlayBackend) mountFlag(id string) string {
	return filepath.Join(o.mountsDir, "mounted", id)
}

func (o *overlayBackend) Create(ctx context.Context, id string, epoch oid.EpochId) (Info, error) {
	path := o.WorkspacePath(id)
	exists, err := o.Exists(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if exists {
		if err := o.Destroy(ctx, id); err != nil {
			return Info{}, fmt.Errorf("wsbackend: recreate %s: %w", id, err)
		}
	}

	lower := o.lowerDir(epoch)
	if _, statErr := os.Stat(lower); os.IsNotExist(statErr) {
		commit, err := o.store.ReadCommit(ctx, epoch.OID())
		if err != nil {
			return Info{}, fmt.Errorf("wsbackend: read epoch commit: %w", err)
		}
		if _, err := materializeTree(ctx, o.store, epoch, commit.Tree, lower); err != nil {
			return Info{}, err
		}
	}

	upper, work := o.upperDir(id), o.workDir(id)
	for _, dir := range []string{upper, work, path} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Info{}, fmt.Errorf("wsbackend: mkdir %s: %w", dir, err)
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	mounted := true
	if mountErr := syscall.Mount("overlay", path, "overlay", 0, opts); mountErr != nil {
		mounted = false
		if _, err := materializeTree(ctx, o.store, epoch, mustTreeOf(ctx, o.store, epoch), path); err != nil {
			return Info{}, fmt.Errorf("wsbackend: overlay mount failed (%v) and copy fallback failed: %w", mountErr, err)
		}
	}

	if mounted {
		if err := os.WriteFile(o.mountFlag(id), []byte(epoch.String()), 0o644); err != nil {
			_ = syscall.Unmount(path, 0)
			return Info{}, fmt.Errorf("wsbackend: record mount state: %w", err)
		}
		entries, err := o.store.ListTreeRecursive(ctx, mustTreeOf(ctx, o.store, epoch))
		if err == nil {
			_ = writeManifest(path, epoch, entries)
		}
	}

	ref := "refs/manifold/ws/" + id
	if err := o.store.CASRef(ctx, ref, oid.Zero, epoch.OID()); err != nil {
		_ = o.Destroy(ctx, id)
		return Info{}, fmt.Errorf("wsbackend: mint workspace ref: %w", err)
	}

	return Info{ID: id, Path: path, Epoch: epoch, State: StateActive}, nil
}

func (o *overlayBackend) Destroy(ctx context.Context, id string) error {
	path := o.WorkspacePath(id)
	if _, err := os.Stat(o.mountFlag(id)); err == nil {
		_ = syscall.Unmount(path, 0) // best-effort; a stale/already-unmounted entry is not fatal
		_ = os.Remove(o.mountFlag(id))
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("wsbackend: remove workspace dir %s: %w", id, err)
	}
	_ = os.RemoveAll(o.upperDir(id))
	_ = os.RemoveAll(o.workDir(id))

	ref := "refs/manifold/ws/" + id
	current, found, err := o.store.ResolveRef(ctx, ref)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return o.store.DeleteRef(ctx, ref, current)
}

func (o *overlayBackend) List(ctx context.Context) ([]Info, error) {
	refs, err := o.store.ListRefs(ctx, "refs/manifold/ws/")
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
		status, err := o.Status(ctx, id)
		if err != nil {
			continue
		}
		state := StateActive
		if status.IsStale {
			state = StateStale
		}
		infos = append(infos, Info{ID: id, Path: o.WorkspacePath(id), Epoch: status.BaseEpoch, State: state})
	}
	return infos, nil
}

func mustTreeOf(ctx context.Context, s *objectstore.Store, epoch oid.EpochId) oid.OID {
	commit, err := s.ReadCommit(ctx, epoch.OID())
	if err != nil {
		return oid.Zero
	}
	return commit.Tree
}
