package wsbackend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manifold-vcs/maw/internal/logx"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

func init() {
	Register("git-worktree", newGitWorktree)
}

// gitWorktree is the default Backend, materializing workspaces as real git
// worktrees rooted under .git/manifold-worktrees/<id>, built on
// objectstore.Store's WorktreeAdd/WorktreeRemove/WorktreePrune so all git
// plumbing invocations live in one package.
type gitWorktree struct {
	store   *objectstore.Store
	baseDir string
	watch   *watchSet
}

func newGitWorktree(repoRoot string) (Backend, error) {
	s, err := objectstore.Open(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("wsbackend: open object store: %w", err)
	}
	return &gitWorktree{
		store:   s,
		baseDir: filepath.Join(s.GitDir, "manifold-worktrees"),
		watch:   newWatchSet(logx.New("wsbackend", logx.Options{})),
	}, nil
}

func (g *gitWorktree) Name() string { return "git-worktree" }

func (g *gitWorktree) WorkspacePath(id string) string {
	return filepath.Join(g.baseDir, id)
}

func (g *gitWorktree) refName(id string) string {
	return "refs/manifold/ws/" + id
}

func (g *gitWorktree) Exists(ctx context.Context, id string) (bool, error) {
	paths, err := g.listWorktreePaths(ctx)
	if err != nil {
		return false, err
	}
	target := g.WorkspacePath(id)
	for _, p := range paths {
		if samePath(p, target) {
			return true, nil
		}
	}
	return false, nil
}

func (g *gitWorktree) Create(ctx context.Context, id string, epoch oid.EpochId) (Info, error) {
	path := g.WorkspacePath(id)

	exists, err := g.Exists(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if exists {
		if err := g.checkHealth(ctx, id); err == nil {
			return g.describe(ctx, id, epoch)
		}
		if err := g.Destroy(ctx, id); err != nil {
			return Info{}, fmt.Errorf("wsbackend: recreate unhealthy worktree %s: %w", id, err)
		}
	}

	ref := g.refName(id)
	if err := g.store.CASRef(ctx, ref, oid.Zero, epoch.OID()); err != nil {
		return Info{}, fmt.Errorf("wsbackend: mint workspace ref %s: %w", ref, err)
	}

	if err := os.MkdirAll(g.baseDir, 0o755); err != nil {
		return Info{}, fmt.Errorf("wsbackend: mkdir worktree base: %w", err)
	}
	if err := g.store.WorktreeAdd(ctx, path, epoch.OID()); err != nil {
		_ = g.store.DeleteRef(ctx, ref, epoch.OID())
		return Info{}, fmt.Errorf("wsbackend: create worktree %s: %w", id, err)
	}

	return Info{ID: id, Path: path, Epoch: epoch, State: StateActive}, nil
}

func (g *gitWorktree) Destroy(ctx context.Context, id string) error {
	g.watch.stop(id)

	path := g.WorkspacePath(id)
	if err := g.store.WorktreeRemove(ctx, path); err != nil {
		return fmt.Errorf("wsbackend: remove worktree %s: %w", id, err)
	}

	ref := g.refName(id)
	current, found, err := g.store.ResolveRef(ctx, ref)
	if err != nil {
		return fmt.Errorf("wsbackend: resolve %s: %w", ref, err)
	}
	if !found {
		return nil
	}
	if err := g.store.DeleteRef(ctx, ref, current); err != nil {
		return fmt.Errorf("wsbackend: delete ref %s: %w", ref, err)
	}
	return nil
}

func (g *gitWorktree) List(ctx context.Context) ([]Info, error) {
	refs, err := g.store.ListRefs(ctx, "refs/manifold/ws/")
	if err != nil {
		return nil, fmt.Errorf("wsbackend: list workspace refs: %w", err)
	}

	ids := make([]string, 0, len(refs))
	for ref := range refs {
		ids = append(ids, strings.TrimPrefix(ref, "refs/manifold/ws/"))
	}
	sort.Strings(ids)

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := g.describe(ctx, id, oid.NewEpochId(refs["refs/manifold/ws/"+id]))
		if err != nil {
			continue // skip broken worktrees, per Backend.List's contract
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (g *gitWorktree) Status(ctx context.Context, id string) (Status, error) {
	path := g.WorkspacePath(id)
	ref := g.refName(id)

	base, found, err := g.store.ResolveRef(ctx, ref)
	if err != nil {
		return Status{}, fmt.Errorf("wsbackend: resolve %s: %w", ref, err)
	}
	if !found {
		return Status{}, fmt.Errorf("wsbackend: workspace %s has no base ref", id)
	}

	dirty, err := g.porcelainDirtyPaths(ctx, path)
	if err != nil {
		return Status{}, err
	}

	current, _, err := g.store.ResolveRef(ctx, "refs/manifold/epoch/current")
	if err != nil {
		return Status{}, fmt.Errorf("wsbackend: resolve current epoch: %w", err)
	}
	stale := !current.IsZero() && current != base
	if stale {
		ancestor, err := g.store.IsAncestor(ctx, base, current)
		if err == nil && ancestor {
			stale = true
		}
	}

	return Status{
		BaseEpoch:  oid.NewEpochId(base),
		DirtyFiles: dirty,
		IsStale:    stale,
	}, nil
}

func (g *gitWorktree) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	path := g.WorkspacePath(id)
	g.watch.start(id, path)

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain=v1", "--no-renames")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return Snapshot{}, fmt.Errorf("wsbackend: git status %s: %w", id, err)
	}

	var snap Snapshot
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		switch {
		case strings.Contains(code, "D"):
			snap.Deleted = append(snap.Deleted, path)
		case strings.Contains(code, "A") || strings.Contains(code, "?"):
			snap.Added = append(snap.Added, path)
		default:
			snap.Modified = append(snap.Modified, path)
		}
	}
	sort.Strings(snap.Added)
	sort.Strings(snap.Modified)
	sort.Strings(snap.Deleted)
	return snap, nil
}

// CapturePoint commits the worktree's current index plus working-tree
// content via a throwaway GIT_INDEX_FILE, so capturing a recovery point
// never disturbs whatever the agent has staged. Parented on the
// workspace's base ref, mirroring what `git stash create` would record
// but also covering untracked (added) paths.
func (g *gitWorktree) CapturePoint(ctx context.Context, id string) (oid.OID, error) {
	path := g.WorkspacePath(id)
	ref := g.refName(id)
	base, found, err := g.store.ResolveRef(ctx, ref)
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: resolve %s: %w", ref, err)
	}
	if !found {
		return oid.Zero, fmt.Errorf("wsbackend: workspace %s has no base ref", id)
	}

	tmpIndex, err := os.CreateTemp("", "maw-capture-index-*")
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: create scratch index for %s: %w", id, err)
	}
	tmpIndexPath := tmpIndex.Name()
	tmpIndex.Close()
	defer os.Remove(tmpIndexPath)
	env := append(os.Environ(), "GIT_INDEX_FILE="+tmpIndexPath)

	readTree := exec.CommandContext(ctx, "git", "read-tree", base.String())
	readTree.Dir, readTree.Env = path, env
	if out, err := readTree.CombinedOutput(); err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: read-tree for capture of %s: %w (%s)", id, err, out)
	}

	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir, add.Env = path, env
	if out, err := add.CombinedOutput(); err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: stage working tree for capture of %s: %w (%s)", id, err, out)
	}

	writeTree := exec.CommandContext(ctx, "git", "write-tree")
	writeTree.Dir, writeTree.Env = path, env
	treeOut, err := writeTree.Output()
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: write-tree for capture of %s: %w", id, err)
	}
	tree, err := oid.Parse(strings.TrimSpace(string(treeOut)))
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: parse captured tree for %s: %w", id, err)
	}

	commitTree := exec.CommandContext(ctx, "git", "commit-tree", tree.String(), "-p", base.String(), "-m", fmt.Sprintf("recovery capture of workspace %s", id))
	commitTree.Dir = path
	commitOut, err := commitTree.Output()
	if err != nil {
		return oid.Zero, fmt.Errorf("wsbackend: commit-tree for capture of %s: %w", id, err)
	}
	return oid.Parse(strings.TrimSpace(string(commitOut)))
}

func (g *gitWorktree) describe(ctx context.Context, id string, epoch oid.EpochId) (Info, error) {
	status, err := g.Status(ctx, id)
	if err != nil {
		return Info{}, err
	}
	state := StateActive
	if status.IsStale {
		state = StateStale
	}
	return Info{
		ID:    id,
		Path:  g.WorkspacePath(id),
		Epoch: epoch,
		State: state,
	}, nil
}

func (g *gitWorktree) checkHealth(ctx context.Context, id string) error {
	path := g.WorkspacePath(id)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("wsbackend: workspace path missing: %w", err)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return fmt.Errorf("wsbackend: workspace .git marker missing: %w", err)
	}
	return nil
}

func (g *gitWorktree) porcelainDirtyPaths(ctx context.Context, path string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain=v1")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("wsbackend: git status: %w", err)
	}
	var dirty []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		dirty = append(dirty, strings.TrimSpace(line[3:]))
	}
	return dirty, nil
}

func (g *gitWorktree) listWorktreePaths(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = g.store.RepoRoot
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("wsbackend: git worktree list: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, strings.TrimSpace(p))
		}
	}
	return paths, nil
}

func samePath(a, b string) bool {
	aa, errA := filepath.Abs(a)
	bb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return aa == bb
}
