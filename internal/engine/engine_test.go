package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/manifold-vcs/maw/internal/config"
	"github.com/manifold-vcs/maw/internal/fileid"
	"github.com/manifold-vcs/maw/internal/journal"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
	"github.com/manifold-vcs/maw/internal/wsbackend"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, out, err)
	}
}

// newTestEngine sets up a bare-bones repo with one committed file, points
// refs/manifold/epoch/current at it, and returns a ready-to-use Engine
// plus the git-worktree backend it shares.
func newTestEngine(t *testing.T) (*Engine, wsbackend.Backend) {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "a.txt")
	runGit(t, dir, "commit", "-q", "-m", "root")

	store, err := objectstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	head, found, err := store.ResolveRef(context.Background(), "refs/heads/main")
	if err != nil || !found {
		t.Fatalf("resolve main: found=%v err=%v", found, err)
	}
	if err := store.CASRef(context.Background(), "refs/manifold/epoch/current", oid.Zero, head); err != nil {
		t.Fatal(err)
	}

	backend, err := wsbackend.New("git-worktree", dir)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := fileid.Load(filepath.Join(dir, ".manifold", "fileids"))
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Repo.Branch = "main"

	return &Engine{
		Store:       store,
		Backend:     backend,
		Config:      cfg,
		ManifoldDir: filepath.Join(dir, ".manifold"),
		RepoRoot:    dir,
		FileIDs:     ids,
	}, backend
}

func createWorkspace(t *testing.T, e *Engine, backend wsbackend.Backend, id string) {
	t.Helper()
	ctx := context.Background()
	epoch, _, err := e.Store.ResolveRef(ctx, "refs/manifold/epoch/current")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Create(ctx, id, oid.NewEpochId(epoch)); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, backend wsbackend.Backend, id, relPath, content string) {
	t.Helper()
	path := filepath.Join(backend.WorkspacePath(id), relPath)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMergeDisjointEditsCommitsCleanly(t *testing.T) {
	e, backend := newTestEngine(t)
	ctx := context.Background()

	createWorkspace(t, e, backend, "ws1")
	createWorkspace(t, e, backend, "ws2")
	writeFile(t, backend, "ws1", "b.txt", "from ws1\n")
	writeFile(t, backend, "ws2", "c.txt", "from ws2\n")

	outcome, err := e.Merge(ctx, "merge-1", []string{"ws1", "ws2"}, true)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !outcome.Committed {
		t.Fatalf("expected a committed outcome, got %+v", outcome)
	}
	if len(outcome.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", outcome.Conflicts)
	}

	newEpoch, found, err := e.Store.ResolveRef(ctx, "refs/manifold/epoch/current")
	if err != nil || !found {
		t.Fatalf("resolve new epoch: found=%v err=%v", found, err)
	}
	if newEpoch != outcome.Candidate {
		t.Fatalf("epoch ref = %s, want candidate %s", newEpoch, outcome.Candidate)
	}

	commit, err := e.Store.ReadCommit(ctx, newEpoch)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := e.Store.ListTreeRecursive(ctx, commit.Tree)
	if err != nil {
		t.Fatal(err)
	}
	paths := make(map[string]bool, len(entries))
	for _, en := range entries {
		paths[en.Path] = true
	}
	for _, want := range []string{"a.txt", "b.txt", "c.txt"} {
		if !paths[want] {
			t.Fatalf("expected merged tree to contain %s, got %v", want, paths)
		}
	}

	if exists, _ := backend.Exists(ctx, "ws1"); exists {
		t.Fatal("expected ws1 destroyed after merge")
	}
	if exists, _ := backend.Exists(ctx, "ws2"); exists {
		t.Fatal("expected ws2 destroyed after merge")
	}
}

func TestMergeConflictLeavesJournalAtResolve(t *testing.T) {
	e, backend := newTestEngine(t)
	ctx := context.Background()

	createWorkspace(t, e, backend, "ws1")
	createWorkspace(t, e, backend, "ws2")
	writeFile(t, backend, "ws1", "a.txt", "ws1 version\n")
	writeFile(t, backend, "ws2", "a.txt", "ws2 version\n")

	outcome, err := e.Merge(ctx, "merge-2", []string{"ws1", "ws2"}, false)
	if err == nil {
		t.Fatal("expected a conflict error")
	}
	if outcome.Committed {
		t.Fatalf("expected no commit, got %+v", outcome)
	}
	if len(outcome.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", outcome.Conflicts)
	}

	state, err := journal.Read(filepath.Join(e.ManifoldDir, "merge-state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != journal.PhaseResolve {
		t.Fatalf("expected journal stuck at resolve, got %s", state.Phase)
	}

	// Unmerged source workspaces are left alone for the caller to inspect.
	if exists, _ := backend.Exists(ctx, "ws1"); !exists {
		t.Fatal("expected ws1 to survive an unresolved conflict")
	}
}
