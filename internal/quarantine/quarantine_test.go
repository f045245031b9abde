package quarantine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

func initRepo(t *testing.T) *objectstore.Store {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-q", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")

	s, err := objectstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func commitFile(t *testing.T, s *objectstore.Store, path, content, msg string) oid.OID {
	t.Helper()
	full := filepath.Join(s.RepoRoot, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, s.RepoRoot, "add", "-A")
	run(t, s.RepoRoot, "commit", "-q", "-m", msg)
	out, found, err := s.ResolveRef(context.Background(), "HEAD")
	if err != nil || !found {
		t.Fatalf("resolve HEAD: %v found=%v", err, found)
	}
	return out
}

func TestCreateListPromoteRoundTrip(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()
	base := commitFile(t, s, "a.txt", "one\n", "first")
	candidate := commitFile(t, s, "b.txt", "two\n", "second")

	entry, err := Create(ctx, s, "merge-1", candidate)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if entry.Candidate != candidate {
		t.Fatalf("Create candidate = %v, want %v", entry.Candidate, candidate)
	}
	if _, err := os.Stat(entry.Path); err != nil {
		t.Fatalf("quarantine worktree missing: %v", err)
	}

	entries, err := List(s.RepoRoot)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}
	if entries[0].MergeID != "merge-1" {
		t.Fatalf("MergeID = %q, want merge-1", entries[0].MergeID)
	}
	if entries[0].Candidate != candidate {
		t.Fatalf("List did not recover Candidate: got %v, want %v", entries[0].Candidate, candidate)
	}

	run(t, s.RepoRoot, "update-ref", "refs/manifold/epoch/current", base.String())
	run(t, s.RepoRoot, "update-ref", "refs/heads/main", base.String())

	if err := Promote(ctx, s, entries[0], "refs/manifold/epoch/current", "refs/heads/main", base, base); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	epoch, found, err := s.ResolveRef(ctx, "refs/manifold/epoch/current")
	if err != nil || !found {
		t.Fatalf("resolve epoch after promote: %v found=%v", err, found)
	}
	if epoch != candidate {
		t.Fatalf("epoch after promote = %v, want %v", epoch, candidate)
	}

	if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
		t.Fatalf("quarantine worktree should be removed after promote, stat err = %v", err)
	}
}

func TestListSkipsUnreadableWorktree(t *testing.T) {
	s := initRepo(t)
	root := filepath.Join(s.RepoRoot, "ws", ".quarantine", "broken")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := List(s.RepoRoot)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("List returned %d entries for an unreadable worktree, want 0", len(entries))
	}
}

func TestAbandonRemovesWorktreeWithoutMovingRefs(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()
	commitFile(t, s, "a.txt", "one\n", "first")
	candidate := commitFile(t, s, "b.txt", "two\n", "second")

	entry, err := Create(ctx, s, "merge-2", candidate)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := Abandon(ctx, s, entry); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := os.Stat(entry.Path); !os.IsNotExist(err) {
		t.Fatalf("quarantine worktree should be removed after abandon, stat err = %v", err)
	}
}
