package objectstore

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/manifold-vcs/maw/internal/errs"
	"github.com/manifold-vcs/maw/internal/oid"
)

func initRepo(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-q", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func commitFile(t *testing.T, s *Store, path, content, msg string) oid.OID {
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

func TestWriteBlobIsContentAddressed(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()

	a, err := s.WriteBlob(ctx, []byte("hello\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.WriteBlob(ctx, []byte("hello\n"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected identical bytes to hash identically: %s != %s", a, b)
	}

	back, err := s.ReadBlob(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if string(back) != "hello\n" {
		t.Fatalf("roundtrip mismatch: %q", back)
	}
}

func TestCASRefSucceedsAndRaces(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()

	c1 := commitFile(t, s, "a.txt", "one", "first")
	c2 := commitFile(t, s, "a.txt", "two", "second")

	// Create a fresh ref at c1 with expect=zero (ref must not exist).
	if err := s.CASRef(ctx, "refs/manifold/epoch/current", oid.Zero, c1); err != nil {
		t.Fatalf("create ref: %v", err)
	}

	// Advance it to c2 with the correct expectation.
	if err := s.CASRef(ctx, "refs/manifold/epoch/current", c1, c2); err != nil {
		t.Fatalf("advance ref: %v", err)
	}

	// A stale expectation must fail with RefRaced.
	err := s.CASRef(ctx, "refs/manifold/epoch/current", c1, c2)
	if err == nil {
		t.Fatal("expected RefRaced, got nil")
	}
	if !errs.IsRetryable(err) {
		t.Fatalf("expected a retryable RefRaced error, got %v", err)
	}
}

func TestIsAncestor(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()

	c1 := commitFile(t, s, "a.txt", "one", "first")
	c2 := commitFile(t, s, "a.txt", "two", "second")

	ok, err := s.IsAncestor(ctx, c1, c2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected c1 to be an ancestor of c2")
	}

	ok, err = s.IsAncestor(ctx, c2, c1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected c2 to not be an ancestor of c1")
	}
}

func TestBuildTreeAddModifyDelete(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()

	run(t, s.RepoRoot, "commit", "--allow-empty", "-q", "-m", "empty")
	headCommit, _, err := s.ResolveRef(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	headObj, err := s.ReadCommit(ctx, headCommit)
	if err != nil {
		t.Fatal(err)
	}

	blobA, err := s.WriteBlob(ctx, []byte("a-content\n"))
	if err != nil {
		t.Fatal(err)
	}
	blobB, err := s.WriteBlob(ctx, []byte("b-content\n"))
	if err != nil {
		t.Fatal(err)
	}

	tree, err := s.BuildTree(ctx, headObj.Tree, []PathChange{
		{Path: "a.txt", Mode: "100644", OID: blobA},
		{Path: "dir/b.txt", Mode: "100644", OID: blobB},
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.ReadTree(ctx, tree)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 top-level entries, got %d: %+v", len(entries), entries)
	}

	commit, err := s.WriteCommit(ctx, tree, []oid.OID{headCommit}, "merge commit")
	if err != nil {
		t.Fatal(err)
	}
	if commit.IsZero() {
		t.Fatal("expected non-zero commit oid")
	}
}
