package wsbackend

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

func initRepo(t *testing.T) (string, oid.EpochId) {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-q", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-q", "-m", "first")

	out := runOut(t, dir, "rev-parse", "HEAD")
	o, err := oid.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	return dir, oid.NewEpochId(o)
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func runOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	return trimNewline(string(out))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestGitWorktreeCreateListDestroy(t *testing.T) {
	dir, epoch := initRepo(t)
	ctx := context.Background()

	b, err := New("git-worktree", dir)
	if err != nil {
		t.Fatal(err)
	}

	info, err := b.Create(ctx, "ws1", epoch)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != StateActive {
		t.Fatalf("expected active state, got %v", info.State)
	}
	if _, err := os.Stat(filepath.Join(info.Path, "a.txt")); err != nil {
		t.Fatalf("expected a.txt to be checked out: %v", err)
	}

	exists, err := b.Exists(ctx, "ws1")
	if err != nil || !exists {
		t.Fatalf("expected ws1 to exist: %v %v", exists, err)
	}

	list, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "ws1" {
		t.Fatalf("expected exactly ws1 in list, got %+v", list)
	}

	if err := b.Destroy(ctx, "ws1"); err != nil {
		t.Fatal(err)
	}
	exists, err = b.Exists(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected ws1 to no longer exist after destroy")
	}
}

func TestCopyBackendSnapshotDetectsChanges(t *testing.T) {
	dir, epoch := initRepo(t)
	ctx := context.Background()

	b, err := New("copy", dir)
	if err != nil {
		t.Fatal(err)
	}

	info, err := b.Create(ctx, "ws1", epoch)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(info.Path, "a.txt"), []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(info.Path, "new.txt"), []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	snap, err := b.Snapshot(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Modified) != 1 || snap.Modified[0] != "a.txt" {
		t.Fatalf("expected a.txt modified, got %+v", snap.Modified)
	}
	if len(snap.Added) != 1 || snap.Added[0] != "new.txt" {
		t.Fatalf("expected new.txt added, got %+v", snap.Added)
	}
}

func TestGitWorktreeCapturePointIncludesDirtyEdits(t *testing.T) {
	dir, epoch := initRepo(t)
	ctx := context.Background()

	b, err := New("git-worktree", dir)
	if err != nil {
		t.Fatal(err)
	}
	info, err := b.Create(ctx, "ws1", epoch)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(info.Path, "b.txt"), []byte("added in ws1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tip, err := b.CapturePoint(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}
	if tip == epoch.OID() {
		t.Fatal("expected CapturePoint to mint a new commit distinct from the base epoch")
	}

	store, err := objectstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	commit, err := store.ReadCommit(ctx, tip)
	if err != nil {
		t.Fatal(err)
	}
	if len(commit.Parents) != 1 || commit.Parents[0] != epoch.OID() {
		t.Fatalf("expected capture commit parented on the base epoch, got %+v", commit.Parents)
	}

	entries, err := store.ListTreeRecursive(ctx, commit.Tree)
	if err != nil {
		t.Fatal(err)
	}
	var blob oid.OID
	for _, e := range entries {
		if e.Path == "b.txt" {
			blob = e.OID
		}
	}
	if blob.IsZero() {
		t.Fatalf("expected captured tree to contain b.txt, got %+v", entries)
	}
	data, err := store.ReadBlob(ctx, blob)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "added in ws1\n" {
		t.Fatalf("captured b.txt content = %q", data)
	}
}

func TestCopyBackendCapturePointIncludesDirtyEdits(t *testing.T) {
	dir, epoch := initRepo(t)
	ctx := context.Background()

	b, err := New("copy", dir)
	if err != nil {
		t.Fatal(err)
	}
	info, err := b.Create(ctx, "ws1", epoch)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(info.Path, "b.txt"), []byte("added in ws1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tip, err := b.CapturePoint(ctx, "ws1")
	if err != nil {
		t.Fatal(err)
	}

	store, err := objectstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	commit, err := store.ReadCommit(ctx, tip)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := store.ListTreeRecursive(ctx, commit.Tree)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Path == "b.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected captured tree to contain b.txt, got %+v", entries)
	}
}

func TestUnknownBackendNameErrors(t *testing.T) {
	if _, err := New("does-not-exist", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
