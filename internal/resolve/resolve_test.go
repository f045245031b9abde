package resolve

import (
	"context"
	"os/exec"
	"testing"

	"github.com/manifold-vcs/maw/internal/mergeset"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

func initRepo(t *testing.T) *objectstore.Store {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-q", "-b", "main")
	run(t, dir, "config", "user.email", "test@example.com")
	run(t, dir, "config", "user.name", "Test")
	run(t, dir, "commit", "--allow-empty", "-q", "-m", "root")
	s, err := objectstore.Open(dir)
	if err != nil {
		t.Fatal(err)
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

func blob(t *testing.T, s *objectstore.Store, content string) oid.OID {
	t.Helper()
	o, err := s.WriteBlob(context.Background(), []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func noBase(ctx context.Context, path string) ([]byte, oid.OID, bool, error) {
	return nil, oid.Zero, false, nil
}

func TestResolveSingleVariantAccepted(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()
	b := blob(t, s, "hello\n")

	patchsets := []mergeset.PatchSet{
		{WorkspaceID: "ws1", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Added, Blob: b}}},
	}

	result, err := Resolve(ctx, s, noBase, patchsets, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", result.Conflicts)
	}
	if len(result.Changes) != 1 || result.Changes[0].OID != b {
		t.Fatalf("expected single accepted change, got %+v", result.Changes)
	}
}

func TestResolveAddAddIdenticalIsClean(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()
	b := blob(t, s, "same\n")

	patchsets := []mergeset.PatchSet{
		{WorkspaceID: "ws1", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Added, Blob: b}}},
		{WorkspaceID: "ws2", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Added, Blob: b}}},
	}

	result, err := Resolve(ctx, s, noBase, patchsets, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected clean add/add, got conflicts %+v", result.Conflicts)
	}
	if len(result.Changes) != 1 {
		t.Fatalf("expected one change, got %+v", result.Changes)
	}
}

func TestResolveAddAddDifferentConflicts(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()
	b1 := blob(t, s, "one\n")
	b2 := blob(t, s, "two\n")

	patchsets := []mergeset.PatchSet{
		{WorkspaceID: "ws1", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Added, Blob: b1}}},
		{WorkspaceID: "ws2", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Added, Blob: b2}}},
	}

	result, err := Resolve(ctx, s, noBase, patchsets, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Changes) != 0 || len(result.Conflicts) != 1 {
		t.Fatalf("expected a single conflict, got changes=%+v conflicts=%+v", result.Changes, result.Conflicts)
	}
}

func TestResolveModifyDeleteConflicts(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()
	bMod := blob(t, s, "modified\n")

	baseReader := func(ctx context.Context, path string) ([]byte, oid.OID, bool, error) {
		return []byte("base\n"), blob(t, s, "base\n"), true, nil
	}

	patchsets := []mergeset.PatchSet{
		{WorkspaceID: "ws1", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Modified, Blob: bMod}}},
		{WorkspaceID: "ws2", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Deleted}}},
	}

	result, err := Resolve(ctx, s, baseReader, patchsets, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Reason != ReasonIncompatibleAPIEdits {
		t.Fatalf("expected incompatible_api_edits conflict, got %+v", result.Conflicts)
	}
	if result.Conflicts[0].Confidence != 0 {
		t.Fatalf("expected confidence 0, got %d", result.Conflicts[0].Confidence)
	}
}

func TestResolveDiff3CleanMerge(t *testing.T) {
	s := initRepo(t)
	ctx := context.Background()

	baseText := "line1\nline2\nline3\n"
	oursText := "line1\nCHANGED\nline3\n"
	theirsText := "line1\nline2\nline3\nline4\n"

	bBase := blob(t, s, baseText)
	bOurs := blob(t, s, oursText)
	bTheirs := blob(t, s, theirsText)

	baseReader := func(ctx context.Context, path string) ([]byte, oid.OID, bool, error) {
		return []byte(baseText), bBase, true, nil
	}

	patchsets := []mergeset.PatchSet{
		{WorkspaceID: "ws1", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Modified, Blob: bOurs}}},
		{WorkspaceID: "ws2", Changes: []mergeset.FileChange{{Path: "a.txt", Kind: mergeset.Modified, Blob: bTheirs}}},
	}

	result, err := Resolve(ctx, s, baseReader, patchsets, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected a clean diff3 merge, got conflicts %+v", result.Conflicts)
	}
	if len(result.Changes) != 1 {
		t.Fatalf("expected one merged change, got %+v", result.Changes)
	}
	merged, err := s.ReadBlob(ctx, result.Changes[0].OID)
	if err != nil {
		t.Fatal(err)
	}
	want := "line1\nCHANGED\nline3\nline4\n"
	if string(merged) != want {
		t.Fatalf("merged content = %q, want %q", merged, want)
	}
}
