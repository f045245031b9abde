// Package objectstore is a thin, blocking wrapper over git plumbing that
// gives the merge engine content addressing, atomic ref moves, and
// ancestry queries without the engine ever shelling out to git itself.
//
// Every method here is a direct translation of one or two git plumbing
// invocations: build an *exec.Cmd rooted at the repo, run it, and turn a
// non-zero exit into a wrapped error.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manifold-vcs/maw/internal/errs"
	"github.com/manifold-vcs/maw/internal/oid"
)

// Store adapts a single git repository (content-addressed object database
// plus refs namespace) for the merge engine. All operations are blocking;
// the adapter assumes a thread-per-operation model.
type Store struct {
	// RepoRoot is the absolute path to the repository's working tree root
	// (not a worktree — the main repo that owns the shared object database).
	RepoRoot string
	// GitDir is the absolute path to the repository's git directory.
	GitDir string
}

// Open validates that root is (or is inside) a git repository and returns
// a Store rooted at its common git directory.
func Open(root string) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "", nil, err, "resolve repo root %q", root)
	}

	cmd := exec.Command("git", "rev-parse", "--git-common-dir", "--show-toplevel")
	cmd.Dir = absRoot
	out, err := cmd.Output()
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "", nil, err, "%q is not inside a git repository", absRoot)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return nil, errs.New(errs.KindBackendError, "", nil, "unexpected rev-parse output: %q", string(out))
	}
	gitDir := lines[0]
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(absRoot, gitDir)
	}

	return &Store{RepoRoot: lines[1], GitDir: gitDir}, nil
}

func (s *Store) git(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.RepoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ResolveRef resolves a ref name to its OID. found is false if the ref does
// not exist; a missing ref is not itself an error.
func (s *Store) ResolveRef(ctx context.Context, name string) (o oid.OID, found bool, err error) {
	out, gitErr := s.git(ctx, "rev-parse", "--verify", "--quiet", name+"^{commit}")
	if gitErr != nil {
		// rev-parse exits non-zero for a missing ref; that's "not found",
		// not a backend failure.
		return oid.Zero, false, nil
	}
	parsed, parseErr := oid.Parse(strings.TrimSpace(string(out)))
	if parseErr != nil {
		return oid.Zero, false, errs.Wrap(errs.KindBackendError, "", nil, parseErr, "resolve-ref %s returned unparseable oid", name)
	}
	return parsed, true, nil
}

// Commit is the subset of a git commit object the merge engine reads.
type Commit struct {
	OID     oid.OID
	Tree    oid.OID
	Parents []oid.OID
	Message string
}

// ReadCommit reads a commit object.
func (s *Store) ReadCommit(ctx context.Context, o oid.OID) (*Commit, error) {
	out, err := s.git(ctx, "cat-file", "-p", string(o))
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "", nil, err, "read commit %s", o)
	}
	c := &Commit{OID: o}
	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if line == "" {
			c.Message = strings.Join(lines[i+1:], "\n")
			break
		}
		switch {
		case strings.HasPrefix(line, "tree "):
			tree, perr := oid.Parse(strings.TrimPrefix(line, "tree "))
			if perr != nil {
				return nil, errs.Wrap(errs.KindBackendError, "", nil, perr, "parse tree line for %s", o)
			}
			c.Tree = tree
		case strings.HasPrefix(line, "parent "):
			p, perr := oid.Parse(strings.TrimPrefix(line, "parent "))
			if perr != nil {
				return nil, errs.Wrap(errs.KindBackendError, "", nil, perr, "parse parent line for %s", o)
			}
			c.Parents = append(c.Parents, p)
		}
	}
	return c, nil
}

// TreeEntry is one entry of a tree object.
type TreeEntry struct {
	Mode string // e.g. "100644", "40000"
	Type string // "blob", "tree", "commit" (submodule)
	OID  oid.OID
	Path string // path component, not a full path
}

// ReadTree reads a (non-recursive) tree object's direct entries.
func (s *Store) ReadTree(ctx context.Context, o oid.OID) ([]TreeEntry, error) {
	out, err := s.git(ctx, "cat-file", "-p", string(o))
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "", nil, err, "read tree %s", o)
	}
	var entries []TreeEntry
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		// "<mode> <type> <oid>\t<path>"
		tab := strings.IndexByte(line, '\t')
		if tab < 0 {
			continue
		}
		fields := strings.Fields(line[:tab])
		if len(fields) != 3 {
			continue
		}
		o, perr := oid.Parse(fields[2])
		if perr != nil {
			continue
		}
		entries = append(entries, TreeEntry{Mode: fields[0], Type: fields[1], OID: o, Path: line[tab+1:]})
	}
	return entries, nil
}

// ReadBlob reads a blob's raw bytes.
func (s *Store) ReadBlob(ctx context.Context, o oid.OID) ([]byte, error) {
	out, err := s.git(ctx, "cat-file", "-p", string(o))
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "", nil, err, "read blob %s", o)
	}
	return out, nil
}

// WriteBlob writes content-addressed bytes and returns their OID. Identical
// bytes always yield the same OID, giving O(1) equality via OID comparison.
func (s *Store) WriteBlob(ctx context.Context, data []byte) (oid.OID, error) {
	cmd := exec.CommandContext(ctx, "git", "hash-object", "-w", "--stdin")
	cmd.Dir = s.RepoRoot
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return oid.Zero, errs.Wrap(errs.KindBackendError, "", nil, err, "hash-object -w: %s", strings.TrimSpace(stderr.String()))
	}
	return oid.Parse(strings.TrimSpace(stdout.String()))
}

// IsAncestor reports whether a is an ancestor of (or equal to) b.
func (s *Store) IsAncestor(ctx context.Context, a, b oid.OID) (bool, error) {
	if a == b {
		return true, nil
	}
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", string(a), string(b))
	cmd.Dir = s.RepoRoot
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, errs.Wrap(errs.KindBackendError, "", nil, err, "merge-base --is-ancestor %s %s", a, b)
}

// CASRef performs a compare-and-swap ref update: it only succeeds if the
// ref currently resolves to expect (oid.Zero meaning "must not exist").
// A stale expect returns errs.RefRaced so callers can retry or abort.
func (s *Store) CASRef(ctx context.Context, name string, expect, newVal oid.OID) error {
	current, found, err := s.ResolveRef(ctx, name)
	if err != nil {
		return err
	}
	if found && current != expect {
		return &errs.Error{Kind: errs.KindRefRaced, Message: fmt.Sprintf("ref %s: expected %s, found %s", name, expect, current), NextAction: "retry"}
	}
	if !found && !expect.IsZero() {
		return &errs.Error{Kind: errs.KindRefRaced, Message: fmt.Sprintf("ref %s: expected %s, ref does not exist", name, expect), NextAction: "retry"}
	}

	args := []string{"update-ref", name, string(newVal)}
	if found {
		args = append(args, string(expect))
	} else {
		args = append(args, string(oid.Zero))
	}
	if _, err := s.git(ctx, args...); err != nil {
		// A concurrent writer may have raced us between the read above and
		// this update-ref call; update-ref itself re-checks the old value
		// atomically and fails if it no longer matches.
		return &errs.Error{Kind: errs.KindRefRaced, Message: fmt.Sprintf("ref %s: update-ref rejected expected %s: %v", name, expect, err), NextAction: "retry", Err: err}
	}
	return nil
}

// DeleteRef deletes name, failing with errs.RefRaced if it does not
// currently resolve to expect.
func (s *Store) DeleteRef(ctx context.Context, name string, expect oid.OID) error {
	current, found, err := s.ResolveRef(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return errs.New(errs.KindNotFound, "", nil, "ref %s does not exist", name)
	}
	if current != expect {
		return &errs.Error{Kind: errs.KindRefRaced, Message: fmt.Sprintf("ref %s: expected %s, found %s", name, expect, current), NextAction: "retry"}
	}
	if _, err := s.git(ctx, "update-ref", "-d", name, string(expect)); err != nil {
		return &errs.Error{Kind: errs.KindRefRaced, Message: fmt.Sprintf("ref %s: delete rejected expected %s: %v", name, expect, err), NextAction: "retry", Err: err}
	}
	return nil
}

// ListRefs lists every ref under prefix (e.g. "refs/manifold/recovery/").
func (s *Store) ListRefs(ctx context.Context, prefix string) (map[string]oid.OID, error) {
	out, err := s.git(ctx, "for-each-ref", "--format=%(refname) %(objectname)", prefix)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendError, "", nil, err, "for-each-ref %s", prefix)
	}
	refs := make(map[string]oid.OID)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		o, perr := oid.Parse(fields[1])
		if perr != nil {
			continue
		}
		refs[fields[0]] = o
	}
	return refs, nil
}

// FlatEntry is one file-level (blob) entry of a fully-expanded tree, with
// Path relative to the tree root.
type FlatEntry struct {
	Path string
	Mode string
	OID  oid.OID
}

// ListTreeRecursive flattens every blob reachable from tree, for backends
// that materialize a workspace outside of a git worktree (copy, reflink)
// and need to walk the whole file set rather than one directory level at a
// time.
func (s *Store) ListTreeRecursive(ctx context.Context, tree oid.OID) ([]FlatEntry, error) {
	out, err := s.git(ctx, "ls-tree", "-r", "-z", "--full-tree", string(tree))
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "", nil, err, "ls-tree -r %s", tree)
	}
	var entries []FlatEntry
	for _, rec := range strings.Split(strings.TrimRight(string(out), "\x00"), "\x00") {
		if rec == "" {
			continue
		}
		tab := strings.IndexByte(rec, '\t')
		if tab < 0 {
			continue
		}
		fields := strings.Fields(rec[:tab])
		if len(fields) != 3 {
			continue
		}
		o, perr := oid.Parse(fields[2])
		if perr != nil {
			continue
		}
		entries = append(entries, FlatEntry{Path: rec[tab+1:], Mode: fields[0], OID: o})
	}
	return entries, nil
}

// WorktreeAdd materializes a detached worktree at path checked out to commit.
func (s *Store) WorktreeAdd(ctx context.Context, path string, commit oid.OID) error {
	if _, err := s.git(ctx, "worktree", "add", "--detach", "--force", path, string(commit)); err != nil {
		return errs.Wrap(errs.KindBackendError, "", nil, err, "worktree add %s", path)
	}
	return nil
}

// WorktreeRemove force-removes a worktree directory and its bookkeeping.
func (s *Store) WorktreeRemove(ctx context.Context, path string) error {
	if _, err := s.git(ctx, "worktree", "remove", "--force", path); err != nil {
		// git worktree remove can fail on a dirty or already-deleted
		// worktree; fall back to a manual removal plus a prune pass.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return errs.Wrap(errs.KindBackendError, "", nil, rmErr, "remove worktree dir %s (git error: %v)", path, err)
		}
		_, _ = s.git(ctx, "worktree", "prune")
	}
	return nil
}

// WorktreePrune removes administrative files for worktrees whose directory
// no longer exists.
func (s *Store) WorktreePrune(ctx context.Context) error {
	if _, err := s.git(ctx, "worktree", "prune"); err != nil {
		return errs.Wrap(errs.KindBackendError, "", nil, err, "worktree prune")
	}
	return nil
}

// PathChange describes one path's change when building a tree with
// BuildTree: either an add/modify (OID + Mode set) or a delete (OID zero).
type PathChange struct {
	Path string
	Mode string // "100644", "100755", "120000"; ignored for deletes
	OID  oid.OID
	// Delete, when true, removes Path from the base tree.
	Delete bool
}

// BuildTree composes a new tree object from a base tree plus a flat list of
// path-level changes, without ever checking anything out to a worktree. It
// does so the way git plumbing composes trees out-of-band: populate a
// scratch index from the base tree, apply each change with update-index,
// then write-tree.
func (s *Store) BuildTree(ctx context.Context, base oid.OID, changes []PathChange) (oid.OID, error) {
	tmpIndex, err := os.CreateTemp("", "maw-index-*")
	if err != nil {
		return oid.Zero, errs.Wrap(errs.KindBackendError, "", nil, err, "create scratch index")
	}
	tmpIndexPath := tmpIndex.Name()
	tmpIndex.Close()
	defer os.Remove(tmpIndexPath)

	run := func(args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = s.RepoRoot
		cmd.Env = append(os.Environ(), "GIT_INDEX_FILE="+tmpIndexPath)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), nil
	}

	if !base.IsZero() {
		if _, err := run("read-tree", string(base)); err != nil {
			return oid.Zero, errs.Wrap(errs.KindBackendError, "", nil, err, "read-tree %s", base)
		}
	}

	// Sort for determinism; update-index order does not affect the
	// resulting tree but keeps error reporting stable.
	sorted := make([]PathChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, c := range sorted {
		if c.Delete {
			if _, err := run("update-index", "--force-remove", "--", c.Path); err != nil {
				return oid.Zero, errs.Wrap(errs.KindBackendError, "", nil, err, "remove %s", c.Path)
			}
			continue
		}
		mode := c.Mode
		if mode == "" {
			mode = "100644"
		}
		cacheinfo := fmt.Sprintf("%s,%s,%s", mode, c.OID, c.Path)
		if _, err := run("update-index", "--add", "--cacheinfo", cacheinfo); err != nil {
			return oid.Zero, errs.Wrap(errs.KindBackendError, "", nil, err, "add %s", c.Path)
		}
	}

	out, err := run("write-tree")
	if err != nil {
		return oid.Zero, errs.Wrap(errs.KindBackendError, "", nil, err, "write-tree")
	}
	return oid.Parse(strings.TrimSpace(string(out)))
}

// WriteCommit creates a commit object pointing at tree with the given
// parents and message, returning its OID. It does not move any ref.
func (s *Store) WriteCommit(ctx context.Context, tree oid.OID, parents []oid.OID, message string) (oid.OID, error) {
	args := []string{"commit-tree", string(tree)}
	for _, p := range parents {
		args = append(args, "-p", string(p))
	}
	args = append(args, "-m", message)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.RepoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return oid.Zero, errs.Wrap(errs.KindBackendError, "", nil, err, "commit-tree: %s", strings.TrimSpace(stderr.String()))
	}
	return oid.Parse(strings.TrimSpace(stdout.String()))
}

// ParseMode converts an executable flag to a git tree entry mode string
// ("100755" or "100644"), for callers translating os.FileInfo into
// PathChange entries.
func ParseMode(executable bool) string {
	if executable {
		return "100755"
	}
	return "100644"
}

// FormatTimestamp strips the ':' and '-' separators from an RFC3339
// timestamp string, giving the basic form used
// in recovery ref names: refs/manifold/recovery/<ws>/<rfc3339-basic>.
func FormatTimestamp(rfc3339 string) string {
	return strings.NewReplacer(":", "", "-", "").Replace(rfc3339)
}
