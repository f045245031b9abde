// Package quarantine holds candidate merge trees whose post-commit
// validation failed, materialized under "ws/.quarantine/<merge_id>/".
// A quarantined candidate is a real git worktree, the same way
// internal/wsbackend's git-worktree backend materializes ordinary
// workspaces, so a human can inspect and fix it in place before
// promoting or abandoning it.
package quarantine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

// Entry describes one quarantined candidate.
type Entry struct {
	MergeID   string
	Path      string
	Candidate oid.OID
}

func dir(repoRoot, mergeID string) string {
	return filepath.Join(repoRoot, "ws", ".quarantine", mergeID)
}

// Create materializes the candidate commit as a detached worktree at
// ws/.quarantine/<merge_id>/.
func Create(ctx context.Context, store *objectstore.Store, mergeID string, candidate oid.OID) (Entry, error) {
	path := dir(store.RepoRoot, mergeID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Entry{}, fmt.Errorf("quarantine: make parent dir: %w", err)
	}
	if err := store.WorktreeAdd(ctx, path, candidate); err != nil {
		return Entry{}, fmt.Errorf("quarantine: materialize candidate for %s: %w", mergeID, err)
	}
	return Entry{MergeID: mergeID, Path: path, Candidate: candidate}, nil
}

// List enumerates every quarantined candidate under ws/.quarantine/.
func List(repoRoot string) ([]Entry, error) {
	root := filepath.Join(repoRoot, "ws", ".quarantine")
	ents, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quarantine: list %s: %w", root, err)
	}
	var out []Entry
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name())
		candidate, err := worktreeHead(path)
		if err != nil {
			continue // skip a worktree that is no longer readable
		}
		out = append(out, Entry{MergeID: e.Name(), Path: path, Candidate: candidate})
	}
	return out, nil
}

// worktreeHead reads the commit a quarantine worktree is currently
// detached at, for List to surface a promotable Entry.Candidate without
// the caller having to re-derive it.
func worktreeHead(path string) (oid.OID, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return oid.Zero, fmt.Errorf("quarantine: rev-parse HEAD in %s: %w", path, err)
	}
	return oid.Parse(strings.TrimSpace(string(out)))
}

// Promote CASes the epoch and branch refs to the quarantined candidate,
// exactly as epochcommit.Commit would have done had validation passed, then
// removes the quarantine worktree. expectEpoch/expectBranch are the
// pre-candidate values the caller observed when the merge first failed
// validation; a stale value returns errs.RefRaced via the CAS.
func Promote(ctx context.Context, store *objectstore.Store, entry Entry, epochRef, branchRef string, expectEpoch, expectBranch oid.OID) error {
	if err := store.CASRef(ctx, epochRef, expectEpoch, entry.Candidate); err != nil {
		return fmt.Errorf("quarantine: promote %s: advance epoch: %w", entry.MergeID, err)
	}
	if err := store.CASRef(ctx, branchRef, expectBranch, entry.Candidate); err != nil {
		// Roll the epoch ref back so promotion is all-or-nothing, per the
		// same dual-CAS discipline epochcommit.Commit uses.
		_ = store.CASRef(ctx, epochRef, entry.Candidate, expectEpoch)
		return fmt.Errorf("quarantine: promote %s: advance branch: %w", entry.MergeID, err)
	}
	return Abandon(ctx, store, entry)
}

// Abandon discards a quarantined candidate without moving any ref.
func Abandon(ctx context.Context, store *objectstore.Store, entry Entry) error {
	if err := store.WorktreeRemove(ctx, entry.Path); err != nil {
		return fmt.Errorf("quarantine: abandon %s: %w", entry.MergeID, err)
	}
	return nil
}
