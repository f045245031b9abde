// Package engine is the top-level orchestrator: it drives one merge
// through Prepare → Collect → Resolve → Validate → Commit → Cleanup →
// Complete, wiring together mergeset.Collect, resolve.Resolve,
// epochcommit.Commit, and the assurance oracle. The engine is synchronous
// and blocking throughout: no internal goroutines, no async scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/manifold-vcs/maw/internal/assurance"
	"github.com/manifold-vcs/maw/internal/config"
	"github.com/manifold-vcs/maw/internal/driver"
	"github.com/manifold-vcs/maw/internal/epochcommit"
	"github.com/manifold-vcs/maw/internal/errs"
	"github.com/manifold-vcs/maw/internal/failpoint"
	"github.com/manifold-vcs/maw/internal/fileid"
	"github.com/manifold-vcs/maw/internal/journal"
	"github.com/manifold-vcs/maw/internal/logx"
	"github.com/manifold-vcs/maw/internal/mergeset"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
	"github.com/manifold-vcs/maw/internal/resolve"
	"github.com/manifold-vcs/maw/internal/wsbackend"
)

const epochRef = "refs/manifold/epoch/current"

// Engine bundles the collaborators one merge needs. Concurrent merges each
// own their own handle: callers construct one Engine per in-flight merge
// over a shared Store.
type Engine struct {
	Store       *objectstore.Store
	Backend     wsbackend.Backend
	Config      config.Config
	ManifoldDir string
	RepoRoot    string
	FileIDs     *fileid.Map
	AST         resolve.ASTMerger // nil disables step 6
	Log         *logx.Logger
}

// Outcome reports what Merge did.
type Outcome struct {
	Committed  bool
	Conflicts  []resolve.ConflictAtom
	Quarantine *epochcommitQuarantine
	Candidate  oid.OID
}

type epochcommitQuarantine struct {
	MergeID string
	Path    string
}

// New builds an Engine from config and a repository root, opening (but
// not creating) the object store, the configured workspace backend, and
// the fileid map.
func New(ctx context.Context, repoRoot string) (*Engine, error) {
	store, err := objectstore.Open(repoRoot)
	if err != nil {
		return nil, err
	}
	manifoldDir := config.ManifoldDir(store.RepoRoot)
	cfg, err := config.Load(filepath.Join(manifoldDir, "config.toml"))
	if err != nil {
		return nil, err
	}
	backend, err := wsbackend.New(cfg.Workspace.Backend, store.RepoRoot)
	if err != nil {
		return nil, err
	}
	ids, err := fileid.Load(filepath.Join(manifoldDir, "fileids"))
	if err != nil {
		return nil, err
	}
	return &Engine{
		Store:       store,
		Backend:     backend,
		Config:      cfg,
		ManifoldDir: manifoldDir,
		RepoRoot:    store.RepoRoot,
		FileIDs:     ids,
		Log:         logx.New("engine", logx.Options{}),
	}, nil
}

// Merge runs one merge of sources into the current epoch and, if clean and
// validated, advances it.
func (e *Engine) Merge(ctx context.Context, mergeID string, sources []string, destroySources bool) (Outcome, error) {
	if err := failpoint.Check("FP_MERGE_START"); err != nil {
		return Outcome{}, err
	}

	baseEpoch, found, err := e.Store.ResolveRef(ctx, epochRef)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: resolve epoch ref: %w", err)
	}
	if !found {
		return Outcome{}, errs.New(errs.KindNotFound, string(journal.PhasePrepare), sources, "no current epoch (refs/manifold/epoch/current is unset)")
	}

	journalPath := filepath.Join(e.ManifoldDir, "merge-state.json")
	jrnl, err := journal.Open(journalPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: open journal: %w", err)
	}
	defer jrnl.Close()

	if err := e.resumeStaleJournal(ctx, journalPath); err != nil {
		return Outcome{}, fmt.Errorf("engine: resume stale journal: %w", err)
	}

	state, err := jrnl.Start(mergeID, sources, string(baseEpoch), e.Config.Repo.Branch)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: start journal: %w", err)
	}

	pre, err := e.snapshot(ctx, journal.PhasePrepare, sources)
	if err != nil {
		return Outcome{}, err
	}

	if err := jrnl.Advance(state, journal.PhaseCollect); err != nil {
		return Outcome{}, err
	}
	patchsets, err := mergeset.Collect(ctx, e.Backend, e.Store, e.FileIDs, sources)
	if err != nil {
		return Outcome{}, errs.Wrap(errs.KindBackendError, string(journal.PhaseCollect), sources, err, "collect")
	}
	for _, ps := range patchsets {
		if ps.Epoch.OID() != baseEpoch {
			return Outcome{}, &errs.Error{
				Kind: errs.KindDivergentBases, Phase: string(journal.PhaseCollect), Workspaces: sources,
				Message:    fmt.Sprintf("workspace %s was created from base epoch %s, not the current epoch %s", ps.WorkspaceID, ps.Epoch, oid.NewEpochId(baseEpoch)),
				NextAction: "abandon",
			}
		}
	}

	if err := jrnl.Advance(state, journal.PhaseResolve); err != nil {
		return Outcome{}, err
	}
	baseCommit, err := e.Store.ReadCommit(ctx, baseEpoch)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: read base epoch commit: %w", err)
	}
	baseReader, err := newBaseReader(ctx, e.Store, baseCommit.Tree)
	if err != nil {
		return Outcome{}, err
	}
	result, err := resolve.Resolve(ctx, e.Store, baseReader, patchsets, resolve.Options{
		Drivers: toDrivers(e.Config.Merge.Drivers),
		AST:     e.AST,
	})
	if err != nil {
		return Outcome{}, errs.Wrap(errs.KindBackendError, string(journal.PhaseResolve), sources, err, "resolve")
	}
	if len(result.Conflicts) > 0 {
		// Journal stays at Resolve: no candidate was produced, no ref
		// moves happened.
		return Outcome{Conflicts: result.Conflicts}, &errs.Error{
			Kind: errs.KindConflict, Phase: string(journal.PhaseResolve), Workspaces: sources,
			Message: fmt.Sprintf("%d unresolved conflict(s)", len(result.Conflicts)), NextAction: "inspect",
		}
	}

	candidateTree, err := e.Store.BuildTree(ctx, baseCommit.Tree, result.Changes)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: build candidate tree: %w", err)
	}
	candidate, err := e.Store.WriteCommit(ctx, candidateTree, []oid.OID{baseEpoch}, mergeMessage(mergeID, sources))
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: write candidate commit: %w", err)
	}

	if err := jrnl.Advance(state, journal.PhaseValidate); err != nil {
		return Outcome{}, err
	}

	workDir, cleanupWorkDir, err := e.materializeCandidate(ctx, mergeID, candidate)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: materialize candidate for validation: %w", err)
	}
	defer cleanupWorkDir()

	commitOutcome, err := epochcommit.Commit(ctx, e.Store, epochcommit.Request{
		Journal: jrnl, State: state, Candidate: candidate, BaseEpoch: baseEpoch,
		Backend: e.Backend, Sources: sources, Destroy: destroySources,
		Validation: e.Config.Merge.Validation, WorkspaceDir: workDir,
	})
	if err != nil && commitOutcome.Quarantine != nil {
		return Outcome{Quarantine: &epochcommitQuarantine{MergeID: commitOutcome.Quarantine.MergeID, Path: commitOutcome.Quarantine.Path}, Candidate: candidate}, err
	}
	if err != nil {
		return Outcome{Candidate: candidate}, err
	}
	if commitOutcome.Quarantine != nil {
		return Outcome{Quarantine: &epochcommitQuarantine{MergeID: commitOutcome.Quarantine.MergeID, Path: commitOutcome.Quarantine.Path}, Candidate: candidate}, nil
	}

	if err := e.FileIDs.Save(); err != nil {
		return Outcome{Committed: true, Candidate: candidate}, fmt.Errorf("engine: save fileids: %w", err)
	}

	post, err := e.snapshot(ctx, journal.PhaseComplete, sources)
	if err != nil {
		return Outcome{Committed: true, Candidate: candidate}, err
	}
	if violation, err := assurance.Check(ctx, e.Store, pre, post); err != nil {
		return Outcome{Committed: true, Candidate: candidate}, err
	} else if violation != nil {
		return Outcome{Committed: true, Candidate: candidate}, &errs.Error{
			Kind: errs.KindAssuranceViolation, Phase: string(journal.PhaseComplete), Workspaces: sources,
			Message: violation.Error(), NextAction: "inspect",
		}
	}

	return Outcome{Committed: true, Candidate: candidate}, nil
}

// resumeStaleJournal inspects any merge-state.json left by a prior,
// non-exiting process before a fresh Start overwrites it, and rolls back or
// discards its partial effects per journal.Resume's classification. A
// missing journal file is the common case (clean prior exit) and is not an
// error.
func (e *Engine) resumeStaleJournal(ctx context.Context, journalPath string) error {
	existing, err := journal.Read(journalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read existing journal: %w", err)
	}

	switch journal.Resume(existing) {
	case journal.ResolutionDiscard:
		e.Log.Infof("discarding stale merge-state %s (phase=%s, no external effects yet)", existing.MergeID, existing.Phase)
		return nil
	case journal.ResolutionRollback:
		e.Log.Warnf("rolling back incomplete merge-state %s (phase=%s)", existing.MergeID, existing.Phase)
		return e.rollbackJournal(ctx, existing)
	default: // ResolutionResume: already committed or already terminal, nothing to undo
		return nil
	}
}

// rollbackJournal cleans up after a Validate- or Commit-phase merge: it
// removes a scratch validation worktree that was never cleaned up, and for
// a Commit-phase journal whose candidate epoch already equals the epoch
// ref it logs that the epoch was advanced before the crash. It moves no
// ref.
func (e *Engine) rollbackJournal(ctx context.Context, s *journal.State) error {
	validateDir := filepath.Join(e.Store.GitDir, "manifold-validate", s.MergeID)
	if _, err := os.Stat(validateDir); err == nil {
		if err := e.Store.WorktreeRemove(ctx, validateDir); err != nil {
			return fmt.Errorf("remove stale validation worktree for %s: %w", s.MergeID, err)
		}
	}

	if s.Phase == journal.PhaseCommit && s.CandidateEpoch != nil {
		current, found, err := e.Store.ResolveRef(ctx, epochRef)
		if err != nil {
			return fmt.Errorf("resolve epoch ref during rollback of %s: %w", s.MergeID, err)
		}
		if found && string(current) == *s.CandidateEpoch {
			e.Log.Infof("merge-state %s already advanced the epoch before crashing; nothing to roll back", s.MergeID)
		}
	}
	return nil
}

func (e *Engine) snapshot(ctx context.Context, phase journal.Phase, sources []string) (assurance.Snapshot, error) {
	heads, err := e.Store.ListRefs(ctx, "refs/heads/")
	if err != nil {
		return assurance.Snapshot{}, err
	}
	manifoldRefs, err := e.Store.ListRefs(ctx, "refs/manifold/")
	if err != nil {
		return assurance.Snapshot{}, err
	}
	durable := make(map[string]oid.OID, len(heads)+1)
	recoveryRefs := make(map[string]oid.OID)
	for k, v := range heads {
		durable[k] = v
	}
	for k, v := range manifoldRefs {
		switch {
		case k == epochRef:
			durable[k] = v
		case len(k) > len("refs/manifold/recovery/") && k[:len("refs/manifold/recovery/")] == "refs/manifold/recovery/":
			recoveryRefs[k] = v
		}
	}

	tips := make(map[string]oid.OID, len(sources))
	dirty := make(map[string]bool, len(sources))
	for _, ws := range sources {
		status, err := e.Backend.Status(ctx, ws)
		if err != nil {
			continue // workspace may already be gone by the post-snapshot
		}
		dirty[ws] = len(status.DirtyFiles) > 0
		if tip, found, err := e.Store.ResolveRef(ctx, "refs/manifold/ws/"+ws); err == nil && found {
			tips[ws] = tip
		}
	}

	return assurance.Snapshot{
		Phase: phase, DurableRefs: durable, RecoveryRefs: recoveryRefs,
		WorkspaceTips: tips, WorkspaceDirty: dirty,
	}, nil
}

// materializeCandidate checks candidate out to a scratch worktree so
// validation commands run against real files rather than the object
// store. Returns a cleanup func the caller always invokes.
func (e *Engine) materializeCandidate(ctx context.Context, mergeID string, candidate oid.OID) (string, func(), error) {
	dir := filepath.Join(e.Store.GitDir, "manifold-validate", mergeID)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", func() {}, err
	}
	if err := e.Store.WorktreeAdd(ctx, dir, candidate); err != nil {
		return "", func() {}, err
	}
	return dir, func() { _ = e.Store.WorktreeRemove(ctx, dir) }, nil
}

func mergeMessage(mergeID string, sources []string) string {
	return fmt.Sprintf("merge %s: %v", mergeID, sources)
}

func toDrivers(cfgDrivers []config.Driver) []driver.Driver {
	out := make([]driver.Driver, len(cfgDrivers))
	for i, d := range cfgDrivers {
		out[i] = driver.Driver{Match: d.Match, Kind: driver.Kind(d.Kind), Command: d.Command}
	}
	return out
}

// newBaseReader builds a resolve.BaseReader over one fully-flattened base
// tree, read once up front rather than per path.
func newBaseReader(ctx context.Context, store *objectstore.Store, tree oid.OID) (resolve.BaseReader, error) {
	entries, err := store.ListTreeRecursive(ctx, tree)
	if err != nil {
		return nil, fmt.Errorf("engine: list base tree: %w", err)
	}
	byPath := make(map[string]oid.OID, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e.OID
	}
	return func(ctx context.Context, path string) ([]byte, oid.OID, bool, error) {
		blob, ok := byPath[path]
		if !ok {
			return nil, oid.Zero, false, nil
		}
		data, err := store.ReadBlob(ctx, blob)
		if err != nil {
			return nil, oid.Zero, false, err
		}
		return data, blob, true, nil
	}, nil
}
