// Package epochcommit implements the epoch commit sequence: post-merge
// validation, the atomic dual-ref CAS that advances the epoch, and
// source-workspace cleanup with mint-before-destroy recovery. It is the
// one package that touches refs/manifold/epoch/current and
// refs/heads/<branch> together, so every other package that needs a
// merge committed goes through here.
package epochcommit

import (
	"context"
	"fmt"
	"time"

	"github.com/manifold-vcs/maw/internal/config"
	"github.com/manifold-vcs/maw/internal/errs"
	"github.com/manifold-vcs/maw/internal/journal"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
	"github.com/manifold-vcs/maw/internal/quarantine"
	"github.com/manifold-vcs/maw/internal/recovery"
	"github.com/manifold-vcs/maw/internal/validation"
	"github.com/manifold-vcs/maw/internal/wsbackend"
)

const epochRef = "refs/manifold/epoch/current"

func branchRef(branch string) string { return "refs/heads/" + branch }

// Request bundles what Commit needs: the merge journal already advanced to
// PhaseValidate, the candidate tree's commit, the pre-merge epoch it was
// built against, and the source workspaces to clean up afterward.
type Request struct {
	Journal      *journal.Journal
	State        *journal.State
	Candidate    oid.OID
	BaseEpoch    oid.OID
	Backend      wsbackend.Backend
	Sources      []string
	Destroy      bool // whether cleanup actually destroys source workspaces
	Validation   config.Validation
	WorkspaceDir string // directory validation commands run in (a worktree checked out to Candidate)
}

// Outcome reports what Commit did.
type Outcome struct {
	Committed  bool
	Quarantine *quarantine.Entry
	Validation validation.Report
}

// Commit validates req.Candidate, then dual-CASes the epoch and branch
// refs onto it, quarantining on validation failure and cleaning up the
// source workspaces on success.
func Commit(ctx context.Context, store *objectstore.Store, req Request) (Outcome, error) {
	if req.State.Phase != journal.PhaseValidate {
		return Outcome{}, fmt.Errorf("epochcommit: journal phase must be validate, got %s", req.State.Phase)
	}

	onFailure, err := validation.ParseOnFailure(string(req.Validation.OnFailure))
	if err != nil {
		return Outcome{}, err
	}
	cmds := validation.Commands(req.Validation)
	report := validation.Run(ctx, req.WorkspaceDir, cmds, req.Validation.TimeoutSeconds)

	if !report.Passed {
		switch onFailure {
		case validation.OnFailureWarn:
			// proceed; the failed report is returned in Outcome.Validation.
		case validation.OnFailureBlock:
			return Outcome{Validation: report}, &errs.Error{
				Kind: errs.KindValidationFailed, Phase: string(req.State.Phase),
				Message: "post-merge validation failed", NextAction: "inspect",
			}
		case validation.OnFailureQuarantine, validation.OnFailureBlockQuarantine:
			entry, qerr := quarantine.Create(ctx, store, req.State.MergeID, req.Candidate)
			if qerr != nil {
				return Outcome{Validation: report}, fmt.Errorf("epochcommit: quarantine: %w", qerr)
			}
			if err := req.Journal.Advance(req.State, journal.PhaseQuarantined); err != nil {
				return Outcome{Validation: report}, fmt.Errorf("epochcommit: advance to quarantined: %w", err)
			}
			out := Outcome{Quarantine: &entry, Validation: report}
			if onFailure == validation.OnFailureBlockQuarantine {
				return out, &errs.Error{
					Kind: errs.KindValidationFailed, Phase: string(journal.PhaseQuarantined),
					Message: "post-merge validation failed, candidate quarantined", NextAction: "promote",
				}
			}
			return out, nil
		}
	}

	if err := req.Journal.Advance(req.State, journal.PhaseCommit); err != nil {
		return Outcome{Validation: report}, fmt.Errorf("epochcommit: advance to commit: %w", err)
	}

	candidateEpoch := string(req.Candidate)
	if err := req.Journal.SetCandidateEpoch(req.State, candidateEpoch); err != nil {
		return Outcome{Validation: report}, fmt.Errorf("epochcommit: record candidate epoch: %w", err)
	}

	if err := store.CASRef(ctx, epochRef, req.BaseEpoch, req.Candidate); err != nil {
		return Outcome{Validation: report}, fmt.Errorf("epochcommit: advance epoch: %w", err)
	}
	branchTip, _, err := store.ResolveRef(ctx, branchRef(req.State.Branch))
	if err != nil {
		return Outcome{Validation: report}, err
	}
	if err := store.CASRef(ctx, branchRef(req.State.Branch), branchTip, req.Candidate); err != nil {
		// Second CAS failed after the first succeeded: roll the epoch ref
		// back so the two refs never observably disagree.
		if rbErr := store.CASRef(ctx, epochRef, req.Candidate, req.BaseEpoch); rbErr != nil {
			return Outcome{Validation: report}, fmt.Errorf("epochcommit: rollback epoch after branch CAS failure (rollback also failed: %v): %w", rbErr, err)
		}
		return Outcome{Validation: report}, fmt.Errorf("epochcommit: advance branch %s: %w", req.State.Branch, err)
	}

	if err := req.Journal.Advance(req.State, journal.PhaseCleanup); err != nil {
		return Outcome{Committed: true, Validation: report}, fmt.Errorf("epochcommit: advance to cleanup: %w", err)
	}

	if err := cleanupSources(ctx, store, req.Backend, req.Sources, req.Destroy); err != nil {
		return Outcome{Committed: true, Validation: report}, fmt.Errorf("epochcommit: cleanup sources: %w", err)
	}

	if err := req.Journal.Advance(req.State, journal.PhaseComplete); err != nil {
		return Outcome{Committed: true, Validation: report}, fmt.Errorf("epochcommit: advance to complete: %w", err)
	}

	return Outcome{Committed: true, Validation: report}, nil
}

// cleanupSources mints a recovery ref for each dirty source workspace
// before destroying it: recovery refs are minted before destruction,
// never after.
func cleanupSources(ctx context.Context, store *objectstore.Store, backend wsbackend.Backend, sources []string, destroy bool) error {
	now := time.Now()
	for _, id := range sources {
		status, err := backend.Status(ctx, id)
		if err != nil {
			return fmt.Errorf("status %s: %w", id, err)
		}
		if len(status.DirtyFiles) > 0 {
			tip, err := backend.CapturePoint(ctx, id)
			if err != nil {
				return fmt.Errorf("capture current content of %s for recovery: %w", id, err)
			}
			if _, err := recovery.Mint(ctx, store, id, tip, now); err != nil {
				return fmt.Errorf("mint recovery ref for %s: %w", id, err)
			}
		}
		if !destroy {
			continue
		}
		if err := backend.Destroy(ctx, id); err != nil {
			return fmt.Errorf("destroy %s: %w", id, err)
		}
	}
	return nil
}
