// Package assurance implements the G1-G6 durability and discoverability
// guarantees: a checker run against pre/post state snapshots after every
// ref-moving operation, returning the first guarantee it finds violated.
// Expressed as an ordered slice of checker functions over plain Go structs
// rather than an interface hierarchy, since the set of checks is closed
// and known at compile time.
package assurance

import (
	"context"
	"fmt"

	"github.com/manifold-vcs/maw/internal/journal"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

// Snapshot is the state captured before or after an operation.
type Snapshot struct {
	Phase          journal.Phase
	DurableRefs    map[string]oid.OID // refs/heads/* and refs/manifold/epoch/current
	RecoveryRefs   map[string]oid.OID // refs/manifold/recovery/*
	WorkspaceTips  map[string]oid.OID // workspace id -> HEAD oid
	WorkspaceDirty map[string]bool    // workspace id -> had uncommitted changes
}

// Violation names which guarantee failed and enough context to reproduce
// the failure.
type Violation struct {
	Guarantee string // "G1".."G6"
	Detail    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s violation: %s", v.Guarantee, v.Detail)
}

// checker is one ordered guarantee check.
type checker func(ctx context.Context, store *objectstore.Store, pre, post Snapshot) *Violation

// order is G1 through G6, the fixed evaluation order that lets data-loss
// defects surface before mere discoverability ones.
var order = []checker{checkG1, checkG2, checkG3, checkG4, checkG5, checkG6}

// Check runs every guarantee in order and returns the first violation, or
// nil if pre/post are consistent. Expected to complete in well under a
// second against O(1000) refs/workspaces; every check here is O(n) or
// O(n log n) over the snapshot maps plus at most one ancestry query per
// entry.
func Check(ctx context.Context, store *objectstore.Store, pre, post Snapshot) (*Violation, error) {
	for _, c := range order {
		if v := c(ctx, store, pre, post); v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// checkG1 — committed no-loss: for every (ref, oid) in pre.DurableRefs,
// oid must be an ancestor-or-equal of (reachable from) some ref in
// post.DurableRefs.
func checkG1(ctx context.Context, store *objectstore.Store, pre, post Snapshot) *Violation {
	for ref, preOID := range pre.DurableRefs {
		if postOID, ok := post.DurableRefs[ref]; ok && postOID == preOID {
			continue // fast path: direct value match
		}
		reachable := false
		for _, postOID := range post.DurableRefs {
			if postOID == preOID {
				reachable = true
				break
			}
			ok, err := store.IsAncestor(ctx, preOID, postOID)
			if err == nil && ok {
				reachable = true
				break
			}
		}
		if !reachable {
			return &Violation{Guarantee: "G1", Detail: fmt.Sprintf("ReachabilityLost{oid: %s, previous_ref: %s}", preOID, ref)}
		}
	}
	return nil
}

// checkG2 — rewrite preservation: a workspace whose HEAD changed or
// disappeared must either have been clean pre-op, or have a recovery ref
// naming it post-op.
func checkG2(ctx context.Context, store *objectstore.Store, pre, post Snapshot) *Violation {
	for ws, preTip := range pre.WorkspaceTips {
		postTip, stillPresent := post.WorkspaceTips[ws]
		if stillPresent && postTip == preTip {
			continue
		}
		if !pre.WorkspaceDirty[ws] {
			continue // was clean: rewriting/removing it needs no recovery ref
		}
		if !hasRecoveryRefFor(post, ws) {
			return &Violation{Guarantee: "G2", Detail: fmt.Sprintf("workspace %s HEAD changed/removed with no recovery ref", ws)}
		}
	}
	return nil
}

// checkG3 — post-COMMIT monotonicity: once pre.Phase is Commit, Cleanup,
// or Complete, post's epoch ref must equal or descend from pre's.
func checkG3(ctx context.Context, store *objectstore.Store, pre, post Snapshot) *Violation {
	switch pre.Phase {
	case journal.PhaseCommit, journal.PhaseCleanup, journal.PhaseComplete:
	default:
		return nil
	}
	const epochRef = "refs/manifold/epoch/current"
	preOID, hadPre := pre.DurableRefs[epochRef]
	if !hadPre {
		return nil
	}
	postOID, hasPost := post.DurableRefs[epochRef]
	if !hasPost {
		return &Violation{Guarantee: "G3", Detail: "epoch ref disappeared post-commit"}
	}
	if postOID == preOID {
		return nil
	}
	ok, err := store.IsAncestor(ctx, preOID, postOID)
	if err != nil || !ok {
		return &Violation{Guarantee: "G3", Detail: fmt.Sprintf("epoch ref %s is not a descendant of %s", postOID, preOID)}
	}
	return nil
}

// checkG4 — destructive gate: every workspace present pre-op but absent
// post-op must have a recovery ref naming it.
func checkG4(ctx context.Context, store *objectstore.Store, pre, post Snapshot) *Violation {
	for ws := range pre.WorkspaceTips {
		if _, present := post.WorkspaceTips[ws]; present {
			continue
		}
		if !hasRecoveryRefFor(post, ws) {
			return &Violation{Guarantee: "G4", Detail: fmt.Sprintf("workspace %s removed with no recovery ref", ws)}
		}
	}
	return nil
}

// checkG5 — discoverable recovery: every post.RecoveryRefs entry resolves
// via the object store to the OID recorded in the snapshot.
func checkG5(ctx context.Context, store *objectstore.Store, pre, post Snapshot) *Violation {
	for ref, want := range post.RecoveryRefs {
		got, found, err := store.ResolveRef(ctx, ref)
		if err != nil || !found {
			return &Violation{Guarantee: "G5", Detail: fmt.Sprintf("recovery ref %s does not resolve", ref)}
		}
		if got != want {
			return &Violation{Guarantee: "G5", Detail: fmt.Sprintf("recovery ref %s resolves to %s, snapshot recorded %s", ref, got, want)}
		}
	}
	return nil
}

// checkG6 — searchable recovery: every recovery ref target is a reachable
// commit object, not a tree or blob.
func checkG6(ctx context.Context, store *objectstore.Store, pre, post Snapshot) *Violation {
	for ref, o := range post.RecoveryRefs {
		if _, err := store.ReadCommit(ctx, o); err != nil {
			return &Violation{Guarantee: "G6", Detail: fmt.Sprintf("recovery ref %s target %s is not a readable commit: %v", ref, o, err)}
		}
	}
	return nil
}

func hasRecoveryRefFor(snap Snapshot, workspace string) bool {
	prefix := "refs/manifold/recovery/" + workspace + "/"
	for ref := range snap.RecoveryRefs {
		if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
