// Package recovery mints preservation refs before any destructive or
// history-rewriting operation, and implements a separate epoch-GC pass:
// recovery refs are never auto-pruned during merges, only by an explicit,
// user-invoked GC pass.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

const refPrefix = "refs/manifold/recovery/"

// Mint records workspace's current tip as a recovery ref named
// refs/manifold/recovery/<workspace>/<rfc3339-basic>, before the caller
// performs any destructive or rewriting operation on that workspace.
func Mint(ctx context.Context, store *objectstore.Store, workspace string, tip oid.OID, now time.Time) (string, error) {
	ts := objectstore.FormatTimestamp(now.UTC().Format(time.RFC3339))
	ref := fmt.Sprintf("%s%s/%s", refPrefix, workspace, ts)
	if err := store.CASRef(ctx, ref, oid.Zero, tip); err != nil {
		return "", fmt.Errorf("recovery: mint %s: %w", ref, err)
	}
	return ref, nil
}

// Ref describes one minted recovery ref.
type Ref struct {
	Name      string
	Workspace string
	Timestamp string
	OID       oid.OID
}

// List returns every recovery ref, optionally filtered to one workspace
// (empty string means all workspaces), sorted oldest first.
func List(ctx context.Context, store *objectstore.Store, workspace string) ([]Ref, error) {
	refs, err := store.ListRefs(ctx, refPrefix)
	if err != nil {
		return nil, fmt.Errorf("recovery: list: %w", err)
	}

	var out []Ref
	for name, o := range refs {
		rest := strings.TrimPrefix(name, refPrefix)
		slash := strings.LastIndex(rest, "/")
		if slash < 0 {
			continue
		}
		ws, ts := rest[:slash], rest[slash+1:]
		if workspace != "" && ws != workspace {
			continue
		}
		out = append(out, Ref{Name: name, Workspace: ws, Timestamp: ts, OID: o})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// GCOptions configures GC. Nothing is pruned unless explicitly requested:
// there is no implicit age-based default, since merges themselves never
// prune recovery refs.
type GCOptions struct {
	// OlderThan prunes refs minted before this time. Zero means no
	// age-based filter (use Keep alone, or require both).
	OlderThan time.Time
	// Keep preserves the N most recent recovery refs per workspace even
	// if they are older than OlderThan.
	Keep int
}

// GC deletes recovery refs matching opts and returns the refs it removed.
// It is never called by the merge engine itself; only a user-invoked GC
// command in cmd/maw runs it.
func GC(ctx context.Context, store *objectstore.Store, opts GCOptions) ([]Ref, error) {
	all, err := List(ctx, store, "")
	if err != nil {
		return nil, err
	}

	byWorkspace := make(map[string][]Ref)
	for _, r := range all {
		byWorkspace[r.Workspace] = append(byWorkspace[r.Workspace], r)
	}

	var removed []Ref
	for _, refs := range byWorkspace {
		sort.Slice(refs, func(i, j int) bool { return refs[i].Timestamp > refs[j].Timestamp }) // newest first
		for i, r := range refs {
			if i < opts.Keep {
				continue
			}
			if !opts.OlderThan.IsZero() {
				mintedAt, err := parseBasicTimestamp(r.Timestamp)
				if err == nil && !mintedAt.Before(opts.OlderThan) {
					continue
				}
			}
			if err := store.DeleteRef(ctx, r.Name, r.OID); err != nil {
				return removed, fmt.Errorf("recovery: gc delete %s: %w", r.Name, err)
			}
			removed = append(removed, r)
		}
	}
	return removed, nil
}

func parseBasicTimestamp(ts string) (time.Time, error) {
	return time.Parse("20060102T150405Z0700", ts)
}
