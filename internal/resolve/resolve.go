// Package resolve implements the per-path resolution algorithm: the
// strict-order decision among no-change short-circuit, single-variant
// acceptance, blob equality, line-level diff3, shifted-code detection,
// AST-aware structural merge, and structured conflict atoms.
package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/manifold-vcs/maw/internal/driver"
	"github.com/manifold-vcs/maw/internal/mergeset"
	"github.com/manifold-vcs/maw/internal/objectstore"
	"github.com/manifold-vcs/maw/internal/oid"
)

// Reason names why a ConflictAtom is unresolved: one of the constants
// below, or "driver_failed: <error>" for a path whose merge driver failed.
type Reason string

const (
	ReasonSymbolLifecycle      Reason = "symbol_lifecycle"
	ReasonSignatureDrift       Reason = "signature_drift"
	ReasonIncompatibleAPIEdits Reason = "incompatible_api_edits"
	ReasonSameASTNodeModified  Reason = "same_ast_node_modified"
	ReasonLineConflict         Reason = "line_conflict"
)

// Edit is one variant's contribution to a ConflictAtom.
type Edit struct {
	WorkspaceID string
	Content     []byte
	Deleted     bool
}

// ConflictAtom is the structured record of one unresolved path.
type ConflictAtom struct {
	Path       string
	BaseOffset int // byte offset of BaseRegion's start within the base blob, for deterministic ordering
	BaseRegion []byte
	Edits      []Edit
	Reason     Reason
	Confidence int // 0 if not an AST-classified conflict
}

// ASTMerger is the hook step 6 calls into (internal/astmerge implements
// this); kept as a narrow interface here so resolve does not import
// astmerge's wazero/go-ast machinery directly.
type ASTMerger interface {
	// SupportsPath reports whether a language pack covers path's
	// extension.
	SupportsPath(path string) bool
	// Merge attempts a structural merge; ok is false if the merge could
	// not be completed cleanly (caller falls through to a conflict atom).
	Merge(ctx context.Context, path string, base []byte, variants map[string][]byte) (merged []byte, ok bool, reason Reason, confidence int, err error)
}

// BaseReader resolves a path's content at the base epoch; ok is false if
// the path did not exist in base (i.e. it was added).
type BaseReader func(ctx context.Context, path string) (content []byte, blob oid.OID, ok bool, err error)

// Result is the outcome of resolving every touched path.
type Result struct {
	Changes   []objectstore.PathChange
	Conflicts []ConflictAtom // sorted by BaseOffset, then Path
}

// Options configures Resolve.
type Options struct {
	Drivers []driver.Driver
	AST     ASTMerger // nil disables step 6 entirely
}

// Resolve merges patchsets against base, one path at a time, through the
// seven-step decision order.
func Resolve(ctx context.Context, store *objectstore.Store, base BaseReader, patchsets []mergeset.PatchSet, opts Options) (Result, error) {
	touched := collectTouchedPaths(patchsets)

	var result Result
	for _, path := range touched {
		variants := variantsFor(patchsets, path)

		baseContent, baseBlob, baseExists, err := base(ctx, path)
		if err != nil {
			return Result{}, fmt.Errorf("resolve: read base for %s: %w", path, err)
		}

		if d := driver.Match(opts.Drivers, path); d != nil {
			pc, atom, err := applyDriver(ctx, store, d, path, baseContent, baseExists, variants)
			if err != nil {
				return Result{}, err
			}
			if atom != nil {
				result.Conflicts = append(result.Conflicts, *atom)
			} else if pc != nil {
				result.Changes = append(result.Changes, *pc)
			}
			continue
		}

		pc, atom, err := resolvePath(ctx, store, opts.AST, path, baseContent, baseBlob, baseExists, variants)
		if err != nil {
			return Result{}, err
		}
		if atom != nil {
			result.Conflicts = append(result.Conflicts, *atom)
		} else if pc != nil {
			result.Changes = append(result.Changes, *pc)
		}
	}

	sort.Slice(result.Conflicts, func(i, j int) bool {
		if result.Conflicts[i].BaseOffset != result.Conflicts[j].BaseOffset {
			return result.Conflicts[i].BaseOffset < result.Conflicts[j].BaseOffset
		}
		return result.Conflicts[i].Path < result.Conflicts[j].Path
	})
	return result, nil
}

func collectTouchedPaths(patchsets []mergeset.PatchSet) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, ps := range patchsets {
		for _, c := range ps.Changes {
			if !seen[c.Path] {
				seen[c.Path] = true
				paths = append(paths, c.Path)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

func variantsFor(patchsets []mergeset.PatchSet, path string) map[string]*mergeset.FileChange {
	out := make(map[string]*mergeset.FileChange)
	for _, ps := range patchsets {
		for i := range ps.Changes {
			if ps.Changes[i].Path == path {
				out[ps.WorkspaceID] = &ps.Changes[i]
				break
			}
		}
	}
	return out
}

// resolvePath runs steps 1-7 for one path.
func resolvePath(ctx context.Context, store *objectstore.Store, ast ASTMerger, path string, baseContent []byte, baseBlob oid.OID, baseExists bool, variants map[string]*mergeset.FileChange) (*objectstore.PathChange, *ConflictAtom, error) {
	// Step 1: no-change short-circuit. A path only appears in `variants`
	// because some patchset recorded a change for it, so step 1 is
	// already guaranteed false here; collectTouchedPaths only emits
	// touched paths.

	// Step 2: single-variant.
	if len(variants) == 1 {
		for _, fc := range variants {
			return changeFromFileChange(path, fc), nil, nil
		}
	}

	// Step 3: blob equality (including delete/delete agreement).
	if allVariantsAgree(variants) {
		for _, fc := range variants {
			return changeFromFileChange(path, fc), nil, nil
		}
	}

	variantContents, err := readVariantContents(ctx, store, variants)
	if err != nil {
		return nil, nil, err
	}

	// Modify/delete is always a conflict at this point (never clean at
	// step 3 since contents necessarily differ structurally). Route it
	// through the AST merger the same way step 6 does: when a language pack
	// covers the path, the merger's classification is used (symbol_lifecycle
	// when one side modified an item the other side deleted); otherwise it
	// falls back to the generic incompatible_api_edits label.
	if hasModifyDeleteSplit(variants) {
		reason := ReasonIncompatibleAPIEdits
		confidence := 0
		if ast != nil && ast.SupportsPath(path) {
			mergedContent, ok, r, c, err := ast.Merge(ctx, path, baseContent, variantContents)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve: ast merge %s: %w", path, err)
			}
			if ok {
				blob, err := store.WriteBlob(ctx, mergedContent)
				if err != nil {
					return nil, nil, fmt.Errorf("resolve: write ast-merged blob for %s: %w", path, err)
				}
				return &objectstore.PathChange{Path: path, Mode: "100644", OID: blob}, nil, nil
			}
			if r != "" {
				reason, confidence = r, c
			}
		}
		atom, err := buildConflict(ctx, store, path, baseContent, baseBlob, variants, reason, 0, confidence)
		return nil, atom, err
	}

	// Step 4: line-level diff3.
	baseLines := splitLines(baseContent)
	hunks := make(map[string][]hunk, len(variantContents))
	for ws, content := range variantContents {
		hunks[ws] = lineDiff(baseLines, splitLines(content))
	}
	merged := diff3Merge(baseLines, hunks)
	if len(merged.conflicts) == 0 {
		data := joinLines(merged.lines)
		blob, err := store.WriteBlob(ctx, data)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve: write merged blob for %s: %w", path, err)
		}
		return &objectstore.PathChange{Path: path, Mode: "100644", OID: blob}, nil, nil
	}

	// Step 5: shifted-code detection. A conflicting hunk in one variant
	// that is byte-identical to an unchanged block that moved elsewhere
	// in another variant is accepted as the moved version. Simplified
	// check: if exactly one conflicting region's content matches a
	// competing variant's content verbatim elsewhere in that same
	// variant's file, prefer it; otherwise fall through.
	if resolved, ok := tryShiftedCode(merged, variantContents); ok {
		data := joinLines(resolved)
		blob, err := store.WriteBlob(ctx, data)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve: write shifted-code blob for %s: %w", path, err)
		}
		return &objectstore.PathChange{Path: path, Mode: "100644", OID: blob}, nil, nil
	}

	// Step 6: AST merge.
	astReason := ReasonLineConflict
	astConfidence := 0
	if ast != nil && ast.SupportsPath(path) {
		mergedContent, ok, reason, confidence, err := ast.Merge(ctx, path, baseContent, variantContents)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve: ast merge %s: %w", path, err)
		}
		if ok {
			blob, err := store.WriteBlob(ctx, mergedContent)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve: write ast-merged blob for %s: %w", path, err)
			}
			return &objectstore.PathChange{Path: path, Mode: "100644", OID: blob}, nil, nil
		}
		// The AST merger could classify the conflict even though it could
		// not resolve it; carry that classification into the atom instead
		// of the generic line_conflict reason.
		if reason != "" {
			astReason, astConfidence = reason, confidence
		}
	}

	// Step 7: conflict atom, anchored at the first unresolved region.
	offset := byteOffsetOfLine(baseLines, merged.conflicts[0].baseStart)
	atom, err := buildConflict(ctx, store, path, baseContent, baseBlob, variants, astReason, offset, astConfidence)
	return nil, atom, err
}

func applyDriver(ctx context.Context, store *objectstore.Store, d *driver.Driver, path string, baseContent []byte, baseExists bool, variants map[string]*mergeset.FileChange) (*objectstore.PathChange, *ConflictAtom, error) {
	contents := make(map[string][]byte, len(variants))
	for ws, fc := range variants {
		if fc.Kind == mergeset.Deleted {
			contents[ws] = nil
			continue
		}
		data, err := store.ReadBlob(ctx, fc.Blob)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve: read blob for driver on %s (%s): %w", path, ws, err)
		}
		contents[ws] = data
	}

	outcome, err := driver.Run(ctx, *d, path, baseContent, baseExists, contents)
	if err != nil {
		atom, aerr := buildConflict(ctx, store, path, baseContent, oid.Zero, variants, ReasonIncompatibleAPIEdits, 0, 0)
		if aerr != nil {
			return nil, nil, aerr
		}
		atom.Reason = Reason(fmt.Sprintf("driver_failed: %v", err))
		return nil, atom, nil
	}
	if outcome.Delete {
		return &objectstore.PathChange{Path: path, Delete: true}, nil, nil
	}
	blob, err := store.WriteBlob(ctx, outcome.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve: write driver output for %s: %w", path, err)
	}
	return &objectstore.PathChange{Path: path, Mode: "100644", OID: blob}, nil, nil
}

func changeFromFileChange(path string, fc *mergeset.FileChange) *objectstore.PathChange {
	if fc.Kind == mergeset.Deleted {
		return &objectstore.PathChange{Path: path, Delete: true}
	}
	return &objectstore.PathChange{Path: path, Mode: "100644", OID: fc.Blob}
}

func allVariantsAgree(variants map[string]*mergeset.FileChange) bool {
	var want *mergeset.FileChange
	for _, fc := range variants {
		if want == nil {
			want = fc
			continue
		}
		if want.Kind != fc.Kind {
			return false
		}
		if want.Kind != mergeset.Deleted && want.Blob != fc.Blob {
			return false
		}
	}
	return true
}

func hasModifyDeleteSplit(variants map[string]*mergeset.FileChange) bool {
	sawDelete, sawModify := false, false
	for _, fc := range variants {
		if fc.Kind == mergeset.Deleted {
			sawDelete = true
		} else {
			sawModify = true
		}
	}
	return sawDelete && sawModify
}

func readVariantContents(ctx context.Context, store *objectstore.Store, variants map[string]*mergeset.FileChange) (map[string][]byte, error) {
	out := make(map[string][]byte, len(variants))
	for ws, fc := range variants {
		if fc.Kind == mergeset.Deleted {
			out[ws] = nil
			continue
		}
		data, err := store.ReadBlob(ctx, fc.Blob)
		if err != nil {
			return nil, fmt.Errorf("resolve: read blob for %s (%s): %w", fc.Path, ws, err)
		}
		out[ws] = data
	}
	return out, nil
}

func buildConflict(ctx context.Context, store *objectstore.Store, path string, baseContent []byte, baseBlob oid.OID, variants map[string]*mergeset.FileChange, reason Reason, offset int, confidence int) (*ConflictAtom, error) {
	edits := make([]Edit, 0, len(variants))
	for ws, fc := range variants {
		if fc.Kind == mergeset.Deleted {
			edits = append(edits, Edit{WorkspaceID: ws, Deleted: true})
			continue
		}
		data, err := store.ReadBlob(ctx, fc.Blob)
		if err != nil {
			return nil, fmt.Errorf("resolve: read blob for conflict %s (%s): %w", path, ws, err)
		}
		edits = append(edits, Edit{WorkspaceID: ws, Content: data})
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].WorkspaceID < edits[j].WorkspaceID })

	return &ConflictAtom{
		Path:       path,
		BaseOffset: offset,
		BaseRegion: baseContent,
		Edits:      edits,
		Reason:     reason,
		Confidence: confidence,
	}, nil
}
