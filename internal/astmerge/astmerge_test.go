package astmerge

import (
	"strings"
	"testing"

	"github.com/manifold-vcs/maw/internal/resolve"
)

func TestMergeGoDisjointFunctionsClean(t *testing.T) {
	base := []byte("package p\n\nfunc A() int { return 1 }\n")
	oursAdd := []byte("package p\n\nfunc A() int { return 1 }\n\nfunc B() int { return 2 }\n")
	theirsAdd := []byte("package p\n\nfunc A() int { return 1 }\n\nfunc C() int { return 3 }\n")

	m := &Merger{}
	merged, ok, _, _, err := m.mergeGo("p.go", base, map[string][]byte{
		"ws1": oursAdd,
		"ws2": theirsAdd,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected clean merge of disjoint added functions")
	}
	s := string(merged)
	for _, want := range []string{"func A()", "func B()", "func C()"} {
		if !strings.Contains(s, want) {
			t.Fatalf("merged output missing %q: %s", want, s)
		}
	}
}

func TestMergeGoConflictingEditsToSameFunc(t *testing.T) {
	base := []byte("package p\n\nfunc A() int {\n\treturn 1\n}\n")
	ours := []byte("package p\n\nfunc A() int {\n\treturn 2\n}\n")
	theirs := []byte("package p\n\nfunc A() int {\n\treturn 3\n}\n")

	// A 50% false-positive budget drops the confidence gate to 0, so the
	// classifier's own reason is reported rather than the downgraded one.
	m := &Merger{FalsePositiveBudgetPct: 50}
	_, ok, reason, confidence, err := m.mergeGo("p.go", base, map[string][]byte{
		"ws1": ours,
		"ws2": theirs,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected a conflict, got clean merge")
	}
	if reason != resolve.ReasonIncompatibleAPIEdits {
		t.Fatalf("expected incompatible_api_edits, got %s", reason)
	}
	if confidence != 74 {
		t.Fatalf("expected confidence 74, got %d", confidence)
	}
}

func TestMergeGoModifyDeleteIsSymbolLifecycle(t *testing.T) {
	base := []byte("package p\n\nfunc A() int {\n\treturn 1\n}\n")
	modified := []byte("package p\n\nfunc A() int {\n\treturn 2\n}\n")
	deleted := []byte("package p\n")

	// Gate at 0 (see TestMergeGoConflictingEditsToSameFunc).
	m := &Merger{FalsePositiveBudgetPct: 50}
	_, ok, reason, confidence, err := m.mergeGo("p.go", base, map[string][]byte{
		"ws1": modified,
		"ws2": deleted,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected a conflict")
	}
	if reason != resolve.ReasonSymbolLifecycle || confidence != 92 {
		t.Fatalf("expected symbol_lifecycle/92, got %s/%d", reason, confidence)
	}
}

func TestSupportsPathGoOnlyWithoutPacks(t *testing.T) {
	m := &Merger{}
	if !m.SupportsPath("a.go") {
		t.Fatalf("expected .go supported")
	}
	if m.SupportsPath("a.py") {
		t.Fatalf("expected .py unsupported with no packs loaded")
	}
}
