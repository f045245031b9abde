package journal

import (
	"path/filepath"
	"testing"
)

func TestStartAndAdvance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge-state.json")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	s, err := j.Start("abc123", []string{"ws1", "ws2"}, "deadbeef", "main")
	if err != nil {
		t.Fatal(err)
	}
	if s.Phase != PhasePrepare {
		t.Fatalf("expected prepare, got %s", s.Phase)
	}

	for _, next := range []Phase{PhaseCollect, PhaseResolve, PhaseValidate, PhaseCommit, PhaseCleanup, PhaseComplete} {
		if err := j.Advance(s, next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}

	reloaded, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Phase != PhaseComplete {
		t.Fatalf("expected complete after reload, got %s", reloaded.Phase)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge-state.json")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	s, err := j.Start("abc123", []string{"ws1"}, "deadbeef", "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Advance(s, PhaseCommit); err == nil {
		t.Fatal("expected error skipping phases")
	}
}

func TestResumeClassification(t *testing.T) {
	cases := []struct {
		phase Phase
		want  Resolution
	}{
		{PhaseCollect, ResolutionDiscard},
		{PhaseValidate, ResolutionRollback},
		{PhaseCommit, ResolutionRollback},
		{PhaseCleanup, ResolutionResume},
	}
	for _, c := range cases {
		got := Resume(&State{Phase: c.phase})
		if got != c.want {
			t.Errorf("phase %s: got %s, want %s", c.phase, got, c.want)
		}
	}
}

func TestOpenTwiceFailsToLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge-state.json")
	j1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j1.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected second Open to fail while first holds the lock")
	}
}
