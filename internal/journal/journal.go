// Package journal persists MergeState: the durable record of a merge's
// progress through its phases, written with an atomic write-to-tmp plus
// fsync plus rename discipline, and guarded by a gofrs/flock advisory lock
// so only one writer touches a given merge's journal file at a time.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Phase is the closed set of merge-state phases.
type Phase string

const (
	PhasePrepare     Phase = "prepare"
	PhaseCollect     Phase = "collect"
	PhaseResolve     Phase = "resolve"
	PhaseValidate    Phase = "validate"
	PhaseCommit      Phase = "commit"
	PhaseCleanup     Phase = "cleanup"
	PhaseComplete    Phase = "complete"
	PhaseQuarantined Phase = "quarantined" // terminal, not part of the main sequence
)

// sequence is the order phases advance in; used to validate transitions
// and to drive crash-recovery resume logic.
var sequence = []Phase{
	PhasePrepare, PhaseCollect, PhaseResolve, PhaseValidate, PhaseCommit, PhaseCleanup, PhaseComplete,
}

// CanAdvance reports whether to is a legal next phase from from. Any phase
// may transition to PhaseQuarantined; otherwise only the next phase in
// sequence is legal, and PhaseComplete/PhaseQuarantined accept nothing
// further.
func CanAdvance(from, to Phase) bool {
	if to == PhaseQuarantined {
		return from != PhaseComplete && from != PhaseQuarantined
	}
	for i, p := range sequence {
		if p == from {
			return i+1 < len(sequence) && sequence[i+1] == to
		}
	}
	return false
}

// State is the on-disk MergeState JSON shape.
type State struct {
	MergeID        string   `json:"merge_id"`
	Phase          Phase    `json:"phase"`
	Sources        []string `json:"sources"`
	BaseEpoch      string   `json:"base_epoch"`
	CandidateEpoch *string  `json:"candidate_epoch"`
	Branch         string   `json:"branch"`
	StartedAt      string   `json:"started_at"`
}

// Journal manages one MergeState's lifecycle on disk.
type Journal struct {
	path string
	lock *flock.Flock
}

// Open prepares a Journal backed by path (conventionally
// .manifold/merge-state.json), acquiring its advisory lock. The caller
// must call Close when done.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("journal: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("journal: %s is locked by another merge", path)
	}
	return &Journal{path: path, lock: lock}, nil
}

// Close releases the journal's advisory lock.
func (j *Journal) Close() error {
	return j.lock.Unlock()
}

// Start writes a fresh State at PhasePrepare.
func (j *Journal) Start(mergeID string, sources []string, baseEpoch, branch string) (*State, error) {
	s := &State{
		MergeID:   mergeID,
		Phase:     PhasePrepare,
		Sources:   sources,
		BaseEpoch: baseEpoch,
		Branch:    branch,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := j.Write(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Advance validates and records a phase transition.
func (j *Journal) Advance(s *State, to Phase) error {
	if !CanAdvance(s.Phase, to) {
		return fmt.Errorf("journal: illegal transition %s -> %s", s.Phase, to)
	}
	s.Phase = to
	return j.Write(s)
}

// SetCandidateEpoch records the candidate epoch; epochcommit calls it after
// advancing to the Commit phase, just before the epoch ref CAS.
func (j *Journal) SetCandidateEpoch(s *State, epoch string) error {
	s.CandidateEpoch = &epoch
	return j.Write(s)
}

// Write persists s via write-to-tmp + fsync + rename.
func (j *Journal) Write(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".merge-state-*.tmp")
	if err != nil {
		return fmt.Errorf("journal: create tmp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: fsync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("journal: rename: %w", err)
	}
	return nil
}

// Read loads the current State from disk.
func Read(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("journal: parse %s: %w", path, err)
	}
	return &s, nil
}

// Resolution is the recovery action Resume recommends for an in-flight
// merge found at process start.
type Resolution string

const (
	ResolutionResume   Resolution = "resume"   // safe to re-enter and continue from this phase
	ResolutionRollback Resolution = "rollback" // must undo partial effects before retrying
	ResolutionDiscard  Resolution = "discard"  // candidate state is unusable, start over
)

// Resume classifies what to do with a journal found mid-flight:
// Collect/Resolve are safely re-run from scratch (no externally visible
// effects yet); Validate may have left external side effects from a user
// command and is rolled back; Commit is the only phase with a
// partial-success hazard in the ref CAS and must roll back before retry;
// Cleanup has already committed and only needs to finish destroying
// sources, so it resumes.
func Resume(s *State) Resolution {
	switch s.Phase {
	case PhasePrepare, PhaseCollect, PhaseResolve:
		return ResolutionDiscard
	case PhaseValidate, PhaseCommit:
		return ResolutionRollback
	case PhaseCleanup:
		return ResolutionResume
	case PhaseComplete, PhaseQuarantined:
		return ResolutionResume
	default:
		return ResolutionDiscard
	}
}
