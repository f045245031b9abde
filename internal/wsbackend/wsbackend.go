// Package wsbackend defines the workspace backend contract: the interface
// the merge engine consumes to create, destroy, list, and snapshot
// isolated working copies of an epoch. It follows a strategy-pattern
// shape, a small interface plus a Register-based constructor registry,
// so the engine can pick among git-worktree, reflink, overlay, and copy
// at runtime without knowing their concrete types.
package wsbackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/manifold-vcs/maw/internal/oid"
)

// State is the closed set of workspace states.
type State int

const (
	StateActive State = iota
	StateStale
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Info describes one existing workspace.
type Info struct {
	ID    string
	Path  string
	Epoch oid.EpochId
	State State
	// Behind is the ancestry distance from Epoch to the current epoch ref.
	// The backends in this package do not compute it and leave it 0, even
	// when State == StateStale.
	Behind int
	// Agent optionally names the agent identity operating this workspace.
	// The backends in this package leave it empty, and it is not written
	// into recovery-ref commits.
	Agent string
}

// Status is the result of Backend.Status.
type Status struct {
	BaseEpoch  oid.EpochId
	DirtyFiles []string
	IsStale    bool
}

// Snapshot is the result of Backend.Snapshot: paths relative to the
// workspace root, sorted and deduplicated per path kind.
type Snapshot struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Backend is the contract a workspace materialization strategy must
// satisfy. Concrete backends (git-worktree, overlayfs, reflink CoW, copy)
// differ only in how they materialize and snapshot content; this
// interface is all the merge engine depends on.
//
// Backends must not assume they are cheaply clonable: an implementation
// is constructed once per repository and reused.
type Backend interface {
	// Name identifies the backend kind, e.g. "git-worktree".
	Name() string

	// Create materializes an isolated writable view of epoch at
	// workspace id. Idempotent: git-worktree leaves an existing healthy
	// worktree alone and recreates an unhealthy one; copy, overlay and
	// reflink always destroy an existing workspace and recreate it at epoch.
	Create(ctx context.Context, id string, epoch oid.EpochId) (Info, error)

	// Destroy removes the workspace. Idempotent. Any compatibility ref at
	// refs/manifold/ws/<id> is deleted as part of destruction.
	Destroy(ctx context.Context, id string) error

	// List returns every non-broken workspace this backend knows about.
	List(ctx context.Context) ([]Info, error)

	// Status reports the workspace's base epoch, dirty files, and
	// staleness relative to the current epoch ref.
	Status(ctx context.Context, id string) (Status, error)

	// Snapshot enumerates added/modified/deleted paths relative to the
	// workspace's base epoch.
	Snapshot(ctx context.Context, id string) (Snapshot, error)

	// WorkspacePath returns the absolute, stable path for id. Pure.
	WorkspacePath(id string) string

	// Exists reports whether id exists, consulting the backend's own
	// administrative view rather than mere directory presence.
	Exists(ctx context.Context, id string) (bool, error)

	// CapturePoint builds and returns a commit representing the
	// workspace's current on-disk content — including any uncommitted
	// edits — parented on the workspace's base epoch. Callers mint
	// recovery refs from this commit rather than from the workspace's
	// unmoving base ref, so a recovery ref actually preserves what the
	// workspace held at the moment of capture.
	CapturePoint(ctx context.Context, id string) (oid.OID, error)
}

// Constructor builds a Backend rooted at repoRoot.
type Constructor func(repoRoot string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register registers a backend constructor under name. Panics on a
// duplicate registration: this is meant to be called from package init(),
// not at request time.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if ctor == nil {
		panic(fmt.Sprintf("wsbackend: Register constructor is nil for %q", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("wsbackend: Register called twice for %q", name))
	}
	registry[name] = ctor
}

// New constructs the named backend rooted at repoRoot. name "auto"
// resolves to "git-worktree": full platform-capability probing among
// overlay/reflink is left to an external caller; this engine-internal
// default keeps `auto` usable without that probe.
func New(name, repoRoot string) (Backend, error) {
	registryMu.RLock()
	ctor, ok := registry[resolveAuto(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wsbackend: no backend registered for %q (known: %v)", name, Known())
	}
	return ctor(repoRoot)
}

func resolveAuto(name string) string {
	if name == "" || name == "auto" {
		return "git-worktree"
	}
	return name
}

// Known returns the names of every registered backend.
func Known() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
