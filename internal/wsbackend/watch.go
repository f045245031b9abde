package wsbackend

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/manifold-vcs/maw/internal/logx"
)

// watchSet tracks one best-effort fsnotify.Watcher per workspace, live
// between a Snapshot call and the Destroy that follows it. Nothing in the
// merge pipeline depends on these events; they exist so an operator can see,
// in the log, that an agent (or anything else) wrote to a workspace after
// its contents were already folded into a patch set and before the
// workspace was torn down.
type watchSet struct {
	mu       sync.Mutex
	watchers map[string]*fsnotify.Watcher
	log      *logx.Logger
}

func newWatchSet(log *logx.Logger) *watchSet {
	return &watchSet{watchers: make(map[string]*fsnotify.Watcher), log: log}
}

// start arms a watcher on path if one isn't already running for id. Failures
// are logged and otherwise swallowed: losing this signal never blocks a
// merge.
func (w *watchSet) start(id, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[id]; ok {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnf("watch %s: new watcher: %v", id, err)
		return
	}
	if err := watcher.Add(path); err != nil {
		w.log.Warnf("watch %s: add %s: %v", id, path, err)
		watcher.Close()
		return
	}
	w.watchers[id] = watcher
}

// stop drains whatever events accumulated since start, logs a warning if the
// workspace changed after it was snapshotted, then closes the watcher. Safe
// to call on an id with no running watcher.
func (w *watchSet) stop(id string) {
	w.mu.Lock()
	watcher, ok := w.watchers[id]
	if ok {
		delete(w.watchers, id)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	defer watcher.Close()

	var touched []string
drain:
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				break drain
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				touched = append(touched, event.Name)
			}
		default:
			break drain
		}
	}
	if len(touched) > 0 {
		w.log.Warnf("workspace %s changed after snapshot, before teardown: %v", id, touched)
	}
}
