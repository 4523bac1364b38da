// Package store provides CommandStore backends.
//
// Every backend follows the same subscription recipe: register the watcher
// first, read the snapshot second, then forward change events. A watcher
// drops any revision it has already delivered, so a change racing the
// snapshot read is neither lost nor seen twice.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// watcher serialises deliveries to one callback and filters stale revisions.
type watcher struct {
	mu     sync.Mutex
	last   int64
	cb     ports.RecordCallback
	closed atomic.Bool
}

func newWatcher(cb ports.RecordCallback) *watcher {
	return &watcher{cb: cb}
}

func (w *watcher) deliver(rec domain.CommandRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deliverLocked(rec)
}

func (w *watcher) deliverLocked(rec domain.CommandRecord) {
	if w.closed.Load() || rec.Revision <= w.last {
		return
	}
	w.last = rec.Revision
	w.cb(rec.Clone())
}

func (w *watcher) close() {
	w.closed.Store(true)
}

// hub is the in-process change feed used by the memory and sqlite backends.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[*watcher]struct{})}
}

// subscribe registers cb for id and then delivers the snapshot returned by
// load, if any. The returned func removes the watcher and is idempotent.
func (h *hub) subscribe(id string, cb ports.RecordCallback, load func() (domain.CommandRecord, bool, error)) (func(), error) {
	w := newWatcher(cb)

	// Hold the watcher while registering so a concurrent publish waits for
	// the snapshot to go out first.
	w.mu.Lock()
	h.mu.Lock()
	set, ok := h.watchers[id]
	if !ok {
		set = make(map[*watcher]struct{})
		h.watchers[id] = set
	}
	set[w] = struct{}{}
	h.mu.Unlock()

	snapshot, found, err := load()
	if err == nil && found {
		w.deliverLocked(snapshot)
	}
	w.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			w.close()
			h.remove(id, w)
		})
	}
	if err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

func (h *hub) remove(id string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[id]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.watchers, id)
		}
	}
}

// publish fans rec out to every watcher of its id. Callers serialise
// publishes per id so watchers see revisions in commit order.
func (h *hub) publish(rec domain.CommandRecord) {
	h.mu.Lock()
	set := h.watchers[rec.ID]
	targets := make([]*watcher, 0, len(set))
	for w := range set {
		targets = append(targets, w)
	}
	h.mu.Unlock()

	for _, w := range targets {
		w.deliver(rec)
	}
}

// closeAll drops every watcher.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.watchers {
		for w := range set {
			w.close()
		}
		delete(h.watchers, id)
	}
}

func (h *hub) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[id])
}
