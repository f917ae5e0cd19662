package orchestrator

import (
	"sort"
	"sync"
)

// Tracker is the in-process registry of cache paths with a live transfer
// or branch switch. It is shared with the eviction manager so that busy
// entries are never chosen as victims.
type Tracker struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{paths: make(map[string]struct{})}
}

// Begin marks path busy. It returns false if path was already busy.
func (t *Tracker) Begin(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.paths[path]; ok {
		return false
	}
	t.paths[path] = struct{}{}
	return true
}

// Done clears path.
func (t *Tracker) Done(path string) {
	t.mu.Lock()
	delete(t.paths, path)
	t.mu.Unlock()
}

// InFlight reports whether path is busy.
func (t *Tracker) InFlight(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.paths[path]
	return ok
}

// Paths returns the busy paths, sorted.
func (t *Tracker) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
