package core

import (
	"sort"
	"sync"
	"time"
)

// DefaultRetention is how long finished tasks stay in the registry.
const DefaultRetention = 24 * time.Hour

// Registry tracks the handles of active and recently finished tasks for one
// Launcher.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// add registers h unless a live handle with the same id exists.
// A finished handle with the same id is replaced.
func (r *Registry) add(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.handles[h.id]; ok && !old.IsDone() {
		return false
	}
	r.handles[h.id] = h
	return true
}

// remove drops h if it is still the registered handle for its id.
func (r *Registry) remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.id]; ok && cur == h {
		delete(r.handles, h.id)
	}
}

// Get returns the handle registered for id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Handles returns every registered handle.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// List returns snapshots ordered by creation time. activeOnly skips finished tasks.
func (r *Registry) List(activeOnly bool) []TaskInfo {
	handles := r.Handles()
	out := make([]TaskInfo, 0, len(handles))
	for _, h := range handles {
		if activeOnly && h.IsDone() {
			continue
		}
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Purge removes handles that finished more than maxAge before now and returns their ids.
func (r *Registry) Purge(maxAge time.Duration, now time.Time) []string {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	cutoff := now.Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []string
	for id, h := range r.handles {
		if h.finishedBefore(cutoff) {
			delete(r.handles, id)
			purged = append(purged, id)
		}
	}
	sort.Strings(purged)
	return purged
}
