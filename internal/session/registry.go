package session

import (
	"sort"
	"sync"
)

// Registry is the concurrency-safe set of live sessions, keyed by id.
// A handle leaves the registry exactly once, which is what makes ending a
// session idempotent.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Supervisor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Supervisor)}
}

// Insert adds a handle. It returns false if the id is already present.
func (r *Registry) Insert(sup *Supervisor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := sup.Session().ID()
	if _, exists := r.handles[id]; exists {
		return false
	}
	r.handles[id] = sup
	return true
}

// Get returns the handle for id.
func (r *Registry) Get(id string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sup, ok := r.handles[id]
	return sup, ok
}

// Remove deletes and returns the handle for id. Only one caller observes ok
// for a given handle.
func (r *Registry) Remove(id string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	return sup, ok
}

// List returns the live handles ordered by session id.
func (r *Registry) List() []*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Supervisor, 0, len(r.handles))
	for _, sup := range r.handles {
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Session().ID() < out[j].Session().ID()
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
