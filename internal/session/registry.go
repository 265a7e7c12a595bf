package session

import (
	"sort"
	"sync"
)

// Registry is the worker-local table of live handles keyed by device id.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Session
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Session)}
}

func (r *Registry) Get(deviceID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[deviceID]
	return s, ok
}

// Put stores s unless a handle is already present; it reports whether s was stored.
func (r *Registry) Put(deviceID string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[deviceID]; ok {
		return false
	}
	r.m[deviceID] = s
	return true
}

// Take removes and returns the handle for deviceID.
func (r *Registry) Take(deviceID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[deviceID]
	if ok {
		delete(r.m, deviceID)
	}
	return s, ok
}

// Remove deletes the entry only if it still holds s.
func (r *Registry) Remove(deviceID string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[deviceID]; ok && cur == s {
		delete(r.m, deviceID)
		return true
	}
	return false
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
