package transfer

import (
	"fmt"
	"sync"
)

// Registry owns the sessions of one component, keyed by transfer id.
type Registry[S any] struct {
	mu       sync.RWMutex
	sessions map[string]S
}

// NewRegistry returns an empty registry.
func NewRegistry[S any]() *Registry[S] {
	return &Registry[S]{sessions: make(map[string]S)}
}

// Create stores session under id. It fails if id is already registered.
func (r *Registry[S]) Create(id string, session S) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrTransferExists, id)
	}
	r.sessions[id] = session
	return nil
}

// Get returns the session for id.
func (r *Registry[S]) Get(id string) (S, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Destroy removes and returns the session for id.
func (r *Registry[S]) Destroy(id string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return session, ok
}

// Range calls fn for a snapshot of the registered sessions until fn returns false.
func (r *Registry[S]) Range(fn func(id string, session S) bool) {
	r.mu.RLock()
	snapshot := make(map[string]S, len(r.sessions))
	for id, session := range r.sessions {
		snapshot[id] = session
	}
	r.mu.RUnlock()

	for id, session := range snapshot {
		if !fn(id, session) {
			return
		}
	}
}

// Len returns the number of registered sessions.
func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear removes every session and returns them.
func (r *Registry[S]) Clear() map[string]S {
	r.mu.Lock()
	defer r.mu.Unlock()
	cleared := r.sessions
	r.sessions = make(map[string]S)
	return cleared
}
