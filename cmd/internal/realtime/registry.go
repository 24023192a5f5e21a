package realtime

import (
	"sort"
	"sync"
)

// Registry is the set of registered sessions eligible for broadcast.
//
// Concurrency guarantees:
// - Insert/Remove are safe under concurrent Snapshot.
// - Snapshot returns a point-in-time copy; callers iterate it without holding the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert adds s. It reports false (and keeps the existing entry) if the id is already present.
func (r *Registry) Insert(s *Session) bool {
	if r == nil || s == nil || s.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return false
	}
	r.sessions[s.ID] = s
	return true
}

// Remove deletes the session with id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) (*Session, bool) {
	if r == nil || id == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the live sessions at this instant, ordered by id (ULIDs sort by creation).
func (r *Registry) Snapshot() []*Session {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Usernames returns the display names of all registered sessions, duplicates included.
func (r *Registry) Usernames() []string {
	snap := r.Snapshot()
	out := make([]string, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.Username())
	}
	return out
}
