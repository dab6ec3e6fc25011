package broker

import "sync"

// Registry is the in-memory sessionId -> Session map, secondary-indexed by
// credential digest. All membership operations are serialized under one
// mutex; callers mutate individual Session fields through the session's own
// guard (see session.go), never by holding the registry lock across session
// I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byDigest map[string]map[string]struct{} // digest -> set of sessionId
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byDigest: make(map[string]map[string]struct{}),
	}
}

// Create inserts a new session. The session must not already be present.
func (r *Registry) Create(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	set, ok := r.byDigest[s.CredentialDigest]
	if !ok {
		set = make(map[string]struct{})
		r.byDigest[s.CredentialDigest] = set
	}
	set[s.ID] = struct{}{}
}

// Get returns the session for an id, or (nil, false).
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove deletes a session from both indexes. Safe to call on an id that is
// not present.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if set, ok := r.byDigest[s.CredentialDigest]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byDigest, s.CredentialDigest)
		}
	}
}

// CountByDigest returns the number of sessions (in any non-Terminated state)
// registered under a credential digest. Per spec.md §9's fixed open
// question, Orphaned sessions DO count against per-credential caps.
func (r *Registry) CountByDigest(digest string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDigest[digest])
}

// Count returns the total number of sessions registered (any non-Terminated
// state).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IterAll calls fn for every registered session. fn must not call back into
// the registry (it is invoked while holding the read lock).
func (r *Registry) IterAll(fn func(*Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// Snapshot returns a stable slice of all currently registered sessions,
// safe to range over after the registry lock is released (used by the
// Shutdown Coordinator, which must not hold the registry lock while it
// performs blocking I/O against each session's container).
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
