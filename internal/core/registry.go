package core

import "sync"

// Registry is the in-memory index of online sessions. It keeps two always
// consistent views, one keyed by folded display name and one by session
// handle id, plus the insertion order for administrative listings.
//
// Add is the single gate for the one-session-per-name invariant: admission,
// eviction and explicit kicks can race on the same name, so every mutation
// holds the registry lock.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Session
	byID   map[string]*Session
	order  []*Session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Session),
		byID:   make(map[string]*Session),
	}
}

// Add registers a session unless its name is already online. Returns false,
// without touching the registry, when the name is taken.
func (r *Registry) Add(s *Session) bool {
	key := Fold(s.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, online := r.byName[key]; online {
		return false
	}
	r.byName[key] = s
	r.byID[s.ID] = s
	r.order = append(r.order, s)
	return true
}

// Get looks a session up by display name, case-insensitively.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[Fold(name)]
	return s, ok
}

// GetByID looks a session up by its handle id.
func (r *Registry) GetByID(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// IsOnline reports whether a session exists for the name.
func (r *Registry) IsOnline(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Remove drops both views of the session and cancels its timers. Returns
// false when the session was not (or no longer) registered, making teardown
// idempotent against double-close.
func (r *Registry) Remove(s *Session) bool {
	key := Fold(s.Name)

	r.mu.Lock()
	current, ok := r.byName[key]
	if !ok || current != s {
		r.mu.Unlock()
		return false
	}
	delete(r.byName, key)
	delete(r.byID, s.ID)
	for i, e := range r.order {
		if e == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	s.stopTimers()
	return true
}

// Sessions returns a snapshot of online sessions in insertion order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of online sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
