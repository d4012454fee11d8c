package host

import "sync"

// sessionKey is the natural key for session reuse: at most one live session
// exists per (workspacePath, slot) pair.
type sessionKey struct {
	workspacePath string
	slot          string
}

// registry holds the live session table: a primary map keyed by session id
// plus a secondary composite-key index. All removals go through remove so
// the two maps never drift.
type registry struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	byKey map[sessionKey]string
}

func newRegistry() *registry {
	return &registry{
		byID:  make(map[string]*Session),
		byKey: make(map[sessionKey]string),
	}
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[s.ID] = s
	r.byKey[sessionKey{s.WorkspacePath, s.Slot}] = s.ID
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	return s, ok
}

func (r *registry) getByKey(workspacePath, slot string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[sessionKey{workspacePath, slot}]
	if !ok {
		return nil, false
	}
	s, ok := r.byID[id]
	return s, ok
}

// remove deletes the session from both indices and returns it. The secondary
// index entry is dropped only when it still points at this id, so a newer
// session on the same key is never clobbered.
func (r *registry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	key := sessionKey{s.WorkspacePath, s.Slot}
	if current, ok := r.byKey[key]; ok && current == id {
		delete(r.byKey, key)
	}
	return s, true
}

func (r *registry) list() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
