package chat

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrAlreadyConnected = errors.New("already connected")

// Registry maps usernames to their single live session. It is the only
// shared mutable structure of the chat core.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Admit binds s to its username unless another session already holds it.
func (r *Registry) Admit(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Username]; ok {
		return ErrAlreadyConnected
	}
	r.sessions[s.Username] = s
	return nil
}

// Lookup only takes the read lock, so it never waits on a dispatch.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// LookupAll returns the live sessions among usernames, skipping offline
// users.
func (r *Registry) LookupAll(usernames []string) []*Session {
	out := make([]*Session, 0, len(usernames))
	for _, u := range usernames {
		if s, ok := r.Lookup(u); ok {
			out = append(out, s)
		}
	}
	return out
}

// Evict removes username only while it still points at s, so a late
// cleanup never drops a newer session. It reports whether s was removed.
func (r *Registry) Evict(username string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[username]; ok && cur == s {
		delete(r.sessions, username)
		return true
	}
	return false
}

// CloseAll closes every session with code and reason. Their connection
// cleanup evicts them afterwards.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Close(code, reason)
	}
	return len(all)
}
