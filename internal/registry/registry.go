// Package registry tracks the transport sessions opened for diagnostic tests,
// keyed by role. At most one session is held per role: acquiring a role
// closes the session previously held under it.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/bgplab/livetest/internal/transport"
)

// ErrClosed is returned by Acquire after ReleaseAll.
var ErrClosed = errors.New("registry closed")

// Registry owns the role to session map. The zero value is not usable; use
// New.
type Registry struct {
	opts []transport.Option

	mu       sync.Mutex
	sessions map[transport.Role]*transport.Session
	closed   bool
}

// New returns an empty Registry. The options are applied to every session it
// opens.
func New(opts ...transport.Option) *Registry {
	return &Registry{
		opts:     opts,
		sessions: map[transport.Role]*transport.Session{},
	}
}

// Acquire closes and discards the session held under role, if any, then
// opens a new session to url and holds it under role.
func (r *Registry) Acquire(ctx context.Context, role transport.Role, url string,
	payload any, h transport.Handler) (*transport.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if prev, ok := r.sessions[role]; ok {
		log.Debug("superseding session", "role", role, "url", prev.URL())
		prev.Close()
		delete(r.sessions, role)
	}
	s := transport.Open(ctx, role, url, payload, h, r.opts...)
	r.sessions[role] = s
	return s, nil
}

// Get returns the session currently held under role.
func (r *Registry) Get(role transport.Role) (*transport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[role]
	return s, ok
}

// Release closes and forgets the session held under role.
func (r *Registry) Release(role transport.Role) {
	r.mu.Lock()
	s, ok := r.sessions[role]
	delete(r.sessions, role)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Forget removes s from the registry if it is still the session held under
// its role. It does not close s. Handlers call it from OnClose so that a
// session ending on its own does not linger, without disturbing a newer
// session acquired under the same role.
func (r *Registry) Forget(s *transport.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Role()]; ok && cur == s {
		delete(r.sessions, s.Role())
		return true
	}
	return false
}

// ReleaseAll closes every held session and rejects further Acquire calls.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[transport.Role]*transport.Session{}
	r.closed = true
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Len returns the number of sessions currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
