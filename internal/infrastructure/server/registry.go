package server

import (
	"sync"

	"github.com/tunl-sh/tunl/internal/domain"
)

// Registry tracks which session owns each public port. At most one live
// session maps to a given port.
type Registry struct {
	mu    sync.RWMutex
	ports map[int]*Session
}

// NewRegistry creates an empty port registry.
func NewRegistry() *Registry {
	return &Registry{
		ports: make(map[int]*Session),
	}
}

// Claim reserves a public port for the session. It fails if another
// session already holds the port; the error message names the port.
func (r *Registry) Claim(port int, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ports[port]; exists {
		return domain.NewPortInUseError(port)
	}
	r.ports[port] = s
	return nil
}

// Release frees the port, but only if it is still held by the given
// session.
func (r *Registry) Release(port int, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.ports[port]; ok && existing == s {
		delete(r.ports, port)
	}
}

// Lookup returns the session holding a public port, if any.
func (r *Registry) Lookup(port int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.ports[port]
	return s, ok
}

// Count returns the number of mapped ports.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}
