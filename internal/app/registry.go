package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/domain"
)

var (
	ErrDuplicateResource = errors.New("call resource already registered")
	ErrSessionNotFound   = errors.New("no session for call resource")
)

// Registry is the single shared table of active gateway sessions, keyed by
// call resource. It owns the "which sessions exist" set; each session owns
// its internal state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.CallResource]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.CallResource]*Session)}
}

// Allocate inserts a new session under resource. A taken key is rejected,
// never overwritten.
func (r *Registry) Allocate(resource domain.CallResource, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[resource]; ok {
		return ErrDuplicateResource
	}
	r.sessions[resource] = s
	log.Info().Str("module", "app.registry").Str("resource", string(resource)).Msg("session registered")
	return nil
}

func (r *Registry) Lookup(resource domain.CallResource) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[resource]
	return s, ok
}

func (r *Registry) Has(resource domain.CallResource) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[resource]
	return ok
}

// Remove is idempotent: timeout-triggered teardown can race an explicit
// hang-up, so an already removed key is a no-op.
func (r *Registry) Remove(resource domain.CallResource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[resource]; !ok {
		return
	}
	delete(r.sessions, resource)
	log.Info().Str("module", "app.registry").Str("resource", string(resource)).Msg("session removed")
}

// List returns a point-in-time snapshot, ordered arbitrarily.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
