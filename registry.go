package mcp

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry maps session ids to their Transports. A session is present exactly while it is active
// or closing: the Registry observes every Transport it serves and registers it on activation,
// removing it when it reaches StateClosed.
//
// The lock is held only for the map operation itself, never while a handler runs.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Transport
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Transport),
	}
}

// Lookup returns the Transport registered under id.
func (r *Registry) Lookup(id string) (*Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.sessions[id]
	return t, ok
}

// Register adds t to the Registry. It fails with ErrDuplicateSession if the id is taken.
func (r *Registry) Register(t *Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[t.ID()]; ok {
		return fmt.Errorf("failed to register session %s: %w", t.ID(), ErrDuplicateSession)
	}
	r.sessions[t.ID()] = t

	return nil
}

// Remove deletes the session id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Snapshot returns the registered Transports at the time of the call.
func (r *Registry) Snapshot() []*Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := make([]*Transport, 0, len(r.sessions))
	for _, t := range r.sessions {
		ts = append(ts, t)
	}
	return ts
}

// Observe implements TransitionObserver.
func (r *Registry) Observe(tr Transition) error {
	switch tr.To {
	case StateActive:
		return r.Register(tr.Transport)
	case StateClosed:
		r.mu.Lock()
		// Only drop the entry that belongs to this Transport, a rejected duplicate must not
		// evict the session it collided with.
		if cur, ok := r.sessions[tr.Transport.ID()]; ok && cur == tr.Transport {
			delete(r.sessions, tr.Transport.ID())
		}
		r.mu.Unlock()
	default:
	}
	return nil
}

type transitionLogger struct {
	logger *slog.Logger
}

func (l transitionLogger) Observe(tr Transition) error {
	l.logger.Info("session transition",
		slog.String("sessionID", tr.Transport.ID()),
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()),
		slog.String("reason", tr.Reason))
	return nil
}
