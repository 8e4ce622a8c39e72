// Package turn runs agent turns: it serializes turns per session, streams
// normalized events to the live client, and persists the durable record
// independently of any client socket.
package turn

import (
	"context"
	"errors"
	"sync"
)

// ErrTurnActive is returned when a session already has a running turn.
var ErrTurnActive = errors.New("a turn is already active for this session")

// Registry tracks the one active turn per session and its cancel handle.
// It is the single authority for "is this session processing" and the only
// path to stop a running turn.
type Registry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]context.CancelFunc)}
}

// Register claims the session for a new turn. It fails with ErrTurnActive
// when a turn is already running; there is never more than one.
func (r *Registry) Register(sessionID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[sessionID]; ok {
		return ErrTurnActive
	}
	r.active[sessionID] = cancel
	return nil
}

// Cancel fires the session's cancel handle and reports whether a turn was
// running. The entry stays registered until the turn itself unwinds and
// calls Unregister, so IsActive stays true while teardown runs.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Unregister releases the session. Safe to call when nothing is registered.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
}

// IsActive reports whether the session has a running turn.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}
