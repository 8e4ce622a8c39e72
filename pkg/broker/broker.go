// Package broker parks mid-turn interactive requests (tool permissions,
// multi-choice questions) until a human decision arrives, with timeout-based
// auto-denial so an abandoned request never blocks a turn forever.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/log"
)

// DefaultTimeout is how long a request may stay pending before auto-denial.
const DefaultTimeout = 5 * time.Minute

// Reason says how a pending request was resolved.
type Reason string

const (
	// ReasonAnswered means a human decision arrived via Resolve.
	ReasonAnswered Reason = "answered"
	// ReasonTimeout means the sweep force-denied an aged-out request.
	ReasonTimeout Reason = "timeout"
	// ReasonAborted means the turn's cancel signal fired first.
	ReasonAborted Reason = "aborted"
)

// Decision is delivered to the goroutine awaiting a pending request.
// Value is only meaningful when Reason is ReasonAnswered; every other
// reason is a denial.
type Decision[T any] struct {
	Reason Reason
	Value  T
}

type entry[T any] struct {
	req    event.Request
	ch     chan Decision[T]
	cancel context.CancelFunc
}

// Broker is a keyed registry of pending decisions. One instance serves one
// request kind; the zero value is not usable, construct with New.
type Broker[T any] struct {
	mu        sync.Mutex
	byID      map[string]*entry[T]
	bySession map[string]string
	timeout   time.Duration
	now       func() time.Time
}

// New creates a broker whose pending requests auto-deny after timeout.
func New[T any](timeout time.Duration) *Broker[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker[T]{
		byID:      make(map[string]*entry[T]),
		bySession: make(map[string]string),
		timeout:   timeout,
		now:       time.Now,
	}
}

// Open registers the request and returns a channel that yields exactly one
// Decision. If turnCtx is cancelled before a decision arrives, the request
// auto-resolves as aborted. The session index always points at the newest
// request for a session, but older requests stay resolvable by their id.
func (b *Broker[T]) Open(turnCtx context.Context, req event.Request) <-chan Decision[T] {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = b.now().UTC()
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	e := &entry[T]{
		req:    req,
		ch:     make(chan Decision[T], 1),
		cancel: cancel,
	}

	b.mu.Lock()
	b.byID[req.ID] = e
	b.bySession[req.SessionID] = req.ID
	b.mu.Unlock()

	if turnCtx != nil {
		go func() {
			select {
			case <-turnCtx.Done():
				if b.finish(req.ID, Decision[T]{Reason: ReasonAborted}) {
					log.Debug("pending request aborted with turn", "request_id", req.ID)
				}
			case <-watchCtx.Done():
			}
		}()
	}

	return e.ch
}

// Resolve completes the pending request with an answered decision. It
// returns false when the id is unknown, expired, or already resolved; a
// second call for the same id never alters the first outcome.
func (b *Broker[T]) Resolve(id string, value T) bool {
	return b.finish(id, Decision[T]{Reason: ReasonAnswered, Value: value})
}

// finish removes the entry and delivers the decision exactly once.
func (b *Broker[T]) finish(id string, d Decision[T]) bool {
	b.mu.Lock()
	e, ok := b.byID[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.byID, id)
	if b.bySession[e.req.SessionID] == id {
		delete(b.bySession, e.req.SessionID)
	}
	b.mu.Unlock()

	e.cancel()
	// Buffered channel, single producer by construction: never blocks.
	e.ch <- d
	return true
}

// Peek returns the newest pending request for a session without consuming
// it, so a reconnecting client can redraw the prompt.
func (b *Broker[T]) Peek(sessionID string) (event.Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.bySession[sessionID]
	if !ok {
		return event.Request{}, false
	}
	e, ok := b.byID[id]
	if !ok {
		return event.Request{}, false
	}
	return e.req, true
}

// Sweep force-denies every request older than the broker timeout and
// returns how many were expired.
func (b *Broker[T]) Sweep() int {
	cutoff := b.now().Add(-b.timeout)

	b.mu.Lock()
	var expired []string
	for id, e := range b.byID {
		if e.req.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range expired {
		if b.finish(id, Decision[T]{Reason: ReasonTimeout}) {
			log.Warn("pending request timed out", "request_id", id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is cancelled.
func (b *Broker[T]) Run(ctx context.Context) {
	interval := b.timeout / 10
	if interval > 15*time.Second {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Len reports the number of pending requests.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}
