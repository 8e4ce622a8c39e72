package turn

import (
	"sync/atomic"

	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/log"
)

// Tee splits one turn's event stream into a persistence branch and a live
// client branch. The persistence branch sees every event synchronously; the
// client branch is buffered and gets detached if it falls too far behind,
// so a slow or vanished client can never stall the turn.
type Tee struct {
	client chan event.Event
	lagged atomic.Bool
}

// NewTee builds a tee whose client branch buffers up to size events.
func NewTee(size int) *Tee {
	if size <= 0 {
		size = 1
	}
	return &Tee{client: make(chan event.Event, size)}
}

// Client returns the live branch. It closes when the turn ends, or earlier
// if the client lagged; a detached client recovers by polling the store.
func (t *Tee) Client() <-chan event.Event {
	return t.client
}

// Lagged reports whether the client branch was detached mid-turn.
func (t *Tee) Lagged() bool {
	return t.lagged.Load()
}

// Run pumps events from in until it closes, calling collect for each event
// before offering it to the client branch. A collect failure is remembered
// and returned but does not interrupt the live stream.
func (t *Tee) Run(in <-chan event.Event, collect func(event.Event) error) error {
	var firstErr error
	for ev := range in {
		if err := collect(ev); err != nil && firstErr == nil {
			firstErr = err
			log.Error("event collection failed, continuing live stream", "error", err)
		}
		if t.lagged.Load() {
			continue
		}
		select {
		case t.client <- ev:
		default:
			t.lagged.Store(true)
			close(t.client)
			log.Warn("live client fell behind, detaching stream", "buffered", cap(t.client))
		}
	}
	if !t.lagged.Load() {
		close(t.client)
	}
	return firstErr
}
