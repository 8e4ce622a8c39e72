package serve

import (
	"sync"

	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/log"
)

// hub fans turn events out to websocket subscribers. Delivery is best
// effort: a subscriber that stops draining loses events and is expected to
// reconcile through the status and message endpoints, same as any client
// that missed part of a stream.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan event.Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan event.Event]struct{})}
}

// subscribe registers a listener for one session. The returned cancel
// function is idempotent and closes the channel.
func (h *hub) subscribe(sessionID string, buffer int) (<-chan event.Event, func()) {
	ch := make(chan event.Event, buffer)

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan event.Event]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish offers the event to every subscriber of the session.
func (h *hub) publish(sessionID string, ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- ev:
		default:
			log.Debug("dropping event for slow subscriber", "session_id", sessionID, "kind", ev.Kind)
		}
	}
}
