package serve

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hatch-run/hatch/pkg/log"
	"github.com/hatch-run/hatch/pkg/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to loopback; same-origin enforcement adds nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and forwards the session's live
// events. Subscribers attach mid-turn and simply see events from now on;
// catching up on the past is the message endpoint's job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.st.GetSession(sessionID); errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.hub.subscribe(sessionID, s.subBuf)
	defer cancel()
	log.Debug("websocket subscriber attached", "session_id", sessionID)

	// Reads only surface client close; drop the connection when they fail.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("websocket subscriber gone", "session_id", sessionID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
