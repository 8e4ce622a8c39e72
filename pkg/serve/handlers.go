package serve

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/log"
	"github.com/hatch-run/hatch/pkg/pathutil"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/turn"
)

const defaultMessagePageSize = 50

type createSessionRequest struct {
	WorkDir         string     `json:"work_dir"`
	Model           string     `json:"model,omitempty"`
	Mode            store.Mode `json:"mode,omitempty"`
	SkipPermissions bool       `json:"skip_permissions,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := pathutil.ValidateWorkDir(req.WorkDir); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if s.stateDir != "" && pathutil.PathOverlaps(req.WorkDir, s.stateDir) {
		writeError(w, http.StatusBadRequest, "work_dir %q overlaps the server state directory", req.WorkDir)
		return
	}
	switch req.Mode {
	case "":
		req.Mode = store.ModeCode
	case store.ModeCode, store.ModePlan:
	default:
		writeError(w, http.StatusBadRequest, "unknown mode %q", req.Mode)
		return
	}

	now := s.now().UTC()
	sess := &store.Session{
		ID:              newID(),
		WorkDir:         req.WorkDir,
		Model:           req.Model,
		Mode:            req.Mode,
		SkipPermissions: req.SkipPermissions,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.st.CreateSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, "create session: %v", err)
		return
	}
	log.Info("session created", "session_id", sess.ID, "work_dir", sess.WorkDir, "mode", sess.Mode)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.st.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.st.GetSession(r.PathValue("id"))
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get session: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type startTurnRequest struct {
	Content string `json:"content"`
	// Model and Mode override the session settings for this turn only.
	Model       string            `json:"model,omitempty"`
	Mode        store.Mode        `json:"mode,omitempty"`
	Attachments []turn.Attachment `json:"attachments,omitempty"`
	// ToolTimeoutSeconds overrides the configured per-tool timeout.
	ToolTimeoutSeconds int `json:"tool_timeout_seconds,omitempty"`
}

// handleStartTurn begins a turn and streams its events as NDJSON until the
// turn ends. The turn itself survives the connection: if the client drops,
// the handler keeps draining so websocket subscribers and the durable
// record still see the whole turn.
func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req startTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	switch req.Mode {
	case "", store.ModeCode, store.ModePlan:
	default:
		writeError(w, http.StatusBadRequest, "unknown mode %q", req.Mode)
		return
	}
	if req.ToolTimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "tool_timeout_seconds must not be negative")
		return
	}

	ch, err := s.orch.StartTurnWith(sessionID, turn.TurnInput{
		Content:     req.Content,
		Model:       req.Model,
		Mode:        req.Mode,
		Attachments: req.Attachments,
		ToolTimeout: time.Duration(req.ToolTimeoutSeconds) * time.Second,
	})
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if errors.Is(err, turn.ErrTurnActive) {
		writeError(w, http.StatusConflict, "a turn is already active for this session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start turn: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sw := event.NewStreamWriter(w)
	var streamErr error
	for ev := range ch {
		s.hub.publish(sessionID, ev)
		if streamErr != nil {
			continue
		}
		if err := sw.Write(ev); err != nil {
			streamErr = err
			log.Debug("turn stream client gone, draining remainder", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.st.GetSession(sessionID); errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": s.orch.Stop(sessionID)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.st.GetSession(sessionID); errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status(sessionID))
}

type messagesResponse struct {
	Messages []*store.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	limit := defaultMessagePageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		limit = n
	}
	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid before cursor %q", raw)
			return
		}
		before = n
	}

	msgs, hasMore, err := s.st.ListMessages(sessionID, limit, before)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list messages: %v", err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, HasMore: hasMore})
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestID")

	var d broker.PermissionDecision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !s.orch.ResolvePermission(requestID, d) {
		writeError(w, http.StatusNotFound, "no pending permission request %q", requestID)
		return
	}
	log.Info("permission request resolved", "request_id", requestID, "allow", d.Allow)
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleResolveInput(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestID")

	var d broker.InputDecision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !s.orch.ResolveInput(requestID, d) {
		writeError(w, http.StatusNotFound, "no pending input request %q", requestID)
		return
	}
	log.Info("input request resolved", "request_id", requestID)
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
