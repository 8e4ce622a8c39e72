// Package serve exposes sessions and turns over HTTP: NDJSON turn streams,
// a websocket live feed, decision resolution, and the status and message
// endpoints a recovering client reconciles against.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hatch-run/hatch/pkg/log"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/turn"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	Store        store.Store
	Orchestrator *turn.Orchestrator
	// SubscriberBuffer sizes each websocket subscriber's event queue.
	SubscriberBuffer int
	// StateDir, when set, is refused as a session workspace so the agent
	// cannot edit the session store it is being recorded into.
	StateDir string
}

// Server is the HTTP front end.
type Server struct {
	server   *http.Server
	st       store.Store
	orch     *turn.Orchestrator
	hub      *hub
	subBuf   int
	stateDir string
	now      func() time.Time
}

// New wires the routes and returns a server ready to Start.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	s := &Server{
		st:       cfg.Store,
		orch:     cfg.Orchestrator,
		hub:      newHub(),
		subBuf:   cfg.SubscriberBuffer,
		stateDir: cfg.StateDir,
		now:      time.Now,
	}
	if s.subBuf <= 0 {
		s.subBuf = 256
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleStartTurn)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/sessions/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/permissions/{requestID}", s.handleResolvePermission)
	mux.HandleFunc("POST /api/inputs/{requestID}", s.handleResolveInput)

	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s, nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully. Running
// turns are not cancelled by shutdown; they finish against the store.
func (s *Server) Start(ctx context.Context) error {
	log.Info("server listening", "addr", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339Nano),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
