// Package client is the Go client for the hatch server: typed wrappers for
// the session API, a turn stream reader, and the recovery controller that
// reconstructs state after losing the live feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/turn"
)

const unaryTimeout = 30 * time.Second

// Client talks to one hatch server.
type Client struct {
	baseURL string
	// unary has a deadline; stream must not, turns run for minutes.
	unary  *http.Client
	stream *http.Client
}

// New builds a client for the server at baseURL, e.g. "http://127.0.0.1:8420".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		unary:   &http.Client{Timeout: unaryTimeout},
		stream:  &http.Client{},
	}
}

// CreateSessionRequest mirrors the create-session endpoint body.
type CreateSessionRequest struct {
	WorkDir         string     `json:"work_dir"`
	Model           string     `json:"model,omitempty"`
	Mode            store.Mode `json:"mode,omitempty"`
	SkipPermissions bool       `json:"skip_permissions,omitempty"`
}

// CreateSession creates a session and returns the stored record.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*store.Session, error) {
	var sess store.Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions fetches all sessions.
func (c *Client) ListSessions(ctx context.Context) ([]*store.Session, error) {
	var resp struct {
		Sessions []*store.Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// TurnStream is a live turn event feed. Closing it abandons only the local
// reader; the remote turn keeps running.
type TurnStream struct {
	body   io.ReadCloser
	reader *event.StreamReader
}

// Next returns the next event, or io.EOF at stream end.
func (s *TurnStream) Next() (event.Event, error) {
	return s.reader.Next()
}

// Close tears down the local reader.
func (s *TurnStream) Close() error {
	return s.body.Close()
}

// TurnRequest mirrors the start-turn endpoint body.
type TurnRequest struct {
	Content string `json:"content"`
	// Model and Mode override the session settings for this turn only.
	Model              string            `json:"model,omitempty"`
	Mode               store.Mode        `json:"mode,omitempty"`
	Attachments        []turn.Attachment `json:"attachments,omitempty"`
	ToolTimeoutSeconds int               `json:"tool_timeout_seconds,omitempty"`
}

// SendMessage starts a turn and returns its live event stream. ctx governs
// the local read side only.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string) (*TurnStream, error) {
	return c.SendTurn(ctx, sessionID, TurnRequest{Content: content})
}

// SendTurn starts a turn with per-turn overrides.
func (c *Client) SendTurn(ctx context.Context, sessionID string, turnReq TurnRequest) (*TurnStream, error) {
	raw, err := json.Marshal(turnReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/sessions/"+sessionID+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return &TurnStream{body: resp.Body, reader: event.NewStreamReader(resp.Body)}, nil
}

// Stop cancels the session's running turn and reports whether one was
// actually running.
func (c *Client) Stop(ctx context.Context, sessionID string) (bool, error) {
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/stop", nil, &resp); err != nil {
		return false, err
	}
	return resp.Stopped, nil
}

// Status probes whether the session is processing and what is pending.
func (c *Client) Status(ctx context.Context, sessionID string) (turn.SessionStatus, error) {
	var status turn.SessionStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/status", nil, &status)
	return status, err
}

// ListMessages pages through the session's durable messages.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int, before int64) ([]*store.Message, bool, error) {
	path := "/api/sessions/" + sessionID + "/messages?limit=" + strconv.Itoa(limit)
	if before > 0 {
		path += "&before=" + strconv.FormatInt(before, 10)
	}
	var resp struct {
		Messages []*store.Message `json:"messages"`
		HasMore  bool             `json:"has_more"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Messages, resp.HasMore, nil
}

// ResolvePermission answers a pending permission request.
func (c *Client) ResolvePermission(ctx context.Context, requestID string, d broker.PermissionDecision) error {
	return c.doJSON(ctx, http.MethodPost, "/api/permissions/"+requestID, d, nil)
}

// ResolveInput answers a pending input request.
func (c *Client) ResolveInput(ctx context.Context, requestID string, d broker.InputDecision) error {
	return c.doJSON(ctx, http.MethodPost, "/api/inputs/"+requestID, d, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.unary.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-2xx server response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		body.Error = resp.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
