package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatch-run/hatch/pkg/agent"
	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/turn"
)

// scriptedRunner plays a fixed turn script against the decision handler.
type scriptedRunner struct {
	script func(ctx context.Context, h agent.DecisionHandler, out chan<- agent.Message)
}

func (r *scriptedRunner) Run(ctx context.Context, _ agent.TurnRequest, h agent.DecisionHandler) (<-chan agent.Message, error) {
	out := make(chan agent.Message, 64)
	go func() {
		defer close(out)
		r.script(ctx, h, out)
	}()
	return out, nil
}

func newTestServer(t *testing.T, r agent.Runner) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	orch := turn.New(turn.Options{
		Store:             st,
		Runner:            r,
		DefaultModel:      "claude-sonnet-4-5",
		DecisionTimeout:   time.Minute,
		ClientEventBuffer: 64,
	})
	srv, err := New(Config{Addr: "127.0.0.1:0", Store: st, Orchestrator: orch})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/sessions", map[string]interface{}{"work_dir": "/w"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sess store.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.NotEmpty(t, sess.ID)
	return sess.ID
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func streamEvents(t *testing.T, resp *http.Response) []event.Event {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []event.Event
	reader := event.NewStreamReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedRunner{})

	id := createSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	var sess store.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	resp.Body.Close()
	assert.Equal(t, "/w", sess.WorkDir)
	assert.Equal(t, store.ModeCode, sess.Mode)

	resp, err = http.Get(ts.URL + "/api/sessions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/sessions", map[string]interface{}{"work_dir": "/w", "mode": "yolo"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/sessions", map[string]interface{}{"mode": "code"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var list struct {
		Sessions []*store.Session `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list.Sessions, 1)
}

func TestStartTurnStreamsNDJSON(t *testing.T) {
	ts, st := newTestServer(t, &scriptedRunner{script: func(_ context.Context, _ agent.DecisionHandler, out chan<- agent.Message) {
		out <- agent.Message{Type: agent.MessageInit, SessionID: "up-9"}
		out <- agent.Message{Type: agent.MessageText, Text: "hi there"}
		out <- agent.Message{Type: agent.MessageResult, SessionID: "up-9"}
	}})
	id := createSession(t, ts)

	resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/messages", map[string]string{"content": "hello"})
	events := streamEvents(t, resp)

	require.NotEmpty(t, events)
	assert.Equal(t, event.KindStatus, events[0].Kind)
	assert.Equal(t, event.KindDone, events[len(events)-1].Kind)

	require.Eventually(t, func() bool {
		msgs, _, err := st.ListMessages(id, 10, 0)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTurnValidation(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedRunner{})
	id := createSession(t, ts)

	resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/messages", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/sessions/nope/messages", map[string]string{"content": "hi"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConcurrentTurnConflicts(t *testing.T) {
	gate := make(chan struct{})
	ts, _ := newTestServer(t, &scriptedRunner{script: func(ctx context.Context, _ agent.DecisionHandler, out chan<- agent.Message) {
		<-gate
		out <- agent.Message{Type: agent.MessageResult}
	}})
	id := createSession(t, ts)

	first := make(chan []event.Event, 1)
	go func() {
		resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/messages", map[string]string{"content": "one"})
		first <- streamEvents(t, resp)
	}()

	require.Eventually(t, func() bool {
		return getStatus(t, ts, id).IsProcessing
	}, 2*time.Second, 10*time.Millisecond)

	resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/messages", map[string]string{"content": "two"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gate)
	select {
	case events := <-first:
		assert.Equal(t, event.KindDone, events[len(events)-1].Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never finished")
	}
}

func getStatus(t *testing.T, ts *httptest.Server, id string) turn.SessionStatus {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/sessions/" + id + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status turn.SessionStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func TestStopEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedRunner{script: func(ctx context.Context, _ agent.DecisionHandler, out chan<- agent.Message) {
		out <- agent.Message{Type: agent.MessageText, Text: "working"}
		<-ctx.Done()
	}})
	id := createSession(t, ts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/messages", map[string]string{"content": "go"})
		streamEvents(t, resp)
	}()

	require.Eventually(t, func() bool {
		return getStatus(t, ts, id).IsProcessing
	}, 2*time.Second, 10*time.Millisecond)

	resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/stop", nil)
	var stopResp map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stopResp))
	resp.Body.Close()
	assert.True(t, stopResp["stopped"])

	<-done
	require.Eventually(t, func() bool {
		return !getStatus(t, ts, id).IsProcessing
	}, 2*time.Second, 10*time.Millisecond)

	// Stopping an idle session reports false.
	resp = postJSON(t, ts.URL+"/api/sessions/"+id+"/stop", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stopResp))
	resp.Body.Close()
	assert.False(t, stopResp["stopped"])

	resp = postJSON(t, ts.URL+"/api/sessions/nope/stop", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListMessagesEndpoint(t *testing.T) {
	ts, st := newTestServer(t, &scriptedRunner{})
	id := createSession(t, ts)

	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendMessage(&store.Message{
			SessionID: id, Role: store.RoleUser, Content: fmt.Sprintf("m%d", i),
		}))
	}

	resp, err := http.Get(ts.URL + "/api/sessions/" + id + "/messages?limit=2")
	require.NoError(t, err)
	var page messagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	resp.Body.Close()
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m3", page.Messages[0].Content)
	assert.Equal(t, "m4", page.Messages[1].Content)

	before := page.Messages[0].Seq
	resp, err = http.Get(fmt.Sprintf("%s/api/sessions/%s/messages?limit=10&before=%d", ts.URL, id, before))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	resp.Body.Close()
	assert.Len(t, page.Messages, 3)
	assert.False(t, page.HasMore)

	resp, err = http.Get(ts.URL + "/api/sessions/" + id + "/messages?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPermissionResolutionOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedRunner{script: func(ctx context.Context, h agent.DecisionHandler, out chan<- agent.Message) {
		d, err := h.CanUseTool(ctx, agent.PermissionRequest{
			ToolName: "Bash",
			Input:    map[string]interface{}{"command": "make"},
		})
		if err != nil || !d.Allow {
			out <- agent.Message{Type: agent.MessageError, Text: "denied"}
			return
		}
		out <- agent.Message{Type: agent.MessageText, Text: "built"}
		out <- agent.Message{Type: agent.MessageResult}
	}})
	id := createSession(t, ts)

	resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/messages", map[string]string{"content": "build it"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := event.NewStreamReader(resp.Body)
	var sawText bool
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch ev.Kind {
		case event.KindPermissionRequest:
			// Resolve over HTTP like a second client would.
			rr := postJSON(t, ts.URL+"/api/permissions/"+ev.Request.ID,
				map[string]interface{}{"allow": true})
			rr.Body.Close()
			assert.Equal(t, http.StatusOK, rr.StatusCode)
		case event.KindText:
			sawText = true
			assert.Equal(t, "built", ev.Text)
		case event.KindError:
			t.Fatalf("turn errored: %s", ev.Error)
		}
	}
	assert.True(t, sawText)

	rr := postJSON(t, ts.URL+"/api/permissions/unknown", map[string]interface{}{"allow": true})
	rr.Body.Close()
	assert.Equal(t, http.StatusNotFound, rr.StatusCode)
}

func TestWebSocketFeed(t *testing.T) {
	gate := make(chan struct{})
	ts, _ := newTestServer(t, &scriptedRunner{script: func(_ context.Context, _ agent.DecisionHandler, out chan<- agent.Message) {
		<-gate
		out <- agent.Message{Type: agent.MessageText, Text: "live"}
		out <- agent.Message{Type: agent.MessageResult}
	}})
	id := createSession(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		resp := postJSON(t, ts.URL+"/api/sessions/"+id+"/messages", map[string]string{"content": "stream me"})
		streamEvents(t, resp)
	}()
	close(gate)

	var kinds []event.Kind
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev event.Event
		require.NoError(t, conn.ReadJSON(&ev))
		kinds = append(kinds, ev.Kind)
		if ev.Kind == event.KindDone {
			break
		}
	}
	assert.Contains(t, kinds, event.KindText)

	_, _, err = websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(ts.URL, "http")+"/api/sessions/nope/events", nil)
	assert.Error(t, err)
}

func TestWorkDirValidation(t *testing.T) {
	st := store.NewMemoryStore()
	orch := turn.New(turn.Options{Store: st, Runner: &scriptedRunner{}, DecisionTimeout: time.Minute})
	srv, err := New(Config{Addr: "127.0.0.1:0", Store: st, Orchestrator: orch, StateDir: "/var/lib/hatch"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for _, workDir := range []string{"relative/path", "/", "/var/lib/hatch/sessions"} {
		resp := postJSON(t, ts.URL+"/api/sessions", map[string]interface{}{"work_dir": workDir})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, workDir)
	}

	resp := postJSON(t, ts.URL+"/api/sessions", map[string]interface{}{"work_dir": "/home/dev/project"})
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
