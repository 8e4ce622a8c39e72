package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/turn"
)

// fakeAPI serves scripted status probes and message fetches.
type fakeAPI struct {
	mu       sync.Mutex
	statuses []turn.SessionStatus
	msgs     []*store.Message
	listErr  error
	listed   int
}

func (f *fakeAPI) Status(context.Context, string) (turn.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return turn.SessionStatus{}, nil
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s, nil
}

func (f *fakeAPI) ListMessages(context.Context, string, int, int64) ([]*store.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed++
	return f.msgs, false, f.listErr
}

type recorded struct {
	transitions []State
	cancels     int
	pending     []*event.Request
	recovered   [][]*store.Message
	closed      int
}

func newController(api SessionAPI) (*Controller, *recorded) {
	rec := &recorded{}
	c := NewController(api, "s1", Hooks{
		StateChanged:   func(_, to State) { rec.transitions = append(rec.transitions, to) },
		CancelReader:   func() { rec.cancels++ },
		PendingRequest: func(p, i *event.Request) { rec.pending = append(rec.pending, p, i) },
		Recovered:      func(msgs []*store.Message) { rec.recovered = append(rec.recovered, msgs) },
		Closed:         func(error) { rec.closed++ },
	})
	return c, rec
}

func TestWatchdogStallsAfterSilence(t *testing.T) {
	c, rec := newController(&fakeAPI{})
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.StreamStarted()
	require.Equal(t, StateStreaming, c.State())

	clock = clock.Add(29 * time.Second)
	assert.False(t, c.CheckWatchdog())

	clock = clock.Add(2 * time.Second)
	assert.True(t, c.CheckWatchdog())
	assert.Equal(t, StateRecovering, c.State())
	// The local reader was torn down exactly once; the turn was not stopped.
	assert.Equal(t, 1, rec.cancels)
	assert.Equal(t, []State{StateStreaming, StateStalled, StateRecovering}, rec.transitions)
}

func TestEventsResetWatchdog(t *testing.T) {
	c, _ := newController(&fakeAPI{})
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.StreamStarted()
	clock = clock.Add(25 * time.Second)
	c.ObserveEvent(event.NewText("still here"))
	clock = clock.Add(25 * time.Second)

	// 50s total but only 25s since the last event.
	assert.False(t, c.CheckWatchdog())
	assert.Equal(t, StateStreaming, c.State())
}

func TestResumeUsesStricterThreshold(t *testing.T) {
	c, _ := newController(&fakeAPI{})
	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.StreamStarted()
	clock = clock.Add(time.Second)
	assert.False(t, c.Resumed())

	clock = clock.Add(2 * time.Second)
	assert.True(t, c.Resumed())
	assert.Equal(t, StateRecovering, c.State())
}

func TestDoneEventReturnsToIdle(t *testing.T) {
	c, _ := newController(&fakeAPI{})
	c.StreamStarted()
	c.ObserveEvent(event.Event{Kind: event.KindPermissionRequest,
		Request: &event.Request{ID: "r1", SessionID: "s1"}})
	assert.Equal(t, "r1", c.PendingRequestID())

	c.ObserveEvent(event.NewDone())
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.PendingRequestID())

	// Watchdog has nothing to do once idle.
	assert.False(t, c.CheckWatchdog())
}

func TestStreamEndedOnlyStallsWhileStreaming(t *testing.T) {
	c, rec := newController(&fakeAPI{})
	c.StreamEnded()
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, rec.cancels)

	c.StreamStarted()
	c.StreamEnded()
	assert.Equal(t, StateRecovering, c.State())
	assert.Equal(t, 1, rec.cancels)
}

func TestMountDetectsRunningTurn(t *testing.T) {
	pending := &event.Request{ID: "r9", SessionID: "s1", ToolName: "Bash"}
	api := &fakeAPI{statuses: []turn.SessionStatus{
		{IsProcessing: true, PermissionRequest: pending},
	}}
	c, rec := newController(api)

	require.NoError(t, c.Mount(context.Background()))
	assert.Equal(t, StateRecovering, c.State())
	// The exact pending prompt is restored, not a generic placeholder.
	require.Len(t, rec.pending, 2)
	assert.Equal(t, "r9", rec.pending[0].ID)
	assert.Equal(t, "r9", c.PendingRequestID())
}

func TestMountIdleSession(t *testing.T) {
	c, _ := newController(&fakeAPI{statuses: []turn.SessionStatus{{IsProcessing: false}}})
	require.NoError(t, c.Mount(context.Background()))
	assert.Equal(t, StateIdle, c.State())
}

func TestPollRecoversWhenProcessingStops(t *testing.T) {
	api := &fakeAPI{
		statuses: []turn.SessionStatus{
			{IsProcessing: true},
			{IsProcessing: true},
			{IsProcessing: false},
		},
		msgs: []*store.Message{{Seq: 1, SessionID: "s1", Role: store.RoleAssistant, Content: "done"}},
	}
	c, rec := newController(api)
	c.StreamStarted()
	c.StreamEnded()
	require.Equal(t, StateRecovering, c.State())

	ctx := context.Background()
	c.Poll(ctx)
	assert.Equal(t, StateRecovering, c.State())
	c.Poll(ctx)
	assert.Equal(t, StateRecovering, c.State())
	c.Poll(ctx)

	assert.Equal(t, StateIdle, c.State())
	require.Len(t, rec.recovered, 1)
	assert.Equal(t, "done", rec.recovered[0][0].Content)
	assert.Equal(t, 1, api.listed)

	// Further polls are no-ops; recovery reset exactly once.
	c.Poll(ctx)
	assert.Len(t, rec.recovered, 1)
}

func TestRecoveryGivesUpAfterBoundedRetries(t *testing.T) {
	api := &fakeAPI{
		statuses: []turn.SessionStatus{{IsProcessing: false}},
		listErr:  errors.New("store unavailable"),
	}
	c, rec := newController(api)
	c.StreamStarted()
	c.StreamEnded()

	ctx := context.Background()
	for i := 0; i < MaxFetchAttempts; i++ {
		assert.Equal(t, StateRecovering, c.State())
		c.Poll(ctx)
	}
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, rec.closed)
	assert.Empty(t, rec.recovered)
	assert.Equal(t, MaxFetchAttempts, api.listed)
}

func TestEmptyFetchCountsAsFailedAttempt(t *testing.T) {
	api := &fakeAPI{statuses: []turn.SessionStatus{{IsProcessing: false}}}
	c, rec := newController(api)
	c.StreamStarted()
	c.StreamEnded()

	c.Poll(context.Background())
	assert.Equal(t, StateRecovering, c.State())
	assert.Empty(t, rec.recovered)
}

func TestStaleClearCannotWipeNewerPrompt(t *testing.T) {
	c, _ := newController(&fakeAPI{})
	c.StreamStarted()
	c.ObserveEvent(event.Event{Kind: event.KindInputRequest,
		Request: &event.Request{ID: "old"}})
	c.ObserveEvent(event.Event{Kind: event.KindInputRequest,
		Request: &event.Request{ID: "new"}})

	// A timeout for the superseded request arrives late.
	assert.False(t, c.ClearPending("old"))
	assert.Equal(t, "new", c.PendingRequestID())

	assert.True(t, c.ClearPending("new"))
	assert.Empty(t, c.PendingRequestID())
}
