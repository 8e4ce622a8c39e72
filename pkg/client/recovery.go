package client

import (
	"context"
	"sync"
	"time"

	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/log"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/turn"
)

// State names a recovery controller state.
type State string

const (
	// StateIdle means no turn is being watched.
	StateIdle State = "idle"
	// StateStreaming means the live feed is flowing.
	StateStreaming State = "streaming"
	// StateStalled means the live feed went silent and the local reader
	// was torn down.
	StateStalled State = "stalled"
	// StateRecovering means the controller is polling durable state.
	StateRecovering State = "recovering"
)

const (
	// WatchdogWindow is how long the foreground feed may stay silent.
	WatchdogWindow = 30 * time.Second
	// ResumeThreshold is the stricter silence bound applied when the view
	// regains focus; suspended sockets make silence on resume suspicious.
	ResumeThreshold = 2 * time.Second
	// PollInterval paces status polling while recovering.
	PollInterval = 3 * time.Second
	// MaxFetchAttempts bounds post-turn message fetches before giving up.
	MaxFetchAttempts = 5

	recoveryPageSize = 50
)

// SessionAPI is the server surface the controller polls. *Client satisfies it.
type SessionAPI interface {
	Status(ctx context.Context, sessionID string) (turn.SessionStatus, error)
	ListMessages(ctx context.Context, sessionID string, limit int, before int64) ([]*store.Message, bool, error)
}

// Hooks receive controller output. Nil hooks are skipped. Hooks run with
// the controller lock held; they must not call back into it.
type Hooks struct {
	// StateChanged fires on every transition.
	StateChanged func(from, to State)
	// CancelReader tears down the local stream reader on stall. It must
	// never stop the remote turn; the turn is still valid unattended.
	CancelReader func()
	// PendingRequest surfaces an interactive request discovered by
	// polling, so a reconnected view restores the exact prompt.
	PendingRequest func(permission, input *event.Request)
	// Recovered delivers the refetched messages when recovery lands.
	Recovered func(msgs []*store.Message)
	// Closed fires when recovery gives up after bounded retries.
	Closed func(err error)
}

// Controller is the per-session-view recovery state machine. Callers feed
// it stream lifecycle notifications and timer ticks; it decides when to
// abandon the live feed and rebuild from durable storage.
type Controller struct {
	mu        sync.Mutex
	api       SessionAPI
	sessionID string
	hooks     Hooks
	now       func() time.Time

	state        State
	lastActivity time.Time
	// pendingID is the interactive request id currently on screen.
	pendingID string
	attempts  int
}

// NewController builds a controller in the idle state.
func NewController(api SessionAPI, sessionID string, hooks Hooks) *Controller {
	return &Controller{
		api:       api,
		sessionID: sessionID,
		hooks:     hooks,
		now:       time.Now,
		state:     StateIdle,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingRequestID returns the id of the prompt currently displayed.
func (c *Controller) PendingRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingID
}

func (c *Controller) setStateLocked(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	log.Debug("recovery state changed", "session_id", c.sessionID, "from", from, "to", to)
	if c.hooks.StateChanged != nil {
		c.hooks.StateChanged(from, to)
	}
}

// StreamStarted marks the beginning of a live turn feed.
func (c *Controller) StreamStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()
	c.attempts = 0
	c.setStateLocked(StateStreaming)
}

// ObserveEvent feeds one live event through the liveness clock. Any kind
// counts as activity; done returns the controller to idle.
func (c *Controller) ObserveEvent(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.now()

	switch ev.Kind {
	case event.KindPermissionRequest, event.KindInputRequest:
		c.pendingID = ev.Request.ID
	case event.KindDone:
		c.pendingID = ""
		c.setStateLocked(StateIdle)
	}
}

// StreamEnded reports that the live feed closed without a done event,
// for example a dropped connection. The turn may still be running.
func (c *Controller) StreamEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return
	}
	c.stallLocked()
}

// CheckWatchdog fires the foreground watchdog. Returns true if it stalled.
func (c *Controller) CheckWatchdog() bool {
	return c.stallAfterSilence(WatchdogWindow)
}

// Resumed applies the stricter silence bound after regaining focus.
func (c *Controller) Resumed() bool {
	return c.stallAfterSilence(ResumeThreshold)
}

func (c *Controller) stallAfterSilence(window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return false
	}
	if c.now().Sub(c.lastActivity) < window {
		return false
	}
	c.stallLocked()
	return true
}

func (c *Controller) stallLocked() {
	c.setStateLocked(StateStalled)
	if c.hooks.CancelReader != nil {
		c.hooks.CancelReader()
	}
	c.setStateLocked(StateRecovering)
}

// Mount probes status once for a freshly opened session view. The view may
// have been relaunched mid-turn, so idle cannot be assumed.
func (c *Controller) Mount(ctx context.Context) error {
	status, err := c.api.Status(ctx, c.sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if status.IsProcessing {
		c.surfacePendingLocked(status)
		c.setStateLocked(StateRecovering)
	} else {
		c.setStateLocked(StateIdle)
	}
	return nil
}

// Poll performs one recovery step: probe status, surface pending prompts,
// and once processing stops, refetch messages. Call at PollInterval while
// the controller reports StateRecovering.
func (c *Controller) Poll(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateRecovering {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	status, err := c.api.Status(ctx, c.sessionID)
	if err != nil {
		log.Warn("status poll failed", "session_id", c.sessionID, "error", err)
		return
	}

	c.mu.Lock()
	if c.state != StateRecovering {
		c.mu.Unlock()
		return
	}
	c.surfacePendingLocked(status)
	if status.IsProcessing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.finishRecovery(ctx)
}

func (c *Controller) surfacePendingLocked(status turn.SessionStatus) {
	if status.PermissionRequest == nil && status.InputRequest == nil {
		return
	}
	if status.PermissionRequest != nil {
		c.pendingID = status.PermissionRequest.ID
	} else {
		c.pendingID = status.InputRequest.ID
	}
	if c.hooks.PendingRequest != nil {
		c.hooks.PendingRequest(status.PermissionRequest, status.InputRequest)
	}
}

// finishRecovery accepts recovery only on a successful, non-empty fetch;
// otherwise it burns one bounded attempt.
func (c *Controller) finishRecovery(ctx context.Context) {
	msgs, _, err := c.api.ListMessages(ctx, c.sessionID, recoveryPageSize, 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecovering {
		return
	}

	if err != nil || len(msgs) == 0 {
		c.attempts++
		log.Warn("recovery fetch failed", "session_id", c.sessionID, "attempt", c.attempts, "error", err)
		if c.attempts >= MaxFetchAttempts {
			c.setStateLocked(StateIdle)
			c.pendingID = ""
			c.attempts = 0
			if c.hooks.Closed != nil {
				c.hooks.Closed(err)
			}
		}
		return
	}

	// Reset exactly once: state, prompt, and retry budget together.
	c.pendingID = ""
	c.attempts = 0
	c.setStateLocked(StateIdle)
	if c.hooks.Recovered != nil {
		c.hooks.Recovered(msgs)
	}
}

// ClearPending clears the displayed prompt only when the id matches, so a
// stale timeout for an old request cannot wipe a newer prompt.
func (c *Controller) ClearPending(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingID != requestID {
		return false
	}
	c.pendingID = ""
	return true
}

// Run drives the controller's timers until ctx ends: watchdog checks while
// streaming, status polls while recovering.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastPoll time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch c.State() {
		case StateStreaming:
			c.CheckWatchdog()
		case StateRecovering:
			if time.Since(lastPoll) >= PollInterval {
				lastPoll = time.Now()
				c.Poll(ctx)
			}
		}
	}
}
