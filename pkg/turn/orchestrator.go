package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hatch-run/hatch/pkg/agent"
	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/log"
	"github.com/hatch-run/hatch/pkg/redact"
	"github.com/hatch-run/hatch/pkg/store"
)

// Options configures an Orchestrator.
type Options struct {
	Store  store.Store
	Runner agent.Runner
	// DefaultModel is used when the session does not pin one.
	DefaultModel string
	// DecisionTimeout bounds how long interactive requests stay pending.
	DecisionTimeout time.Duration
	// ClientEventBuffer sizes the live branch of each turn's event tee.
	ClientEventBuffer int
	// ToolTimeout is handed to the agent for individual tool runs.
	ToolTimeout time.Duration
	// Redactor, when set, scrubs tool output and tool results before they
	// reach the stream or the store.
	Redactor *redact.Redactor
}

// Orchestrator runs turns end to end: it claims the session, persists the
// user message, drives the agent, tees events to the live client and the
// collector, and releases the session when the durable record is written.
type Orchestrator struct {
	st           store.Store
	runner       agent.Runner
	registry     *Registry
	permissions  *broker.PermissionBroker
	inputs       *broker.InputBroker
	defaultModel string
	clientBuffer int
	toolTimeout  time.Duration
	redactor     *redact.Redactor
}

// New builds an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		st:           opts.Store,
		runner:       opts.Runner,
		registry:     NewRegistry(),
		permissions:  broker.New[broker.PermissionDecision](opts.DecisionTimeout),
		inputs:       broker.New[broker.InputDecision](opts.DecisionTimeout),
		defaultModel: opts.DefaultModel,
		clientBuffer: opts.ClientEventBuffer,
		toolTimeout:  opts.ToolTimeout,
		redactor:     opts.Redactor,
	}
}

// Run drives the brokers' timeout sweeps until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.permissions.Run(ctx)
	o.inputs.Run(ctx)
}

// Attachment is an inline file included with a prompt.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// TurnInput carries the user prompt and per-turn overrides.
type TurnInput struct {
	Content string
	// Model overrides the session model for this turn only.
	Model string
	// Mode overrides the session interaction mode for this turn only.
	Mode store.Mode
	// Attachments are folded into the prompt as named file sections.
	Attachments []Attachment
	// ToolTimeout overrides the configured per-tool timeout.
	ToolTimeout time.Duration
}

// StartTurn begins a turn with no per-turn overrides.
func (o *Orchestrator) StartTurn(sessionID, content string) (<-chan event.Event, error) {
	return o.StartTurnWith(sessionID, TurnInput{Content: content})
}

// StartTurnWith begins a turn for the session and returns the live event
// branch. The turn runs on its own context: dropping the returned channel
// abandons the live view but never stops the turn. The stream always ends
// with a done event unless the client branch is detached for lagging.
func (o *Orchestrator) StartTurnWith(sessionID string, in TurnInput) (<-chan event.Event, error) {
	sess, err := o.st.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	content := composePrompt(in)

	turnCtx, cancel := context.WithCancel(context.Background())
	if err := o.registry.Register(sessionID, cancel); err != nil {
		cancel()
		return nil, err
	}

	release := func() {
		cancel()
		o.registry.Unregister(sessionID)
	}

	// The user message lands before the agent starts, so it survives any
	// turn failure and recovery always sees what was asked.
	if err := o.st.AppendMessage(&store.Message{
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   content,
	}); err != nil {
		release()
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	if sess.Title == "" {
		sess.Title = store.DeriveTitle(content)
		sess.UpdatedAt = time.Now().UTC()
		if err := o.st.UpdateSession(sess); err != nil {
			log.Warn("session title not saved", "session_id", sessionID, "error", err)
		}
	}

	events := make(chan event.Event, 16)
	handler := &brokerHandler{
		turnCtx:     turnCtx,
		sessionID:   sessionID,
		permissions: o.permissions,
		inputs:      o.inputs,
		emit:        func(ev event.Event) { events <- ev },
	}

	model := o.effectiveModel(sess, in.Model)
	mode := effectiveMode(sess, in.Mode)
	out, err := o.runner.Run(turnCtx, agent.TurnRequest{
		SessionID:       sessionID,
		WorkDir:         sess.WorkDir,
		Model:           model,
		Mode:            mode,
		ResumeSessionID: sess.UpstreamSessionID,
		Content:         content,
		ToolTimeout:     o.effectiveToolTimeout(in.ToolTimeout),
	}, handler)
	if err != nil {
		release()
		return nil, fmt.Errorf("start agent turn: %w", err)
	}
	log.Info("turn started", "session_id", sessionID, "model", model, "mode", mode)

	go func() {
		for m := range out {
			for _, ev := range o.normalize(m) {
				events <- ev
			}
		}
		events <- event.NewDone()
		close(events)
	}()

	tee := NewTee(o.clientBuffer)
	coll := newCollector(o.st, sessionID)
	go func() {
		defer release()
		runErr := tee.Run(events, coll.observe)
		if err := coll.finish(); err != nil {
			log.Error("assistant message not persisted", "session_id", sessionID, "error", err)
		}
		if runErr != nil {
			log.Error("turn collection finished with error", "session_id", sessionID, "error", runErr)
		}
		log.Info("turn finished", "session_id", sessionID, "lagged", tee.Lagged())
	}()

	return tee.Client(), nil
}

// Stop cancels the session's running turn, if any. Partial output persists;
// the turn unwinds asynchronously and the session frees once the durable
// record is written.
func (o *Orchestrator) Stop(sessionID string) bool {
	stopped := o.registry.Cancel(sessionID)
	if stopped {
		log.Info("turn stop requested", "session_id", sessionID)
	}
	return stopped
}

// SessionStatus is the poll answer a recovering client reconciles against.
type SessionStatus struct {
	IsProcessing      bool           `json:"is_processing"`
	PermissionRequest *event.Request `json:"permission_request,omitempty"`
	InputRequest      *event.Request `json:"input_request,omitempty"`
}

// Status reports whether a turn is running and surfaces the newest pending
// interactive requests without consuming them.
func (o *Orchestrator) Status(sessionID string) SessionStatus {
	s := SessionStatus{IsProcessing: o.registry.IsActive(sessionID)}
	if req, ok := o.permissions.Peek(sessionID); ok {
		s.PermissionRequest = &req
	}
	if req, ok := o.inputs.Peek(sessionID); ok {
		s.InputRequest = &req
	}
	return s
}

// ResolvePermission answers a pending permission request by id.
func (o *Orchestrator) ResolvePermission(requestID string, d broker.PermissionDecision) bool {
	return o.permissions.Resolve(requestID, d)
}

// ResolveInput answers a pending input request by id.
func (o *Orchestrator) ResolveInput(requestID string, d broker.InputDecision) bool {
	return o.inputs.Resolve(requestID, d)
}

func (o *Orchestrator) scrub(s string) string {
	if o.redactor == nil {
		return s
	}
	return o.redactor.Scrub(s)
}

// composePrompt folds attachments into the prompt as named file sections.
func composePrompt(in TurnInput) string {
	if len(in.Attachments) == 0 {
		return in.Content
	}
	var b strings.Builder
	b.WriteString(in.Content)
	for _, a := range in.Attachments {
		b.WriteString("\n\n--- ")
		b.WriteString(a.Name)
		b.WriteString(" ---\n")
		b.WriteString(a.Content)
	}
	return b.String()
}

func (o *Orchestrator) effectiveModel(sess *store.Session, override string) string {
	if override != "" {
		return override
	}
	if sess.Model != "" {
		return sess.Model
	}
	return o.defaultModel
}

func (o *Orchestrator) effectiveToolTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return o.toolTimeout
}

// effectiveMode maps the interaction mode onto the agent's permission
// stance. A per-turn override replaces the session mode; the session's
// skip flag always wins.
func effectiveMode(sess *store.Session, override store.Mode) agent.PermissionMode {
	mode := sess.Mode
	if override != "" {
		mode = override
	}
	switch {
	case sess.SkipPermissions:
		return agent.PermissionBypass
	case mode == store.ModePlan:
		return agent.PermissionPlan
	default:
		return agent.PermissionAcceptEdits
	}
}

// normalize maps one raw agent message onto outward events. Tool output and
// tool results pass through the redactor before anything downstream sees them.
func (o *Orchestrator) normalize(m agent.Message) []event.Event {
	switch m.Type {
	case agent.MessageInit:
		return []event.Event{event.NewStatus("agent session established", m.SessionID)}
	case agent.MessageText:
		return []event.Event{event.NewText(m.Text)}
	case agent.MessageToolUse:
		return []event.Event{event.NewToolUse(m.ToolUseID, m.ToolName, m.ToolInput)}
	case agent.MessageToolResult:
		content, err := json.Marshal(o.scrub(m.Content))
		if err != nil {
			content = nil
		}
		return []event.Event{event.NewToolResult(m.ToolUseID, content, m.IsError)}
	case agent.MessageToolOutput:
		return []event.Event{{Kind: event.KindToolOutput, ToolOutput: &event.ToolOutput{
			ToolName:  m.ToolName,
			Chunk:     o.scrub(m.Text),
			ElapsedMs: m.DurationMs,
		}}}
	case agent.MessageResult:
		return []event.Event{{Kind: event.KindResult, Result: &event.Result{
			Usage:             m.Usage,
			UpstreamSessionID: m.SessionID,
			DurationMs:        m.DurationMs,
			IsError:           m.IsError,
		}}}
	case agent.MessageError:
		return []event.Event{event.NewError(m.Text)}
	}
	return nil
}
