// Package tui is the terminal chat front end. It renders one session,
// streams turn events live, surfaces interactive requests, and leans on the
// recovery controller when the live feed goes quiet.
package tui

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/client"
	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/store"
)

const (
	historyWindow  = 12
	toolLineWindow = 6
)

type lineKind string

const (
	lineUser      lineKind = "user"
	lineAssistant lineKind = "assistant"
	lineSystem    lineKind = "system"
	lineError     lineKind = "error"
)

type chatLine struct {
	kind lineKind
	text string
}

// App is the TUI model for one session.
type App struct {
	api       *client.Client
	sessionID string
	recovery  *client.Controller

	lines      []chatLine
	streaming  strings.Builder
	toolOutput *client.OutputRing

	pending     *event.Request
	pendingKind event.Kind

	input    string
	sending  bool
	quitting bool
	err      error

	streamCancel context.CancelFunc
	// events carries stream and recovery notifications into Update.
	events chan tea.Msg
}

// NewApp builds the TUI for an existing session.
func NewApp(api *client.Client, sessionID string) *App {
	a := &App{
		api:        api,
		sessionID:  sessionID,
		toolOutput: client.NewOutputRing(64),
		events:     make(chan tea.Msg, 256),
	}
	a.recovery = client.NewController(api, sessionID, client.Hooks{
		CancelReader: func() {
			if a.streamCancel != nil {
				a.streamCancel()
			}
		},
		PendingRequest: func(p, i *event.Request) {
			a.events <- pendingRestoredMsg{permission: p, input: i}
		},
		Recovered: func(msgs []*store.Message) {
			a.events <- recoveredMsg{msgs: msgs}
		},
		Closed: func(err error) {
			a.events <- recoveryClosedMsg{err: err}
		},
	})
	return a
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("cyan")).
			Bold(true).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("blue")).
			Padding(0, 1)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Padding(0, 1)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("magenta")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Padding(0, 1)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("yellow")).
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("blue"))

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("white")).
			Background(lipgloss.Color("blue")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)
)

// Messages
type streamEventMsg struct {
	ev event.Event
}

type streamClosedMsg struct {
	err error
}

type turnStartFailedMsg struct {
	err error
}

type mountMsg struct {
	err error
}

type pendingRestoredMsg struct {
	permission *event.Request
	input      *event.Request
}

type recoveredMsg struct {
	msgs []*store.Message
}

type recoveryClosedMsg struct {
	err error
}

type decisionSentMsg struct {
	err error
}

type tickMsg time.Time

// Init probes session status before assuming idle: the previous run may
// have been killed mid-turn.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.mountCmd(), a.waitEvent(), a.tick())
}

// Update handles input, stream events, and recovery notifications.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case mountMsg:
		if msg.err != nil {
			a.err = msg.err
		} else if a.recovery.State() == client.StateRecovering {
			a.sending = true
			a.addLine(lineSystem, "a turn is still running, catching up")
		}
		return a, nil

	case streamEventMsg:
		a.recovery.ObserveEvent(msg.ev)
		a.applyEvent(msg.ev)
		return a, a.waitEvent()

	case streamClosedMsg:
		if msg.err != nil && a.sending {
			a.recovery.StreamEnded()
			a.addLine(lineSystem, "live stream lost, recovering from server state")
		}
		return a, a.waitEvent()

	case turnStartFailedMsg:
		a.sending = false
		a.err = msg.err
		a.addLine(lineError, fmt.Sprintf("turn failed to start: %v", msg.err))
		return a, a.waitEvent()

	case pendingRestoredMsg:
		if msg.permission != nil {
			a.pending = msg.permission
			a.pendingKind = event.KindPermissionRequest
		} else if msg.input != nil {
			a.pending = msg.input
			a.pendingKind = event.KindInputRequest
		}
		return a, a.waitEvent()

	case recoveredMsg:
		a.resetStreamState()
		a.lines = nil
		for _, m := range msg.msgs {
			a.addStoredMessage(m)
		}
		a.addLine(lineSystem, "recovered from server state")
		return a, a.waitEvent()

	case recoveryClosedMsg:
		a.resetStreamState()
		a.addLine(lineError, "recovery gave up; history may be incomplete")
		return a, a.waitEvent()

	case decisionSentMsg:
		if msg.err != nil {
			a.addLine(lineError, fmt.Sprintf("decision not delivered: %v", msg.err))
		}
		return a, a.waitEvent()

	case tea.FocusMsg:
		// Regaining the terminal applies the stricter silence bound: a
		// suspended socket can sit quiet well past the last tick.
		if a.recovery.Resumed() {
			a.addLine(lineSystem, "live stream lost, recovering from server state")
			return a, a.pollCmd()
		}
		return a, nil

	case tickMsg:
		if a.quitting {
			return a, nil
		}
		var cmds []tea.Cmd
		a.recovery.CheckWatchdog()
		if a.recovery.State() == client.StateRecovering {
			cmds = append(cmds, a.pollCmd())
		}
		cmds = append(cmds, a.tick())
		return a, tea.Batch(cmds...)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		a.quitting = true
		if a.streamCancel != nil {
			a.streamCancel()
		}
		return a, tea.Quit

	case "esc":
		if a.sending {
			return a, a.stopCmd()
		}
		return a, nil

	case "enter":
		if a.pending != nil {
			return a, nil
		}
		text := strings.TrimSpace(a.input)
		if text == "" || a.sending {
			return a, nil
		}
		a.input = ""
		a.sending = true
		a.addLine(lineUser, text)
		return a, a.startTurnCmd(text)

	case "ctrl+u":
		a.input = ""
		return a, nil

	case "backspace", "ctrl+h":
		if len(a.input) > 0 {
			a.input = a.input[:len(a.input)-1]
		}
		return a, nil
	}

	if a.pending != nil {
		if cmd := a.handleDecisionKey(msg.String()); cmd != nil {
			return a, cmd
		}
	}

	if len(msg.Runes) > 0 {
		r := msg.Runes[0]
		if r >= 32 {
			a.input += string(r)
		}
	}
	return a, nil
}

// handleDecisionKey answers the pending prompt: y/n for permissions, a
// digit for question options.
func (a *App) handleDecisionKey(key string) tea.Cmd {
	req := a.pending
	switch a.pendingKind {
	case event.KindPermissionRequest:
		switch key {
		case "y":
			a.clearPending(req.ID)
			return a.resolvePermissionCmd(req.ID, broker.PermissionDecision{Allow: true})
		case "n":
			a.clearPending(req.ID)
			return a.resolvePermissionCmd(req.ID, broker.PermissionDecision{
				Allow: false, Message: "denied by user",
			})
		}
	case event.KindInputRequest:
		idx, err := strconv.Atoi(key)
		if err != nil || len(req.Questions) == 0 {
			return nil
		}
		q := req.Questions[0]
		if idx < 1 || idx > len(q.Options) {
			return nil
		}
		a.clearPending(req.ID)
		return a.resolveInputCmd(req.ID, broker.InputDecision{
			Answers: map[string]string{q.Key: q.Options[idx-1]},
		})
	}
	return nil
}

func (a *App) clearPending(requestID string) {
	if a.pending != nil && a.pending.ID == requestID {
		a.pending = nil
		a.pendingKind = ""
	}
	a.recovery.ClearPending(requestID)
}

func (a *App) applyEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindText:
		a.streaming.WriteString(ev.Text)
	case event.KindToolUse:
		a.flushStreaming()
		a.addLine(lineSystem, fmt.Sprintf("tool %s started", ev.ToolUse.Name))
	case event.KindToolResult:
		marker := "finished"
		if ev.ToolResult.IsError {
			marker = "failed"
		}
		a.addLine(lineSystem, fmt.Sprintf("tool %s %s", ev.ToolResult.ToolUseID, marker))
	case event.KindToolOutput:
		a.toolOutput.Push(strings.TrimRight(ev.ToolOutput.Chunk, "\n"))
	case event.KindStatus:
		if ev.Status.Message != "" {
			a.addLine(lineSystem, ev.Status.Message)
		}
	case event.KindPermissionRequest, event.KindInputRequest:
		a.pending = ev.Request
		a.pendingKind = ev.Kind
	case event.KindResult:
		u := ev.Result.Usage
		a.addLine(lineSystem, fmt.Sprintf("turn used %d in / %d out tokens",
			u.InputTokens, u.OutputTokens))
	case event.KindError:
		a.addLine(lineError, ev.Error)
	case event.KindDone:
		a.flushStreaming()
		a.toolOutput.Reset()
		a.pending = nil
		a.pendingKind = ""
		a.sending = false
	}
}

func (a *App) flushStreaming() {
	if a.streaming.Len() == 0 {
		return
	}
	a.addLine(lineAssistant, a.streaming.String())
	a.streaming.Reset()
}

// resetStreamState is the exactly-once local reset recovery demands.
func (a *App) resetStreamState() {
	a.streaming.Reset()
	a.toolOutput.Reset()
	a.pending = nil
	a.pendingKind = ""
	a.sending = false
}

func (a *App) addStoredMessage(m *store.Message) {
	kind := lineAssistant
	if m.Role == store.RoleUser {
		kind = lineUser
	}
	if blocks, ok := store.DecodeBlocks(m.Content); ok {
		for _, b := range blocks {
			switch b.Type {
			case store.BlockText:
				a.addLine(kind, b.Text)
			case store.BlockToolUse:
				a.addLine(lineSystem, fmt.Sprintf("tool %s ran", b.ToolName))
			}
		}
		return
	}
	a.addLine(kind, m.Content)
}

func (a *App) addLine(kind lineKind, text string) {
	a.lines = append(a.lines, chatLine{kind: kind, text: text})
}

// View renders the UI.
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("hatch"))
	b.WriteString(helpStyle.Render(fmt.Sprintf("session %s | %s", shortID(a.sessionID), a.recovery.State())))
	b.WriteString("\n\n")

	b.WriteString(a.renderConversation())
	b.WriteString("\n")

	if lines := a.toolOutput.Lines(); len(lines) > 0 {
		b.WriteString(a.renderToolOutput(lines))
		b.WriteString("\n")
	}
	if a.pending != nil {
		b.WriteString(a.renderPrompt())
		b.WriteString("\n")
	}
	if a.err != nil {
		b.WriteString(errorStyle.Render(a.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(a.renderInput())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("[Enter] send | [y/n] answer permission | [1-9] answer question | [Esc] stop turn | [Ctrl+C] quit"))
	return b.String()
}

func (a *App) renderConversation() string {
	var b strings.Builder
	start := len(a.lines) - historyWindow
	if start < 0 {
		start = 0
	}
	if len(a.lines) == 0 {
		b.WriteString(helpStyle.Render("No messages yet"))
		b.WriteString("\n")
	}
	for _, line := range a.lines[start:] {
		var style lipgloss.Style
		var prefix string
		switch line.kind {
		case lineUser:
			style, prefix = userStyle, "[You]"
		case lineAssistant:
			style, prefix = assistantStyle, "[Agent]"
		case lineError:
			style, prefix = errorStyle, "[Error]"
		default:
			style, prefix = systemStyle, "[*]"
		}
		b.WriteString(style.Render(fmt.Sprintf("%s %s", prefix, truncate(line.text, 100))))
		b.WriteString("\n")
	}
	if a.streaming.Len() > 0 {
		b.WriteString(assistantStyle.Render("[Agent] " + truncate(a.streaming.String(), 100)))
		b.WriteString("\n")
	}
	return borderStyle.Width(104).Render(b.String())
}

func (a *App) renderToolOutput(lines []string) string {
	var b strings.Builder
	start := len(lines) - toolLineWindow
	if start < 0 {
		start = 0
	}
	for _, l := range lines[start:] {
		b.WriteString(toolStyle.Render(truncate(l, 100)))
		b.WriteString("\n")
	}
	return borderStyle.Width(104).Render(b.String())
}

func (a *App) renderPrompt() string {
	var b strings.Builder
	req := a.pending
	if a.pendingKind == event.KindPermissionRequest {
		b.WriteString(fmt.Sprintf("Allow tool %s? [y/n]\n", req.ToolName))
		if len(req.ToolInput) > 0 {
			b.WriteString(toolStyle.Render(truncate(string(req.ToolInput), 90)))
			b.WriteString("\n")
		}
	} else if len(req.Questions) > 0 {
		q := req.Questions[0]
		b.WriteString(q.Prompt + "\n")
		for i, opt := range q.Options {
			b.WriteString(fmt.Sprintf("  [%d] %s\n", i+1, opt))
		}
	}
	return promptStyle.Render(b.String())
}

func (a *App) renderInput() string {
	prefix := "Message: "
	if a.sending {
		prefix = "Working... "
	}
	return inputStyle.Render(prefix + truncate(a.input, 80) + "_")
}

// Commands
func (a *App) mountCmd() tea.Cmd {
	return func() tea.Msg {
		return mountMsg{err: a.recovery.Mount(context.Background())}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) pollCmd() tea.Cmd {
	return func() tea.Msg {
		a.recovery.Poll(context.Background())
		return nil
	}
}

func (a *App) waitEvent() tea.Cmd {
	return func() tea.Msg {
		return <-a.events
	}
}

// startTurnCmd begins the turn and pumps its stream into the event channel
// from a background reader.
func (a *App) startTurnCmd(content string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithCancel(context.Background())
		stream, err := a.api.SendMessage(ctx, a.sessionID, content)
		if err != nil {
			cancel()
			return turnStartFailedMsg{err: err}
		}
		a.streamCancel = cancel
		a.recovery.StreamStarted()

		go func() {
			defer stream.Close()
			for {
				ev, err := stream.Next()
				if err == io.EOF {
					a.events <- streamClosedMsg{}
					return
				}
				if err != nil {
					a.events <- streamClosedMsg{err: err}
					return
				}
				a.events <- streamEventMsg{ev: ev}
			}
		}()
		return nil
	}
}

func (a *App) stopCmd() tea.Cmd {
	return func() tea.Msg {
		if _, err := a.api.Stop(context.Background(), a.sessionID); err != nil {
			return decisionSentMsg{err: err}
		}
		return nil
	}
}

func (a *App) resolvePermissionCmd(requestID string, d broker.PermissionDecision) tea.Cmd {
	return func() tea.Msg {
		return decisionSentMsg{err: a.api.ResolvePermission(context.Background(), requestID, d)}
	}
}

func (a *App) resolveInputCmd(requestID string, d broker.InputDecision) tea.Cmd {
	return func() tea.Msg {
		return decisionSentMsg{err: a.api.ResolveInput(context.Background(), requestID, d)}
	}
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "...")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
