package tui

import (
	"encoding/json"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatch-run/hatch/pkg/client"
	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/store"
)

func newTestApp() *App {
	return NewApp(client.New("http://127.0.0.1:0"), "0123456789abcdef")
}

func (a *App) feed(t *testing.T, ev event.Event) {
	t.Helper()
	model, _ := a.Update(streamEventMsg{ev: ev})
	require.Same(t, a, model)
}

func TestStreamingTextFoldsIntoOneLine(t *testing.T) {
	a := newTestApp()
	a.sending = true

	a.feed(t, event.NewText("Hello "))
	a.feed(t, event.NewText("world"))
	assert.Empty(t, a.lines)
	assert.Equal(t, "Hello world", a.streaming.String())

	a.feed(t, event.NewDone())
	require.Len(t, a.lines, 1)
	assert.Equal(t, lineAssistant, a.lines[0].kind)
	assert.Equal(t, "Hello world", a.lines[0].text)
	assert.False(t, a.sending)
}

func TestToolUseFlushesStreamingText(t *testing.T) {
	a := newTestApp()

	a.feed(t, event.NewText("let me check"))
	a.feed(t, event.NewToolUse("tu-1", "Bash", json.RawMessage(`{"command":"ls"}`)))
	a.feed(t, event.NewToolResult("tu-1", nil, false))

	require.Len(t, a.lines, 3)
	assert.Equal(t, lineAssistant, a.lines[0].kind)
	assert.Equal(t, "tool Bash started", a.lines[1].text)
	assert.Equal(t, "tool tu-1 finished", a.lines[2].text)
}

func TestToolOutputStaysOutOfTranscript(t *testing.T) {
	a := newTestApp()
	a.feed(t, event.Event{Kind: event.KindToolOutput,
		ToolOutput: &event.ToolOutput{Chunk: "compiling...\n"}})

	assert.Empty(t, a.lines)
	assert.Equal(t, []string{"compiling..."}, a.toolOutput.Lines())

	// Ephemeral output clears when the turn completes.
	a.feed(t, event.NewDone())
	assert.Zero(t, a.toolOutput.Len())
}

func TestPermissionPromptAnsweredWithKeys(t *testing.T) {
	a := newTestApp()
	a.feed(t, event.Event{Kind: event.KindPermissionRequest, Request: &event.Request{
		ID:        "r1",
		SessionID: a.sessionID,
		ToolName:  "Bash",
		ToolInput: json.RawMessage(`{"command":"rm -rf build"}`),
	}})
	require.NotNil(t, a.pending)

	view := a.View()
	assert.Contains(t, view, "Allow tool Bash?")
	assert.Contains(t, view, "rm -rf build")

	cmd := a.handleDecisionKey("y")
	require.NotNil(t, cmd)
	assert.Nil(t, a.pending)
}

func TestInputPromptAnsweredWithDigit(t *testing.T) {
	a := newTestApp()
	a.feed(t, event.Event{Kind: event.KindInputRequest, Request: &event.Request{
		ID:        "r2",
		SessionID: a.sessionID,
		Questions: []event.Question{{Key: "lang", Prompt: "Which language?", Options: []string{"go", "rust"}}},
	}})

	view := a.View()
	assert.Contains(t, view, "Which language?")
	assert.Contains(t, view, "[1] go")

	// Out-of-range digits are ignored, the prompt stays.
	assert.Nil(t, a.handleDecisionKey("5"))
	require.NotNil(t, a.pending)

	cmd := a.handleDecisionKey("2")
	require.NotNil(t, cmd)
	assert.Nil(t, a.pending)
}

func TestRecoveredMessagesRebuildTranscript(t *testing.T) {
	a := newTestApp()
	a.sending = true
	a.streaming.WriteString("half a sentence")

	blocks, err := store.EncodeBlocks([]store.Block{
		{Type: store.BlockToolUse, ToolUseID: "t1", ToolName: "Write"},
		{Type: store.BlockText, Text: "file written"},
	})
	require.NoError(t, err)

	model, _ := a.Update(recoveredMsg{msgs: []*store.Message{
		{Role: store.RoleUser, Content: "write a file"},
		{Role: store.RoleAssistant, Content: blocks},
	}})
	require.Same(t, a, model)

	assert.False(t, a.sending)
	assert.Zero(t, a.streaming.Len())
	texts := make([]string, len(a.lines))
	for i, l := range a.lines {
		texts[i] = l.text
	}
	assert.Equal(t, []string{
		"write a file", "tool Write ran", "file written", "recovered from server state",
	}, texts)
}

func TestFocusRegainAppliesStricterSilenceBound(t *testing.T) {
	a := newTestApp()
	a.sending = true
	a.recovery.StreamStarted()

	// A focus report with recent activity changes nothing.
	model, cmd := a.Update(tea.FocusMsg{})
	require.Same(t, a, model)
	assert.Nil(t, cmd)
	assert.Equal(t, client.StateStreaming, a.recovery.State())

	// Past the resume threshold but well under the 30s watchdog, regaining
	// focus alone must tear down the reader and start recovering.
	time.Sleep(client.ResumeThreshold + 100*time.Millisecond)
	_, cmd = a.Update(tea.FocusMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, client.StateRecovering, a.recovery.State())
	require.NotEmpty(t, a.lines)
	assert.Equal(t, "live stream lost, recovering from server state", a.lines[len(a.lines)-1].text)
}

func TestTypedInputAndEditingKeys(t *testing.T) {
	a := newTestApp()

	for _, r := range "hi there" {
		model, _ := a.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		require.Same(t, a, model)
	}
	assert.Equal(t, "hi there", a.input)

	a.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	assert.Equal(t, "hi ther", a.input)

	a.Update(tea.KeyMsg{Type: tea.KeyCtrlU})
	assert.Empty(t, a.input)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "multi line", truncate("multi\nline", 20))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklm", 10))
}
