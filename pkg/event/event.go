// Package event defines the outward event vocabulary for an agent turn and
// the NDJSON framing used to deliver it. One turn produces one ordered
// sequence of events terminated by a done event.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates between event kinds.
type Kind string

const (
	// KindText carries an incremental chunk of assistant prose.
	KindText Kind = "text"
	// KindToolUse announces a new in-flight tool call.
	KindToolUse Kind = "tool_use"
	// KindToolResult closes an in-flight tool call.
	KindToolResult Kind = "tool_result"
	// KindToolOutput carries ephemeral tool progress; never persisted.
	KindToolOutput Kind = "tool_output"
	// KindStatus carries free-form status, possibly an upstream session id.
	KindStatus Kind = "status"
	// KindPermissionRequest asks the consumer to resolve a tool permission.
	KindPermissionRequest Kind = "permission_request"
	// KindInputRequest asks the consumer to answer a question.
	KindInputRequest Kind = "input_request"
	// KindResult carries the final usage summary for the turn.
	KindResult Kind = "result"
	// KindError carries a human-readable error; non-fatal to the stream.
	KindError Kind = "error"
	// KindDone marks turn closure; no further events follow.
	KindDone Kind = "done"
)

// Event is one typed, ordered unit of a turn's live output stream.
// Exactly one payload field is set, matching Kind.
type Event struct {
	Kind       Kind        `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	ToolOutput *ToolOutput `json:"tool_output,omitempty"`
	Status     *Status     `json:"status,omitempty"`
	Request    *Request    `json:"request,omitempty"`
	Result     *Result     `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// ToolUse announces a tool invocation.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult closes the tool invocation with the matching ToolUseID.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolOutput is a raw progress chunk from a running tool.
type ToolOutput struct {
	ToolName  string `json:"tool_name,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// Status is a transient status update. UpstreamSessionID, when present, must
// be persisted onto the session immediately so a later turn can resume the
// agent-side context.
type Status struct {
	Message           string `json:"message,omitempty"`
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`
}

// Request is the pending interactive request payload surfaced to consumers.
type Request struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Questions []Question      `json:"questions,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Question is one multiple-choice question inside an input request.
type Question struct {
	Key     string   `json:"key"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// Usage summarizes token consumption for a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Result is the terminal summary of a turn.
type Result struct {
	Usage             Usage  `json:"usage"`
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`
	DurationMs        int64  `json:"duration_ms,omitempty"`
	IsError           bool   `json:"is_error,omitempty"`
}

// NewText builds a text event.
func NewText(chunk string) Event {
	return Event{Kind: KindText, Text: chunk}
}

// NewToolUse builds a tool_use event.
func NewToolUse(id, name string, input json.RawMessage) Event {
	return Event{Kind: KindToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// NewToolResult builds a tool_result event.
func NewToolResult(toolUseID string, content json.RawMessage, isError bool) Event {
	return Event{Kind: KindToolResult, ToolResult: &ToolResult{
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	}}
}

// NewStatus builds a status event.
func NewStatus(message, upstreamSessionID string) Event {
	return Event{Kind: KindStatus, Status: &Status{
		Message:           message,
		UpstreamSessionID: upstreamSessionID,
	}}
}

// NewError builds an error event.
func NewError(message string) Event {
	return Event{Kind: KindError, Error: message}
}

// NewDone builds the terminal done event.
func NewDone() Event {
	return Event{Kind: KindDone}
}

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	return e.Kind == KindDone
}

// Validate checks that the event carries the payload its kind requires.
func (e Event) Validate() error {
	switch e.Kind {
	case KindText:
		// empty chunks are legal
		return nil
	case KindToolUse:
		if e.ToolUse == nil || e.ToolUse.ID == "" {
			return fmt.Errorf("tool_use event missing id")
		}
	case KindToolResult:
		if e.ToolResult == nil || e.ToolResult.ToolUseID == "" {
			return fmt.Errorf("tool_result event missing tool_use_id")
		}
	case KindPermissionRequest, KindInputRequest:
		if e.Request == nil || e.Request.ID == "" {
			return fmt.Errorf("%s event missing request id", e.Kind)
		}
	case KindResult:
		if e.Result == nil {
			return fmt.Errorf("result event missing payload")
		}
	case KindToolOutput, KindStatus, KindError, KindDone:
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
