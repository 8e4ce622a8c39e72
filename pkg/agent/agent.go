// Package agent wraps the external coding-agent process behind a Runner
// interface. The rest of the system treats the agent as an opaque source of
// raw turn messages plus a control channel for mid-turn decisions.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/event"
)

// PermissionMode is the stance handed to the agent for a turn.
type PermissionMode string

const (
	// PermissionDefault prompts for every non-read tool.
	PermissionDefault PermissionMode = "default"
	// PermissionPlan forbids writes; the agent plans without executing.
	PermissionPlan PermissionMode = "plan"
	// PermissionAcceptEdits auto-accepts file edits.
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	// PermissionBypass skips permission checks entirely.
	PermissionBypass PermissionMode = "bypassPermissions"
)

// TurnRequest carries everything the agent needs to run one turn.
type TurnRequest struct {
	SessionID string
	WorkDir   string
	Model     string
	Mode      PermissionMode
	// ResumeSessionID resumes agent-side context from a prior turn.
	ResumeSessionID string
	Content         string
	ToolTimeout     time.Duration
}

// MessageType discriminates raw agent messages.
type MessageType string

const (
	// MessageInit reports the agent-side session id once the process is up.
	MessageInit MessageType = "init"
	// MessageText is an incremental prose chunk.
	MessageText MessageType = "text"
	// MessageToolUse announces a tool invocation.
	MessageToolUse MessageType = "tool_use"
	// MessageToolResult reports a finished tool invocation.
	MessageToolResult MessageType = "tool_result"
	// MessageToolOutput is a stderr-like progress chunk.
	MessageToolOutput MessageType = "tool_output"
	// MessageResult is the terminal turn summary.
	MessageResult MessageType = "result"
	// MessageError reports an agent-side failure.
	MessageError MessageType = "error"
)

// Message is one raw event from the agent process, before normalization
// into the outward event vocabulary.
type Message struct {
	Type       MessageType
	SessionID  string
	Text       string
	ToolUseID  string
	ToolName   string
	ToolInput  json.RawMessage
	Content    string
	IsError    bool
	Usage      event.Usage
	DurationMs int64
}

// PermissionRequest asks whether the agent may run a tool.
type PermissionRequest struct {
	ToolName    string
	Input       map[string]interface{}
	Suggestions []broker.PermissionUpdate
}

// QuestionRequest asks the human to answer the agent's questions.
type QuestionRequest struct {
	ToolName  string
	Input     map[string]interface{}
	Questions []event.Question
}

// DecisionHandler receives mid-turn interactive requests. Implementations
// may block until a human decision arrives; the agent process waits on its
// side of the control channel meanwhile.
type DecisionHandler interface {
	// CanUseTool decides a tool permission request.
	CanUseTool(ctx context.Context, req PermissionRequest) (broker.PermissionDecision, error)
	// AnswerQuestions answers a multi-choice question request.
	AnswerQuestions(ctx context.Context, req QuestionRequest) (broker.InputDecision, error)
}

// Runner executes agent turns. The returned channel closes when the turn
// ends; cancelling ctx terminates the underlying process.
type Runner interface {
	Run(ctx context.Context, req TurnRequest, h DecisionHandler) (<-chan Message, error)
}
