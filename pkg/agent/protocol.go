package agent

import (
	"encoding/json"
	"fmt"

	"github.com/hatch-run/hatch/pkg/event"
)

// The agent process speaks newline-delimited JSON on stdin/stdout. Turn
// traffic flows one way (process to us); control requests flow the other
// way too, correlated by request_id.

const (
	wireTypeSystem          = "system"
	wireTypeAssistant       = "assistant"
	wireTypeUser            = "user"
	wireTypeResult          = "result"
	wireTypeStreamEvent     = "stream_event"
	wireTypeControlRequest  = "control_request"
	wireTypeControlResponse = "control_response"

	wireSubtypeInit       = "init"
	wireSubtypeCanUseTool = "can_use_tool"

	// questionToolName marks a can_use_tool request that is really a
	// question for the human, not a permission check.
	questionToolName = "AskUserQuestion"
)

// wireMessage is the envelope for every line the process emits.
type wireMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// control_request fields
	RequestID string              `json:"request_id,omitempty"`
	Request   *wireControlRequest `json:"request,omitempty"`

	// result fields
	IsError    bool       `json:"is_error,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Usage      *wireUsage `json:"usage,omitempty"`
	Result     string     `json:"result,omitempty"`
}

type wireControlRequest struct {
	Subtype               string                 `json:"subtype"`
	ToolName              string                 `json:"tool_name,omitempty"`
	Input                 map[string]interface{} `json:"input,omitempty"`
	PermissionSuggestions json.RawMessage        `json:"permission_suggestions,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// wireChatMessage is the inner message of assistant and user envelopes.
type wireChatMessage struct {
	Content []wireContentBlock `json:"content"`
}

type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// wireStreamEvent carries incremental deltas inside stream_event envelopes.
type wireStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
}

// userTurn is the single stdin message that starts a turn.
type userTurn struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

func encodeUserTurn(content string) ([]byte, error) {
	var t userTurn
	t.Type = wireTypeUser
	t.Message.Role = "user"
	t.Message.Content = content
	return json.Marshal(&t)
}

// controlResponse is written back to the process to answer a control_request.
type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string      `json:"subtype"`
	RequestID string      `json:"request_id"`
	Response  interface{} `json:"response,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// permissionResult is the allow/deny payload inside a can_use_tool response.
type permissionResult struct {
	Behavior           string                 `json:"behavior"`
	Message            string                 `json:"message,omitempty"`
	UpdatedInput       map[string]interface{} `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage        `json:"updatedPermissions,omitempty"`
}

func encodeControlSuccess(requestID string, result interface{}) ([]byte, error) {
	return json.Marshal(&controlResponse{
		Type: wireTypeControlResponse,
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  result,
		},
	})
}

func encodeControlError(requestID string, err error) ([]byte, error) {
	return json.Marshal(&controlResponse{
		Type: wireTypeControlResponse,
		Response: controlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     err.Error(),
		},
	})
}

// parseWire decodes one stdout line. It returns any number of raw messages
// and, for control_request lines, the decoded request. Unknown envelope
// types decode to nothing.
func parseWire(line []byte) (msgs []Message, ctrl *wireMessage, err error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, nil, fmt.Errorf("decode wire message: %w", err)
	}

	switch w.Type {
	case wireTypeSystem:
		if w.Subtype == wireSubtypeInit && w.SessionID != "" {
			msgs = append(msgs, Message{Type: MessageInit, SessionID: w.SessionID})
		}

	case wireTypeStreamEvent:
		var ev wireStreamEvent
		if err := json.Unmarshal(w.Event, &ev); err != nil {
			return nil, nil, fmt.Errorf("decode stream event: %w", err)
		}
		if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			msgs = append(msgs, Message{Type: MessageText, Text: ev.Delta.Text})
		}

	case wireTypeAssistant:
		var chat wireChatMessage
		if err := json.Unmarshal(w.Message, &chat); err != nil {
			return nil, nil, fmt.Errorf("decode assistant message: %w", err)
		}
		for _, block := range chat.Content {
			if block.Type != "tool_use" {
				continue
			}
			msgs = append(msgs, Message{
				Type:      MessageToolUse,
				ToolUseID: block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			})
		}

	case wireTypeUser:
		var chat wireChatMessage
		if err := json.Unmarshal(w.Message, &chat); err != nil {
			return nil, nil, fmt.Errorf("decode user message: %w", err)
		}
		for _, block := range chat.Content {
			if block.Type != "tool_result" {
				continue
			}
			msgs = append(msgs, Message{
				Type:      MessageToolResult,
				ToolUseID: block.ToolUseID,
				Content:   flattenToolResult(block.Content),
				IsError:   block.IsError,
			})
		}

	case wireTypeResult:
		m := Message{
			Type:       MessageResult,
			SessionID:  w.SessionID,
			IsError:    w.IsError,
			DurationMs: w.DurationMs,
		}
		if w.Usage != nil {
			m.Usage = event.Usage{
				InputTokens:  w.Usage.InputTokens,
				OutputTokens: w.Usage.OutputTokens,
			}
		}
		msgs = append(msgs, m)

	case wireTypeControlRequest:
		if w.Request == nil {
			return nil, nil, fmt.Errorf("control_request %s has no body", w.RequestID)
		}
		ctrl = &w
	}

	return msgs, ctrl, nil
}

// flattenToolResult renders a tool_result content field as display text.
// The field is either a plain string or a list of typed blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// parseQuestions extracts the question list from an AskUserQuestion input.
func parseQuestions(input map[string]interface{}) []event.Question {
	rawList, ok := input["questions"].([]interface{})
	if !ok {
		return nil
	}
	var qs []event.Question
	for _, item := range rawList {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		q := event.Question{}
		if v, ok := m["key"].(string); ok {
			q.Key = v
		}
		if v, ok := m["question"].(string); ok {
			q.Prompt = v
		}
		if opts, ok := m["options"].([]interface{}); ok {
			for _, o := range opts {
				switch v := o.(type) {
				case string:
					q.Options = append(q.Options, v)
				case map[string]interface{}:
					if label, ok := v["label"].(string); ok {
						q.Options = append(q.Options, label)
					}
				}
			}
		}
		if q.Key == "" {
			q.Key = q.Prompt
		}
		if q.Key != "" {
			qs = append(qs, q)
		}
	}
	return qs
}
