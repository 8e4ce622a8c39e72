package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWireInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"up-123"}`)
	msgs, ctrl, err := parseWire(line)
	require.NoError(t, err)
	require.Nil(t, ctrl)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageInit, msgs[0].Type)
	assert.Equal(t, "up-123", msgs[0].SessionID)
}

func TestParseWireTextDelta(t *testing.T) {
	line := []byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello "}}}`)
	msgs, _, err := parseWire(line)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageText, msgs[0].Type)
	assert.Equal(t, "hello ", msgs[0].Text)
}

func TestParseWireToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"running"},` +
		`{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}`)
	msgs, _, err := parseWire(line)
	require.NoError(t, err)
	// Prose arrives via stream deltas; only the tool_use block surfaces here.
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageToolUse, msgs[0].Type)
	assert.Equal(t, "tu-1", msgs[0].ToolUseID)
	assert.Equal(t, "Bash", msgs[0].ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(msgs[0].ToolInput))
}

func TestParseWireToolResult(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "string content",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-1","content":"ok"}]}}`,
			want: "ok",
		},
		{
			name: "block list content",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu-1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			want: "ab",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, _, err := parseWire([]byte(tt.line))
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, MessageToolResult, msgs[0].Type)
			assert.Equal(t, "tu-1", msgs[0].ToolUseID)
			assert.Equal(t, tt.want, msgs[0].Content)
		})
	}
}

func TestParseWireResult(t *testing.T) {
	line := []byte(`{"type":"result","session_id":"up-123","is_error":false,"duration_ms":4200,"usage":{"input_tokens":10,"output_tokens":25}}`)
	msgs, _, err := parseWire(line)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, MessageResult, m.Type)
	assert.Equal(t, "up-123", m.SessionID)
	assert.Equal(t, int64(4200), m.DurationMs)
	assert.Equal(t, 10, m.Usage.InputTokens)
	assert.Equal(t, 25, m.Usage.OutputTokens)
}

func TestParseWireControlRequest(t *testing.T) {
	line := []byte(`{"type":"control_request","request_id":"cr-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}`)
	msgs, ctrl, err := parseWire(line)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	require.NotNil(t, ctrl)
	assert.Equal(t, "cr-1", ctrl.RequestID)
	assert.Equal(t, wireSubtypeCanUseTool, ctrl.Request.Subtype)
	assert.Equal(t, "Bash", ctrl.Request.ToolName)
}

func TestParseWireUnknownTypeIgnored(t *testing.T) {
	msgs, ctrl, err := parseWire([]byte(`{"type":"keepalive"}`))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Nil(t, ctrl)
}

func TestParseWireMalformed(t *testing.T) {
	_, _, err := parseWire([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestEncodeUserTurn(t *testing.T) {
	raw, err := encodeUserTurn("fix the race")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "user", decoded["type"])
	msg := decoded["message"].(map[string]interface{})
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "fix the race", msg["content"])
}

func TestEncodeControlResponses(t *testing.T) {
	raw, err := encodeControlSuccess("cr-1", permissionResult{Behavior: "allow"})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"control_response","response":{"subtype":"success","request_id":"cr-1","response":{"behavior":"allow"}}}`,
		string(raw))

	raw, err = encodeControlError("cr-2", assert.AnError)
	require.NoError(t, err)
	var decoded controlResponse
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded.Response.Subtype)
	assert.Equal(t, "cr-2", decoded.Response.RequestID)
	assert.NotEmpty(t, decoded.Response.Error)
}

func TestParseQuestions(t *testing.T) {
	input := map[string]interface{}{
		"questions": []interface{}{
			map[string]interface{}{
				"key":      "framework",
				"question": "Which test framework?",
				"options":  []interface{}{"stdlib", "testify"},
			},
			map[string]interface{}{
				"question": "Keep going?",
				"options": []interface{}{
					map[string]interface{}{"label": "yes"},
					map[string]interface{}{"label": "no"},
				},
			},
		},
	}
	qs := parseQuestions(input)
	require.Len(t, qs, 2)
	assert.Equal(t, "framework", qs[0].Key)
	assert.Equal(t, []string{"stdlib", "testify"}, qs[0].Options)
	// Missing key falls back to the prompt text.
	assert.Equal(t, "Keep going?", qs[1].Key)
	assert.Equal(t, []string{"yes", "no"}, qs[1].Options)

	assert.Nil(t, parseQuestions(map[string]interface{}{"other": 1}))
}
