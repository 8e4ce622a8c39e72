package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/config"
)

type fakeHandler struct {
	permission broker.PermissionDecision
	permErr    error
	input      broker.InputDecision
	inputErr   error

	gotPermission *PermissionRequest
	gotQuestions  *QuestionRequest
}

func (f *fakeHandler) CanUseTool(_ context.Context, req PermissionRequest) (broker.PermissionDecision, error) {
	f.gotPermission = &req
	return f.permission, f.permErr
}

func (f *fakeHandler) AnswerQuestions(_ context.Context, req QuestionRequest) (broker.InputDecision, error) {
	f.gotQuestions = &req
	return f.input, f.inputErr
}

func TestBuildArgs(t *testing.T) {
	r := NewProcessRunner(config.AgentConfig{Command: "claude", Args: []string{"--extra"}})

	args := r.buildArgs(TurnRequest{
		Model:           "claude-sonnet-4-5",
		Mode:            PermissionPlan,
		ResumeSessionID: "up-1",
		ToolTimeout:     time.Minute,
	})

	assert.Equal(t, "--extra", args[0])
	assert.Contains(t, args, "--output-format")
	assert.Contains(t, args, "stream-json")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "claude-sonnet-4-5")
	assert.Contains(t, args, "--permission-mode")
	assert.Contains(t, args, "plan")
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "up-1")
}

func TestBuildArgsDefaults(t *testing.T) {
	r := NewProcessRunner(config.AgentConfig{Command: "claude"})
	args := r.buildArgs(TurnRequest{})
	assert.Contains(t, args, "default")
	assert.NotContains(t, args, "--resume")
	assert.NotContains(t, args, "--model")
}

func TestDecideToolUseAllow(t *testing.T) {
	h := &fakeHandler{permission: broker.PermissionDecision{Allow: true}}
	tp := &turnProcess{handler: h}

	result := tp.decideToolUse(context.Background(), &wireControlRequest{
		Subtype:  wireSubtypeCanUseTool,
		ToolName: "Bash",
		Input:    map[string]interface{}{"command": "ls"},
	})

	assert.Equal(t, "allow", result.Behavior)
	// The original input echoes back when the human did not edit it.
	assert.Equal(t, "ls", result.UpdatedInput["command"])
	require.NotNil(t, h.gotPermission)
	assert.Equal(t, "Bash", h.gotPermission.ToolName)
}

func TestDecideToolUseAllowWithEditedInput(t *testing.T) {
	h := &fakeHandler{permission: broker.PermissionDecision{
		Allow:        true,
		UpdatedInput: map[string]interface{}{"command": "ls -la"},
	}}
	tp := &turnProcess{handler: h}

	result := tp.decideToolUse(context.Background(), &wireControlRequest{
		ToolName: "Bash",
		Input:    map[string]interface{}{"command": "ls"},
	})
	assert.Equal(t, "ls -la", result.UpdatedInput["command"])
}

func TestDecideToolUseDeny(t *testing.T) {
	h := &fakeHandler{permission: broker.PermissionDecision{Allow: false, Message: "not in this repo"}}
	tp := &turnProcess{handler: h}

	result := tp.decideToolUse(context.Background(), &wireControlRequest{ToolName: "Bash"})
	assert.Equal(t, "deny", result.Behavior)
	assert.Equal(t, "not in this repo", result.Message)
}

func TestDecideToolUseHandlerErrorDenies(t *testing.T) {
	h := &fakeHandler{permErr: errors.New("request timed out")}
	tp := &turnProcess{handler: h}

	result := tp.decideToolUse(context.Background(), &wireControlRequest{ToolName: "Write"})
	assert.Equal(t, "deny", result.Behavior)
	assert.Equal(t, "request timed out", result.Message)
}

func TestDecideQuestions(t *testing.T) {
	h := &fakeHandler{input: broker.InputDecision{Answers: map[string]string{"framework": "testify"}}}
	tp := &turnProcess{handler: h}

	result := tp.decideToolUse(context.Background(), &wireControlRequest{
		ToolName: questionToolName,
		Input: map[string]interface{}{
			"questions": []interface{}{
				map[string]interface{}{
					"key":      "framework",
					"question": "Which test framework?",
					"options":  []interface{}{"stdlib", "testify"},
				},
			},
		},
	})

	assert.Equal(t, "allow", result.Behavior)
	assert.Equal(t, map[string]string{"framework": "testify"},
		result.UpdatedInput["answers"])
	require.NotNil(t, h.gotQuestions)
	require.Len(t, h.gotQuestions.Questions, 1)
	assert.Equal(t, "framework", h.gotQuestions.Questions[0].Key)
	assert.Nil(t, h.gotPermission)
}

func TestDecideQuestionsHandlerErrorDenies(t *testing.T) {
	h := &fakeHandler{inputErr: errors.New("aborted")}
	tp := &turnProcess{handler: h}

	result := tp.decideToolUse(context.Background(), &wireControlRequest{
		ToolName: questionToolName,
		Input:    map[string]interface{}{},
	})
	assert.Equal(t, "deny", result.Behavior)
}
