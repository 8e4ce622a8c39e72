package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/config"
	"github.com/hatch-run/hatch/pkg/log"
)

const (
	// stdout lines can carry whole file contents inside tool results.
	scanBufferSize  = 128 * 1024
	maxScanTokenLen = 10 * 1024 * 1024

	stderrChunkSize = 4 * 1024
)

// ProcessRunner runs each turn as one agent subprocess speaking
// newline-delimited JSON on stdin/stdout.
type ProcessRunner struct {
	command string
	args    []string
}

// NewProcessRunner builds a runner from the agent configuration.
func NewProcessRunner(cfg config.AgentConfig) *ProcessRunner {
	return &ProcessRunner{command: cfg.Command, args: cfg.Args}
}

func (r *ProcessRunner) buildArgs(req TurnRequest) []string {
	args := append([]string{}, r.args...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	mode := req.Mode
	if mode == "" {
		mode = PermissionDefault
	}
	args = append(args, "--permission-mode", string(mode))
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return args
}

// Run starts the process, feeds it the user turn, and streams raw messages
// until the process exits. Control requests are answered inline via h.
func (r *ProcessRunner) Run(ctx context.Context, req TurnRequest, h DecisionHandler) (<-chan Message, error) {
	cmd := exec.CommandContext(ctx, r.command, r.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	if req.ToolTimeout > 0 {
		cmd.Env = append(cmd.Env,
			"BASH_DEFAULT_TIMEOUT_MS="+strconv.FormatInt(req.ToolTimeout.Milliseconds(), 10))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process %q: %w", r.command, err)
	}
	log.Debug("agent process started", "command", r.command, "pid", cmd.Process.Pid, "session_id", req.SessionID)

	t := &turnProcess{
		cmd:     cmd,
		stdin:   stdin,
		handler: h,
		out:     make(chan Message, 64),
		started: time.Now(),
	}

	turn, err := encodeUserTurn(req.Content)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	if err := t.writeLine(turn); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("send user turn: %w", err)
	}

	go t.readStderr(ctx, stderr)
	go t.readStdout(ctx, stdout)
	return t.out, nil
}

// turnProcess is the per-turn state of one running agent subprocess.
type turnProcess struct {
	cmd     *exec.Cmd
	handler DecisionHandler

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	out     chan Message
	started time.Time
}

func (t *turnProcess) writeLine(line []byte) error {
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if _, err := t.stdin.Write(line); err != nil {
		return err
	}
	_, err := t.stdin.Write([]byte("\n"))
	return err
}

func (t *turnProcess) emit(ctx context.Context, m Message) {
	select {
	case t.out <- m:
	case <-ctx.Done():
	}
}

// readStdout is the main loop. It closes the output channel when the
// process is done, after folding in the exit status.
func (t *turnProcess) readStdout(ctx context.Context, stdout io.Reader) {
	defer close(t.out)

	var ctrlWG sync.WaitGroup

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufferSize), maxScanTokenLen)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msgs, ctrl, err := parseWire(line)
		if err != nil {
			log.Warn("skipping malformed agent output", "error", err)
			continue
		}
		for _, m := range msgs {
			t.emit(ctx, m)
		}
		if ctrl != nil {
			// Decisions can block on a human for minutes; the read loop
			// must keep draining turn traffic meanwhile.
			ctrlWG.Add(1)
			go func(w wireMessage) {
				defer ctrlWG.Done()
				t.handleControl(ctx, w)
			}(*ctrl)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.emit(ctx, Message{Type: MessageError, Text: fmt.Sprintf("read agent output: %v", err)})
	}

	ctrlWG.Wait()
	t.stdin.Close()

	if err := t.cmd.Wait(); err != nil && ctx.Err() == nil {
		t.emit(ctx, Message{Type: MessageError, Text: fmt.Sprintf("agent process: %v", err), IsError: true})
	}
}

// readStderr forwards process diagnostics as tool output chunks.
func (t *turnProcess) readStderr(ctx context.Context, stderr io.Reader) {
	buf := make([]byte, stderrChunkSize)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			t.emit(ctx, Message{
				Type:       MessageToolOutput,
				Text:       string(buf[:n]),
				DurationMs: time.Since(t.started).Milliseconds(),
			})
		}
		if err != nil {
			return
		}
	}
}

// handleControl answers one control_request. Handler failures become
// denials so the process always gets an answer and the turn can continue.
func (t *turnProcess) handleControl(ctx context.Context, w wireMessage) {
	var reply []byte
	var err error

	switch w.Request.Subtype {
	case wireSubtypeCanUseTool:
		result := t.decideToolUse(ctx, w.Request)
		reply, err = encodeControlSuccess(w.RequestID, result)
	default:
		reply, err = encodeControlError(w.RequestID,
			fmt.Errorf("unsupported control request subtype %q", w.Request.Subtype))
	}
	if err != nil {
		log.Error("encode control response", "request_id", w.RequestID, "error", err)
		return
	}
	if err := t.writeLine(reply); err != nil && ctx.Err() == nil {
		log.Error("write control response", "request_id", w.RequestID, "error", err)
	}
}

func (t *turnProcess) decideToolUse(ctx context.Context, req *wireControlRequest) permissionResult {
	if req.ToolName == questionToolName {
		return t.decideQuestions(ctx, req)
	}

	var suggestions []broker.PermissionUpdate
	if len(req.PermissionSuggestions) > 0 {
		if err := json.Unmarshal(req.PermissionSuggestions, &suggestions); err != nil {
			log.Warn("ignoring malformed permission suggestions", "error", err)
		}
	}

	decision, err := t.handler.CanUseTool(ctx, PermissionRequest{
		ToolName:    req.ToolName,
		Input:       req.Input,
		Suggestions: suggestions,
	})
	if err != nil {
		return permissionResult{Behavior: "deny", Message: err.Error()}
	}
	if !decision.Allow {
		msg := decision.Message
		if msg == "" {
			msg = "denied"
		}
		return permissionResult{Behavior: "deny", Message: msg}
	}

	result := permissionResult{Behavior: "allow", UpdatedInput: decision.UpdatedInput}
	if result.UpdatedInput == nil {
		result.UpdatedInput = req.Input
	}
	if len(decision.UpdatedPermissions) > 0 {
		if raw, err := json.Marshal(decision.UpdatedPermissions); err == nil {
			result.UpdatedPermissions = raw
		}
	}
	return result
}

func (t *turnProcess) decideQuestions(ctx context.Context, req *wireControlRequest) permissionResult {
	decision, err := t.handler.AnswerQuestions(ctx, QuestionRequest{
		ToolName:  req.ToolName,
		Input:     req.Input,
		Questions: parseQuestions(req.Input),
	})
	if err != nil {
		return permissionResult{Behavior: "deny", Message: err.Error()}
	}

	// Answers ride back inside the tool input so the agent sees the
	// human's choices as the tool's return value.
	updated := make(map[string]interface{}, len(req.Input)+1)
	for k, v := range req.Input {
		updated[k] = v
	}
	updated["answers"] = decision.Answers
	return permissionResult{Behavior: "allow", UpdatedInput: updated}
}
