package turn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hatch-run/hatch/pkg/agent"
	"github.com/hatch-run/hatch/pkg/broker"
	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/log"
)

// ErrDecisionTimeout reports that no human decision arrived in time.
var ErrDecisionTimeout = errors.New("decision request timed out")

// brokerHandler bridges the agent's mid-turn control requests onto the
// decision brokers. Each request is surfaced as a stream event, parked in
// the matching broker, and held until answered, timed out, or aborted by
// turn cancellation.
type brokerHandler struct {
	turnCtx     context.Context
	sessionID   string
	permissions *broker.PermissionBroker
	inputs      *broker.InputBroker
	emit        func(event.Event)
}

func (h *brokerHandler) CanUseTool(ctx context.Context, req agent.PermissionRequest) (broker.PermissionDecision, error) {
	toolInput, err := json.Marshal(req.Input)
	if err != nil {
		return broker.PermissionDecision{}, fmt.Errorf("encode tool input: %w", err)
	}

	pending := event.Request{
		ID:        newRequestID(),
		SessionID: h.sessionID,
		ToolName:  req.ToolName,
		ToolInput: toolInput,
		CreatedAt: time.Now().UTC(),
	}
	ch := h.permissions.Open(h.turnCtx, pending)
	h.emit(event.Event{Kind: event.KindPermissionRequest, Request: &pending})
	log.Info("permission request pending", "session_id", h.sessionID, "request_id", pending.ID, "tool", req.ToolName)

	d := <-ch
	switch d.Reason {
	case broker.ReasonAnswered:
		return d.Value, nil
	case broker.ReasonTimeout:
		return broker.PermissionDecision{}, ErrDecisionTimeout
	default:
		return broker.PermissionDecision{}, context.Canceled
	}
}

func (h *brokerHandler) AnswerQuestions(ctx context.Context, req agent.QuestionRequest) (broker.InputDecision, error) {
	toolInput, err := json.Marshal(req.Input)
	if err != nil {
		return broker.InputDecision{}, fmt.Errorf("encode tool input: %w", err)
	}

	pending := event.Request{
		ID:        newRequestID(),
		SessionID: h.sessionID,
		ToolName:  req.ToolName,
		ToolInput: toolInput,
		Questions: req.Questions,
		CreatedAt: time.Now().UTC(),
	}
	ch := h.inputs.Open(h.turnCtx, pending)
	h.emit(event.Event{Kind: event.KindInputRequest, Request: &pending})
	log.Info("input request pending", "session_id", h.sessionID, "request_id", pending.ID, "questions", len(req.Questions))

	d := <-ch
	switch d.Reason {
	case broker.ReasonAnswered:
		return d.Value, nil
	case broker.ReasonTimeout:
		return broker.InputDecision{}, ErrDecisionTimeout
	default:
		return broker.InputDecision{}, context.Canceled
	}
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
