package turn

import (
	"time"

	"github.com/hatch-run/hatch/pkg/event"
	"github.com/hatch-run/hatch/pkg/store"
)

// collector folds a turn's event stream into the durable record. Transient
// kinds (tool_output, status text, interactive requests, done) leave no
// trace; everything else accumulates into content blocks.
type collector struct {
	st        store.Store
	sessionID string

	blocks   []store.Block
	usage    *event.Usage
	errText  string
	upstream string
}

func newCollector(st store.Store, sessionID string) *collector {
	return &collector{st: st, sessionID: sessionID}
}

func (c *collector) observe(ev event.Event) error {
	switch ev.Kind {
	case event.KindText:
		if ev.Text != "" {
			c.blocks = append(c.blocks, store.Block{Type: store.BlockText, Text: ev.Text})
		}
	case event.KindToolUse:
		c.blocks = append(c.blocks, store.Block{
			Type:      store.BlockToolUse,
			ToolUseID: ev.ToolUse.ID,
			ToolName:  ev.ToolUse.Name,
			ToolInput: ev.ToolUse.Input,
		})
	case event.KindToolResult:
		c.blocks = append(c.blocks, store.Block{
			Type:       store.BlockToolResult,
			ToolUseID:  ev.ToolResult.ToolUseID,
			ToolResult: ev.ToolResult.Content,
			IsError:    ev.ToolResult.IsError,
		})
	case event.KindStatus:
		if id := ev.Status.UpstreamSessionID; id != "" && id != c.upstream {
			c.upstream = id
			// Persisted right away so a later turn can resume agent-side
			// context even if this turn dies mid-flight.
			return c.persistUpstream(id)
		}
	case event.KindResult:
		u := ev.Result.Usage
		c.usage = &u
		if id := ev.Result.UpstreamSessionID; id != "" && id != c.upstream {
			c.upstream = id
			return c.persistUpstream(id)
		}
	case event.KindError:
		if c.errText == "" {
			c.errText = ev.Error
		}
	}
	return nil
}

func (c *collector) persistUpstream(id string) error {
	sess, err := c.st.GetSession(c.sessionID)
	if err != nil {
		return err
	}
	sess.UpstreamSessionID = id
	sess.UpdatedAt = time.Now().UTC()
	return c.st.UpdateSession(sess)
}

// finish writes the assistant message built from the accumulated blocks.
// Error text is folded in as a trailing text block so a failed turn still
// leaves a durable record; only a turn cancelled before any output and
// without an error leaves no assistant message behind.
func (c *collector) finish() error {
	if c.errText != "" {
		text := c.errText
		if len(c.blocks) > 0 {
			text = "\n" + text
		}
		c.blocks = append(c.blocks, store.Block{Type: store.BlockText, Text: text})
	}
	if len(c.blocks) == 0 {
		return nil
	}
	content, err := store.FoldBlocks(c.blocks)
	if err != nil {
		return err
	}
	return c.st.AppendMessage(&store.Message{
		SessionID: c.sessionID,
		Role:      store.RoleAssistant,
		Content:   content,
		Usage:     c.usage,
	})
}
