package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType discriminates message content blocks.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one element of a structured assistant message.
type Block struct {
	Type       BlockType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// EncodeBlocks serializes a block list into message content.
func EncodeBlocks(blocks []Block) (string, error) {
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("failed to encode content blocks: %w", err)
	}
	return string(data), nil
}

// DecodeBlocks parses message content as a block list. ok is false when the
// content is plain text.
func DecodeBlocks(content string) (blocks []Block, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return nil, false
	}
	for _, b := range blocks {
		switch b.Type {
		case BlockText, BlockToolUse, BlockToolResult:
		default:
			return nil, false
		}
	}
	return blocks, true
}

// FoldBlocks reduces an accumulated block list into message content: plain
// text when no tool blocks were produced, otherwise the encoded block list
// with adjacent text blocks merged in order.
func FoldBlocks(blocks []Block) (string, error) {
	merged := mergeText(blocks)

	hasTools := false
	for _, b := range merged {
		if b.Type != BlockText {
			hasTools = true
			break
		}
	}
	if !hasTools {
		var sb strings.Builder
		for _, b := range merged {
			sb.WriteString(b.Text)
		}
		return sb.String(), nil
	}
	return EncodeBlocks(merged)
}

func mergeText(blocks []Block) []Block {
	var out []Block
	for _, b := range blocks {
		if b.Type == BlockText && len(out) > 0 && out[len(out)-1].Type == BlockText {
			out[len(out)-1].Text += b.Text
			continue
		}
		out = append(out, b)
	}
	return out
}
