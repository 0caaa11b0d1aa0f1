// Package types holds the shared data model for the codi core: conversation
// messages with their content blocks, and the worker/reader structures
// exchanged between the orchestrator and its children.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags a content block variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one element of a message's block sequence. Exactly the
// fields for its Type are populated.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation turn. Content is either plain text (Text set,
// Blocks empty) or an ordered block sequence.
type Message struct {
	Role   Role           `json:"role"`
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// AssistantMessage builds a plain-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Text: text}
}

// JoinedText concatenates all textual content of the message: the plain text
// if set, otherwise the text of every text block and the content of every
// tool_result block, in order.
func (m Message) JoinedText() string {
	if len(m.Blocks) == 0 {
		return m.Text
	}
	var b strings.Builder
	for _, blk := range m.Blocks {
		switch blk.Type {
		case BlockText:
			b.WriteString(blk.Text)
		case BlockToolResult:
			b.WriteString(blk.Content)
		}
	}
	return b.String()
}

// MapText applies fn to every textual payload of the message (plain text,
// text blocks, tool_result contents) and returns the rewritten message. The
// block structure is preserved.
func (m Message) MapText(fn func(string) string) Message {
	out := m
	if len(m.Blocks) == 0 {
		out.Text = fn(m.Text)
		return out
	}
	out.Blocks = make([]ContentBlock, len(m.Blocks))
	for i, blk := range m.Blocks {
		switch blk.Type {
		case BlockText:
			blk.Text = fn(blk.Text)
		case BlockToolResult:
			blk.Content = fn(blk.Content)
		}
		out.Blocks[i] = blk
	}
	return out
}

// FilterOrphanedToolResults drops every tool_result block whose tool_use_id
// has no preceding tool_use block in the message slice. Messages left with no
// blocks and no text are removed entirely. Compaction replaces summarized
// windows with plain text, so the tool_use half of a pair can disappear;
// providers that require strict pairing reject such histories.
func FilterOrphanedToolResults(messages []Message) []Message {
	seen := make(map[string]bool)
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if len(m.Blocks) == 0 {
			out = append(out, m)
			continue
		}
		kept := make([]ContentBlock, 0, len(m.Blocks))
		for _, blk := range m.Blocks {
			switch blk.Type {
			case BlockToolUse:
				seen[blk.ID] = true
				kept = append(kept, blk)
			case BlockToolResult:
				if seen[blk.ToolUseID] {
					kept = append(kept, blk)
				}
			default:
				kept = append(kept, blk)
			}
		}
		if len(kept) == 0 && m.Text == "" {
			continue
		}
		m.Blocks = kept
		out = append(out, m)
	}
	return out
}

// Validate reports structural problems with a message.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid role: %q", m.Role)
	}
	for i, blk := range m.Blocks {
		switch blk.Type {
		case BlockText, BlockImage:
		case BlockToolUse:
			if blk.ID == "" || blk.Name == "" {
				return fmt.Errorf("block %d: tool_use requires id and name", i)
			}
		case BlockToolResult:
			if blk.ToolUseID == "" {
				return fmt.Errorf("block %d: tool_result requires tool_use_id", i)
			}
		default:
			return fmt.Errorf("block %d: unknown type %q", i, blk.Type)
		}
	}
	return nil
}
