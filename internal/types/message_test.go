package types

import (
	"testing"
)

func TestJoinedText(t *testing.T) {
	plain := UserMessage("hello")
	if plain.JoinedText() != "hello" {
		t.Errorf("plain text = %q", plain.JoinedText())
	}

	blocks := Message{Role: RoleAssistant, Blocks: []ContentBlock{
		TextBlock("a"),
		ToolUseBlock("t1", "read", []byte(`{}`)),
		ToolResultBlock("t1", "b", false),
		TextBlock("c"),
	}}
	if got := blocks.JoinedText(); got != "abc" {
		t.Errorf("joined = %q, want abc", got)
	}
}

func TestMapText_PreservesStructure(t *testing.T) {
	m := Message{Role: RoleAssistant, Blocks: []ContentBlock{
		TextBlock("xx"),
		ToolUseBlock("t1", "read", []byte(`{"path":"xx"}`)),
		ToolResultBlock("t1", "xx", true),
	}}
	out := m.MapText(func(s string) string { return "yy" })

	if len(out.Blocks) != 3 {
		t.Fatalf("block count changed")
	}
	if out.Blocks[0].Text != "yy" || out.Blocks[2].Content != "yy" {
		t.Errorf("text payloads not mapped: %+v", out.Blocks)
	}
	if string(out.Blocks[1].Input) != `{"path":"xx"}` {
		t.Errorf("tool_use input must not be rewritten")
	}
	if !out.Blocks[2].IsError {
		t.Errorf("is_error flag lost")
	}
	// Original untouched.
	if m.Blocks[0].Text != "xx" {
		t.Errorf("MapText mutated the receiver")
	}
}

func TestFilterOrphanedToolResults(t *testing.T) {
	messages := []Message{
		{Role: RoleAssistant, Blocks: []ContentBlock{ToolUseBlock("a", "read", []byte(`{}`))}},
		{Role: RoleUser, Blocks: []ContentBlock{ToolResultBlock("a", "paired", false)}},
		{Role: RoleUser, Blocks: []ContentBlock{ToolResultBlock("ghost", "orphaned", false)}},
		{Role: RoleUser, Blocks: []ContentBlock{
			ToolResultBlock("ghost2", "also orphaned", false),
			TextBlock("keep me"),
		}},
	}

	out := FilterOrphanedToolResults(messages)

	// Paired result survives.
	if len(out[1].Blocks) != 1 || out[1].Blocks[0].ToolUseID != "a" {
		t.Errorf("paired result lost: %+v", out[1])
	}
	// The message that becomes empty is dropped entirely.
	if len(out) != 3 {
		t.Fatalf("expected 3 messages after filtering, got %d", len(out))
	}
	// Mixed message keeps its text block only.
	last := out[2]
	if len(last.Blocks) != 1 || last.Blocks[0].Type != BlockText {
		t.Errorf("mixed message = %+v", last)
	}
}

func TestFilterOrphanedToolResults_OrderMatters(t *testing.T) {
	// A tool_result BEFORE its tool_use is still orphaned.
	messages := []Message{
		{Role: RoleUser, Blocks: []ContentBlock{ToolResultBlock("x", "early", false)}},
		{Role: RoleAssistant, Blocks: []ContentBlock{ToolUseBlock("x", "read", []byte(`{}`))}},
	}
	out := FilterOrphanedToolResults(messages)
	for _, m := range out {
		for _, blk := range m.Blocks {
			if blk.Type == BlockToolResult {
				t.Errorf("tool_result preceding its tool_use must be dropped")
			}
		}
	}
}

func TestValidate(t *testing.T) {
	bad := Message{Role: "narrator"}
	if err := bad.Validate(); err == nil {
		t.Errorf("invalid role should fail")
	}
	missing := Message{Role: RoleAssistant, Blocks: []ContentBlock{{Type: BlockToolUse}}}
	if err := missing.Validate(); err == nil {
		t.Errorf("tool_use without id should fail")
	}
	ok := Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock("x")}}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
}

func TestWorkerStatusTerminal(t *testing.T) {
	for _, s := range []WorkerStatus{StatusComplete, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []WorkerStatus{StatusStarting, StatusIdle, StatusThinking, StatusToolCall, StatusWaitingPermission} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
