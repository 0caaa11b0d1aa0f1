package session

import (
	"testing"

	"codi/internal/types"
)

func TestSaveAndLoad(t *testing.T) {
	store := NewStore(t.TempDir())
	sess := &Session{
		Name:  "work",
		Model: "claude-sonnet-4-5",
		Messages: []types.Message{
			types.UserMessage("hello"),
			types.AssistantMessage("hi"),
		},
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if sess.Created.IsZero() || sess.Updated.IsZero() {
		t.Errorf("timestamps not stamped: %+v", sess)
	}

	loaded, err := store.Load("work")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Messages) != 2 || loaded.Model != "claude-sonnet-4-5" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoad_FiltersOrphanedToolResults(t *testing.T) {
	store := NewStore(t.TempDir())
	sess := &Session{
		Name: "compacted",
		Messages: []types.Message{
			types.AssistantMessage("[conversation summary] earlier work"),
			{Role: types.RoleUser, Blocks: []types.ContentBlock{
				types.ToolResultBlock("gone-tool-use", "stale", false),
			}},
			{Role: types.RoleAssistant, Blocks: []types.ContentBlock{
				types.ToolUseBlock("live", "read", []byte(`{}`)),
			}},
			{Role: types.RoleUser, Blocks: []types.ContentBlock{
				types.ToolResultBlock("live", "fresh", false),
			}},
		},
	}
	if err := store.Save(sess); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load("compacted")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range loaded.Messages {
		for _, blk := range m.Blocks {
			if blk.Type == types.BlockToolResult && blk.ToolUseID == "gone-tool-use" {
				t.Errorf("orphaned tool_result survived load")
			}
		}
	}
	// The paired tool_result is kept.
	var keptLive bool
	for _, m := range loaded.Messages {
		for _, blk := range m.Blocks {
			if blk.Type == types.BlockToolResult && blk.ToolUseID == "live" {
				keptLive = true
			}
		}
	}
	if !keptLive {
		t.Errorf("paired tool_result should survive load")
	}
}

func TestList_Empty(t *testing.T) {
	store := NewStore(t.TempDir() + "/missing")
	names, err := store.List()
	if err != nil || names != nil {
		t.Errorf("empty list = %v, %v", names, err)
	}
}
