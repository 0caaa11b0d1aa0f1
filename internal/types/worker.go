package types

import (
	"time"
)

// WorkerStatus is the lifecycle state of a child agent.
type WorkerStatus string

const (
	StatusStarting          WorkerStatus = "starting"
	StatusIdle              WorkerStatus = "idle"
	StatusThinking          WorkerStatus = "thinking"
	StatusToolCall          WorkerStatus = "tool_call"
	StatusWaitingPermission WorkerStatus = "waiting_permission"
	StatusComplete          WorkerStatus = "complete"
	StatusFailed            WorkerStatus = "failed"
	StatusCancelled         WorkerStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TokenUsage tracks input/output token consumption.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
}

// WorkerConfig describes a writer child to spawn. Workers run in an isolated
// git worktree on their own branch.
type WorkerConfig struct {
	ID               string   `json:"id"`
	Branch           string   `json:"branch"`
	Task             string   `json:"task"`
	BaseBranch       string   `json:"base_branch"`
	Model            string   `json:"model,omitempty"`
	AutoApproveTools []string `json:"auto_approve_tools,omitempty"`
}

// WorkerState is the orchestrator's live view of one worker.
type WorkerState struct {
	Config      WorkerConfig `json:"config"`
	Status      WorkerStatus `json:"status"`
	CurrentTool string       `json:"current_tool,omitempty"`
	Progress    int          `json:"progress,omitempty"` // 0..100
	TokensUsed  TokenUsage   `json:"tokens_used"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// WorkerResult is the aggregate emitted when a worker reaches a terminal
// state.
type WorkerResult struct {
	WorkerID      string     `json:"worker_id"`
	Branch        string     `json:"branch"`
	Success       bool       `json:"success"`
	DurationMs    int64      `json:"duration_ms"`
	ToolCallCount int        `json:"tool_call_count"`
	TokensUsed    TokenUsage `json:"tokens_used"`
	Commits       []string   `json:"commits,omitempty"`
	FilesChanged  []string   `json:"files_changed,omitempty"`
	PRURL         string     `json:"pr_url,omitempty"`
	Response      string     `json:"response"`
	Error         string     `json:"error,omitempty"`
}

// ReaderConfig describes a read-only child. Readers run in place with a
// restricted tool set bounded by ScopePrefix.
type ReaderConfig struct {
	ID               string   `json:"id"`
	Task             string   `json:"task"`
	ScopePrefix      string   `json:"scope_prefix,omitempty"`
	Model            string   `json:"model,omitempty"`
	AutoApproveTools []string `json:"auto_approve_tools,omitempty"`
}

// ReaderState is the orchestrator's live view of one reader.
type ReaderState struct {
	Config      ReaderConfig `json:"config"`
	Status      WorkerStatus `json:"status"`
	CurrentTool string       `json:"current_tool,omitempty"`
	Progress    int          `json:"progress,omitempty"`
	TokensUsed  TokenUsage   `json:"tokens_used"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// ReaderResult is the aggregate emitted when a reader completes.
type ReaderResult struct {
	ReaderID      string     `json:"reader_id"`
	Success       bool       `json:"success"`
	DurationMs    int64      `json:"duration_ms"`
	ToolCallCount int        `json:"tool_call_count"`
	TokensUsed    TokenUsage `json:"tokens_used"`
	Response      string     `json:"response"`
	Error         string     `json:"error,omitempty"`
}
