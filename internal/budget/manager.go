// Package budget tracks conversation token usage against a model-tier-aware
// budget and reclaims space by compacting old turns into a model-written
// summary. Entity compression runs over the compacted window first so the
// summary request is cheap and the legend can travel with the summary.
package budget

import (
	"context"
	"fmt"
	"strings"

	"codi/internal/compress"
	"codi/internal/logging"
	"codi/internal/tokens"
	"codi/internal/types"
)

// UsageTier classifies how full the context budget is.
type UsageTier string

const (
	TierHealthy  UsageTier = "HEALTHY"  // < 50%
	TierModerate UsageTier = "MODERATE" // 50-75%
	TierHigh     UsageTier = "HIGH"     // 75-90%
	TierCritical UsageTier = "CRITICAL" // >= 90%
)

// TierFor maps a usage fraction to its tier.
func TierFor(usage float64) UsageTier {
	switch {
	case usage >= 0.9:
		return TierCritical
	case usage >= 0.75:
		return TierHigh
	case usage >= 0.5:
		return TierModerate
	default:
		return TierHealthy
	}
}

// Budget is the token envelope for one model tier.
type Budget struct {
	ContextWindow int
	OutputReserve int
	SafetyBuffer  int
}

// MaxTokens is the usable input budget.
func (b Budget) MaxTokens() int {
	return b.ContextWindow - b.OutputReserve - b.SafetyBuffer
}

// BudgetForModel returns the budget for a model identifier. Unknown models
// get the conservative default.
func BudgetForModel(model string) Budget {
	switch {
	case strings.Contains(model, "claude"):
		return Budget{ContextWindow: 200_000, OutputReserve: 8_192, SafetyBuffer: 2_000}
	case strings.Contains(model, "gpt-4"), strings.Contains(model, "gpt-5"):
		return Budget{ContextWindow: 128_000, OutputReserve: 8_192, SafetyBuffer: 2_000}
	default:
		return Budget{ContextWindow: 128_000, OutputReserve: 4_096, SafetyBuffer: 2_000}
	}
}

// summaryMarker tags the assistant message that replaces a compacted window.
const summaryMarker = "[conversation summary]"

// IsSummaryMessage reports whether a message is a compaction summary.
func IsSummaryMessage(m types.Message) bool {
	return m.Role == types.RoleAssistant && strings.HasPrefix(m.Text, summaryMarker)
}

// SummaryProvider is the synchronous model call used to write compaction
// summaries.
type SummaryProvider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// CompactionError wraps a failed compaction attempt. The original messages
// are always preserved when it is returned.
type CompactionError struct {
	Detail error
}

func (e *CompactionError) Error() string { return fmt.Sprintf("compaction failed: %v", e.Detail) }
func (e *CompactionError) Unwrap() error { return e.Detail }

// Config tunes the manager.
type Config struct {
	// KeepRecent is the number of trailing messages never compacted.
	KeepRecent int

	// CompactWindowFraction of the budget the compactable window must
	// exceed before compaction does anything.
	CompactWindowFraction float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepRecent:            6,
		CompactWindowFraction: 0.5,
	}
}

// Manager tracks token usage for one conversation and performs compaction.
type Manager struct {
	budget     Budget
	config     Config
	estimator  *tokens.Estimator
	compressor *compress.Compressor
	provider   SummaryProvider

	// Last compression stats, for status reporting.
	lastCompression *compress.Result

	// WorkingSet is the set of files currently in play, surfaced in
	// status reports. Maintained by the agent loop.
	WorkingSet []string
}

// NewManager creates a budget manager for the given model tier.
func NewManager(model string, estimator *tokens.Estimator, provider SummaryProvider) *Manager {
	b := BudgetForModel(model)
	logging.Budget("Budget manager: model=%s window=%d reserve=%d buffer=%d max=%d",
		model, b.ContextWindow, b.OutputReserve, b.SafetyBuffer, b.MaxTokens())
	return &Manager{
		budget:     b,
		config:     DefaultConfig(),
		estimator:  estimator,
		compressor: compress.NewCompressor(),
		provider:   provider,
	}
}

// SetConfig replaces the manager's tuning parameters.
func (m *Manager) SetConfig(cfg Config) { m.config = cfg }

// Budget returns the active token envelope.
func (m *Manager) Budget() Budget { return m.budget }

// UsagePercent returns total / max_tokens for the given request parts.
func (m *Manager) UsagePercent(messages []types.Message, systemPrompt string, toolDefs []string) float64 {
	total := m.estimator.EstimateTotal(messages, systemPrompt, toolDefs)
	return float64(total) / float64(m.budget.MaxTokens())
}

// StatusReport is the structured answer to a status query.
type StatusReport struct {
	TotalTokens      int            `json:"total_tokens"`
	MaxTokens        int            `json:"max_tokens"`
	UsagePercent     float64        `json:"usage_percent"`
	Tier             UsageTier      `json:"tier"`
	MessageTokens    int            `json:"message_tokens"`
	SystemTokens     int            `json:"system_tokens"`
	ToolDefTokens    int            `json:"tool_def_tokens"`
	MessagesByRole   map[string]int `json:"messages_by_role"`
	CompressionRatio float64        `json:"compression_ratio,omitempty"`
	EntityCount      int            `json:"entity_count,omitempty"`
	WorkingSet       []string       `json:"working_set,omitempty"`
}

// Status produces the structured usage report.
func (m *Manager) Status(messages []types.Message, systemPrompt string, toolDefs []string) StatusReport {
	msgTokens := 0
	byRole := make(map[string]int)
	for _, msg := range messages {
		msgTokens += m.estimator.EstimateMessage(msg)
		byRole[string(msg.Role)]++
	}
	sysTokens := m.estimator.Estimate(systemPrompt)
	toolTokens := m.estimator.EstimateToolDefs(toolDefs)
	total := msgTokens + sysTokens + toolTokens
	usage := float64(total) / float64(m.budget.MaxTokens())

	report := StatusReport{
		TotalTokens:    total,
		MaxTokens:      m.budget.MaxTokens(),
		UsagePercent:   usage,
		Tier:           TierFor(usage),
		MessageTokens:  msgTokens,
		SystemTokens:   sysTokens,
		ToolDefTokens:  toolTokens,
		MessagesByRole: byRole,
		WorkingSet:     m.WorkingSet,
	}
	if m.lastCompression != nil {
		report.CompressionRatio = m.lastCompression.CompressionRatio
		report.EntityCount = len(m.lastCompression.Entities)
	}
	return report
}

// Compact summarizes the oldest compactable window and replaces it with a
// single assistant summary message carrying the entity legend. When there is
// nothing worth compacting the input is returned unchanged; compacting an
// already-compacted conversation is a no-op. On provider failure the
// original messages are returned alongside a CompactionError.
func (m *Manager) Compact(ctx context.Context, messages []types.Message) ([]types.Message, error) {
	timer := logging.StartTimer(logging.CategoryBudget, "Compact")
	defer timer.Stop()

	if len(messages) <= m.config.KeepRecent {
		return messages, nil
	}

	window := messages[:len(messages)-m.config.KeepRecent]
	kept := messages[len(messages)-m.config.KeepRecent:]

	// A window that is only the previous summary has nothing left to fold.
	if len(window) == 1 && IsSummaryMessage(window[0]) {
		return messages, nil
	}

	windowTokens := 0
	for _, msg := range window {
		windowTokens += m.estimator.EstimateMessage(msg)
	}
	threshold := int(m.config.CompactWindowFraction * float64(m.budget.MaxTokens()))
	if windowTokens <= threshold {
		logging.BudgetDebug("Compact: window %d tokens below threshold %d, skipping", windowTokens, threshold)
		return messages, nil
	}

	result := m.compressor.Compress(window)
	legend := compress.GenerateLegend(result.Entities)

	var prompt strings.Builder
	if legend != "" {
		prompt.WriteString(legend)
		prompt.WriteString("\n")
	}
	prompt.WriteString("Summarize the following conversation. Preserve decisions, open tasks, file paths, and code symbols. Entity IDs (E1, E2, ...) refer to the legend above; keep them as-is.\n\n")
	for _, msg := range result.Messages {
		prompt.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, msg.JoinedText()))
	}

	summary, err := m.provider.Complete(ctx,
		"You compact coding-assistant conversations into dense summaries.",
		prompt.String())
	if err != nil {
		logging.Get(logging.CategoryBudget).Error("Compact: summary call failed: %v", err)
		return messages, &CompactionError{Detail: err}
	}

	m.lastCompression = &result

	var text strings.Builder
	text.WriteString(summaryMarker)
	text.WriteString("\n")
	if legend != "" {
		text.WriteString(legend)
		text.WriteString("\n")
	}
	text.WriteString(summary)

	compacted := make([]types.Message, 0, len(kept)+1)
	compacted = append(compacted, types.AssistantMessage(text.String()))
	compacted = append(compacted, kept...)

	logging.Budget("Compacted %d messages into summary (%d entities, window %d tokens)",
		len(window), len(result.Entities), windowTokens)
	return compacted, nil
}

// AutoCompactIfNeeded compacts when usage is at or above HIGH. Called before
// each model turn. Returns the (possibly replaced) messages and whether
// compaction ran.
func (m *Manager) AutoCompactIfNeeded(ctx context.Context, messages []types.Message, systemPrompt string, toolDefs []string) ([]types.Message, bool, error) {
	usage := m.UsagePercent(messages, systemPrompt, toolDefs)
	tier := TierFor(usage)
	if tier != TierHigh && tier != TierCritical {
		return messages, false, nil
	}

	logging.Budget("Auto-compaction triggered at %.1f%% (%s)", usage*100, tier)
	compacted, err := m.Compact(ctx, messages)
	if err != nil {
		return messages, false, err
	}
	return compacted, len(compacted) != len(messages), nil
}

// LastCompression exposes the most recent compression result, for streaming
// decompression of the summary back to the UI.
func (m *Manager) LastCompression() *compress.Result { return m.lastCompression }
