package budget

import (
	"context"
	"errors"
	"strings"
	"testing"

	"codi/internal/tokens"
	"codi/internal/types"
)

type fakeProvider struct {
	summary string
	err     error
	calls   int
}

func (f *fakeProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func newTestManager(p SummaryProvider) *Manager {
	m := NewManager("claude-sonnet", tokens.NewEstimator(), p)
	// Tiny window so tests do not need megabytes of text.
	m.budget = Budget{ContextWindow: 1_000, OutputReserve: 100, SafetyBuffer: 50}
	return m
}

func longConversation(n int) []types.Message {
	msgs := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, types.UserMessage(strings.Repeat("discussing the handler refactor at length ", 5)))
		msgs = append(msgs, types.AssistantMessage(strings.Repeat("considering src/lib/handler.go changes ", 5)))
	}
	return msgs
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		usage float64
		want  UsageTier
	}{
		{0.0, TierHealthy},
		{0.49, TierHealthy},
		{0.5, TierModerate},
		{0.74, TierModerate},
		{0.75, TierHigh},
		{0.89, TierHigh},
		{0.9, TierCritical},
		{1.5, TierCritical},
	}
	for _, c := range cases {
		if got := TierFor(c.usage); got != c.want {
			t.Errorf("TierFor(%f) = %s, want %s", c.usage, got, c.want)
		}
	}
}

func TestBudgetForModel(t *testing.T) {
	b := BudgetForModel("claude-sonnet-4")
	if b.ContextWindow != 200_000 {
		t.Errorf("claude window = %d, want 200000", b.ContextWindow)
	}
	if b.MaxTokens() != 200_000-8_192-2_000 {
		t.Errorf("MaxTokens = %d", b.MaxTokens())
	}
}

func TestCompact_ReplacesWindowWithSummary(t *testing.T) {
	p := &fakeProvider{summary: "They refactored the handler."}
	m := newTestManager(p)

	msgs := longConversation(20)
	compacted, err := m.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(compacted) != m.config.KeepRecent+1 {
		t.Fatalf("compacted length = %d, want %d", len(compacted), m.config.KeepRecent+1)
	}
	if !IsSummaryMessage(compacted[0]) {
		t.Errorf("first message should be the summary, got %+v", compacted[0])
	}
	if !strings.Contains(compacted[0].Text, "They refactored the handler.") {
		t.Errorf("summary text missing from message")
	}
	// The kept tail is preserved verbatim.
	for i, msg := range msgs[len(msgs)-m.config.KeepRecent:] {
		if compacted[i+1].JoinedText() != msg.JoinedText() {
			t.Errorf("kept message %d altered", i)
		}
	}
}

func TestCompact_Idempotent(t *testing.T) {
	p := &fakeProvider{summary: "summary text"}
	m := newTestManager(p)

	once, err := m.Compact(context.Background(), longConversation(20))
	if err != nil {
		t.Fatalf("first compact: %v", err)
	}
	twice, err := m.Compact(context.Background(), once)
	if err != nil {
		t.Fatalf("second compact: %v", err)
	}
	if len(twice) != len(once) {
		t.Fatalf("second compact changed length: %d vs %d", len(twice), len(once))
	}
	for i := range once {
		if twice[i].JoinedText() != once[i].JoinedText() {
			t.Errorf("second compact changed message %d", i)
		}
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times, want 1", p.calls)
	}
}

func TestCompact_PreservesOriginalsOnFailure(t *testing.T) {
	p := &fakeProvider{err: errors.New("model unavailable")}
	m := newTestManager(p)

	msgs := longConversation(20)
	got, err := m.Compact(context.Background(), msgs)
	var cerr *CompactionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompactionError, got %v", err)
	}
	if len(got) != len(msgs) {
		t.Errorf("originals not preserved: %d vs %d", len(got), len(msgs))
	}
}

func TestCompact_SmallConversationUntouched(t *testing.T) {
	p := &fakeProvider{summary: "unused"}
	m := newTestManager(p)

	msgs := []types.Message{types.UserMessage("hi"), types.AssistantMessage("hello")}
	got, err := m.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(got) != 2 || p.calls != 0 {
		t.Errorf("small conversation should not be compacted (len=%d calls=%d)", len(got), p.calls)
	}
}

func TestAutoCompactIfNeeded_TriggersAtHigh(t *testing.T) {
	p := &fakeProvider{summary: "sum"}
	m := newTestManager(p)

	// Below HIGH: nothing happens.
	small := []types.Message{types.UserMessage("hi")}
	_, ran, err := m.AutoCompactIfNeeded(context.Background(), small, "", nil)
	if err != nil || ran {
		t.Errorf("auto-compact should not run when healthy (ran=%v err=%v)", ran, err)
	}

	// A conversation well past HIGH usage of the tiny test budget.
	big := longConversation(30)
	compacted, ran, err := m.AutoCompactIfNeeded(context.Background(), big, "", nil)
	if err != nil {
		t.Fatalf("auto-compact: %v", err)
	}
	if !ran {
		t.Fatalf("auto-compact should have run")
	}
	if len(compacted) >= len(big) {
		t.Errorf("compaction did not shrink conversation")
	}
}

func TestStatus_Breakdown(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p)

	msgs := []types.Message{
		types.UserMessage("question about the indexer"),
		types.AssistantMessage("answer"),
	}
	report := m.Status(msgs, "system", []string{`{"name":"read"}`})
	if report.TotalTokens != report.MessageTokens+report.SystemTokens+report.ToolDefTokens {
		t.Errorf("breakdown does not sum: %+v", report)
	}
	if report.MessagesByRole["user"] != 1 || report.MessagesByRole["assistant"] != 1 {
		t.Errorf("role counts wrong: %v", report.MessagesByRole)
	}
	if report.Tier != TierHealthy {
		t.Errorf("tiny conversation should be HEALTHY, got %s", report.Tier)
	}
}
