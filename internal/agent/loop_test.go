package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"codi/internal/budget"
	"codi/internal/compress"
	"codi/internal/permission"
	"codi/internal/provider"
	"codi/internal/tokens"
	"codi/internal/tools"
	"codi/internal/types"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*provider.Response
	errs      []error
	calls     int
	lastReq   *provider.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return p.Stream(ctx, req, nil)
}

func (p *scriptedProvider) Stream(ctx context.Context, req *provider.Request, onText provider.TextHandler) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReq = req
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx >= len(p.responses) {
		return nil, errors.New("no scripted response left")
	}
	resp := p.responses[idx]
	if onText != nil {
		for _, blk := range resp.Blocks {
			if blk.Type == types.BlockText {
				onText(blk.Text)
			}
		}
	}
	return resp, nil
}

type scriptedGateway struct {
	mu        sync.Mutex
	decisions []Decision
	requests  []ConfirmationRequest
}

func (g *scriptedGateway) RequestPermission(ctx context.Context, req ConfirmationRequest) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.decisions) == 0 {
		return Decision{Kind: "deny"}, nil
	}
	d := g.decisions[0]
	g.decisions = g.decisions[1:]
	return d, nil
}

func textResponse(text string) *provider.Response {
	return &provider.Response{
		Blocks:     []types.ContentBlock{types.TextBlock(text)},
		StopReason: provider.StopEndTurn,
		Usage:      types.TokenUsage{Input: 10, Output: 5},
	}
}

func toolResponse(id, name, input string) *provider.Response {
	return &provider.Response{
		Blocks:     []types.ContentBlock{types.ToolUseBlock(id, name, json.RawMessage(input))},
		StopReason: provider.StopToolUse,
		Usage:      types.TokenUsage{Input: 10, Output: 5},
	}
}

func newTestLoop(t *testing.T, p provider.ModelProvider, g PermissionGateway, patterns []string) *Loop {
	t.Helper()
	est := tokens.NewEstimator()
	return New(Config{
		Provider:     p,
		Registry:     tools.Builtin(),
		Permissions:  permission.NewEngine(patterns, nil),
		Budget:       budget.NewManager("claude-test", est, &nullSummarizer{}),
		Estimator:    est,
		Gateway:      g,
		Env:          &tools.Env{WorkDir: t.TempDir()},
		SystemPrompt: "You are a coding assistant.",
	})
}

type nullSummarizer struct{}

func (n *nullSummarizer) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "summary", nil
}

func TestRunTurn_PlainText(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{textResponse("hello there")}}
	l := newTestLoop(t, p, &scriptedGateway{}, nil)

	out, err := l.RunTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if out != "hello there" {
		t.Errorf("out = %q", out)
	}
	if l.State() != StateIdle {
		t.Errorf("state after turn = %s, want idle", l.State())
	}
	msgs := l.Messages()
	if len(msgs) != 2 || msgs[0].Role != types.RoleUser || msgs[1].Role != types.RoleAssistant {
		t.Errorf("history = %+v", msgs)
	}
}

func TestRunTurn_ToolCallApproved(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolResponse("t1", "bash", `{"command":"echo tested"}`),
		textResponse("done"),
	}}
	g := &scriptedGateway{decisions: []Decision{{Kind: "approve"}}}
	l := newTestLoop(t, p, g, nil)

	out, err := l.RunTurn(context.Background(), "run echo")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if out != "done" {
		t.Errorf("out = %q", out)
	}
	if l.ToolCallCount() != 1 {
		t.Errorf("tool call count = %d", l.ToolCallCount())
	}

	// The tool result went back to the model.
	msgs := l.Messages()
	var foundResult bool
	for _, m := range msgs {
		for _, blk := range m.Blocks {
			if blk.Type == types.BlockToolResult && blk.ToolUseID == "t1" {
				foundResult = true
				if blk.IsError {
					t.Errorf("tool result marked error: %+v", blk)
				}
				if !strings.Contains(blk.Content, "tested") {
					t.Errorf("tool output missing: %q", blk.Content)
				}
			}
		}
	}
	if !foundResult {
		t.Errorf("no tool_result in history")
	}
}

func TestRunTurn_AutoApprovedSkipsGateway(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolResponse("t1", "bash", `{"command":"echo hi"}`),
		textResponse("ok"),
	}}
	g := &scriptedGateway{}
	l := newTestLoop(t, p, g, []string{"bash:echo hi"})

	if _, err := l.RunTurn(context.Background(), "x"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(g.requests) != 0 {
		t.Errorf("auto-approved tool should not hit the gateway")
	}
}

func TestRunTurn_DeniedToolBecomesErrorResult(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolResponse("t1", "bash", `{"command":"echo hi"}`),
		textResponse("understood"),
	}}
	g := &scriptedGateway{decisions: []Decision{{Kind: "deny"}}}
	l := newTestLoop(t, p, g, nil)

	if _, err := l.RunTurn(context.Background(), "x"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	var sawDenied bool
	for _, m := range l.Messages() {
		for _, blk := range m.Blocks {
			if blk.Type == types.BlockToolResult && blk.IsError {
				sawDenied = true
			}
		}
	}
	if !sawDenied {
		t.Errorf("denied tool should produce an is_error tool_result")
	}
}

// A blocked dangerous command is never dispatched; the model sees an
// explanatory error result.
func TestRunTurn_BlockedCommandNotDispatched(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolResponse("t1", "bash", `{"command":"rm -rf /"}`),
		textResponse("refused"),
	}}
	g := &scriptedGateway{decisions: []Decision{{Kind: "approve"}}}
	l := newTestLoop(t, p, g, []string{"bash:*"})

	if _, err := l.RunTurn(context.Background(), "x"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(g.requests) != 0 {
		t.Errorf("blocked command must not reach the confirmation gateway")
	}
	if l.ToolCallCount() != 0 {
		t.Errorf("blocked command must not execute")
	}
	var sawBlockResult bool
	for _, m := range l.Messages() {
		for _, blk := range m.Blocks {
			if blk.Type == types.BlockToolResult && blk.IsError && strings.Contains(blk.Content, "blocked") {
				sawBlockResult = true
			}
		}
	}
	if !sawBlockResult {
		t.Errorf("blocked command should surface an explanatory error result")
	}
}

func TestRunTurn_ApprovePatternPersists(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolResponse("t1", "bash", `{"command":"npm test"}`),
		toolResponse("t2", "bash", `{"command":"npm test"}`),
		textResponse("all green"),
	}}
	g := &scriptedGateway{decisions: []Decision{{Kind: "approve_pattern", Pattern: "bash:npm test"}}}
	l := newTestLoop(t, p, g, nil)

	if _, err := l.RunTurn(context.Background(), "x"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if len(g.requests) != 1 {
		t.Errorf("second identical call should auto-approve via the new pattern, requests=%d", len(g.requests))
	}
}

func TestRunTurn_UnknownToolErrorResult(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		toolResponse("t1", "teleport", `{}`),
		textResponse("sorry"),
	}}
	l := newTestLoop(t, p, &scriptedGateway{}, nil)

	if _, err := l.RunTurn(context.Background(), "x"); err != nil {
		t.Fatalf("turn: %v", err)
	}
	var sawUnknown bool
	for _, m := range l.Messages() {
		for _, blk := range m.Blocks {
			if blk.Type == types.BlockToolResult && strings.Contains(blk.Content, "unknown tool") {
				sawUnknown = true
			}
		}
	}
	if !sawUnknown {
		t.Errorf("unknown tool should produce an error result")
	}
}

func TestRunTurn_ProviderFailureFailsTurn(t *testing.T) {
	p := &scriptedProvider{errs: []error{provider.Fatal(errors.New("bad key"))}}
	l := newTestLoop(t, p, &scriptedGateway{}, nil)

	if _, err := l.RunTurn(context.Background(), "x"); err == nil {
		t.Fatalf("expected error")
	}
	if l.State() != StateFailed {
		t.Errorf("state = %s, want failed", l.State())
	}
}

func TestRunTurn_RejectedWhileRunning(t *testing.T) {
	l := newTestLoop(t, &scriptedProvider{}, &scriptedGateway{}, nil)
	l.state.Store(int32(StateThinking))
	if _, err := l.RunTurn(context.Background(), "x"); err == nil {
		t.Errorf("concurrent turn should be rejected")
	}
}

func TestSetProvider_MidTurnRejected(t *testing.T) {
	l := newTestLoop(t, &scriptedProvider{}, &scriptedGateway{}, nil)
	l.state.Store(int32(StateThinking))
	if err := l.SetProvider(&scriptedProvider{}); err == nil {
		t.Errorf("mid-turn provider switch should be rejected")
	}

	l.state.Store(int32(StateIdle))
	var observed provider.ModelProvider
	l.OnProviderChange(func(p provider.ModelProvider) { observed = p })
	next := &scriptedProvider{}
	if err := l.SetProvider(next); err != nil {
		t.Fatalf("idle switch: %v", err)
	}
	if observed != provider.ModelProvider(next) {
		t.Errorf("observer not fired with new provider")
	}
}

func TestReplaceMessages_FiltersOrphans(t *testing.T) {
	l := newTestLoop(t, &scriptedProvider{}, &scriptedGateway{}, nil)
	l.ReplaceMessages([]types.Message{
		types.AssistantMessage("[conversation summary] older turns"),
		{Role: types.RoleUser, Blocks: []types.ContentBlock{
			types.ToolResultBlock("orphan-id", "stale output", false),
			types.TextBlock("continue"),
		}},
	})
	for _, m := range l.Messages() {
		for _, blk := range m.Blocks {
			if blk.Type == types.BlockToolResult {
				t.Errorf("orphaned tool_result survived replay: %+v", blk)
			}
		}
	}
}

func testEntities() map[string]compress.Entity {
	return map[string]compress.Entity{
		"E1":  {ID: "E1", Value: "UserService", Kind: compress.KindClass, Count: 2},
		"E12": {ID: "E12", Value: "AuthService", Kind: compress.KindClass, Count: 2},
	}
}

// Text deltas stream through entity decompression; a trailing partial ID is
// held back until the next delta completes it.
func TestDecompressDelta(t *testing.T) {
	l := newTestLoop(t, &scriptedProvider{}, &scriptedGateway{}, nil)
	l.entities = testEntities()

	out := l.decompressDelta("see E")
	out += l.decompressDelta("1 now")
	if out != "see UserService now" {
		t.Errorf("streamed decompression = %q", out)
	}
}

func TestRunTurn_StreamsDecompressedText(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{textResponse("E12 handles login")}}
	l := newTestLoop(t, p, &scriptedGateway{}, nil)
	var streamed strings.Builder
	l.onEvent = func(ev Event) {
		if ev.Kind == EventTextDelta {
			streamed.WriteString(ev.Text)
		}
	}
	l.entities = testEntities()

	out, err := l.RunTurn(context.Background(), "who handles login?")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if out != "AuthService handles login" {
		t.Errorf("final text = %q", out)
	}
	if streamed.String() != "AuthService handles login" {
		t.Errorf("streamed = %q", streamed.String())
	}
}
