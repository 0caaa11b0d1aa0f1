// Package agent drives the conversation turn loop: model calls, tool
// dispatch behind the permission gate, context compaction, and streaming
// output. The same loop runs in the parent process and, with an IPC-backed
// permission gateway, inside worker and reader children.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"codi/internal/budget"
	"codi/internal/compress"
	"codi/internal/logging"
	"codi/internal/permission"
	"codi/internal/provider"
	"codi/internal/retrieval"
	"codi/internal/tokens"
	"codi/internal/tools"
	"codi/internal/types"
)

// State is the loop's position in the turn state machine.
type State int32

const (
	StateIdle State = iota
	StateThinking
	StateWaitingPermission
	StateToolExecuting
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StateWaitingPermission:
		return "waiting_permission"
	case StateToolExecuting:
		return "tool_executing"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind tags UI events.
type EventKind string

const (
	EventTextDelta  EventKind = "text_delta"
	EventTextFinal  EventKind = "text_final"
	EventToolStart  EventKind = "tool_start"
	EventToolEnd    EventKind = "tool_end"
	EventStatus     EventKind = "status"
	EventCompaction EventKind = "compaction"
	EventError      EventKind = "error"
)

// Event is one item of the tagged-union stream the UI consumes. The core
// produces values; the UI decides how to render them.
type Event struct {
	Kind    EventKind
	Text    string
	Tool    string
	IsError bool
	State   State
}

// ConfirmationRequest is a tool invocation awaiting a human decision.
type ConfirmationRequest struct {
	Tool             string
	Subject          string
	Input            json.RawMessage
	IsDangerous      bool
	Reason           string
	SuggestedPattern string
	Categories       []string
}

// PermissionGateway resolves confirmations. The parent's gateway asks the
// UI; a child's gateway forwards over IPC to the orchestrator.
type PermissionGateway interface {
	RequestPermission(ctx context.Context, req ConfirmationRequest) (Decision, error)
}

// Decision is a gateway's answer.
type Decision struct {
	// Kind: "approve", "deny", "abort", "approve_pattern", "approve_category"
	Kind     string
	Pattern  string
	Category string
}

// Config assembles a loop.
type Config struct {
	Provider     provider.ModelProvider
	Registry     *tools.Registry
	Permissions  *permission.Engine
	Budget       *budget.Manager
	Estimator    *tokens.Estimator
	Retriever    *retrieval.Retriever // optional
	Gateway      PermissionGateway
	Env          *tools.Env
	SystemPrompt string
	OnEvent      func(Event)
	MaxTurns     int
}

// Loop owns one conversation.
type Loop struct {
	mu sync.Mutex

	provider     provider.ModelProvider
	registry     *tools.Registry
	permissions  *permission.Engine
	budget       *budget.Manager
	estimator    *tokens.Estimator
	retriever    *retrieval.Retriever
	gateway      PermissionGateway
	env          *tools.Env
	systemPrompt string
	maxTurns     int

	onEvent          func(Event)
	onProviderChange []func(provider.ModelProvider)

	state atomic.Int32

	messages      []types.Message
	toolCallCount int
	tokensUsed    types.TokenUsage

	// Decompression state for streamed output.
	entities map[string]compress.Entity
	carry    string
}

// New creates a loop.
func New(cfg Config) *Loop {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 50
	}
	l := &Loop{
		provider:     cfg.Provider,
		registry:     cfg.Registry,
		permissions:  cfg.Permissions,
		budget:       cfg.Budget,
		estimator:    cfg.Estimator,
		retriever:    cfg.Retriever,
		gateway:      cfg.Gateway,
		env:          cfg.Env,
		systemPrompt: cfg.SystemPrompt,
		maxTurns:     maxTurns,
		onEvent:      cfg.OnEvent,
	}
	l.state.Store(int32(StateIdle))
	return l
}

// State returns the current loop state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Messages returns a copy of the conversation.
func (l *Loop) Messages() []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Message(nil), l.messages...)
}

// ReplaceMessages loads a conversation, filtering orphaned tool results
// before replay.
func (l *Loop) ReplaceMessages(messages []types.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = types.FilterOrphanedToolResults(messages)
}

// ToolCallCount reports tools executed so far.
func (l *Loop) ToolCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.toolCallCount
}

// TokensUsed reports accumulated provider usage.
func (l *Loop) TokensUsed() types.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokensUsed
}

// OnProviderChange registers an observer fired when SetProvider swaps the
// backend.
func (l *Loop) OnProviderChange(fn func(provider.ModelProvider)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onProviderChange = append(l.onProviderChange, fn)
}

// SetProvider swaps the model backend between turns. Mid-turn switches are
// rejected.
func (l *Loop) SetProvider(p provider.ModelProvider) error {
	if l.State() != StateIdle {
		return fmt.Errorf("cannot switch provider mid-turn (state %s)", l.State())
	}
	l.mu.Lock()
	l.provider = p
	observers := append([]func(provider.ModelProvider){}, l.onProviderChange...)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(p)
	}
	logging.Agent("Provider switched to %s", p.Name())
	return nil
}

func (l *Loop) emit(ev Event) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	l.emit(Event{Kind: EventStatus, State: s})
}

// RunTurn processes one user input to a final assistant answer, dispatching
// any tool calls the model makes along the way.
func (l *Loop) RunTurn(ctx context.Context, userInput string) (string, error) {
	if l.State() != StateIdle {
		return "", fmt.Errorf("turn already in progress (state %s)", l.State())
	}

	timer := logging.StartTimer(logging.CategoryAgent, "RunTurn")
	defer timer.Stop()

	l.mu.Lock()
	l.messages = append(l.messages, types.UserMessage(userInput))
	l.mu.Unlock()

	finalText, err := l.drive(ctx, userInput)
	switch {
	case err == nil:
		l.setState(StateIdle)
	case errors.Is(err, context.Canceled):
		l.setState(StateCancelled)
	default:
		l.setState(StateFailed)
		l.emit(Event{Kind: EventError, Text: err.Error(), IsError: true})
	}
	return finalText, err
}

// Reset returns a failed or cancelled loop to idle, keeping history.
func (l *Loop) Reset() {
	l.setState(StateIdle)
}

func (l *Loop) drive(ctx context.Context, userInput string) (string, error) {
	ragContext := l.lookupContext(ctx, userInput)

	for turn := 0; turn < l.maxTurns; turn++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		l.compactIfNeeded(ctx)

		l.setState(StateThinking)
		resp, err := l.callProvider(ctx, ragContext)
		if err != nil {
			return "", err
		}

		l.mu.Lock()
		l.messages = append(l.messages, types.Message{Role: types.RoleAssistant, Blocks: resp.Blocks})
		l.tokensUsed.Add(resp.Usage)
		l.mu.Unlock()

		if resp.StopReason != provider.StopToolUse {
			text := l.finishStreaming(joinText(resp.Blocks))
			l.emit(Event{Kind: EventTextFinal, Text: text})
			return text, nil
		}

		results, err := l.dispatchTools(ctx, resp.Blocks)
		if err != nil {
			return "", err
		}
		l.mu.Lock()
		l.messages = append(l.messages, types.Message{Role: types.RoleUser, Blocks: results})
		l.mu.Unlock()
	}
	return "", fmt.Errorf("turn limit reached (%d model calls)", l.maxTurns)
}

// lookupContext fetches RAG context for the turn, when a retriever is
// wired.
func (l *Loop) lookupContext(ctx context.Context, query string) string {
	if l.retriever == nil || query == "" {
		return ""
	}
	results, err := l.retriever.Search(ctx, query, 0, 0)
	if err != nil {
		logging.Get(logging.CategoryAgent).Warn("RAG lookup failed: %v", err)
		return ""
	}
	return retrieval.FormatForContext(results)
}

// compactIfNeeded runs auto-compaction and refreshes decompression state
// from the new legend.
func (l *Loop) compactIfNeeded(ctx context.Context) {
	if l.budget == nil {
		return
	}
	l.mu.Lock()
	messages := l.messages
	l.mu.Unlock()

	compacted, ran, err := l.budget.AutoCompactIfNeeded(ctx, messages, l.systemPrompt, l.toolDefJSON())
	if err != nil {
		logging.Get(logging.CategoryAgent).Warn("Auto-compaction failed: %v", err)
		return
	}
	if !ran {
		return
	}

	l.mu.Lock()
	l.messages = compacted
	if res := l.budget.LastCompression(); res != nil {
		l.entities = res.Entities
	}
	l.mu.Unlock()
	l.emit(Event{Kind: EventCompaction})
}

func (l *Loop) toolDefJSON() []string {
	if l.registry == nil {
		return nil
	}
	return l.registry.DefinitionJSON()
}

// callProvider performs one model call with streaming decompression wired
// to the event stream.
func (l *Loop) callProvider(ctx context.Context, ragContext string) (*provider.Response, error) {
	l.mu.Lock()
	req := &provider.Request{
		SystemPrompt: l.systemPrompt,
		Messages:     types.FilterOrphanedToolResults(l.messages),
	}
	if ragContext != "" {
		req.SystemPrompt = l.systemPrompt + "\n\n" + ragContext
	}
	if l.registry != nil {
		req.Tools = l.registry.Definitions()
	}
	p := l.provider
	l.mu.Unlock()

	resp, err := p.Stream(ctx, req, func(delta string) {
		l.emit(Event{Kind: EventTextDelta, Text: l.decompressDelta(delta)})
	})
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("provider failed: %w", err)
		}
		return nil, err
	}

	// Calibrate the estimator against real usage.
	if l.estimator != nil && resp.Usage.Input > 0 {
		chars := len(req.SystemPrompt)
		for _, m := range req.Messages {
			chars += len(m.JoinedText())
		}
		l.estimator.UpdateCalibration(resp.Usage.Input, chars)
	}
	return resp, nil
}

// decompressDelta applies streaming entity decompression to one text
// chunk, holding back trailing partial IDs.
func (l *Loop) decompressDelta(delta string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entities) == 0 {
		return delta
	}
	res := compress.DecompressStreaming(l.carry+delta, l.entities)
	l.carry = res.Remaining
	return res.Decompressed
}

// finishStreaming flushes any held-back partial ID and decompresses the
// final text for the UI. The raw compressed text stays in history.
func (l *Loop) finishStreaming(finalText string) string {
	l.mu.Lock()
	entities := l.entities
	carry := l.carry
	l.carry = ""
	l.mu.Unlock()

	if len(entities) == 0 {
		return finalText
	}
	if carry != "" {
		l.emit(Event{Kind: EventTextDelta, Text: compress.Decompress(carry, entities)})
	}
	return compress.Decompress(finalText, entities)
}

// dispatchTools executes each tool_use block behind the permission gate and
// returns the tool_result blocks.
func (l *Loop) dispatchTools(ctx context.Context, blocks []types.ContentBlock) ([]types.ContentBlock, error) {
	var results []types.ContentBlock
	for _, blk := range blocks {
		if blk.Type != types.BlockToolUse {
			continue
		}
		result, err := l.dispatchOne(ctx, blk)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (l *Loop) dispatchOne(ctx context.Context, blk types.ContentBlock) (types.ContentBlock, error) {
	tool, ok := l.registry.Get(blk.Name)
	if !ok {
		return types.ToolResultBlock(blk.ID, fmt.Sprintf("unknown tool: %s", blk.Name), true), nil
	}

	subject := ""
	if tool.Subject != nil {
		subject = tool.Subject(blk.Input)
	}

	decision := l.permissions.Evaluate(blk.Name, subject)
	if decision.ShouldBlock {
		// Blocked commands are never dispatched.
		logging.Agent("Refusing blocked tool call %s: %s", blk.Name, decision.DangerReason)
		return types.ToolResultBlock(blk.ID,
			fmt.Sprintf("Command refused: %s. This operation is blocked by policy.", decision.DangerReason), true), nil
	}

	if !decision.AutoApproved {
		l.setState(StateWaitingPermission)
		answer, err := l.gateway.RequestPermission(ctx, ConfirmationRequest{
			Tool:             blk.Name,
			Subject:          subject,
			Input:            blk.Input,
			IsDangerous:      decision.IsDangerous,
			Reason:           decision.DangerReason,
			SuggestedPattern: decision.SuggestedPattern,
			Categories:       decision.MatchedCategories,
		})
		if err != nil {
			return types.ContentBlock{}, err
		}
		switch answer.Kind {
		case "approve":
		case "approve_pattern":
			if answer.Pattern != "" {
				l.permissions.ApprovePattern(answer.Pattern)
			}
		case "approve_category":
			if answer.Category != "" {
				l.permissions.ApproveCategory(answer.Category)
			}
		case "deny":
			return types.ToolResultBlock(blk.ID, "Permission denied by user.", true), nil
		case "abort":
			return types.ContentBlock{}, context.Canceled
		default:
			return types.ToolResultBlock(blk.ID, fmt.Sprintf("Unrecognized permission decision %q.", answer.Kind), true), nil
		}
	}

	l.setState(StateToolExecuting)
	l.emit(Event{Kind: EventToolStart, Tool: blk.Name})

	l.mu.Lock()
	l.toolCallCount++
	l.mu.Unlock()

	output, err := tool.Execute(ctx, blk.Input, l.env)
	if err != nil {
		if ctx.Err() != nil {
			return types.ContentBlock{}, ctx.Err()
		}
		l.emit(Event{Kind: EventToolEnd, Tool: blk.Name, IsError: true, Text: err.Error()})
		return types.ToolResultBlock(blk.ID, err.Error(), true), nil
	}

	l.emit(Event{Kind: EventToolEnd, Tool: blk.Name})
	return types.ToolResultBlock(blk.ID, output, false), nil
}

func joinText(blocks []types.ContentBlock) string {
	out := ""
	for _, blk := range blocks {
		if blk.Type == types.BlockText {
			out += blk.Text
		}
	}
	return out
}
