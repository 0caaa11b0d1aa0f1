// Package provider abstracts the model backends behind a single
// ModelProvider capability. The core never cares which vendor serves a
// turn; adapters translate the shared message model to provider wire
// formats.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"codi/internal/types"
)

// StopReason is why the model stopped producing output.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopStop      StopReason = "stop"
)

// ToolDefinition is an opaque tool schema advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is one model call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []types.Message
	Tools        []ToolDefinition
	MaxTokens    int
	Temperature  float64
}

// Response is the model's reply: an ordered block sequence plus stop reason
// and usage.
type Response struct {
	Blocks     []types.ContentBlock
	StopReason StopReason
	Usage      types.TokenUsage
}

// TextHandler receives streamed text deltas as they arrive.
type TextHandler func(delta string)

// ModelProvider is the single capability the core depends on.
type ModelProvider interface {
	// Name identifies the provider for diagnostics and manifests.
	Name() string

	// Complete performs a synchronous model call.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming call, invoking onText for each text
	// delta, and returns the accumulated response.
	Stream(ctx context.Context, req *Request, onText TextHandler) (*Response, error)
}

// Error classifies a provider failure. Transient failures are retried;
// fatal ones terminate the turn.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider error (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider error.
func Transient(err error) *Error { return &Error{Transient: true, Err: err} }

// Fatal wraps err as a non-retryable provider error.
func Fatal(err error) *Error { return &Error{Err: err} }
