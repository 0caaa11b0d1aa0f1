package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"codi/internal/logging"
	"codi/internal/types"
)

// AnthropicProvider implements ModelProvider on the Anthropic Messages API.
type AnthropicProvider struct {
	client sdk.Client
	model  string
	retry  RetryConfig
}

// NewAnthropicProvider creates a provider for the given API key and default
// model.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		retry:  DefaultRetryConfig(),
	}, nil
}

// Name identifies the provider.
func (p *AnthropicProvider) Name() string { return "anthropic:" + p.model }

// Complete performs a synchronous Messages call with retries.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	timer := logging.StartTimer(logging.CategoryProvider, "Anthropic.Complete")
	defer timer.Stop()

	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, Fatal(err)
	}

	return WithRetry(ctx, p.retry, func(ctx context.Context) (*Response, error) {
		msg, err := p.client.Messages.New(ctx, *params)
		if err != nil {
			return nil, classify(err)
		}
		return translateMessage(msg), nil
	})
}

// Stream performs a streaming Messages call, delivering text deltas to
// onText and returning the accumulated response.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request, onText TextHandler) (*Response, error) {
	timer := logging.StartTimer(logging.CategoryProvider, "Anthropic.Stream")
	defer timer.Stop()

	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, Fatal(err)
	}

	stream := p.client.Messages.NewStreaming(ctx, *params)
	acc := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			stream.Close()
			return nil, Fatal(fmt.Errorf("accumulate stream event: %w", err))
		}
		if onText != nil {
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					onText(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return translateMessage(&acc), nil
}

// encodeRequest translates the shared message model into Messages API
// params. Orphaned tool_results are filtered first; the Anthropic API
// rejects unpaired results.
func (p *AnthropicProvider) encodeRequest(req *Request) (*sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	messages, err := encodeMessages(types.FilterOrphanedToolResults(req.Messages))
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return &params, nil
}

func encodeMessages(msgs []types.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks)+1)
		if len(m.Blocks) == 0 {
			if m.Text == "" {
				continue
			}
			blocks = append(blocks, sdk.NewTextBlock(m.Text))
		}
		for _, blk := range m.Blocks {
			switch blk.Type {
			case types.BlockText:
				if blk.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(blk.Text))
				}
			case types.BlockToolUse:
				var input any
				if len(blk.Input) > 0 {
					if err := json.Unmarshal(blk.Input, &input); err != nil {
						return nil, fmt.Errorf("tool_use %s input: %w", blk.ID, err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(blk.ID, input, blk.Name))
			case types.BlockToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
			case types.BlockImage:
				blocks = append(blocks, sdk.NewImageBlockBase64(blk.MediaType, blk.Data))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case types.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			// Tool results ride in user messages on this API.
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("tool definition missing name")
		}
		var schema map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", def.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func translateMessage(msg *sdk.Message) *Response {
	resp := &Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				resp.Blocks = append(resp.Blocks, types.TextBlock(block.Text))
			}
		case "tool_use":
			resp.Blocks = append(resp.Blocks, types.ToolUseBlock(block.ID, block.Name, json.RawMessage(block.Input)))
		}
	}
	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		resp.StopReason = StopToolUse
	case sdk.StopReasonMaxTokens:
		resp.StopReason = StopMaxTokens
	default:
		resp.StopReason = StopEndTurn
	}
	resp.Usage = types.TokenUsage{
		Input:  int(msg.Usage.InputTokens),
		Output: int(msg.Usage.OutputTokens),
	}
	return resp
}

// classify maps SDK errors onto the transient/fatal taxonomy.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408, apiErr.StatusCode == 429, apiErr.StatusCode >= 500:
			return Transient(err)
		default:
			return Fatal(err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network-level failures are worth retrying.
	return Transient(err)
}
