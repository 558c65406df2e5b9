package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicBeta is sent with every API key request.
const anthropicBeta = "fine-grained-tool-streaming-2025-05-14"

// AnthropicProvider implements ToolProvider for Claude and Anthropic-compatible APIs.
type AnthropicProvider struct {
	client  *anthropic.Client
	model   string
	name    string
	timeout time.Duration
}

// NewAnthropic creates a new Anthropic provider with a static API key.
func NewAnthropic(apiKey, model string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithHeader("anthropic-beta", anthropicBeta),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	client := anthropic.NewClient(opts...)

	if model == "" {
		model = "claude-sonnet-4-5"
	}

	return &AnthropicProvider{
		client:  &client,
		model:   model,
		timeout: 5 * time.Minute,
	}
}

// NewAnthropicCompat creates an Anthropic-compatible provider with a custom base URL.
func NewAnthropicCompat(name, baseURL, apiKey, model string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client:  &client,
		model:   model,
		name:    name,
		timeout: 5 * time.Minute,
	}
}

// WithTimeout sets the per-request timeout. Returns p for chaining.
func (p *AnthropicProvider) WithTimeout(d time.Duration) *AnthropicProvider {
	if d > 0 {
		p.timeout = d
	}
	return p
}

func (p *AnthropicProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "anthropic"
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.CompleteWithTools(ctx, req, nil, nil)
}

// CompleteWithTools sends a completion request with tool definitions.
// toolMessages contains the multi-turn tool conversation after req.Messages.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	params := p.buildParams(req, tools, toolMessages)

	// Streaming keeps long generations under the SDK's non-streaming limit.
	stream := p.client.Messages.NewStreaming(ctx, params,
		option.WithRequestTimeout(p.timeout),
	)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.Name(),
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrapErr(err)
	}

	resp := &CompletionResponse{
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}
	for _, block := range message.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += v.Text
		case anthropic.ToolUseBlock:
			inputJSON, _ := json.Marshal(v.Input)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    v.ID,
				Name:  v.Name,
				Input: inputJSON,
			})
		}
	}

	if resp.InputTokens > 200_000 {
		slog.Warn("request exceeded 200K input tokens",
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"model", resp.Model,
		)
	}
	return resp, nil
}

func (p *AnthropicProvider) buildParams(req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	for _, tm := range toolMessages {
		blocks := toContentBlocks(tm.Content)
		if len(blocks) == 0 {
			continue
		}
		switch tm.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case "user":
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if len(tools) > 0 {
		params.Tools = toToolParams(tools)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func toContentBlocks(content []ContentBlock) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range content {
		switch b.Type {
		case BlockText:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case BlockToolUse:
			if b.ToolCall == nil {
				continue
			}
			var input any = map[string]any{}
			if len(b.ToolCall.Input) > 0 {
				if err := json.Unmarshal(b.ToolCall.Input, &input); err != nil {
					input = map[string]any{}
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, input, b.ToolCall.Name))
		case BlockToolResult:
			if b.ToolResult == nil {
				continue
			}
			blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResult.ToolCallID, b.ToolResult.Content, b.ToolResult.IsError))
		}
	}
	return blocks
}

func toToolParams(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		props := make(map[string]any, len(t.InputSchema))
		for k, v := range t.InputSchema {
			props[k] = v
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   t.Required,
				},
			},
		})
	}
	return out
}

func (p *AnthropicProvider) wrapErr(err error) error {
	pe := &ProviderError{Message: err.Error(), Provider: p.Name()}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}
