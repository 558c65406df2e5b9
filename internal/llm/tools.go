package llm

import (
	"encoding/json"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ToolDefinition describes a tool the LLM can call. InputSchema holds the
// JSON-schema properties; Required lists mandatory property names.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Required    []string       `json:"required,omitempty"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContentBlock is one piece of a structured turn.
type ContentBlock struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolMessage is one structured turn of a tool conversation.
type ToolMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextTurn builds a single-text-block turn.
func TextTurn(role, text string) ToolMessage {
	return ToolMessage{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// AssistantTurn builds the assistant turn for a response: its text followed
// by its tool calls, in order.
func AssistantTurn(resp *CompletionResponse) ToolMessage {
	var blocks []ContentBlock
	if resp.Content != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: resp.Content})
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		blocks = append(blocks, ContentBlock{Type: BlockToolUse, ToolCall: &tc})
	}
	return ToolMessage{Role: "assistant", Content: blocks}
}

// ResultTurn builds the user turn carrying tool results.
func ResultTurn(results []ToolResult) ToolMessage {
	blocks := make([]ContentBlock, 0, len(results))
	for i := range results {
		r := results[i]
		blocks = append(blocks, ContentBlock{Type: BlockToolResult, ToolResult: &r})
	}
	return ToolMessage{Role: "user", Content: blocks}
}
