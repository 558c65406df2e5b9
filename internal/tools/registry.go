// Package tools provides the tool executors offered to the model, the
// agent-runtime (OpenCode) client and the client for the local compute node.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/pkg/metrics"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 10 * time.Second

// Invocation identifies the conversation a tool call belongs to.
type Invocation struct {
	ChatID string
	Prompt string
}

// Executor runs one tool.
type Executor interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, inv Invocation, input json.RawMessage) (string, error)
}

// Func adapts a function over decoded input to an Executor.
type Func struct {
	Def     llm.ToolDefinition
	Run     func(ctx context.Context, inv Invocation, input map[string]any) (string, error)
	Timeout time.Duration // 0 means the registry default
}

func (f Func) Definition() llm.ToolDefinition { return f.Def }

func (f Func) Execute(ctx context.Context, inv Invocation, input json.RawMessage) (string, error) {
	parsed := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return "", fmt.Errorf("parse tool input: %w", err)
		}
	}
	return f.Run(ctx, inv, parsed)
}

// Registry holds the executors available to a tool loop, in registration order.
type Registry struct {
	byName  map[string]Executor
	order   []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A zero timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byName:  make(map[string]Executor),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds executors. A later executor with the same name replaces the
// earlier one but keeps its position.
func (r *Registry) Register(execs ...Executor) {
	for _, e := range execs {
		name := e.Definition().Name
		if _, ok := r.byName[name]; !ok {
			r.order = append(r.order, name)
		}
		r.byName[name] = e
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.byName[name].Definition())
	}
	return defs
}

// Execute runs call with its timeout. Failures become error results so the
// model can see them; Execute itself never fails.
func (r *Registry) Execute(ctx context.Context, inv Invocation, call llm.ToolCall) llm.ToolResult {
	start := time.Now()
	result := llm.ToolResult{ToolCallID: call.ID}

	executor, ok := r.byName[call.Name]
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		r.logger.Info("tool call", "tool", call.Name, "chat", inv.ChatID, "is_error", true)
		metrics.ToolCalls.WithLabelValues(call.Name, "unknown").Inc()
		return result
	}

	timeout := r.timeout
	if f, ok := executor.(Func); ok && f.Timeout > 0 {
		timeout = f.Timeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := executor.Execute(toolCtx, inv, call.Input)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
	} else {
		result.Content = content
	}

	outcome := "ok"
	if result.IsError {
		outcome = "error"
	}
	metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	r.logger.Info("tool call",
		"tool", call.Name,
		"chat", inv.ChatID,
		"duration", time.Since(start).Round(time.Millisecond),
		"is_error", result.IsError,
	)
	return result
}
