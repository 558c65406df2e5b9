// Package llm provides the LLM provider interfaces and the Anthropic
// implementation used by the relay's execution engines.
package llm

import "context"

// Message represents a plain chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolProvider is a Provider that supports tool use. toolMessages carry the
// structured turns that follow req.Messages.
type ToolProvider interface {
	Provider
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error)
}

// Tier is a cost/capability class of model.
type Tier string

const (
	TierCheap    Tier = "cheap"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Tiers lists every tier from most to least capable.
var Tiers = []Tier{TierPremium, TierStandard, TierCheap}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierCheap || t == TierStandard || t == TierPremium
}

// Router maps tiers to providers.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers}
}

// Resolve finds the provider for tier. Fallback chain: requested tier, then
// premium, standard, cheap.
func (r *Router) Resolve(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok {
		return p
	}
	for _, fallback := range Tiers {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok {
			return p
		}
	}
	return nil
}

// Complete routes a request to the provider for tier.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.Resolve(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return p.Complete(ctx, req)
}

// CompleteWithTools routes a request with tools. Providers without tool
// support get a plain completion with the tools dropped.
func (r *Router) CompleteWithTools(ctx context.Context, tier Tier, req CompletionRequest, tools []ToolDefinition, toolMessages []ToolMessage) (*CompletionResponse, error) {
	p := r.Resolve(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	if tp, ok := p.(ToolProvider); ok {
		return tp.CompleteWithTools(ctx, req, tools, toolMessages)
	}
	return p.Complete(ctx, req)
}

// HasToolProvider returns true if the provider resolved for tier supports tools.
func (r *Router) HasToolProvider(tier Tier) bool {
	_, ok := r.Resolve(tier).(ToolProvider)
	return ok
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// Retryable reports whether the failure is transient (rate limit, overload,
// server error, or a transport failure with no status).
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
