// Package engine runs the bounded tool-use loop that answers a message.
//
// Two engines share one contract. Direct drives the Anthropic API itself and
// replays a compressed turn history on resumption. Runtime delegates to an
// OpenCode agent session and resumes by session id. Both return an Outcome
// tagged Done, Suspended or MaxIterations; suspension is not an error.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/modelrouter"
	"github.com/nous-labs/relay/internal/store"
)

// Engine names.
const (
	NameDirect  = "direct"
	NameRuntime = "runtime"
)

// MetadataKey is the AsyncTask metadata key holding the encoded ResumeState.
const MetadataKey = "resume"

// ErrSessionExpired is returned when a runtime session needed for resumption is gone.
var ErrSessionExpired = errors.New("engine: runtime session expired")

// Kind tags an Outcome.
type Kind string

const (
	KindDone          Kind = "done"
	KindSuspended     Kind = "suspended"
	KindMaxIterations Kind = "max_iterations"
)

// Engine answers one request, possibly suspending for user input.
type Engine interface {
	Name() string
	Run(ctx context.Context, req Request) (*Outcome, error)
}

// Request is one invocation. A non-nil Resume continues a suspended run with Choice.
type Request struct {
	ChatID    string
	Prompt    string
	System    string
	History   []llm.Message
	Selection modelrouter.Selection
	Resume    *ResumeState
	Choice    string
}

// Usage is the token usage and cost of one invocation.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Suspension carries what the caller must persist and show when a run pauses.
type Suspension struct {
	Question string
	Options  []store.Choice
	Resume   ResumeState
}

// Outcome is the tagged result of Run. Suspension is set only for KindSuspended.
type Outcome struct {
	Kind       Kind
	Text       string
	Suspension *Suspension
	Usage      Usage
	Model      string
	Iterations int
}

// ResumeState is the opaque payload needed to continue a suspended run. The
// direct engine fills the turn fields; the runtime engine only SessionID.
type ResumeState struct {
	Engine     string            `json:"engine"`
	Tier       llm.Tier          `json:"tier"`
	Model      string            `json:"model"`
	System     string            `json:"system,omitempty"`
	Turns      []llm.ToolMessage `json:"turns,omitempty"`
	Pending    llm.ToolMessage   `json:"pending"`
	Completed  []llm.ToolResult  `json:"completed,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Iterations int               `json:"iterations"`
}

// EncodeResume converts rs into a JSON-compatible value for task metadata.
func EncodeResume(rs ResumeState) (map[string]any, error) {
	data, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode resume: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode resume: %w", err)
	}
	return out, nil
}

// DecodeResume reads the ResumeState stored under MetadataKey.
func DecodeResume(metadata map[string]any) (*ResumeState, error) {
	raw, ok := metadata[MetadataKey]
	if !ok || raw == nil {
		return nil, fmt.Errorf("decode resume: no %q metadata", MetadataKey)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode resume: %w", err)
	}
	var rs ResumeState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decode resume: %w", err)
	}
	if rs.Engine != NameDirect && rs.Engine != NameRuntime {
		return nil, fmt.Errorf("decode resume: unknown engine %q", rs.Engine)
	}
	return &rs, nil
}

// Config bounds engine runs.
type Config struct {
	MaxIterations   int           // model round-trips per run, across resumptions
	TextLimit       int           // stored text block length
	ToolResultLimit int           // stored tool result length
	Timeout         time.Duration // whole invocation
	MaxTokens       int           // per model call
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   15,
		TextLimit:       2000,
		ToolResultLimit: 500,
		Timeout:         5 * time.Minute,
		MaxTokens:       4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.TextLimit <= 0 {
		c.TextLimit = d.TextLimit
	}
	if c.ToolResultLimit <= 0 {
		c.ToolResultLimit = d.ToolResultLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}

func userChose(value string) string {
	return "User chose: " + value
}
