package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/store"
)

// AskUser is the control tool that suspends a run to ask the user a
// multiple-choice question. Engines intercept it; it is never executed.
const AskUser = "ask_user"

const (
	maxWebFetchBytes = 10 * 1024
	maxCommandOutput = 5000
	defaultRecall    = 5
)

// AskUserDefinition describes the ask_user control tool.
func AskUserDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: AskUser,
		Description: "Ask the user a multiple-choice question and wait for the answer. " +
			"Use before irreversible actions or when the request is ambiguous.",
		InputSchema: map[string]any{
			"question": map[string]any{"type": "string"},
			"options": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"label": map[string]any{"type": "string"},
						"value": map[string]any{"type": "string"},
					},
				},
			},
		},
		Required: []string{"question"},
	}
}

// DefaultChoices are offered when ask_user supplies no options.
func DefaultChoices() []store.Choice {
	return []store.Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}}
}

// ParseAskUser decodes ask_user input. Options missing a value use their
// label; options with neither are dropped. An empty result gets DefaultChoices.
func ParseAskUser(input json.RawMessage) (string, []store.Choice) {
	var in struct {
		Question string          `json:"question"`
		Options  json.RawMessage `json:"options"`
	}
	_ = json.Unmarshal(input, &in)

	var options []store.Choice
	var structured []store.Choice
	var plain []string
	switch {
	case json.Unmarshal(in.Options, &structured) == nil:
		for _, c := range structured {
			if c.Value == "" {
				c.Value = c.Label
			}
			if c.Label == "" {
				c.Label = c.Value
			}
			if c.Value != "" {
				options = append(options, c)
			}
		}
	case json.Unmarshal(in.Options, &plain) == nil:
		for _, s := range plain {
			if s = strings.TrimSpace(s); s != "" {
				options = append(options, store.Choice{Label: s, Value: s})
			}
		}
	}
	if len(options) == 0 {
		options = DefaultChoices()
	}
	question := strings.TrimSpace(in.Question)
	if question == "" {
		question = "How should I proceed?"
	}
	return question, options
}

// MemoryStore is the subset of store.Store the memory tools need.
type MemoryStore interface {
	AddMemory(ctx context.Context, item store.MemoryItem) (*store.MemoryItem, error)
	UpdateMemoryMatch(ctx context.Context, chatID string, kind store.MemoryKind, match string, patch store.MemoryPatch) (*store.MemoryItem, error)
	SearchMemories(ctx context.Context, chatID, query string, limit int) ([]store.MemoryItem, error)
}

// MemoryTools returns remember_fact, add_goal, update_goal and recall_memory.
func MemoryTools(s MemoryStore) []Executor {
	return []Executor{
		Func{
			Def: llm.ToolDefinition{
				Name:        "remember_fact",
				Description: "Store a durable fact about the user when they share one or ask you to remember it.",
				InputSchema: map[string]any{"fact": map[string]any{"type": "string"}},
				Required:    []string{"fact"},
			},
			Run: func(ctx context.Context, inv Invocation, input map[string]any) (string, error) {
				return addMemory(ctx, s, inv, store.MemoryFact, input, "fact")
			},
		},
		Func{
			Def: llm.ToolDefinition{
				Name:        "add_goal",
				Description: "Track a new goal the user wants to work toward.",
				InputSchema: map[string]any{"goal": map[string]any{"type": "string"}},
				Required:    []string{"goal"},
			},
			Run: func(ctx context.Context, inv Invocation, input map[string]any) (string, error) {
				return addMemory(ctx, s, inv, store.MemoryGoal, input, "goal")
			},
		},
		Func{
			Def: llm.ToolDefinition{
				Name:        "update_goal",
				Description: "Update the first goal whose text contains match. Set status to done to complete it.",
				InputSchema: map[string]any{
					"match":   map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
					"status":  map[string]any{"type": "string", "enum": []string{"active", "done"}},
				},
				Required: []string{"match"},
			},
			Run: func(ctx context.Context, inv Invocation, input map[string]any) (string, error) {
				match := stringArg(input, "match")
				if match == "" {
					return "", fmt.Errorf("missing required parameter: match")
				}
				var patch store.MemoryPatch
				if c := stringArg(input, "content"); c != "" {
					patch.Content = &c
				}
				if st := stringArg(input, "status"); st != "" {
					if st != "active" && st != "done" {
						return "", fmt.Errorf("status must be active or done")
					}
					patch.Status = &st
				}
				item, err := s.UpdateMemoryMatch(ctx, inv.ChatID, store.MemoryGoal, match, patch)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Sprintf("No goal matches %q.", match), nil
				}
				if err != nil {
					return "", fmt.Errorf("update goal: %w", err)
				}
				return fmt.Sprintf("Goal updated: %s (%s)", item.Content, item.Status), nil
			},
		},
		Func{
			Def: llm.ToolDefinition{
				Name:        "recall_memory",
				Description: "Search remembered facts and goals.",
				InputSchema: map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "number"},
				},
				Required: []string{"query"},
			},
			Run: func(ctx context.Context, inv Invocation, input map[string]any) (string, error) {
				query := stringArg(input, "query")
				if query == "" {
					return "", fmt.Errorf("missing required parameter: query")
				}
				limit := defaultRecall
				if n, ok := input["limit"].(float64); ok && n > 0 && n <= 50 {
					limit = int(n)
				}
				items, err := s.SearchMemories(ctx, inv.ChatID, query, limit)
				if err != nil {
					return "", fmt.Errorf("recall: %w", err)
				}
				if len(items) == 0 {
					return "No matching memories.", nil
				}
				var b strings.Builder
				for i, it := range items {
					fmt.Fprintf(&b, "%d. [%s] %s", i+1, it.Kind, it.Content)
					if it.Kind == store.MemoryGoal && it.Status != "" {
						fmt.Fprintf(&b, " (%s)", it.Status)
					}
					b.WriteString("\n")
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
	}
}

func addMemory(ctx context.Context, s MemoryStore, inv Invocation, kind store.MemoryKind, input map[string]any, key string) (string, error) {
	content := stringArg(input, key)
	if content == "" {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	item, err := s.AddMemory(ctx, store.MemoryItem{
		ChatID:  inv.ChatID,
		Kind:    kind,
		Content: content,
		Status:  "active",
	})
	if err != nil {
		return "", fmt.Errorf("store %s: %w", kind, err)
	}
	return fmt.Sprintf("Saved %s: %s", kind, item.Content), nil
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return strings.TrimSpace(s)
}

// WebFetch returns the web_fetch tool. Only public https hosts are allowed.
func WebFetch() Executor {
	client := &http.Client{
		Timeout: DefaultTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			if !strings.EqualFold(req.URL.Scheme, "https") {
				return fmt.Errorf("redirected to non-https URL")
			}
			return validateExternalHost(req.Context(), req.URL.Hostname())
		},
	}
	return Func{
		Def: llm.ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch HTTPS URL content for factual lookups. Blocks internal/private hosts.",
			InputSchema: map[string]any{"url": map[string]any{"type": "string"}},
			Required:    []string{"url"},
		},
		Run: func(ctx context.Context, _ Invocation, input map[string]any) (string, error) {
			return webFetch(ctx, client, stringArg(input, "url"))
		},
	}
}

func webFetch(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("missing required parameter: url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return "", fmt.Errorf("only https URLs are allowed")
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("url must include a hostname")
	}
	if err := validateExternalHost(ctx, parsed.Hostname()); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "relay/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebFetchBytes+1))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if len(body) > maxWebFetchBytes {
		return string(body[:maxWebFetchBytes]) + "\n[truncated at 10KB]", nil
	}
	return string(body), nil
}

func validateExternalHost(ctx context.Context, host string) error {
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("localhost is blocked")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("internal IP is blocked")
		}
		return nil
	}

	var resolver net.Resolver
	resolved, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("dns lookup failed: %w", err)
	}
	if len(resolved) == 0 {
		return fmt.Errorf("host did not resolve")
	}
	for _, addr := range resolved {
		if isBlockedIP(addr.IP) {
			return fmt.Errorf("host resolves to blocked IP")
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// RunCommand returns the run_command tool for the local node. Only commands
// whose program name is in allow may run; arguments are passed without a shell.
func RunCommand(allow []string, dir string, timeout time.Duration) Executor {
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[a] = true
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return Func{
		Def: llm.ToolDefinition{
			Name:        "run_command",
			Description: "Run an allowlisted command on the local machine. Allowed: " + strings.Join(allow, ", "),
			InputSchema: map[string]any{
				"command": map[string]any{"type": "string", "description": "Space-separated command, e.g. 'git status'"},
			},
			Required: []string{"command"},
		},
		Timeout: timeout,
		Run: func(ctx context.Context, _ Invocation, input map[string]any) (string, error) {
			args := strings.Fields(stringArg(input, "command"))
			if len(args) == 0 {
				return "", fmt.Errorf("missing required parameter: command")
			}
			if !allowed[args[0]] {
				return "", fmt.Errorf("command %q is not allowed", args[0])
			}
			cmd := exec.CommandContext(ctx, args[0], args[1:]...)
			cmd.Dir = dir
			out, err := cmd.CombinedOutput()
			text := string(out)
			if len(text) > maxCommandOutput {
				text = text[:maxCommandOutput] + "\n[truncated]"
			}
			code := 0
			var exitErr *exec.ExitError
			switch {
			case errors.As(err, &exitErr):
				code = exitErr.ExitCode()
			case err != nil:
				return "", fmt.Errorf("run %s: %w", args[0], err)
			}
			return fmt.Sprintf("Command: %s\nExit: %d\n\n%s", strings.Join(args, " "), code, text), nil
		},
	}
}
