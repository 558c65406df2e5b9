package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/metrics"
)

// Completer is the model API the direct loop drives. *llm.Router satisfies it.
type Completer interface {
	CompleteWithTools(ctx context.Context, tier llm.Tier, req llm.CompletionRequest, tools []llm.ToolDefinition, toolMessages []llm.ToolMessage) (*llm.CompletionResponse, error)
}

// Direct runs the tool loop against the model API and suspends on ask_user.
type Direct struct {
	llm    Completer
	tools  *tools.Registry
	budget *Budget
	cfg    Config
	logger *slog.Logger
}

// NewDirect creates a direct engine. budget may be nil.
func NewDirect(c Completer, registry *tools.Registry, budget *Budget, cfg Config, logger *slog.Logger) *Direct {
	if registry == nil {
		registry = tools.NewRegistry(0, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{llm: c, tools: registry, budget: budget, cfg: cfg.withDefaults(), logger: logger}
}

func (d *Direct) Name() string { return NameDirect }

// Run executes or resumes the loop. At most MaxIterations model calls are
// made per run, counting calls made before earlier suspensions.
func (d *Direct) Run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	tier, model, system := req.Selection.Tier, req.Selection.Model.ID, req.System
	var turns []llm.ToolMessage
	priorIterations := 0

	if rs := req.Resume; rs != nil {
		if rs.Engine != NameDirect {
			return nil, fmt.Errorf("direct engine cannot resume %q state", rs.Engine)
		}
		if rs.ToolCallID == "" {
			return nil, fmt.Errorf("resume state has no pending tool call")
		}
		tier, model, system = rs.Tier, rs.Model, rs.System
		priorIterations = rs.Iterations
		turns = append(Compress(rs.Turns, 0, 0), rs.Pending, llm.ResultTurn(resumeResults(rs, req.Choice)))
		d.logger.Info("resuming direct run", "chat", req.ChatID, "tool_call", rs.ToolCallID, "turns", len(turns))
	} else {
		for _, m := range req.History {
			turns = append(turns, llm.TextTurn(m.Role, m.Content))
		}
		turns = append(turns, llm.TextTurn("user", req.Prompt))
	}

	defs := append(d.tools.Definitions(), tools.AskUserDefinition())
	inv := tools.Invocation{ChatID: req.ChatID, Prompt: req.Prompt}
	out := &Outcome{Model: model}

	for i := 0; priorIterations+i < d.cfg.MaxIterations; i++ {
		resp, err := d.llm.CompleteWithTools(ctx, tier, llm.CompletionRequest{
			Model:     model,
			System:    system,
			MaxTokens: d.cfg.MaxTokens,
		}, defs, turns)
		out.Iterations = priorIterations + i + 1
		if err != nil {
			metrics.EngineRuns.WithLabelValues(NameDirect, string(tier), "error").Inc()
			return nil, fmt.Errorf("model turn %d: %w", i+1, err)
		}
		d.account(out, req.Selection.Model.Cost(resp.InputTokens, resp.OutputTokens), resp)

		if len(resp.ToolCalls) == 0 {
			out.Kind = KindDone
			out.Text = resp.Content
			metrics.EngineRuns.WithLabelValues(NameDirect, string(tier), string(KindDone)).Inc()
			return out, nil
		}

		assistant := llm.AssistantTurn(resp)
		var results []llm.ToolResult
		var ask *llm.ToolCall
		for j := range resp.ToolCalls {
			call := resp.ToolCalls[j]
			if call.Name == tools.AskUser {
				if ask == nil {
					ask = &call
					continue
				}
				results = append(results, llm.ToolResult{
					ToolCallID: call.ID,
					Content:    "only one question can be asked at a time",
					IsError:    true,
				})
				continue
			}
			results = append(results, d.tools.Execute(ctx, inv, call))
		}

		if ask != nil {
			question, options := tools.ParseAskUser(ask.Input)
			out.Kind = KindSuspended
			out.Text = resp.Content
			out.Suspension = &Suspension{
				Question: question,
				Options:  options,
				Resume: ResumeState{
					Engine:     NameDirect,
					Tier:       tier,
					Model:      model,
					System:     system,
					Turns:      Compress(turns, d.cfg.TextLimit, d.cfg.ToolResultLimit),
					Pending:    compressTurn(assistant, d.cfg.TextLimit, d.cfg.ToolResultLimit),
					Completed:  compressResults(results, d.cfg.ToolResultLimit),
					ToolCallID: ask.ID,
					Iterations: out.Iterations,
				},
			}
			d.logger.Info("direct run suspended", "chat", req.ChatID, "question", question, "options", len(options))
			metrics.EngineRuns.WithLabelValues(NameDirect, string(tier), string(KindSuspended)).Inc()
			return out, nil
		}

		turns = append(turns, assistant, llm.ResultTurn(results))
	}

	d.logger.Warn("direct run hit iteration cap", "chat", req.ChatID, "max", d.cfg.MaxIterations, "prior", priorIterations)
	out.Iterations = max(out.Iterations, priorIterations)
	out.Kind = KindMaxIterations
	metrics.EngineRuns.WithLabelValues(NameDirect, string(tier), string(KindMaxIterations)).Inc()
	return out, nil
}

func (d *Direct) account(out *Outcome, cost float64, resp *llm.CompletionResponse) {
	out.Usage.InputTokens += resp.InputTokens
	out.Usage.OutputTokens += resp.OutputTokens
	out.Usage.Cost += cost
	if resp.Model != "" {
		out.Model = resp.Model
	}
	if d.budget != nil {
		d.budget.Add(cost)
	}
}

// resumeResults answers every tool call in the pending turn in order: stored
// results for calls that already ran, the user's choice for ask_user.
func resumeResults(rs *ResumeState, choice string) []llm.ToolResult {
	done := make(map[string]llm.ToolResult, len(rs.Completed))
	for _, r := range rs.Completed {
		done[r.ToolCallID] = r
	}
	var results []llm.ToolResult
	for _, b := range rs.Pending.Content {
		if b.ToolCall == nil {
			continue
		}
		id := b.ToolCall.ID
		switch r, ok := done[id]; {
		case id == rs.ToolCallID:
			results = append(results, llm.ToolResult{ToolCallID: id, Content: userChose(choice)})
		case ok:
			results = append(results, r)
		default:
			results = append(results, llm.ToolResult{ToolCallID: id, Content: "not executed", IsError: true})
		}
	}
	return results
}
