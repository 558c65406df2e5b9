package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/metrics"
)

// AgentRuntime is a server-side agent with resumable sessions.
// *tools.OpenCodeClient satisfies it.
type AgentRuntime interface {
	EnsureSession(ctx context.Context, existingID string) (string, error)
	SendMessage(ctx context.Context, sessionID, system, text string) (string, error)
}

// RuntimePrimer is appended to the system prompt so the agent asks questions
// in a form the engine can intercept.
const RuntimePrimer = `When you need the user to choose before continuing, stop and reply with exactly one block:
<ask_user>{"question": "...", "options": [{"label": "...", "value": "..."}]}</ask_user>
Do not perform the action until the answer arrives as "User chose: <value>".
If you are still working and want another turn, reply with only <continue/>.`

const continueMessage = "Continue."

var (
	askUserTag     = regexp.MustCompile(`(?s)<ask_user>(.*?)</ask_user>`)
	continueMarker = regexp.MustCompile(`^\s*<continue\s*/>\s*$`)
)

// Runtime runs requests through an agent runtime session.
type Runtime struct {
	rt     AgentRuntime
	cfg    Config
	logger *slog.Logger
}

// NewRuntime creates a runtime engine.
func NewRuntime(rt AgentRuntime, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{rt: rt, cfg: cfg.withDefaults(), logger: logger}
}

func (r *Runtime) Name() string { return NameRuntime }

// Run sends the prompt (or the user's choice when resuming) and loops while
// the agent asks to continue.
func (r *Runtime) Run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	tier, model := req.Selection.Tier, req.Selection.Model.ID
	system := strings.TrimSpace(req.System + "\n\n" + RuntimePrimer)
	existing, text := "", renderPrompt(req.History, req.Prompt)
	priorIterations := 0

	if rs := req.Resume; rs != nil {
		if rs.Engine != NameRuntime {
			return nil, fmt.Errorf("runtime engine cannot resume %q state", rs.Engine)
		}
		if rs.SessionID == "" {
			return nil, fmt.Errorf("resume state has no session")
		}
		tier, model = rs.Tier, rs.Model
		existing, text = rs.SessionID, userChose(req.Choice)
		priorIterations = rs.Iterations
	}

	sessionID, err := r.rt.EnsureSession(ctx, existing)
	if err != nil {
		metrics.EngineRuns.WithLabelValues(NameRuntime, string(tier), "error").Inc()
		return nil, fmt.Errorf("runtime session: %w", err)
	}
	if existing != "" && sessionID != existing {
		metrics.EngineRuns.WithLabelValues(NameRuntime, string(tier), "error").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, existing)
	}

	out := &Outcome{Model: model}
	for i := 0; priorIterations+i < r.cfg.MaxIterations; i++ {
		reply, err := r.rt.SendMessage(ctx, sessionID, system, text)
		out.Iterations = priorIterations + i + 1
		if err != nil {
			metrics.EngineRuns.WithLabelValues(NameRuntime, string(tier), "error").Inc()
			return nil, fmt.Errorf("runtime turn %d: %w", i+1, err)
		}

		if m := askUserTag.FindStringSubmatch(reply); m != nil {
			question, options := tools.ParseAskUser(json.RawMessage(strings.TrimSpace(m[1])))
			out.Kind = KindSuspended
			out.Text = strings.TrimSpace(askUserTag.ReplaceAllString(reply, ""))
			out.Suspension = &Suspension{
				Question: question,
				Options:  options,
				Resume: ResumeState{
					Engine:     NameRuntime,
					Tier:       tier,
					Model:      model,
					SessionID:  sessionID,
					Iterations: out.Iterations,
				},
			}
			r.logger.Info("runtime run suspended", "chat", req.ChatID, "session", sessionID, "question", question)
			metrics.EngineRuns.WithLabelValues(NameRuntime, string(tier), string(KindSuspended)).Inc()
			return out, nil
		}

		if continueMarker.MatchString(reply) {
			text = continueMessage
			continue
		}

		out.Kind = KindDone
		out.Text = reply
		metrics.EngineRuns.WithLabelValues(NameRuntime, string(tier), string(KindDone)).Inc()
		return out, nil
	}

	r.logger.Warn("runtime run hit iteration cap", "chat", req.ChatID, "session", sessionID, "max", r.cfg.MaxIterations, "prior", priorIterations)
	out.Iterations = max(out.Iterations, priorIterations)
	out.Kind = KindMaxIterations
	metrics.EngineRuns.WithLabelValues(NameRuntime, string(tier), string(KindMaxIterations)).Inc()
	return out, nil
}

// renderPrompt folds recent history into the first message of a fresh session.
func renderPrompt(history []llm.Message, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nCurrent message:\n")
	b.WriteString(prompt)
	return b.String()
}

