// Package gateway routes each chat message to the local node when it is
// alive and to the VPS execution engines otherwise, keeps per-chat order,
// resolves choice callbacks and delivers asynchronous node results.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/relay/internal/engine"
	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/modelrouter"
	"github.com/nous-labs/relay/internal/store"
	"github.com/nous-labs/relay/internal/taskqueue"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/channel"
	"github.com/nous-labs/relay/pkg/events"
	"github.com/nous-labs/relay/pkg/metrics"
)

// User-visible replies for failures.
const (
	msgBudget         = "I've reached today's spending limit, so I can't take new requests until midnight."
	msgTooComplex     = "That took more steps than I can manage in one go. Could you break it into smaller requests?"
	msgError          = "Sorry, something went wrong on my side. Please try again in a moment."
	msgTimeout        = "Sorry, that took too long and I gave up. Please try again."
	msgExpired        = "That question has expired or was already answered."
	msgCancelled      = "OK, cancelled."
	msgSessionExpired = "That conversation has expired. Please ask again."
	msgDone           = "Done."
)

// Liveness is the health monitor view the gateway needs.
type Liveness interface {
	IsAlive() bool
}

// Node is the local node API. *tools.NodeClient satisfies it.
type Node interface {
	Process(ctx context.Context, req tools.ProcessRequest) (*tools.Accepted, error)
	Resume(ctx context.Context, req tools.ResumeRequest) (*tools.Accepted, error)
	Result(ctx context.Context, id string) (*tools.ResultStatus, error)
}

// Deps are the gateway's collaborators. Store, Router, Direct and Queue are
// required; Sender is required on the VPS. Node and Health enable forwarding.
type Deps struct {
	Store   store.Store
	Sender  channel.Sender
	Health  Liveness
	Node    Node
	Router  *modelrouter.Router
	Direct  engine.Engine
	Runtime engine.Engine
	// RuntimeUp reports whether the agent runtime is reachable. Nil means
	// always, when Runtime is set.
	RuntimeUp func(ctx context.Context) bool
	Queue     *taskqueue.Queue
	Budget    *engine.Budget
	Events    *events.Bus
	Logger    *slog.Logger
}

// Options tune the gateway.
type Options struct {
	Role           string // RoleVPS or RoleLocal; recorded as processed_by
	HistoryLimit   int
	RuntimeTiers   []llm.Tier
	SystemPrompt   string
	ForwardTimeout time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	DedupTTL       time.Duration
}

func (o Options) withDefaults() Options {
	if o.Role == "" {
		o.Role = RoleVPS
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 20
	}
	if o.ForwardTimeout <= 0 {
		o.ForwardTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 6 * time.Minute
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = time.Hour
	}
	return o
}

// Gateway is the routing controller. It implements channel.Handler.
type Gateway struct {
	d      Deps
	opts   Options
	lanes  *Lanes
	dedup  *taskqueue.Dedup
	logger *slog.Logger

	bg      context.Context
	stop    context.CancelFunc
	pollers sync.WaitGroup
}

var _ channel.Handler = (*Gateway)(nil)

// New creates a gateway.
func New(d Deps, opts Options) *Gateway {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Store == nil {
		d.Store = store.Unconfigured{}
	}
	bg, stop := context.WithCancel(context.Background())
	return &Gateway{
		d:      d,
		opts:   opts.withDefaults(),
		lanes:  NewLanes(d.Logger),
		dedup:  taskqueue.NewDedup(opts.DedupTTL),
		logger: d.Logger,
		bg:     bg,
		stop:   stop,
	}
}

// HandleMessage queues msg on its chat's lane.
func (g *Gateway) HandleMessage(_ context.Context, msg channel.Message) error {
	return g.lanes.Submit(msg.ChatID, func(ctx context.Context) { g.processMessage(ctx, msg) })
}

// HandleCallback queues cb on its chat's lane.
func (g *Gateway) HandleCallback(_ context.Context, cb channel.Callback) error {
	return g.lanes.Submit(cb.ChatID, func(ctx context.Context) { g.processCallback(ctx, cb) })
}

// ActiveLanes returns the number of chats with work in flight.
func (g *Gateway) ActiveLanes() int { return g.lanes.Active() }

// Close stops accepting work and waits for lanes and pollers.
func (g *Gateway) Close() {
	g.lanes.Close()
	g.stop()
	g.pollers.Wait()
}

// inbound is one message to answer.
type inbound struct {
	ChatID   string
	ThreadID string
	Text     string
}

// answer is the chat-visible result of handling a message or callback.
type answer struct {
	Text        string
	TaskID      string
	Question    string
	Options     []store.Choice
	ProcessedBy string
}

func (g *Gateway) processMessage(ctx context.Context, msg channel.Message) {
	in := inbound{ChatID: msg.ChatID, ThreadID: msg.ThreadID, Text: msg.Content}

	if acc, ok := g.forward(ctx, in); ok {
		g.route(in, store.NodeLocal, "forwarded")
		g.saveMessage(ctx, in.ChatID, in.ThreadID, store.RoleUser, in.Text, store.NodeLocal)
		g.accept(ctx, in, acc)
		return
	}

	g.route(in, g.opts.Role, "fallback")
	g.saveMessage(ctx, in.ChatID, in.ThreadID, store.RoleUser, in.Text, g.opts.Role)
	g.deliver(ctx, in.ChatID, in.ThreadID, g.answer(ctx, in))
}

// forward sends in to the local node when it is alive. ok is false when the
// caller must fall back.
func (g *Gateway) forward(ctx context.Context, in inbound) (*tools.Accepted, bool) {
	if !g.nodeUp() {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.ForwardTimeout)
	defer cancel()

	start := time.Now()
	acc, err := g.d.Node.Process(ctx, tools.ProcessRequest{Text: in.Text, ChatID: in.ChatID, ThreadID: in.ThreadID})
	if err != nil {
		metrics.ForwardDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		g.logger.Warn("forward to local node failed, falling back", "chat", in.ChatID, "error", err)
		g.d.Events.Publish(events.Event{Kind: events.KindError, ChatID: in.ChatID, Node: store.NodeLocal, Message: "forward failed: " + err.Error()})
		return nil, false
	}
	result := "sync"
	if acc.AsyncID != "" {
		result = "async"
	}
	metrics.ForwardDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return acc, true
}

func (g *Gateway) nodeUp() bool {
	return g.d.Node != nil && g.d.Health != nil && g.d.Health.IsAlive()
}

// accept delivers a node reply now, or starts polling for an async one.
func (g *Gateway) accept(ctx context.Context, in inbound, acc *tools.Accepted) {
	if acc.AsyncID == "" {
		g.deliver(ctx, in.ChatID, in.ThreadID, fromReply(*acc.Reply))
		return
	}
	g.logger.Info("local node accepted async", "chat", in.ChatID, "id", acc.AsyncID)
	g.pollers.Add(1)
	go func() {
		defer g.pollers.Done()
		g.poll(in, acc.AsyncID)
	}()
}

func fromReply(r tools.Reply) answer {
	return answer{
		Text:        r.Text,
		TaskID:      r.TaskID,
		Question:    r.Question,
		Options:     r.Options,
		ProcessedBy: store.NodeLocal,
	}
}

// poll waits for an async node result. The node may also push the result to
// /v1/deliver; the dedup claim decides which path delivers.
func (g *Gateway) poll(in inbound, id string) {
	ctx, cancel := context.WithTimeout(g.bg, g.opts.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if g.bg.Err() == nil && g.dedup.Claim(id) {
				g.logger.Warn("async result timed out", "chat", in.ChatID, "id", id)
				g.deliver(g.bg, in.ChatID, in.ThreadID, answer{Text: msgTimeout, ProcessedBy: store.NodeLocal})
			}
			return
		case <-ticker.C:
		}

		if g.dedup.Seen(id) {
			return
		}
		status, err := g.d.Node.Result(ctx, id)
		if errors.Is(err, tools.ErrUnknownResult) {
			if g.dedup.Claim(id) {
				g.logger.Warn("local node lost async result", "chat", in.ChatID, "id", id)
				g.deliver(ctx, in.ChatID, in.ThreadID, answer{Text: msgError, ProcessedBy: store.NodeLocal})
			}
			return
		}
		if err != nil {
			g.logger.Debug("poll async result", "id", id, "error", err)
			continue
		}
		switch status.Status {
		case tools.ResultDone:
			if status.Reply != nil && g.dedup.Claim(id) {
				g.deliver(ctx, in.ChatID, in.ThreadID, fromReply(*status.Reply))
			}
			return
		case tools.ResultFailed:
			if g.dedup.Claim(id) {
				g.logger.Warn("async run failed on local node", "chat", in.ChatID, "id", id, "error", status.Error)
				g.deliver(ctx, in.ChatID, in.ThreadID, answer{Text: msgError, ProcessedBy: store.NodeLocal})
			}
			return
		}
	}
}

// ErrDuplicate is returned by Deliver for a result that was already delivered.
var ErrDuplicate = errors.New("gateway: result already delivered")

// Deliver handles a result pushed by the local node. Duplicates of a result
// already delivered by polling are dropped with ErrDuplicate.
func (g *Gateway) Deliver(ctx context.Context, d tools.Delivery) error {
	if d.ID == "" || d.ChatID == "" {
		return fmt.Errorf("delivery: id and chat required")
	}
	if !g.dedup.Claim(d.ID) {
		g.logger.Info("duplicate async delivery dropped", "id", d.ID, "chat", d.ChatID)
		return ErrDuplicate
	}
	g.deliver(ctx, d.ChatID, d.ThreadID, fromReply(d.Reply))
	return nil
}

// answer runs in on this process's engines.
func (g *Gateway) answer(ctx context.Context, in inbound) answer {
	if g.d.Budget != nil && g.d.Budget.Exhausted() {
		g.logger.Warn("daily budget exhausted", "chat", in.ChatID, "spent", g.d.Budget.Spent())
		g.d.Events.Publish(events.Event{Kind: events.KindBudget, ChatID: in.ChatID, Message: "exhausted"})
		return answer{Text: msgBudget, ProcessedBy: g.opts.Role}
	}

	sel := g.d.Router.SelectModel(in.Text, g.remaining())
	eng := g.engineFor(ctx, sel.Tier)
	g.logger.Info("running engine", "chat", in.ChatID, "engine", eng.Name(), "tier", sel.Tier, "model", sel.Model.ID, "downgraded", sel.Downgraded)

	out, err := eng.Run(ctx, engine.Request{
		ChatID:    in.ChatID,
		Prompt:    in.Text,
		System:    g.opts.SystemPrompt,
		History:   g.history(ctx, in),
		Selection: sel,
	})
	return g.settle(ctx, in, "", out, err)
}

func (g *Gateway) remaining() *float64 {
	if g.d.Budget == nil || g.d.Budget.Limit() <= 0 {
		return nil
	}
	r := g.d.Budget.Remaining()
	return &r
}

func (g *Gateway) engineFor(ctx context.Context, tier llm.Tier) engine.Engine {
	if g.d.Runtime != nil && slices.Contains(g.opts.RuntimeTiers, tier) {
		if g.d.RuntimeUp == nil || g.d.RuntimeUp(ctx) {
			return g.d.Runtime
		}
		g.logger.Warn("agent runtime unavailable, using direct engine", "tier", tier)
	}
	return g.d.Direct
}

func (g *Gateway) engineNamed(name string) engine.Engine {
	switch name {
	case engine.NameDirect:
		return g.d.Direct
	case engine.NameRuntime:
		return g.d.Runtime
	}
	return nil
}

// history returns the chat's recent turns, oldest first, without the
// message being answered.
func (g *Gateway) history(ctx context.Context, in inbound) []llm.Message {
	msgs, err := g.d.Store.RecentMessages(ctx, in.ChatID, g.opts.HistoryLimit+1)
	if err != nil {
		g.logger.Warn("load history", "chat", in.ChatID, "error", err)
		return nil
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == store.RoleUser && msgs[n-1].Content == in.Text {
		msgs = msgs[:n-1]
	}
	if len(msgs) > g.opts.HistoryLimit {
		msgs = msgs[len(msgs)-g.opts.HistoryLimit:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// settle turns an engine result into an answer, updating taskID when the
// run was a resumption.
func (g *Gateway) settle(ctx context.Context, in inbound, taskID string, out *engine.Outcome, err error) answer {
	ans := answer{ProcessedBy: g.opts.Role}
	if err != nil {
		g.logger.Error("engine run failed", "chat", in.ChatID, "task", taskID, "error", err)
		g.d.Events.Publish(events.Event{Kind: events.KindError, ChatID: in.ChatID, TaskID: taskID, Message: err.Error()})
		if taskID != "" {
			g.d.Queue.Fail(ctx, taskID, "engine error")
		}
		ans.Text = msgError
		if errors.Is(err, engine.ErrSessionExpired) {
			ans.Text = msgSessionExpired
		}
		return ans
	}

	g.logger.Info("engine run finished", "chat", in.ChatID, "kind", out.Kind, "iterations", out.Iterations,
		"model", out.Model, "cost", out.Usage.Cost)

	switch out.Kind {
	case engine.KindDone:
		ans.Text = out.Text
		if strings.TrimSpace(ans.Text) == "" {
			ans.Text = msgDone
		}
		if taskID != "" {
			if err := g.d.Queue.Complete(ctx, taskID, ans.Text); err != nil {
				g.logger.Warn("complete task", "task", taskID, "error", err)
			}
		}
	case engine.KindSuspended:
		s := out.Suspension
		ans.Text, ans.Question, ans.Options = out.Text, s.Question, s.Options
		if len(ans.Options) == 0 {
			ans.Options = tools.DefaultChoices()
		}
		if taskID != "" {
			if err := g.d.Queue.Repause(ctx, taskID, s.Question, ans.Options, s.Resume); err != nil {
				g.logger.Warn("repause task", "task", taskID, "error", err)
				break
			}
			ans.TaskID = taskID
			break
		}
		id, err := g.d.Queue.CreateAndPause(ctx, taskqueue.PauseRequest{
			ChatID:      in.ChatID,
			ThreadID:    in.ThreadID,
			Prompt:      in.Text,
			Question:    s.Question,
			Options:     ans.Options,
			Resume:      s.Resume,
			ProcessedBy: g.opts.Role,
		})
		if err != nil {
			g.logger.Warn("could not persist paused task, sending plain question", "chat", in.ChatID, "error", err)
			break
		}
		ans.TaskID = id
	case engine.KindMaxIterations:
		ans.Text = msgTooComplex
		if taskID != "" {
			g.d.Queue.Fail(ctx, taskID, "iteration limit")
		}
	default:
		ans.Text = msgError
	}
	return ans
}

func (g *Gateway) processCallback(ctx context.Context, cb channel.Callback) {
	res, err := g.d.Queue.HandleCallback(ctx, cb.Token)
	if err != nil {
		g.logger.Error("callback failed", "chat", cb.ChatID, "error", err)
		g.send(ctx, cb.ChatID, cb.ThreadID, msgError, nil)
		return
	}
	if res == nil {
		if g.forwardCallback(ctx, cb) {
			return
		}
		g.send(ctx, cb.ChatID, cb.ThreadID, msgExpired, nil)
		return
	}

	task := res.Task
	in := inbound{ChatID: task.ChatID, ThreadID: task.ThreadID, Text: task.Prompt}
	if res.Cancelled {
		g.send(ctx, in.ChatID, in.ThreadID, msgCancelled, nil)
		return
	}
	g.saveMessage(ctx, in.ChatID, in.ThreadID, store.RoleUser, res.Label, task.ProcessedBy)

	if task.ProcessedBy == store.NodeLocal && g.nodeUp() {
		rctx, cancel := context.WithTimeout(ctx, g.opts.ForwardTimeout)
		acc, err := g.d.Node.Resume(rctx, tools.ResumeRequest{TaskID: task.ID, ChatID: task.ChatID, Choice: res.Choice})
		cancel()
		if err == nil {
			g.route(in, store.NodeLocal, "resume forwarded")
			g.accept(ctx, in, acc)
			return
		}
		g.logger.Warn("resume on local node failed, resuming here", "task", task.ID, "error", err)
	}

	g.route(in, g.opts.Role, "resume")
	g.deliver(ctx, in.ChatID, in.ThreadID, g.resume(ctx, res))
}

// forwardCallback hands a token for a task this store does not know to the
// local node, which may own it.
func (g *Gateway) forwardCallback(ctx context.Context, cb channel.Callback) bool {
	if !g.nodeUp() || g.d.Queue.Known(ctx, cb.Token) {
		return false
	}
	rctx, cancel := context.WithTimeout(ctx, g.opts.ForwardTimeout)
	defer cancel()
	acc, err := g.d.Node.Resume(rctx, tools.ResumeRequest{ChatID: cb.ChatID, Token: cb.Token})
	if err != nil {
		g.logger.Warn("forward callback failed", "chat", cb.ChatID, "error", err)
		return false
	}
	g.accept(ctx, inbound{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, acc)
	return true
}

// resume continues a claimed task with the user's choice.
func (g *Gateway) resume(ctx context.Context, res *taskqueue.CallbackResult) answer {
	task, rs := res.Task, res.Resume
	in := inbound{ChatID: task.ChatID, ThreadID: task.ThreadID, Text: task.Prompt}

	eng := g.engineNamed(rs.Engine)
	if eng == nil {
		g.logger.Warn("no engine to resume task", "task", task.ID, "engine", rs.Engine)
		g.d.Queue.Fail(ctx, task.ID, "engine unavailable")
		return answer{Text: msgSessionExpired, ProcessedBy: g.opts.Role}
	}
	sel := modelrouter.Selection{Tier: rs.Tier, Model: g.d.Router.Model(rs.Tier)}
	if rs.Model != "" {
		sel.Model.ID = rs.Model
	}
	g.logger.Info("resuming task", "task", task.ID, "engine", rs.Engine, "choice", res.Choice)

	out, err := eng.Run(ctx, engine.Request{
		ChatID:    task.ChatID,
		Prompt:    task.Prompt,
		System:    g.opts.SystemPrompt,
		Selection: sel,
		Resume:    rs,
		Choice:    res.Choice,
	})
	return g.settle(ctx, in, task.ID, out, err)
}

// deliver persists and sends ans.
func (g *Gateway) deliver(ctx context.Context, chatID, threadID string, ans answer) {
	text := ans.Text
	if ans.Question != "" {
		text = strings.TrimSpace(strings.TrimSpace(text) + "\n\n" + ans.Question)
	}
	var buttons [][]channel.Button
	switch {
	case ans.TaskID != "":
		buttons = g.d.Queue.RenderChoices(ans.TaskID, ans.Options)
	case len(ans.Options) > 0:
		text += "\n" + numbered(ans.Options)
	}
	g.saveMessage(ctx, chatID, threadID, store.RoleAssistant, text, ans.ProcessedBy)
	g.send(ctx, chatID, threadID, text, buttons)
}

func numbered(options []store.Choice) string {
	var b strings.Builder
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o.Label)
	}
	return b.String()
}

func (g *Gateway) send(ctx context.Context, chatID, threadID, text string, buttons [][]channel.Button) {
	if g.d.Sender == nil {
		return
	}
	err := g.d.Sender.Send(ctx, channel.Response{ChatID: chatID, ThreadID: threadID, Content: text, Buttons: buttons})
	if err != nil {
		g.logger.Error("send reply", "chat", chatID, "error", err)
	}
}

// saveMessage persists a turn. Failures are logged and never block the reply.
func (g *Gateway) saveMessage(ctx context.Context, chatID, threadID, role, content, processedBy string) {
	if content == "" {
		return
	}
	err := g.d.Store.SaveMessage(ctx, store.Message{
		ChatID:      chatID,
		ThreadID:    threadID,
		Role:        role,
		Content:     content,
		ProcessedBy: processedBy,
	})
	if err != nil {
		g.logger.Warn("persist message", "chat", chatID, "role", role, "error", err)
	}
}

func (g *Gateway) route(in inbound, node, why string) {
	metrics.Messages.WithLabelValues(node).Inc()
	g.d.Events.Publish(events.Event{Kind: events.KindRoute, ChatID: in.ChatID, Node: node, Message: why})
}
