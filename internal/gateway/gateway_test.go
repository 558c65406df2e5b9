package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nous-labs/relay/internal/engine"
	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/modelrouter"
	"github.com/nous-labs/relay/internal/store"
	"github.com/nous-labs/relay/internal/taskqueue"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/channel"
	"github.com/nous-labs/relay/pkg/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakeEngine struct {
	name string
	mu   sync.Mutex
	reqs []engine.Request
	run  func(req engine.Request) (*engine.Outcome, error)
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Run(_ context.Context, req engine.Request) (*engine.Outcome, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.run(req)
}

func (f *fakeEngine) Requests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.reqs...)
}

func done(text string) func(engine.Request) (*engine.Outcome, error) {
	return func(engine.Request) (*engine.Outcome, error) {
		return &engine.Outcome{Kind: engine.KindDone, Text: text}, nil
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []channel.Response
}

func (r *recordingSender) Send(_ context.Context, resp channel.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, resp)
	return nil
}

func (r *recordingSender) Sent() []channel.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Response(nil), r.sent...)
}

type liveness struct{ alive atomic.Bool }

func (l *liveness) IsAlive() bool { return l.alive.Load() }

type fakeNode struct {
	mu      sync.Mutex
	process func(tools.ProcessRequest) (*tools.Accepted, error)
	resume  func(tools.ResumeRequest) (*tools.Accepted, error)
	result  func(id string) (*tools.ResultStatus, error)
	calls   []string
}

func (n *fakeNode) record(call string) {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	n.mu.Unlock()
}

func (n *fakeNode) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *fakeNode) Process(_ context.Context, req tools.ProcessRequest) (*tools.Accepted, error) {
	n.record("process")
	return n.process(req)
}

func (n *fakeNode) Resume(_ context.Context, req tools.ResumeRequest) (*tools.Accepted, error) {
	n.record("resume")
	return n.resume(req)
}

func (n *fakeNode) Result(_ context.Context, id string) (*tools.ResultStatus, error) {
	n.record("result")
	return n.result(id)
}

type harness struct {
	g      *Gateway
	store  *store.SQLite
	sender *recordingSender
	health *liveness
	node   *fakeNode
	direct *fakeEngine
	queue  *taskqueue.Queue
	budget *engine.Budget
	bus    *events.Bus
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	router, err := modelrouter.New(modelrouter.Config{})
	require.NoError(t, err)

	h := &harness{
		store:  s,
		sender: &recordingSender{},
		health: &liveness{},
		node:   &fakeNode{},
		direct: &fakeEngine{name: engine.NameDirect, run: done("hello from the VPS")},
		budget: engine.NewBudget(5),
		bus:    events.NewBus(50),
	}
	h.queue = taskqueue.New(s, h.sender, taskqueue.DefaultConfig())
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	h.g = New(Deps{
		Store:  s,
		Sender: h.sender,
		Health: h.health,
		Node:   h.node,
		Router: router,
		Direct: h.direct,
		Queue:  h.queue,
		Budget: h.budget,
		Events: h.bus,
	}, opts)
	t.Cleanup(h.g.Close)
	return h
}

func (h *harness) message(t *testing.T, chatID, text string) {
	t.Helper()
	require.NoError(t, h.g.HandleMessage(context.Background(), channel.Message{Source: "test", ChatID: chatID, Content: text}))
}

func (h *harness) callback(t *testing.T, chatID, token string) {
	t.Helper()
	require.NoError(t, h.g.HandleCallback(context.Background(), channel.Callback{Source: "test", ChatID: chatID, Token: token}))
}

func (h *harness) waitSent(t *testing.T, n int) []channel.Response {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sender.Sent()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.sender.Sent()
}

func (h *harness) messages(t *testing.T, chatID string) []store.Message {
	t.Helper()
	msgs, err := h.store.RecentMessages(context.Background(), chatID, 50)
	require.NoError(t, err)
	return msgs
}

func TestFallbackWhenNodeDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.message(t, "!a", "what's the plan for today, in some detail please?")

	sent := h.waitSent(t, 1)
	assert.Equal(t, "hello from the VPS", sent[0].Content)
	assert.Empty(t, h.node.Calls())

	h.g.lanes.Wait()
	msgs := h.messages(t, "!a")
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.NodeVPS, msgs[0].ProcessedBy)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, store.NodeVPS, msgs[1].ProcessedBy)

	reqs := h.direct.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, llm.TierStandard, reqs[0].Selection.Tier)
	assert.Empty(t, reqs[0].History, "the prompt is not repeated as history")
}

func TestForwardToLiveNode(t *testing.T) {
	h := newHarness(t, Options{})
	h.health.alive.Store(true)
	h.node.process = func(req tools.ProcessRequest) (*tools.Accepted, error) {
		assert.Equal(t, "!a", req.ChatID)
		return &tools.Accepted{Reply: &tools.Reply{Text: "hello from home"}}, nil
	}

	h.message(t, "!a", "hi")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "hello from home", sent[0].Content)
	assert.Empty(t, h.direct.Requests())

	h.g.lanes.Wait()
	for _, m := range h.messages(t, "!a") {
		assert.Equal(t, store.NodeLocal, m.ProcessedBy)
	}
}

func TestForwardErrorFallsBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.health.alive.Store(true)
	h.node.process = func(tools.ProcessRequest) (*tools.Accepted, error) {
		return nil, errors.New("connection refused")
	}

	h.message(t, "!a", "hi")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "hello from the VPS", sent[0].Content)
	assert.Equal(t, []string{"process"}, h.node.Calls())
}

func TestBudgetExhausted(t *testing.T) {
	h := newHarness(t, Options{})
	h.budget.Add(6)

	h.message(t, "!a", "write me a business plan")
	sent := h.waitSent(t, 1)
	assert.Equal(t, msgBudget, sent[0].Content)
	assert.Empty(t, h.direct.Requests())
}

func TestBudgetFloorDowngrades(t *testing.T) {
	h := newHarness(t, Options{})
	h.budget.Add(4.5)

	h.message(t, "!a", "give me the pros and cons of moving to Lisbon")
	h.waitSent(t, 1)
	reqs := h.direct.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, llm.TierStandard, reqs[0].Selection.Tier)
}

func TestMaxIterationsAndErrors(t *testing.T) {
	h := newHarness(t, Options{})
	calls := 0
	h.direct.run = func(engine.Request) (*engine.Outcome, error) {
		calls++
		if calls == 1 {
			return &engine.Outcome{Kind: engine.KindMaxIterations}, nil
		}
		return nil, errors.New("anthropic: 529 overloaded")
	}

	h.message(t, "!a", "first")
	h.message(t, "!a", "second")
	sent := h.waitSent(t, 2)
	assert.Equal(t, msgTooComplex, sent[0].Content)
	assert.Equal(t, msgError, sent[1].Content)
}

func TestHistoryPassedToEngine(t *testing.T) {
	h := newHarness(t, Options{HistoryLimit: 2})
	ctx := context.Background()
	for _, m := range []store.Message{
		{ChatID: "!a", Role: store.RoleUser, Content: "one"},
		{ChatID: "!a", Role: store.RoleAssistant, Content: "two"},
		{ChatID: "!a", Role: store.RoleUser, Content: "three"},
	} {
		require.NoError(t, h.store.SaveMessage(ctx, m))
	}

	h.message(t, "!a", "four")
	h.waitSent(t, 1)
	reqs := h.direct.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []llm.Message{{Role: store.RoleAssistant, Content: "two"}, {Role: store.RoleUser, Content: "three"}}, reqs[0].History)
}

func TestPerChatOrdering(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	h.direct.run = func(req engine.Request) (*engine.Outcome, error) {
		if req.Prompt == "slow" {
			<-release
		}
		return &engine.Outcome{Kind: engine.KindDone, Text: "re: " + req.Prompt}, nil
	}

	h.message(t, "!a", "slow")
	h.message(t, "!a", "fast")
	h.message(t, "!b", "other chat")

	sent := h.waitSent(t, 1)
	assert.Equal(t, "re: other chat", sent[0].Content, "other chats are not blocked")
	unblock()

	sent = h.waitSent(t, 3)
	assert.Equal(t, "re: slow", sent[1].Content)
	assert.Equal(t, "re: fast", sent[2].Content)
}

func suspendOnce(h *harness) {
	h.direct.run = func(req engine.Request) (*engine.Outcome, error) {
		if req.Resume == nil {
			return &engine.Outcome{
				Kind: engine.KindSuspended,
				Text: "I found two flights.",
				Suspension: &engine.Suspension{
					Question: "Which one?",
					Options:  []store.Choice{{Label: "9am", Value: "am"}, {Label: "6pm", Value: "pm"}},
					Resume: engine.ResumeState{
						Engine:     engine.NameDirect,
						Tier:       llm.TierStandard,
						Model:      "claude-sonnet-4-5",
						ToolCallID: "toolu_1",
					},
				},
			}, nil
		}
		return &engine.Outcome{Kind: engine.KindDone, Text: "Booked the " + req.Choice + " flight."}, nil
	}
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness(t, Options{})
	suspendOnce(h)

	h.message(t, "!a", "book a flight to Lisbon tomorrow morning or evening")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "I found two flights.\n\nWhich one?", sent[0].Content)
	require.Len(t, sent[0].Buttons, 2)
	token := sent[0].Buttons[0][1].Token

	h.callback(t, "!a", token)
	sent = h.waitSent(t, 2)
	assert.Equal(t, "Booked the pm flight.", sent[1].Content)

	reqs := h.direct.Requests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[1].Resume)
	assert.Equal(t, "pm", reqs[1].Choice)
	assert.Equal(t, "toolu_1", reqs[1].Resume.ToolCallID)
	assert.Equal(t, "claude-sonnet-4-5", reqs[1].Selection.Model.ID)
	assert.Positive(t, reqs[1].Selection.Model.InputPerMTok, "resumed runs are priced")

	taskID, _, ok := h.queue.ParseCallback(token)
	require.True(t, ok)
	task, err := h.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)

	h.callback(t, "!a", token)
	sent = h.waitSent(t, 3)
	assert.Equal(t, msgExpired, sent[2].Content, "second press is stale")
	assert.Len(t, h.direct.Requests(), 2)
}

func TestCancelCallback(t *testing.T) {
	h := newHarness(t, Options{})
	suspendOnce(h)

	h.message(t, "!a", "book a flight to Lisbon tomorrow morning or evening")
	sent := h.waitSent(t, 1)
	cancel := sent[0].Buttons[len(sent[0].Buttons)-1][0]
	assert.Equal(t, "Cancel", cancel.Label)

	h.callback(t, "!a", cancel.Token)
	sent = h.waitSent(t, 2)
	assert.Equal(t, msgCancelled, sent[1].Content)
	assert.Len(t, h.direct.Requests(), 1)
}

func TestSuspendWithoutStore(t *testing.T) {
	h := newHarness(t, Options{})
	suspendOnce(h)
	h.g.d.Queue = taskqueue.New(store.Unconfigured{}, h.sender, taskqueue.DefaultConfig())

	h.message(t, "!a", "book a flight to Lisbon tomorrow morning or evening")
	sent := h.waitSent(t, 1)
	assert.Empty(t, sent[0].Buttons)
	assert.Contains(t, sent[0].Content, "Which one?")
	assert.Contains(t, sent[0].Content, "1. 9am")
	assert.Contains(t, sent[0].Content, "2. 6pm")
}

func TestResumeForwardedToNode(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	id, err := h.queue.CreateAndPause(ctx, taskqueue.PauseRequest{
		ChatID:      "!a",
		Prompt:      "clean up my downloads folder",
		Question:    "Delete 3 files?",
		Options:     []store.Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}},
		Resume:      engine.ResumeState{Engine: engine.NameDirect, Tier: llm.TierStandard, ToolCallID: "toolu_9"},
		ProcessedBy: store.NodeLocal,
	})
	require.NoError(t, err)

	h.health.alive.Store(true)
	h.node.resume = func(req tools.ResumeRequest) (*tools.Accepted, error) {
		assert.Equal(t, id, req.TaskID)
		assert.Equal(t, "yes", req.Choice)
		return &tools.Accepted{Reply: &tools.Reply{Text: "Deleted."}}, nil
	}

	h.callback(t, "!a", "task:"+id+":yes")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "Deleted.", sent[0].Content)
	assert.Empty(t, h.direct.Requests())
	assert.Equal(t, []string{"resume"}, h.node.Calls())
}

func TestResumeLocallyWhenNodeDown(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	id, err := h.queue.CreateAndPause(ctx, taskqueue.PauseRequest{
		ChatID:      "!a",
		Prompt:      "draft a reply",
		Question:    "Send it?",
		Options:     []store.Choice{{Label: "Yes", Value: "yes"}},
		Resume:      engine.ResumeState{Engine: engine.NameDirect, Tier: llm.TierStandard, ToolCallID: "toolu_9"},
		ProcessedBy: store.NodeLocal,
	})
	require.NoError(t, err)

	h.callback(t, "!a", "task:"+id+":yes")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "hello from the VPS", sent[0].Content)
	assert.Empty(t, h.node.Calls())
}

func TestUnknownCallbackForwardedToNode(t *testing.T) {
	h := newHarness(t, Options{})
	h.health.alive.Store(true)
	h.node.resume = func(req tools.ResumeRequest) (*tools.Accepted, error) {
		assert.Equal(t, "task:nodeonly:yes", req.Token)
		return &tools.Accepted{Reply: &tools.Reply{Text: "Done at home."}}, nil
	}

	h.callback(t, "!a", "task:nodeonly:yes")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "Done at home.", sent[0].Content)
}

func TestNodeReplyWithChoices(t *testing.T) {
	h := newHarness(t, Options{})
	h.health.alive.Store(true)
	h.node.process = func(tools.ProcessRequest) (*tools.Accepted, error) {
		return &tools.Accepted{Reply: &tools.Reply{
			Text:     "Found it.",
			TaskID:   "t42",
			Question: "Open it?",
			Options:  []store.Choice{{Label: "Open", Value: "open"}},
		}}, nil
	}

	h.message(t, "!a", "find my tax return")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "Found it.\n\nOpen it?", sent[0].Content)
	require.Len(t, sent[0].Buttons, 2)
	assert.Equal(t, "task:t42:open", sent[0].Buttons[0][0].Token)
}

func TestAsyncResultPolled(t *testing.T) {
	h := newHarness(t, Options{})
	h.health.alive.Store(true)
	var polls atomic.Int32
	h.node.process = func(tools.ProcessRequest) (*tools.Accepted, error) {
		return &tools.Accepted{AsyncID: "job-1"}, nil
	}
	h.node.result = func(id string) (*tools.ResultStatus, error) {
		if polls.Add(1) < 3 {
			return &tools.ResultStatus{ID: id, Status: tools.ResultPending}, nil
		}
		return &tools.ResultStatus{ID: id, Status: tools.ResultDone, Reply: &tools.Reply{Text: "slow answer"}}, nil
	}

	h.message(t, "!a", "hi")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "slow answer", sent[0].Content)

	err := h.g.Deliver(context.Background(), tools.Delivery{ID: "job-1", ChatID: "!a", Reply: tools.Reply{Text: "slow answer"}})
	assert.ErrorIs(t, err, ErrDuplicate)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.sender.Sent(), 1)
}

func TestAsyncResultPushedFirst(t *testing.T) {
	h := newHarness(t, Options{PollInterval: 20 * time.Millisecond})
	h.health.alive.Store(true)
	h.node.process = func(tools.ProcessRequest) (*tools.Accepted, error) {
		return &tools.Accepted{AsyncID: "job-2"}, nil
	}
	h.node.result = func(id string) (*tools.ResultStatus, error) {
		return &tools.ResultStatus{ID: id, Status: tools.ResultDone, Reply: &tools.Reply{Text: "from poll"}}, nil
	}

	require.NoError(t, h.g.Deliver(context.Background(), tools.Delivery{ID: "job-2", ChatID: "!a", Reply: tools.Reply{Text: "from push"}}))
	h.message(t, "!a", "hi")

	time.Sleep(80 * time.Millisecond)
	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "from push", sent[0].Content)
}

func TestAsyncResultTimesOut(t *testing.T) {
	h := newHarness(t, Options{PollTimeout: 30 * time.Millisecond})
	h.health.alive.Store(true)
	h.node.process = func(tools.ProcessRequest) (*tools.Accepted, error) {
		return &tools.Accepted{AsyncID: "job-3"}, nil
	}
	h.node.result = func(id string) (*tools.ResultStatus, error) {
		return &tools.ResultStatus{ID: id, Status: tools.ResultPending}, nil
	}

	h.message(t, "!a", "hi")
	sent := h.waitSent(t, 1)
	assert.Equal(t, msgTimeout, sent[0].Content)
}

func TestRuntimeTierSelection(t *testing.T) {
	h := newHarness(t, Options{RuntimeTiers: []llm.Tier{llm.TierPremium}})
	rt := &fakeEngine{name: engine.NameRuntime, run: done("from the runtime")}
	h.g.d.Runtime = rt
	up := atomic.Bool{}
	h.g.d.RuntimeUp = func(context.Context) bool { return up.Load() }

	h.message(t, "!a", "let's do a deep dive on our pricing strategy")
	sent := h.waitSent(t, 1)
	assert.Equal(t, "hello from the VPS", sent[0].Content, "runtime down uses direct")

	up.Store(true)
	h.message(t, "!a", "let's do a deep dive on our pricing strategy")
	sent = h.waitSent(t, 2)
	assert.Equal(t, "from the runtime", sent[1].Content)
	assert.Len(t, rt.Requests(), 1)
}

func TestRouteEventsPublished(t *testing.T) {
	h := newHarness(t, Options{})
	h.message(t, "!a", "hi")
	h.waitSent(t, 1)

	var kinds []string
	for _, e := range h.bus.Recent(10) {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, events.KindRoute)
}

func TestClosedGatewayRejects(t *testing.T) {
	h := newHarness(t, Options{})
	h.g.Close()
	err := h.g.HandleMessage(context.Background(), channel.Message{ChatID: "!a", Content: "hi"})
	assert.ErrorIs(t, err, ErrClosed)
}
