package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/relay/internal/engine"
	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/internal/store"
	"github.com/nous-labs/relay/internal/taskqueue"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/channel"
)

type nodeFixture struct {
	*harness
	server *NodeServer
	srv    *httptest.Server
	client *tools.NodeClient
}

func newNode(t *testing.T, opts NodeOptions) *nodeFixture {
	t.Helper()
	h := newHarness(t, Options{Role: RoleLocal})
	h.direct.run = done("hello from home")
	if opts.Token == "" {
		opts.Token = "s3cret"
	}
	ns := NewNodeServer(h.g, opts)
	srv := httptest.NewServer(ns.Handler())
	t.Cleanup(func() {
		srv.Close()
		ns.jobs.Wait()
	})
	return &nodeFixture{
		harness: h,
		server:  ns,
		srv:     srv,
		client:  tools.NewNodeClient(srv.URL, opts.Token, 2*time.Second),
	}
}

func (n *nodeFixture) pause(t *testing.T, rs engine.ResumeState) string {
	t.Helper()
	id, err := n.queue.CreateAndPause(context.Background(), taskqueue.PauseRequest{
		ChatID:      "!a",
		Prompt:      "tidy my downloads",
		Question:    "Delete 3 files?",
		Options:     []store.Choice{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}},
		Resume:      rs,
		ProcessedBy: store.NodeLocal,
	})
	require.NoError(t, err)
	return id
}

func TestNodeProcessSync(t *testing.T) {
	n := newNode(t, NodeOptions{})
	acc, err := n.client.Process(context.Background(), tools.ProcessRequest{Text: "hi", ChatID: "!a"})
	require.NoError(t, err)
	require.NotNil(t, acc.Reply)
	assert.Equal(t, "hello from home", acc.Reply.Text)
	assert.Empty(t, acc.AsyncID)
	assert.Empty(t, n.sender.Sent(), "the node answers over HTTP, not the chat")
}

func TestNodeAuthAndValidation(t *testing.T) {
	n := newNode(t, NodeOptions{})

	bad := tools.NewNodeClient(n.srv.URL, "wrong", time.Second)
	_, err := bad.Process(context.Background(), tools.ProcessRequest{Text: "hi", ChatID: "!a"})
	assert.ErrorContains(t, err, "401")

	_, err = n.client.Process(context.Background(), tools.ProcessRequest{Text: "  ", ChatID: "!a"})
	assert.ErrorContains(t, err, "400")

	resp, err := http.Get(n.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health needs no token")

	resp, err = http.Post(n.srv.URL+"/resume", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNodeProcessAsync(t *testing.T) {
	n := newNode(t, NodeOptions{SyncWait: 20 * time.Millisecond})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	n.direct.run = func(engine.Request) (*engine.Outcome, error) {
		<-release
		return &engine.Outcome{Kind: engine.KindDone, Text: "slow answer"}, nil
	}

	ctx := context.Background()
	acc, err := n.client.Process(ctx, tools.ProcessRequest{Text: "research flights", ChatID: "!a"})
	require.NoError(t, err)
	require.NotEmpty(t, acc.AsyncID)

	status, err := n.client.Result(ctx, acc.AsyncID)
	require.NoError(t, err)
	assert.Equal(t, tools.ResultPending, status.Status)

	unblock()
	require.Eventually(t, func() bool {
		status, err = n.client.Result(ctx, acc.AsyncID)
		return err == nil && status.Status == tools.ResultDone
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "slow answer", status.Reply.Text)

	_, err = n.client.Result(ctx, "no-such-job")
	assert.ErrorIs(t, err, tools.ErrUnknownResult)
}

func TestNodeSameChatRunsInOrder(t *testing.T) {
	n := newNode(t, NodeOptions{SyncWait: 20 * time.Millisecond})
	var running, peak atomic.Int32
	var mu sync.Mutex
	var order []string
	n.direct.run = func(req engine.Request) (*engine.Outcome, error) {
		cur := running.Add(1)
		for p := peak.Load(); cur > p && !peak.CompareAndSwap(p, cur); p = peak.Load() {
		}
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		order = append(order, req.Prompt)
		mu.Unlock()
		running.Add(-1)
		return &engine.Outcome{Kind: engine.KindDone, Text: "re: " + req.Prompt}, nil
	}

	ctx := context.Background()
	first, err := n.client.Process(ctx, tools.ProcessRequest{Text: "first", ChatID: "!a"})
	require.NoError(t, err)
	require.NotEmpty(t, first.AsyncID)
	second, err := n.client.Process(ctx, tools.ProcessRequest{Text: "second", ChatID: "!a"})
	require.NoError(t, err)
	require.NotEmpty(t, second.AsyncID)

	for _, id := range []string{first.AsyncID, second.AsyncID} {
		require.Eventually(t, func() bool {
			st, err := n.client.Result(ctx, id)
			return err == nil && st.Status == tools.ResultDone
		}, 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, int32(1), peak.Load(), "one chat runs one job at a time")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestNodeResumeQueuesBehindChat(t *testing.T) {
	n := newNode(t, NodeOptions{SyncWait: 20 * time.Millisecond})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	var mu sync.Mutex
	var order []string
	n.direct.run = func(req engine.Request) (*engine.Outcome, error) {
		if req.Resume == nil {
			<-release
		}
		mu.Lock()
		order = append(order, req.Prompt+"/"+req.Choice)
		mu.Unlock()
		return &engine.Outcome{Kind: engine.KindDone, Text: "ok"}, nil
	}

	ctx := context.Background()
	id := n.pause(t, engine.ResumeState{Engine: engine.NameDirect, Tier: llm.TierStandard, ToolCallID: "toolu_1"})
	acc, err := n.client.Process(ctx, tools.ProcessRequest{Text: "busy", ChatID: "!a"})
	require.NoError(t, err)
	require.NotEmpty(t, acc.AsyncID)

	res, err := n.queue.HandleCallback(ctx, "task:"+id+":yes")
	require.NoError(t, err)
	require.NotNil(t, res)
	resumed, err := n.client.Resume(ctx, tools.ResumeRequest{TaskID: id, ChatID: "!a", Choice: "yes"})
	require.NoError(t, err)
	require.NotEmpty(t, resumed.AsyncID, "the resume waits for the running message")

	unblock()
	require.Eventually(t, func() bool {
		st, err := n.client.Result(ctx, resumed.AsyncID)
		return err == nil && st.Status == tools.ResultDone
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "busy/", order[0])
}

func TestNodeResumeClaimedTask(t *testing.T) {
	n := newNode(t, NodeOptions{})
	ctx := context.Background()
	id := n.pause(t, engine.ResumeState{Engine: engine.NameDirect, Tier: llm.TierStandard, ToolCallID: "toolu_1"})

	_, err := n.client.Resume(ctx, tools.ResumeRequest{TaskID: id, ChatID: "!a", Choice: "yes"})
	assert.ErrorContains(t, err, "409", "task must be claimed first")

	res, err := n.queue.HandleCallback(ctx, "task:"+id+":yes")
	require.NoError(t, err)
	require.NotNil(t, res)

	acc, err := n.client.Resume(ctx, tools.ResumeRequest{TaskID: id, ChatID: "!a", Choice: "yes"})
	require.NoError(t, err)
	assert.Equal(t, "hello from home", acc.Reply.Text)

	reqs := n.direct.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "yes", reqs[0].Choice)
	assert.Equal(t, "toolu_1", reqs[0].Resume.ToolCallID)

	task, err := n.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)

	_, err = n.client.Resume(ctx, tools.ResumeRequest{TaskID: "missing", ChatID: "!a", Choice: "yes"})
	assert.ErrorContains(t, err, "404")
}

func TestNodeResumeByToken(t *testing.T) {
	n := newNode(t, NodeOptions{})
	ctx := context.Background()
	id := n.pause(t, engine.ResumeState{Engine: engine.NameDirect, Tier: llm.TierStandard, ToolCallID: "toolu_1"})

	acc, err := n.client.Resume(ctx, tools.ResumeRequest{ChatID: "!a", Token: "task:" + id + ":no"})
	require.NoError(t, err)
	assert.Equal(t, "hello from home", acc.Reply.Text)
	assert.Equal(t, "no", n.direct.Requests()[0].Choice)

	acc, err = n.client.Resume(ctx, tools.ResumeRequest{ChatID: "!a", Token: "task:" + id + ":no"})
	require.NoError(t, err)
	assert.Equal(t, msgExpired, acc.Reply.Text)
}

func TestNodeResumeSuspendsAgain(t *testing.T) {
	n := newNode(t, NodeOptions{})
	ctx := context.Background()
	id := n.pause(t, engine.ResumeState{Engine: engine.NameDirect, Tier: llm.TierStandard, ToolCallID: "toolu_1"})
	n.direct.run = func(engine.Request) (*engine.Outcome, error) {
		return &engine.Outcome{
			Kind: engine.KindSuspended,
			Suspension: &engine.Suspension{
				Question: "Empty the trash too?",
				Resume:   engine.ResumeState{Engine: engine.NameDirect, Tier: llm.TierStandard, ToolCallID: "toolu_2"},
			},
		}, nil
	}

	acc, err := n.client.Resume(ctx, tools.ResumeRequest{ChatID: "!a", Token: "task:" + id + ":yes"})
	require.NoError(t, err)
	assert.Equal(t, id, acc.Reply.TaskID, "the same task pauses again")
	assert.Equal(t, "Empty the trash too?", acc.Reply.Question)
	assert.Len(t, acc.Reply.Options, 2, "default yes/no")

	task, err := n.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskNeedsInput, task.Status)
}

func TestNodeHeartbeat(t *testing.T) {
	n := newNode(t, NodeOptions{NodeID: "home", HeartbeatInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.server.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		st, err := n.store.NodeStatus(context.Background(), "home", time.Minute)
		return err == nil && st.Online
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	st, err := n.store.NodeStatus(context.Background(), "home", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, st.Metadata, "pending_jobs")
}

// The VPS forwards over HTTP to a real node; the node answers 202, then both
// the VPS poller and the node's push race to deliver. Only one may win.
func TestForwardAsyncEndToEnd(t *testing.T) {
	vps := newHarness(t, Options{PollInterval: 5 * time.Millisecond})
	admin := httptest.NewServer(NewAdminServer(vps.g, "s3cret", nil, nil, nil, vps.bus).Handler())
	t.Cleanup(admin.Close)

	n := newNode(t, NodeOptions{SyncWait: 20 * time.Millisecond, Delivery: tools.NewDeliveryClient(admin.URL, "s3cret")})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	n.direct.run = func(engine.Request) (*engine.Outcome, error) {
		<-release
		return &engine.Outcome{Kind: engine.KindDone, Text: "answer from home"}, nil
	}

	vps.g.d.Node = n.client
	vps.health.alive.Store(true)

	vps.message(t, "!a", "hi")
	require.Eventually(t, func() bool {
		return n.server.pending() == 1
	}, 2*time.Second, 5*time.Millisecond)
	unblock()

	sent := vps.waitSent(t, 1)
	assert.Equal(t, "answer from home", sent[0].Content)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, vps.sender.Sent(), 1)
	assert.Empty(t, vps.direct.Requests())
}

// Two same-chat messages forwarded while the node is slow both get 202 on the
// VPS; the node still runs them in order and pushes the replies in order.
// Polling is slowed so the push is the only delivery path.
func TestForwardAsyncSameChatInOrder(t *testing.T) {
	vps := newHarness(t, Options{PollInterval: time.Minute})
	admin := httptest.NewServer(NewAdminServer(vps.g, "s3cret", nil, nil, nil, vps.bus).Handler())
	t.Cleanup(admin.Close)

	n := newNode(t, NodeOptions{SyncWait: 20 * time.Millisecond, Delivery: tools.NewDeliveryClient(admin.URL, "s3cret")})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	n.direct.run = func(req engine.Request) (*engine.Outcome, error) {
		if req.Prompt == "first" {
			<-release
		}
		return &engine.Outcome{Kind: engine.KindDone, Text: "re: " + req.Prompt}, nil
	}

	vps.g.d.Node = n.client
	vps.health.alive.Store(true)

	vps.message(t, "!a", "first")
	vps.message(t, "!a", "second")
	require.Eventually(t, func() bool {
		return n.server.pending() == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, vps.sender.Sent(), "second must not overtake first")
	unblock()

	sent := vps.waitSent(t, 2)
	assert.Equal(t, "re: first", sent[0].Content)
	assert.Equal(t, "re: second", sent[1].Content)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, vps.sender.Sent(), 2)
	reqs := n.direct.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "first", reqs[0].Prompt)
}

func TestDeliverySender(t *testing.T) {
	vps := newHarness(t, Options{})
	admin := httptest.NewServer(NewAdminServer(vps.g, "s3cret", nil, nil, nil, vps.bus).Handler())
	t.Cleanup(admin.Close)

	sender := DeliverySender{Client: tools.NewDeliveryClient(admin.URL, "s3cret")}
	require.NoError(t, sender.Send(context.Background(), channel.Response{ChatID: "!a", Content: "Still waiting on your answer: Delete 3 files?"}))
	require.NoError(t, sender.Send(context.Background(), channel.Response{ChatID: "!a", Content: "second notice"}))

	sent := vps.sender.Sent()
	require.Len(t, sent, 2, "each notice gets its own delivery id")
	assert.Equal(t, "second notice", sent[1].Content)
}
