package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/relay/internal/store"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/channel"
	"github.com/nous-labs/relay/pkg/metrics"
)

// NodeOptions configure the local node server.
type NodeOptions struct {
	NodeID            string
	Token             string
	SyncWait          time.Duration // how long /process waits before answering 202
	HeartbeatInterval time.Duration
	ResultTTL         time.Duration
	// Delivery pushes async results to the VPS. Nil leaves polling as the only path.
	Delivery *tools.DeliveryClient
}

// NodeServer exposes a local-role Gateway over HTTP to the VPS.
type NodeServer struct {
	g      *Gateway
	opts   NodeOptions
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	results map[string]*job
	jobs    sync.WaitGroup
	started time.Time
}

type job struct {
	id       string
	chatID   string
	threadID string
	done     chan struct{}

	// guarded by NodeServer.mu
	finished bool
	async    bool
	reply    tools.Reply
	at       time.Time
}

// NewNodeServer wraps g, which should run with RoleLocal and no Node.
func NewNodeServer(g *Gateway, opts NodeOptions) *NodeServer {
	if opts.NodeID == "" {
		opts.NodeID = "local"
	}
	if opts.SyncWait <= 0 {
		opts.SyncWait = 8 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = time.Hour
	}
	return &NodeServer{
		g:       g,
		opts:    opts,
		store:   g.d.Store,
		logger:  g.logger.With("role", RoleLocal),
		results: make(map[string]*job),
		started: time.Now(),
	}
}

// Handler returns the node's HTTP API.
func (s *NodeServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /process", s.auth(http.HandlerFunc(s.handleProcess)))
	mux.Handle("POST /resume", s.auth(http.HandlerFunc(s.handleResume)))
	mux.Handle("GET /result/{id}", s.auth(http.HandlerFunc(s.handleResult)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Run writes heartbeats until ctx is cancelled, then waits for running jobs.
func (s *NodeServer) Run(ctx context.Context) {
	s.beat(ctx)
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.jobs.Wait()
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *NodeServer) beat(ctx context.Context) {
	err := s.store.UpsertHeartbeat(ctx, s.opts.NodeID, map[string]any{
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"pending_jobs": s.pending(),
	})
	if err != nil {
		s.logger.Warn("heartbeat write failed", "node", s.opts.NodeID, "error", err)
	}
}

// pending counts async jobs still running.
func (s *NodeServer) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.results {
		if !j.finished {
			n++
		}
	}
	return n
}

func (s *NodeServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validBearer(r, s.opts.Token) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validBearer(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func (s *NodeServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"node":   s.opts.NodeID,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *NodeServer) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req tools.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text and chatId required"})
		return
	}
	in := inbound{ChatID: req.ChatID, ThreadID: req.ThreadID, Text: req.Text}
	s.logger.Info("processing forwarded message", "chat", in.ChatID)
	s.serve(w, r, in.ChatID, in.ThreadID, func(ctx context.Context) answer {
		return s.g.answer(ctx, in)
	})
}

func (s *NodeServer) handleResume(w http.ResponseWriter, r *http.Request) {
	var req tools.ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.TaskID == "" && req.Token == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "taskId or token required"})
		return
	}
	ctx := r.Context()
	q := s.g.d.Queue

	if req.Token != "" {
		res, err := q.HandleCallback(ctx, req.Token)
		switch {
		case err != nil:
			s.logger.Error("resume callback failed", "chat", req.ChatID, "error", err)
			writeJSON(w, http.StatusOK, tools.Reply{Text: msgError})
			return
		case res == nil:
			writeJSON(w, http.StatusOK, tools.Reply{Text: msgExpired})
			return
		case res.Cancelled:
			writeJSON(w, http.StatusOK, tools.Reply{Text: msgCancelled})
			return
		}
		s.serve(w, r, res.Task.ChatID, res.Task.ThreadID, func(ctx context.Context) answer {
			return s.g.resume(ctx, res)
		})
		return
	}

	res, err := q.Resumable(ctx, req.TaskID, req.Choice)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("resuming forwarded task", "task", req.TaskID, "chat", res.Task.ChatID)
	s.serve(w, r, res.Task.ChatID, res.Task.ThreadID, func(ctx context.Context) answer {
		return s.g.resume(ctx, res)
	})
}

// serve queues fn on the chat's lane, so forwarded work for one chat runs in
// arrival order even after earlier requests were answered 202. It answers 200
// with the reply when fn finishes within SyncWait, else 202 with an id; the
// reply is then kept for GET /result/{id} and pushed to the VPS.
func (s *NodeServer) serve(w http.ResponseWriter, r *http.Request, chatID, threadID string, fn func(context.Context) answer) {
	j := &job{id: uuid.NewString(), chatID: chatID, threadID: threadID, done: make(chan struct{})}
	s.jobs.Add(1)
	err := s.g.lanes.Submit(chatID, func(ctx context.Context) { s.execute(ctx, j, fn) })
	if err != nil {
		s.jobs.Done()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	select {
	case <-j.done:
		s.mu.Lock()
		reply := j.reply
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, reply)
		return
	case <-time.After(s.opts.SyncWait):
	case <-r.Context().Done():
	}

	s.mu.Lock()
	if j.finished {
		reply := j.reply
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, reply)
		return
	}
	j.async = true
	j.at = time.Now()
	s.prune()
	s.results[j.id] = j
	s.mu.Unlock()

	s.logger.Info("answering async", "chat", chatID, "id", j.id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": j.id})
}

// execute runs on the lane, detached from the request so a slow run survives the 202.
func (s *NodeServer) execute(ctx context.Context, j *job, fn func(context.Context) answer) {
	defer s.jobs.Done()
	ans := fn(ctx)
	reply := tools.Reply{Text: ans.Text, TaskID: ans.TaskID, Question: ans.Question, Options: ans.Options}

	s.mu.Lock()
	j.reply = reply
	j.finished = true
	j.at = time.Now()
	async := j.async
	s.mu.Unlock()
	close(j.done)

	if !async || s.opts.Delivery == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.g.bg, 15*time.Second)
	defer cancel()
	err := s.opts.Delivery.Deliver(ctx, tools.Delivery{ID: j.id, ChatID: j.chatID, ThreadID: j.threadID, Reply: reply})
	if err != nil {
		s.logger.Warn("push async result failed, VPS will poll", "id", j.id, "error", err)
	}
}

func (s *NodeServer) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	s.prune()
	j, ok := s.results[id]
	var status tools.ResultStatus
	if ok {
		status = tools.ResultStatus{ID: id, Status: tools.ResultPending}
		if j.finished {
			reply := j.reply
			status.Status = tools.ResultDone
			status.Reply = &reply
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown result %s", id)})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// prune drops finished results older than ResultTTL. Caller holds s.mu.
func (s *NodeServer) prune() {
	cutoff := time.Now().Add(-s.opts.ResultTTL)
	for id, j := range s.results {
		if j.finished && j.at.Before(cutoff) {
			delete(s.results, id)
		}
	}
}

// DeliverySender sends chat messages from the node through the VPS delivery
// endpoint, so reminders and recovery notices written here still reach the
// user. Buttons are not carried.
type DeliverySender struct {
	Client *tools.DeliveryClient
}

func (d DeliverySender) Send(ctx context.Context, resp channel.Response) error {
	return d.Client.Deliver(ctx, tools.Delivery{
		ID:       uuid.NewString(),
		ChatID:   resp.ChatID,
		ThreadID: resp.ThreadID,
		Reply:    tools.Reply{Text: resp.Content},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
