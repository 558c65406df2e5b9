package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nous-labs/relay/internal/engine"
	"github.com/nous-labs/relay/internal/health"
	"github.com/nous-labs/relay/internal/taskqueue"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/events"
	"github.com/nous-labs/relay/pkg/metrics"
)

// AdminServer is the VPS HTTP surface: health, status, the event feed,
// async delivery from the local node and Prometheus metrics.
type AdminServer struct {
	g         *Gateway
	token     string
	monitor   *health.Monitor
	scheduler *taskqueue.Scheduler
	budget    *engine.Budget
	bus       *events.Bus
	started   time.Time
}

// NewAdminServer creates the server. token authenticates /v1/deliver;
// monitor, scheduler, budget and bus may be nil.
func NewAdminServer(g *Gateway, token string, monitor *health.Monitor, scheduler *taskqueue.Scheduler, budget *engine.Budget, bus *events.Bus) *AdminServer {
	return &AdminServer{
		g:         g,
		token:     token,
		monitor:   monitor,
		scheduler: scheduler,
		budget:    budget,
		bus:       bus,
		started:   time.Now(),
	}
}

// Handler returns the routes.
func (s *AdminServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	if s.bus != nil {
		mux.Handle("GET /v1/events", s.bus)
	}
	mux.HandleFunc("POST /v1/deliver", s.handleDeliver)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

type budgetStatus struct {
	Limit     float64  `json:"limit"`
	Spent     float64  `json:"spent"`
	Remaining *float64 `json:"remaining,omitempty"`
	Exhausted bool     `json:"exhausted"`
}

type statusResponse struct {
	Uptime      string                 `json:"uptime"`
	LocalNode   *health.State          `json:"local_node,omitempty"`
	Budget      *budgetStatus          `json:"budget,omitempty"`
	ActiveChats int                    `json:"active_chats"`
	LastSweep   *taskqueue.SweepReport `json:"last_sweep,omitempty"`
	Recent      []events.Event         `json:"recent_events,omitempty"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		ActiveChats: s.g.ActiveLanes(),
		Recent:      s.bus.Recent(20),
	}
	if s.monitor != nil {
		st := s.monitor.State()
		resp.LocalNode = &st
	}
	if s.budget != nil {
		b := &budgetStatus{Limit: s.budget.Limit(), Spent: s.budget.Spent(), Exhausted: s.budget.Exhausted()}
		if b.Limit > 0 {
			rem := s.budget.Remaining()
			b.Remaining = &rem
		}
		resp.Budget = b
	}
	if s.scheduler != nil {
		resp.LastSweep = s.scheduler.LastReport()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleDeliver(w http.ResponseWriter, r *http.Request) {
	if !validBearer(r, s.token) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var d tools.Delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	err := s.g.Deliver(r.Context(), d)
	if errors.Is(err, ErrDuplicate) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "duplicate"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
