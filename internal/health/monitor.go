// Package health tracks whether the local node is reachable.
//
// The Monitor polls on a fixed interval and applies hysteresis: one success
// marks the node alive immediately, while it takes FailuresUntilDown
// consecutive failures to mark it down. Reads are lock-free; the state is
// swapped atomically by the single checking goroutine.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nous-labs/relay/internal/store"
	"github.com/nous-labs/relay/pkg/events"
	"github.com/nous-labs/relay/pkg/metrics"
)

// Signal sources recorded on each check.
const (
	SourceProbe     = "probe"
	SourceHeartbeat = "heartbeat"
	SourceNone      = "none"
)

// Config controls polling and hysteresis.
type Config struct {
	NodeID            string
	HealthURL         string // full URL, e.g. http://10.0.0.2:8090/health
	Token             string // bearer token sent with the probe
	Interval          time.Duration
	ProbeTimeout      time.Duration
	FailuresUntilDown int
	HeartbeatMaxAge   time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		NodeID:            "local",
		Interval:          30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		FailuresUntilDown: 2,
		HeartbeatMaxAge:   90 * time.Second,
	}
}

// State is a snapshot of the monitor.
type State struct {
	Alive               bool      `json:"alive"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	LastSource          string    `json:"last_source"`
}

// HeartbeatReader is the store view used as fallback signal.
type HeartbeatReader interface {
	NodeStatus(ctx context.Context, nodeID string, maxAge time.Duration) (store.NodeStatus, error)
}

// ProbeFunc performs one direct liveness probe.
type ProbeFunc func(ctx context.Context) error

// Monitor is the cached liveness view of the local node.
type Monitor struct {
	cfg       Config
	probe     ProbeFunc
	heartbeat HeartbeatReader
	now       func() time.Time
	logger    *slog.Logger
	bus       *events.Bus

	state   atomic.Pointer[State]
	writeMu sync.Mutex
	group   singleflight.Group
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbe replaces the HTTP probe.
func WithProbe(p ProbeFunc) Option { return func(m *Monitor) { m.probe = p } }

// WithHeartbeat enables the heartbeat fallback.
func WithHeartbeat(r HeartbeatReader) Option { return func(m *Monitor) { m.heartbeat = r } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithEvents publishes transitions on bus.
func WithEvents(bus *events.Bus) Option { return func(m *Monitor) { m.bus = bus } }

// New creates a Monitor. It starts pessimistic: IsAlive is false until the
// first successful check.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailuresUntilDown <= 0 {
		cfg.FailuresUntilDown = def.FailuresUntilDown
	}
	if cfg.HeartbeatMaxAge <= 0 {
		cfg.HeartbeatMaxAge = def.HeartbeatMaxAge
	}
	if cfg.NodeID == "" {
		cfg.NodeID = def.NodeID
	}

	m := &Monitor{cfg: cfg, now: time.Now, logger: slog.Default()}
	if cfg.HealthURL != "" {
		m.probe = HTTPProbe(&http.Client{}, cfg.HealthURL, cfg.Token)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state.Store(&State{})
	metrics.LocalNodeAlive.Set(0)
	return m
}

// IsAlive returns the cached liveness without blocking.
func (m *Monitor) IsAlive() bool {
	return m.state.Load().Alive
}

// State returns a copy of the current state.
func (m *Monitor) State() State {
	return *m.state.Load()
}

// ForceCheck runs a check now and returns the resulting liveness. Callers
// arriving while a check is in flight share its result.
func (m *Monitor) ForceCheck(ctx context.Context) bool {
	v, _, _ := m.group.Do("check", func() (any, error) {
		ok, source := m.check(ctx)
		return m.record(ok, source).Alive, nil
	})
	return v.(bool)
}

// Run checks immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started",
		"node", m.cfg.NodeID,
		"interval", m.cfg.Interval,
		"failures_until_down", m.cfg.FailuresUntilDown,
	)
	m.ForceCheck(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ForceCheck(ctx)
		}
	}
}

// check never returns an error: every failure is just a failed check.
func (m *Monitor) check(ctx context.Context) (bool, string) {
	if m.probe != nil {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.probe(pctx)
		cancel()
		if err == nil {
			metrics.HealthChecks.WithLabelValues(SourceProbe, "ok").Inc()
			return true, SourceProbe
		}
		metrics.HealthChecks.WithLabelValues(SourceProbe, "fail").Inc()
		m.logger.Debug("local node probe failed", "error", err)
	}

	if m.heartbeat != nil {
		st, err := m.heartbeat.NodeStatus(ctx, m.cfg.NodeID, m.cfg.HeartbeatMaxAge)
		if err == nil && st.Online {
			metrics.HealthChecks.WithLabelValues(SourceHeartbeat, "ok").Inc()
			return true, SourceHeartbeat
		}
		metrics.HealthChecks.WithLabelValues(SourceHeartbeat, "fail").Inc()
		if err != nil {
			m.logger.Debug("heartbeat read failed", "error", err)
		}
	}
	return false, SourceNone
}

// record folds one check result into the state and swaps it in.
func (m *Monitor) record(ok bool, source string) State {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prev := *m.state.Load()
	next := prev
	now := m.now()
	next.LastCheck = now
	next.LastSource = source

	if ok {
		next.ConsecutiveFailures = 0
		next.LastSuccess = now
		next.Alive = true
	} else {
		next.ConsecutiveFailures++
		next.LastFailure = now
		if next.ConsecutiveFailures >= m.cfg.FailuresUntilDown {
			next.Alive = false
		}
	}
	m.state.Store(&next)

	if next.Alive != prev.Alive {
		metrics.LocalNodeAlive.Set(metrics.BoolGauge(next.Alive))
		status := "down"
		if next.Alive {
			status = "alive"
			m.logger.Info("local node is back online", "node", m.cfg.NodeID, "source", source)
		} else {
			m.logger.Warn("local node marked down", "node", m.cfg.NodeID, "failures", next.ConsecutiveFailures)
		}
		m.bus.Publish(events.Event{
			Kind:    events.KindHealth,
			Node:    m.cfg.NodeID,
			Message: status,
			Fields:  map[string]any{"source": source, "failures": next.ConsecutiveFailures},
		})
	}
	return next
}

// HTTPProbe returns a probe that GETs url and expects a 2xx.
func HTTPProbe(client *http.Client, url, token string) ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}
