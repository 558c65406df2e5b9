package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweepReport holds the results of a single sweep.
type SweepReport struct {
	Cycle     int       `json:"cycle"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Reminded  int       `json:"reminded"`
	Recovered int       `json:"recovered"`
	Errors    []string  `json:"errors,omitempty"`
}

// Scheduler periodically reminds stale tasks and recovers interrupted ones.
type Scheduler struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger

	mu         sync.RWMutex
	lastReport *SweepReport
	cycles     int
}

// NewScheduler creates a scheduler. A zero interval means 15 minutes.
func NewScheduler(q *Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{queue: q, interval: interval, logger: q.logger}
}

// Run sweeps once immediately, then every interval. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("task scheduler started",
		"interval", s.interval,
		"stale_after", s.queue.cfg.StaleAfter,
		"running_timeout", s.queue.cfg.RunningTimeout,
	)
	s.DoOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("task scheduler stopping")
			return
		case <-ticker.C:
			s.DoOnce(ctx)
		}
	}
}

// DoOnce runs one sweep and returns its report.
func (s *Scheduler) DoOnce(ctx context.Context) *SweepReport {
	s.mu.Lock()
	s.cycles++
	report := &SweepReport{Cycle: s.cycles, StartedAt: s.queue.now()}
	s.mu.Unlock()
	start := time.Now()

	var err error
	if report.Recovered, err = s.queue.RecoverInterrupted(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("recover: %v", err))
	}
	if report.Reminded, err = s.queue.CheckStaleTasks(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("stale: %v", err))
	}
	report.Duration = time.Since(start).Round(time.Millisecond).String()

	if report.Reminded > 0 || report.Recovered > 0 || len(report.Errors) > 0 {
		s.logger.Info("task sweep complete",
			"cycle", report.Cycle,
			"reminded", report.Reminded,
			"recovered", report.Recovered,
			"errors", len(report.Errors),
		)
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()
	return report
}

// LastReport returns the most recent sweep report, or nil before the first.
func (s *Scheduler) LastReport() *SweepReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}
