// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LocalNodeAlive is 1 while the health monitor considers the local node up.
	LocalNodeAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_local_node_alive",
		Help: "Whether the local node is currently considered alive (1) or down (0).",
	})
	// HealthChecks counts liveness checks by source and outcome.
	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_health_checks_total",
		Help: "Liveness checks of the local node by signal source and result.",
	}, []string{"source", "result"})

	// Messages counts inbound messages by the node that processed them.
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Inbound messages by processing node.",
	}, []string{"node"})
	// ForwardDuration observes forward-to-local round trips.
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_forward_duration_seconds",
		Help:    "Latency of forwarding a message to the local node.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"result"})

	// EngineRuns counts execution engine invocations by engine, tier and outcome.
	EngineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_engine_runs_total",
		Help: "Execution engine runs by engine, tier and outcome.",
	}, []string{"engine", "tier", "outcome"})
	// ToolCalls counts tool invocations inside the direct loop.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tool_calls_total",
		Help: "Tool calls executed by name and result.",
	}, []string{"tool", "result"})
	// BudgetSpent is today's accumulated model spend in USD.
	BudgetSpent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_budget_spent_usd",
		Help: "Model spend accumulated since local midnight, in USD.",
	})

	// Tasks counts async task lifecycle events.
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tasks_total",
		Help: "Async task lifecycle events by status reached.",
	}, []string{"status"})
	// Reminders counts stale-task reminders sent.
	Reminders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_task_reminders_total",
		Help: "Reminders sent for tasks left waiting on user input.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge converts a bool for gauge use.
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
