// Package metrics exposes the daemon's operational counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ticks counts completed scheduler ticks.
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "othala_ticks_total",
		Help: "Completed scheduler ticks.",
	})

	// AgentSpawns counts agent subprocess spawns by role and model.
	AgentSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "othala_agent_spawns_total",
		Help: "Agent subprocess spawns.",
	}, []string{"role", "model"})

	// AgentExits counts agent exits by outcome signal.
	AgentExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "othala_agent_exits_total",
		Help: "Agent subprocess exits.",
	}, []string{"signal"})

	// Failures counts classified failures by class.
	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "othala_failures_total",
		Help: "Classified task failures.",
	}, []string{"class"})

	// Merges counts merge detections.
	Merges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "othala_merges_total",
		Help: "Tasks observed merged.",
	})

	// Escalations counts hand-offs to the operator.
	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "othala_escalations_total",
		Help: "Tasks escalated to a human.",
	})

	// LiveTasks tracks non-terminal tasks by state.
	LiveTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "othala_live_tasks",
		Help: "Non-terminal tasks by state.",
	}, []string{"state"})
)

// Serve exposes /metrics on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
