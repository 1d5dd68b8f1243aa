// Package metrics exposes Prometheus metrics for the policy kernel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// cyclesTotal counts OODA cycles by outcome (ok, aborted, error, idle).
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nerd",
		Subsystem: "cycle",
		Name:      "total",
		Help:      "Total OODA cycles by outcome",
	}, []string{"outcome"})

	// evalDuration measures fixpoint evaluation time.
	evalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nerd",
		Subsystem: "kernel",
		Name:      "eval_duration_seconds",
		Help:      "Stratified fixpoint evaluation latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// derivedFacts tracks the derived fact count of the last evaluation.
	derivedFacts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nerd",
		Subsystem: "kernel",
		Name:      "derived_facts",
		Help:      "Derived facts in the last evaluated snapshot",
	})

	// denialsTotal counts actions denied by the constitution gate.
	// Labels: reason
	denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nerd",
		Subsystem: "constitution",
		Name:      "denials_total",
		Help:      "Total candidate actions denied, by reason",
	}, []string{"reason"})

	// shardDispatches counts shard runs by shard type and outcome
	// (success, failure, cancelled, rejected).
	shardDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nerd",
		Subsystem: "shards",
		Name:      "dispatches_total",
		Help:      "Total shard dispatches by shard and outcome",
	}, []string{"shard", "outcome"})

	// shardsRunning tracks shards currently executing.
	shardsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nerd",
		Subsystem: "shards",
		Name:      "running",
		Help:      "Shards currently executing",
	})

	// mutationsQueued tracks the mutation queue depth at each boundary.
	mutationsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nerd",
		Subsystem: "store",
		Name:      "queued_mutations",
		Help:      "Mutations waiting for the next cycle boundary",
	})
)

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordCycle records one cycle outcome.
func RecordCycle(outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordEvaluation records the latency and size of an evaluation.
func RecordEvaluation(durationSec float64, derived int) {
	evalDuration.Observe(durationSec)
	derivedFacts.Set(float64(derived))
}

// RecordDenial records a denied candidate action.
func RecordDenial(reason string) {
	denialsTotal.WithLabelValues(reason).Inc()
}

// RecordDispatch records a shard run outcome.
func RecordDispatch(shard, outcome string) {
	shardDispatches.WithLabelValues(shard, outcome).Inc()
}

// SetShardsRunning sets the running shard gauge.
func SetShardsRunning(n int) {
	shardsRunning.Set(float64(n))
}

// SetQueuedMutations sets the mutation queue depth.
func SetQueuedMutations(n int) {
	mutationsQueued.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
