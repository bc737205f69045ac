// Package metrics exposes the engine's Prometheus instrumentation.
// Counters and histograms are registered on the default registry and
// served by the router's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapabilityCalls counts capability invocations by integration and outcome.
	CapabilityCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolforge_capability_calls_total",
		Help: "Capability invocations by integration and status.",
	}, []string{"integration", "status"})

	// CapabilityLatency observes capability call latency in seconds.
	CapabilityLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toolforge_capability_latency_seconds",
		Help:    "Capability invocation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"integration"})

	// RateLimitDecisions counts limiter verdicts by integration.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolforge_rate_limit_decisions_total",
		Help: "Rate limiter decisions by integration and verdict.",
	}, []string{"integration", "decision"})

	// Materializations counts materialization passes by outcome.
	Materializations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolforge_materializations_total",
		Help: "Materialization passes by status.",
	}, []string{"status"})

	// Executions counts execution submissions by result.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toolforge_executions_total",
		Help: "Execution submissions by result (created, deduped, locked).",
	}, []string{"result"})
)
