// Package metrics exposes the Prometheus gauges and counters the fleet and
// queue metrics endpoints (spec §6) are computed from, plus a /metrics
// handler for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of jobs currently pending, by environment.",
	}, []string{"environment"})

	JobsDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "queue",
		Name:      "jobs_dispatched_total",
		Help:      "Total number of jobs handed to a robot.",
	}, []string{"environment"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "queue",
		Name:      "jobs_completed_total",
		Help:      "Total number of jobs that reached a terminal state.",
	}, []string{"environment", "state"})

	ClaimLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "queue",
		Name:      "claim_latency_seconds",
		Help:      "Time between a job entering pending and being claimed by a robot.",
		Buckets:   prometheus.DefBuckets,
	})

	RobotsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "fleet",
		Name:      "robots_online",
		Help:      "Number of robots by status, per environment.",
	}, []string{"environment", "status"})

	WorkerSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "fleet",
		Name:      "worker_sessions_active",
		Help:      "Number of currently connected worker sessions.",
	})

	DispatchBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatcher",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per robot: 0=closed, 1=half-open, 2=open.",
	}, []string{"robot_id"})
)
