// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_activations_total",
			Help: "Total number of membership activations and upgrades",
		},
		[]string{"kind", "status"},
	)

	PlacementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_placements_total",
			Help: "Total number of matrix placements",
		},
		[]string{"placement_type"},
	)

	PlacementConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matrix_engine_placement_conflicts_total",
			Help: "Total number of slot races lost during placement",
		},
	)

	PlacementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrix_engine_placement_duration_seconds",
			Help:    "Duration of matrix placement including retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	RewardClaimsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_reward_claims_created_total",
			Help: "Total number of reward claims created by distribution",
		},
		[]string{"status", "reward_type"},
	)

	RewardClaimsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_reward_claims_resolved_total",
			Help: "Total number of reward claims leaving the pending state",
		},
		[]string{"outcome"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matrix_engine_sweep_duration_seconds",
			Help:    "Duration of expired reward sweeps",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	BalanceMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_balance_mutations_total",
			Help: "Total number of balance mutations",
		},
		[]string{"reason", "status"},
	)

	InvariantViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_invariant_violations_total",
			Help: "Total number of ledger invariant violations",
		},
		[]string{"code"},
	)

	DistributionQueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_distribution_queue_total",
			Help: "Reward distribution retry queue transitions",
		},
		[]string{"status"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matrix_engine_circuit_breaker_state",
			Help: "State of each circuit breaker",
		},
		[]string{"breaker"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matrix_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"method", "route"},
	)
)

// Status returns the status label for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
