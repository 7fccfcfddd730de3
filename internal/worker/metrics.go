package worker

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
)

var (
	// settleAttempts counts gateway attempts by how the record ended up.
	settleAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_attempts_total",
			Help: "Settlement attempts by outcome (completed, retry, failed).",
		},
		[]string{"outcome"},
	)

	// settleDuration records gateway call latency, including timeouts.
	settleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Duration of settlement gateway calls in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	retriesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_retries_total",
			Help: "Dispatch messages parked on the retry lane.",
		},
	)

	deadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlement_dead_letters_total",
			Help: "Dispatch messages moved to the dead-letter lane.",
		},
	)
)

func init() {
	prometheus.MustRegister(settleAttempts, settleDuration, retriesScheduled, deadLettered)
}
