package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for call outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kompot_engine_submissions_total",
			Help: "Total number of order submissions by outcome.",
		},
		[]string{"outcome"},
	)

	pollPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kompot_engine_poll_passes_total",
			Help: "Total number of polling passes over the pending bucket.",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kompot_engine_transitions_total",
			Help: "Total number of subscription bucket transitions by target.",
		},
		[]string{"bucket"},
	)

	teardownCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kompot_engine_teardown_calls_total",
			Help: "Total number of teardown calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	abandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kompot_engine_abandoned_total",
			Help: "Subscriptions still pending when the monitoring budget ran out.",
		},
	)
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(pollPassesTotal)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(teardownCallsTotal)
	prometheus.MustRegister(abandonedTotal)
}
