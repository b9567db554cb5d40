package csa

import "github.com/prometheus/client_golang/prometheus"

const outcomeSuccess = "success"

var (
	apiCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kompot_csa_api_calls_total",
			Help: "Total number of CSA platform calls by intent and outcome.",
		},
		[]string{"op", "outcome"},
	)

	tokenRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kompot_csa_token_refreshes_total",
			Help: "Total number of bearer token acquisitions.",
		},
	)
)

func init() {
	prometheus.MustRegister(apiCallsTotal)
	prometheus.MustRegister(tokenRefreshesTotal)
}

// observeCall records one platform call outcome.
func observeCall(op, outcome string) {
	apiCallsTotal.WithLabelValues(op, outcome).Inc()
}
