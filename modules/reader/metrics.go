package reader

import "github.com/prometheus/client_golang/prometheus"

var (
	retrievalAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chain_reader_retrieval_attempts_total", Help: "Store or node round trips made by readers"},
		[]string{"backend", "op"},
	)
	retrievalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chain_reader_retrieval_failures_total", Help: "Retrievals that returned an error to the caller"},
		[]string{"backend", "op"},
	)
	retrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "chain_reader_retrieval_duration_seconds", Help: "Retrieval latency including retries", Buckets: prometheus.DefBuckets},
		[]string{"backend", "op"},
	)
)

func init() {
	prometheus.MustRegister(retrievalAttempts, retrievalFailures, retrievalDuration)
}
