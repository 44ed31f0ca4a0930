package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBucketsMs = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var (
	askTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetqa_ask_total",
			Help: "Questions answered or failed, by outcome (ok or the error tag).",
		},
		[]string{"outcome"},
	)
	askLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sheetqa_ask_latency_ms",
			Help:    "End-to-end latency of a question in milliseconds, including queueing.",
			Buckets: latencyBucketsMs,
		},
	)
	translateLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sheetqa_translate_latency_ms",
			Help:    "Language-model translation latency in milliseconds.",
			Buckets: latencyBucketsMs,
		},
		[]string{"provider"},
	)
	executeLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sheetqa_execute_latency_ms",
			Help:    "Query plan execution latency in milliseconds.",
			Buckets: latencyBucketsMs,
		},
	)
	datasetsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetqa_datasets_ingested_total",
			Help: "Datasets accepted, by upload format.",
		},
		[]string{"format"},
	)
	ingestRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetqa_ingest_rows_total",
			Help: "Rows accepted across all uploads.",
		},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sheetqa_live_sessions",
			Help: "Sessions currently bound to a dataset.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		askTotal,
		askLatencyMs,
		translateLatencyMs,
		executeLatencyMs,
		datasetsIngestedTotal,
		ingestRowsTotal,
		liveSessions,
	)
}

func ObserveAsk(outcome string, elapsed time.Duration) {
	askTotal.WithLabelValues(outcome).Inc()
	askLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveTranslate(provider string, elapsed time.Duration) {
	translateLatencyMs.WithLabelValues(provider).Observe(float64(elapsed.Milliseconds()))
}

func ObserveExecute(elapsed time.Duration) {
	executeLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveIngest(format string, rows int) {
	datasetsIngestedTotal.WithLabelValues(format).Inc()
	if rows > 0 {
		ingestRowsTotal.Add(float64(rows))
	}
}

func SetLiveSessions(n int) {
	if n < 0 {
		n = 0
	}
	liveSessions.Set(float64(n))
}
