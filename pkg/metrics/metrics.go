package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Full per-user digest run duration in seconds.
	DigestRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digest_run_duration_seconds",
			Help:    "Per-user digest run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~400s
		},
		[]string{"status"},
	)

	// Per-stage latency of the digest pipeline (milliseconds).
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "digest_stage_latency_ms",
			Help:    "Digest pipeline stage latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"stage", "status"},
	)

	// Analysis service call latency (milliseconds).
	AnalysisCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_call_latency_ms",
			Help:    "Analysis service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"endpoint", "status"},
	)

	// MQ consume latency (milliseconds).
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// Token refresh attempts by result (refreshed, reauth_required, error).
	TokenRefreshCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_count",
			Help: "Total number of OAuth token refresh attempts",
		},
		[]string{"result", "path"}, // path: inline, sweep
	)

	// Deterministic fallback activations by pipeline stage.
	FallbackCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_fallback_count",
			Help: "Total number of deterministic fallback activations",
		},
		[]string{"stage"}, // stage: annotate, cluster, synthesize
	)

	// Source emails persisted into daily digests.
	EmailsProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_emails_processed_count",
			Help: "Total number of source emails persisted into digests",
		},
		[]string{"status"},
	)
)

// RecordDigestRunDuration records the duration of one per-user digest run.
func RecordDigestRunDuration(status string, duration time.Duration) {
	DigestRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStageLatency records the latency of one pipeline stage.
func RecordStageLatency(stage, status string, duration time.Duration) {
	StageLatency.WithLabelValues(stage, status).Observe(float64(duration.Milliseconds()))
}

// RecordAnalysisCallLatency records the latency of an analysis service call.
func RecordAnalysisCallLatency(endpoint, status string, duration time.Duration) {
	AnalysisCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

// RecordMQConsumeLatency records MQ consumption latency.
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementTokenRefresh counts a token refresh attempt outcome.
func IncrementTokenRefresh(result, path string) {
	TokenRefreshCount.WithLabelValues(result, path).Inc()
}

// IncrementFallback counts a deterministic fallback activation.
func IncrementFallback(stage string) {
	FallbackCount.WithLabelValues(stage).Inc()
}

// IncrementEmailsProcessed counts persisted source emails.
func IncrementEmailsProcessed(status string, n int) {
	EmailsProcessedCount.WithLabelValues(status).Add(float64(n))
}
