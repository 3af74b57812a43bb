// Package metrics exposes Prometheus metrics for the proxy. Labels stay
// low-cardinality: tenant ids never appear as label values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "apilens"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 20.0,
	30.0, 60.0, 120.0, 300.0,
}

// =============================================================================
// Request Metrics
// =============================================================================

var (
	// ProxyTotalRequests counts proxied requests by outcome.
	ProxyTotalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_total_requests",
			Help:      "Total number of proxied vendor requests",
		},
		[]string{"vendor", "model", "endpoint", "status_code"},
	)

	// ProxyFailedRequests counts failed requests by error class.
	ProxyFailedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_failed_requests",
			Help:      "Total number of failed proxied requests",
		},
		[]string{"vendor", "model", "error_type", "error_code"},
	)

	// VendorFallbacks counts requests routed by the default-vendor fallback.
	VendorFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_fallback_total",
			Help:      "Requests whose model matched no catalog entry or heuristic",
		},
		[]string{"vendor"},
	)

	// HTTPRequests counts every HTTP request served, including health and metrics.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by route and status",
		},
		[]string{"route", "method", "status_code"},
	)
)

// =============================================================================
// Latency Metrics
// =============================================================================

var (
	// RequestTotalLatency tracks end-to-end request latency.
	RequestTotalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_total_latency_seconds",
			Help:      "Total request latency in seconds (end-to-end)",
			Buckets:   LatencyBuckets,
		},
		[]string{"vendor", "model"},
	)

	// VendorAttemptLatency tracks a single vendor attempt.
	VendorAttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vendor_attempt_latency_seconds",
			Help:      "Latency of one vendor HTTP attempt in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"vendor", "outcome"},
	)

	// OverheadLatency tracks time spent in the proxy before dispatch.
	OverheadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "overhead_latency_seconds",
			Help:      "Proxy processing latency before the vendor call",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"stage"},
	)

	// HTTPLatency tracks server-side latency per route.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   LatencyBuckets,
		},
		[]string{"route"},
	)
)

// =============================================================================
// Dispatch Metrics
// =============================================================================

var (
	// VendorAttempts counts vendor HTTP attempts.
	VendorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_attempts_total",
			Help:      "Vendor HTTP attempts by outcome tag",
		},
		[]string{"vendor", "outcome"},
	)

	// VendorRetries counts retries after a retryable failure.
	VendorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_retries_total",
			Help:      "Vendor retries by failure tag",
		},
		[]string{"vendor", "tag"},
	)
)

// =============================================================================
// Token and Cost Metrics
// =============================================================================

var (
	// InputTokens counts input tokens.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens",
			Help:      "Total input tokens",
		},
		[]string{"vendor", "model"},
	)

	// OutputTokens counts output tokens.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens",
			Help:      "Total output tokens",
		},
		[]string{"vendor", "model"},
	)

	// TotalSpend tracks total spend.
	TotalSpend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_total",
			Help:      "Total spend in USD",
		},
		[]string{"vendor", "model"},
	)
)

// =============================================================================
// Supporting Component Metrics
// =============================================================================

var (
	// CredentialLookups counts key resolution outcomes by source.
	CredentialLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_lookups_total",
			Help:      "Credential resolutions by vendor and source",
		},
		[]string{"vendor", "source"},
	)

	// AuthCacheEvents counts tenant key cache hits and misses.
	AuthCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_cache_events_total",
			Help:      "Tenant key cache hits and misses",
		},
		[]string{"event"},
	)

	// QuotaRejections counts requests rejected by the quota limiter.
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by tenant quota",
		},
		[]string{"kind"},
	)

	// QuotaBackendErrors counts counter store failures.
	QuotaBackendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_backend_errors_total",
			Help:      "Counter store errors seen by the quota limiter",
		},
	)

	// UsageLogQueueSize tracks the size of the usage log queue.
	UsageLogQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_log_queue_size",
			Help:      "Entries waiting in the usage log queue",
		},
	)

	// UsageLogEvents counts usage log outcomes: sent, dropped, spooled, failed.
	UsageLogEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_log_events_total",
			Help:      "Usage log entries by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)

	// DBConnectionPoolSize tracks database pool connections.
	DBConnectionPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connection_pool_size",
			Help:      "Database connection pool size by state",
		},
		[]string{"pool", "state"},
	)

	// ConfigReloads counts configuration file reloads by result.
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result (applied, unchanged, invalid)",
		},
		[]string{"result"},
	)
)
