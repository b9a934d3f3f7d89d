// Package metrics provides Prometheus instrumentation for the resilience
// layer. All metric collectors are registered once via Init and exposed
// through Handler for scraping on the ops listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts protected calls by dependency and final outcome.
	// Outcomes: ok, cache_hit, rate_limited, circuit_open, bulkhead_rejected,
	// timeout, retry_exhausted, upstream_error, canceled.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_requests_total",
			Help: "Total protected calls by dependency and outcome",
		},
		[]string{"dependency", "outcome"},
	)

	// AttemptDuration observes individual attempt latency in seconds.
	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_attempt_duration_seconds",
			Help:    "Attempt latency in seconds by dependency and result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency", "result"},
	)

	// CircuitState tracks the current breaker state per dependency
	// (0 closed, 1 open, 2 half-open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shield_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)

	// CircuitTransitions counts breaker state transitions by target state.
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_circuit_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"dependency", "to"},
	)

	// AttemptsTotal counts attempts reported to the breaker by result
	// (success or failure).
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_attempts_total",
			Help: "Total attempts by dependency and result",
		},
		[]string{"dependency", "result"},
	)

	// RetriesTotal counts re-attempts (attempt number >= 2) by call class.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_retries_total",
			Help: "Total retry attempts by dependency and call class",
		},
		[]string{"dependency", "class"},
	)

	// TimeoutsTotal counts attempts that exceeded their deadline budget.
	TimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_timeouts_total",
			Help: "Total attempt deadline violations",
		},
		[]string{"dependency"},
	)

	// BulkheadInFlight tracks currently admitted operations per dependency.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shield_bulkhead_in_flight",
			Help: "Operations currently holding a bulkhead slot",
		},
		[]string{"dependency"},
	)

	// BulkheadRejections counts admissions denied at the concurrency limit.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_bulkhead_rejections_total",
			Help: "Total bulkhead admission rejections",
		},
		[]string{"dependency"},
	)

	// RateLimited counts token bucket denials by identity tier.
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_rate_limited_total",
			Help: "Total rate limit denials",
		},
		[]string{"dependency", "tier"},
	)

	// CacheRequests counts cache lookups by tier (l1, l2) and result
	// (hit, miss).
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_cache_requests_total",
			Help: "Total cache lookups by tier and result",
		},
		[]string{"dependency", "tier", "result"},
	)

	// CacheErrors counts cache tier failures that degraded to direct
	// computation.
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_cache_errors_total",
			Help: "Total cache tier errors (always fail-open)",
		},
		[]string{"tier"},
	)

	// HTTPRequestsTotal counts ingress requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_http_requests_total",
			Help: "Total ingress HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration observes ingress request latency in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_http_request_duration_seconds",
			Help:    "Ingress request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// ActiveConnections tracks in-flight ingress requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shield_active_connections",
			Help: "Number of in-flight ingress requests",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		AttemptDuration,
		CircuitState,
		CircuitTransitions,
		AttemptsTotal,
		RetriesTotal,
		TimeoutsTotal,
		BulkheadInFlight,
		BulkheadRejections,
		RateLimited,
		CacheRequests,
		CacheErrors,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveConnections,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
