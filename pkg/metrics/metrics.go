package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch metrics
var (
	RelayAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrelay_relay_attempts_total",
			Help: "Total number of relay delivery attempts",
		},
		[]string{"result"}, // success, failure
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xrelay_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"mode"}, // sequential, parallel
	)

	FallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xrelay_fallbacks_total",
			Help: "Total number of direct-connection fallbacks",
		},
	)

	DispatchExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xrelay_dispatch_exhausted_total",
			Help: "Total number of dispatches that exhausted all relay candidates",
		},
	)
)

// Pool metrics
var (
	PoolAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xrelay_pool_available_relays",
			Help: "Current number of available relays in the pool",
		},
		[]string{"mode"}, // durable, volatile
	)

	RefillRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrelay_refill_runs_total",
			Help: "Total number of pool refill runs",
		},
		[]string{"result"}, // ok, error
	)

	DeprecationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xrelay_deprecations_total",
			Help: "Total number of relays moved to the deprecated set",
		},
	)

	SweptDeprecatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xrelay_swept_deprecated_total",
			Help: "Total number of deprecated relay records purged by the retention sweep",
		},
	)
)

// Source feed metrics
var (
	FeedFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrelay_feed_fetches_total",
			Help: "Total number of relay feed fetches",
		},
		[]string{"feed", "result"}, // ok, error, skipped
	)

	FeedCandidates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xrelay_feed_candidates",
			Help: "Candidates contributed by each feed in the last aggregation",
		},
		[]string{"feed"},
	)
)

// Entry point metrics
var (
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xrelay_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xrelay_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrelay_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"scope"}, // global, key
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xrelay_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"endpoint", "status"},
	)
)

// Database metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xrelay_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xrelay_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xrelay_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
		[]string{"role"},
	)
)
