package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NOTE: all metrics are defined globally here. journeyctl links this package
// through the store and registers the API series with zero values, which is harmless.

// namespace defines the global prefix for all metrics (e.g., journey_...).
const namespace = "journey"

// lowLatencyBuckets covers cached journey reads, which should stay well under 50ms.
// Range: 1ms to 500ms.
var lowLatencyBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .030, .050, .100, .500}

var (
	// -------------------------------------------------------------------------
	// HTTP API
	// -------------------------------------------------------------------------

	// HTTPReqDuration measures the latency of HTTP requests.
	// Metric: journey_api_http_handling_seconds
	HTTPReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   lowLatencyBuckets,
	}, []string{"method", "path"})

	// HTTPReqTotal counts the total number of HTTP requests.
	// Metric: journey_api_http_requests_total
	HTTPReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "path", "code"})

	// RateLimitedTotal counts completion requests rejected by the per-user limiter.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total completion requests rejected by the per-user rate limiter",
	})

	// -------------------------------------------------------------------------
	// PROGRESSION
	// -------------------------------------------------------------------------

	// CompletionsTotal counts task completion attempts by outcome
	// (completed, already_completed, conditions_not_met, stage_locked, not_found,
	// forbidden, unavailable, error).
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "completions_total",
		Help:      "Total task completion attempts by outcome",
	}, []string{"outcome"})

	// PointsAwardedTotal sums the points minted into the ledger.
	PointsAwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "points_awarded_total",
		Help:      "Total points appended to the ledger",
	})

	// StageTransitionsTotal counts persisted stage status changes.
	StageTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "stage_transitions_total",
		Help:      "Total stage status transitions written",
	}, []string{"from", "to"})

	// TxRetriesTotal counts transactions retried after serialization failures or deadlocks.
	TxRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "tx_retries_total",
		Help:      "Total transaction retries after retryable database errors",
	}, []string{"op"})

	// MetricsFetchDuration measures metrics provider latency.
	MetricsFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "metrics_fetch_seconds",
		Help:      "Time taken to fetch user metrics for rule evaluation",
		Buckets:   lowLatencyBuckets,
	}, []string{"status"}) // success, error

	// -------------------------------------------------------------------------
	// READ MODEL CACHE
	// -------------------------------------------------------------------------

	// CacheHits counts read-model cache hits per tier (l1, l2).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total read-model cache hits",
	}, []string{"tier"})

	// CacheMisses counts read-model cache misses per tier (l1, l2).
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total read-model cache misses",
	}, []string{"tier"})

	// CacheErrors counts L2 failures that fell back to the database.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Total L2 cache errors",
	}, []string{"op"}) // get, set, invalidate

	// CacheInvalidations counts invalidations by origin (local, pubsub).
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Total read-model cache invalidations",
	}, []string{"origin"})

	// CacheSkippedFills counts loads not written back because the key was
	// invalidated while they ran.
	CacheSkippedFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "skipped_fills_total",
		Help:      "Total cache fills dropped because the entry was invalidated during the load",
	}, []string{"tier"})

	// CacheItems tracks the L1 entry count. Otter (S3-FIFO) reports item count, not bytes.
	CacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "l1_items_count",
		Help:      "Current number of items in the L1 cache",
	})

	// CacheEvictions tracks L1 items removed due to capacity pressure.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "l1_evictions_total",
		Help:      "Total L1 items evicted due to capacity",
	})

	// -------------------------------------------------------------------------
	// DATABASE POOL
	// -------------------------------------------------------------------------

	// DBPoolConnections reports pgxpool connection counts by state (total, idle, in_use, max).
	DBPoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_connections",
		Help:      "Current number of pool connections by state",
	}, []string{"state"})

	// DBPoolAcquireCount counts successful connection acquisitions.
	DBPoolAcquireCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_count_total",
		Help:      "Total successful connection acquisitions",
	})

	// DBPoolAcquireDuration sums the time spent acquiring connections.
	DBPoolAcquireDuration = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_acquire_duration_seconds_total",
		Help:      "Total time spent acquiring connections",
	})

	// DBPoolWaitCount counts acquisitions that had to wait for a free connection.
	DBPoolWaitCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "database",
		Name:      "pool_wait_count_total",
		Help:      "Total acquisitions that waited for a connection",
	})
)
