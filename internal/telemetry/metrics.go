// Package telemetry provides observability primitives for the gateway:
// Prometheus collectors, OpenTelemetry tracing setup, and the cache
// statistics health monitor.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	FailoverTotal     *prometheus.CounterVec
	CostDollars       *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
	CacheHitRatio     *prometheus.GaugeVec
	CacheInstances    prometheus.Gauge
	RedisMemoryBytes  prometheus.Gauge
	RateLimitRejects  *prometheus.CounterVec
	UsageQueueLength  prometheus.Gauge
	RealtimeSessions  prometheus.Gauge
	BudgetRejects     prometheus.Counter
	ReservationsSwept prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "requests_total",
			Help:      "Total gateway requests by operation, provider, and outcome.",
		}, []string{"operation", "provider", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "conduit",
			Name:                            "request_duration_seconds",
			Help:                            "End-to-end request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"operation"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "conduit",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors by classified kind.",
		}, []string{"provider", "kind"}),

		FailoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "failover_total",
			Help:      "Total failover attempts to an alternate provider.",
		}, []string{"model"}),

		CostDollars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "cost_dollars_total",
			Help:      "Total billed cost in dollars.",
		}, []string{"provider", "model"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "direction"}),

		CacheHitRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "cache_hit_ratio",
			Help:      "Hit ratio per cache region on this instance.",
		}, []string{"region"}),

		CacheInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "cache_instances",
			Help:      "Cache instances visible through distributed heartbeats.",
		}),

		RedisMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "redis_memory_bytes",
			Help:      "Memory used by the distributed cache backend.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),

		RealtimeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "realtime_sessions",
			Help:      "Currently open realtime sessions.",
		}),

		BudgetRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "budget_rejects_total",
			Help:      "Requests rejected for insufficient group balance.",
		}),

		ReservationsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "reservations_swept_total",
			Help:      "Stale budget reservations released by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FailoverTotal,
		m.CostDollars,
		m.TokensProcessed,
		m.CacheHitRatio,
		m.CacheInstances,
		m.RedisMemoryBytes,
		m.RateLimitRejects,
		m.UsageQueueLength,
		m.RealtimeSessions,
		m.BudgetRejects,
		m.ReservationsSwept,
	)

	return m
}
