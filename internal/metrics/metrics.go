// Package metrics registers the Prometheus metrics exported by the control
// plane. Import this package (via blank import) from the server entry point
// to register all metrics before the /internal/metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache synchronization metrics.
var (
	// CacheSyncTotal counts completed target-set syncs labelled by trigger
	// source ("listen_notify", "fallback", "startup").
	CacheSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwctl_cache_sync_total",
			Help: "Total number of routing-configuration syncs.",
		},
		[]string{"source"},
	)

	// CacheSyncErrors counts failed syncs labelled by trigger source.
	CacheSyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwctl_cache_sync_errors_total",
			Help: "Total number of failed routing-configuration syncs.",
		},
		[]string{"source"},
	)

	// CacheSyncLag observes the delay between a row mutation and the sync it
	// triggered, labelled by the mutated table.
	CacheSyncLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dwctl_cache_sync_lag_seconds",
			Help:    "Delay between a database change and the resulting cache update.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"table"},
	)

	// CacheTargetInfo is a per-target presence gauge: 1 while the alias is in
	// the current target set, zeroed when the alias goes stale.
	CacheTargetInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dwctl_cache_target_info",
			Help: "Per-target cache info (1 = present in the current target set).",
		},
		[]string{"alias", "kind"},
	)
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed proxy requests labelled by target alias
	// and outcome ("success", "error", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwctl_requests_total",
			Help: "Total number of requests processed by the proxy.",
		},
		[]string{"alias", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dwctl_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"alias"},
	)

	// DispatchAttempts counts upstream dispatch attempts, including failover
	// retries, labelled by alias and attempt outcome.
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwctl_dispatch_attempts_total",
			Help: "Total upstream dispatch attempts, including failover retries.",
		},
		[]string{"alias", "outcome"},
	)

	// RateLimitRejections counts requests refused by a limiter, labelled by
	// scope ("key", "pool", "provider").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwctl_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"scope"},
	)
)

// Usage accounting metrics.
var (
	// CreditDeductions counts successful usage-transaction commits.
	CreditDeductions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dwctl_credit_deductions_total",
			Help: "Total usage credit deductions committed.",
		},
		[]string{"model"},
	)

	// CreditDeductionErrors counts failed deduction attempts.
	CreditDeductionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dwctl_credit_deduction_errors_total",
			Help: "Total failed credit deduction attempts.",
		},
	)

	// AnalyticsErrors counts failed analytics writes.
	AnalyticsErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dwctl_analytics_errors_total",
			Help: "Total failed analytics row writes.",
		},
	)
)

// CacheInfoState tracks the label sets published on CacheTargetInfo during the
// previous sync so stale aliases can be zeroed on the next one.
type CacheInfoState struct {
	previous map[[2]string]struct{}
}

// NewCacheInfoState returns an empty state.
func NewCacheInfoState() *CacheInfoState {
	return &CacheInfoState{previous: make(map[[2]string]struct{})}
}

// Update publishes the current alias set and zeroes gauges for aliases that
// were present last cycle but are absent now.
func (s *CacheInfoState) Update(aliases map[string]string) {
	current := make(map[[2]string]struct{}, len(aliases))
	for alias, kind := range aliases {
		CacheTargetInfo.WithLabelValues(alias, kind).Set(1)
		current[[2]string{alias, kind}] = struct{}{}
	}
	for labels := range s.previous {
		if _, ok := current[labels]; !ok {
			CacheTargetInfo.WithLabelValues(labels[0], labels[1]).Set(0)
		}
	}
	s.previous = current
}
