package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheWrites counts record upserts, labeled by kind and result.
	CacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdata_cache_writes_total",
		Help: "The total number of cache record writes",
	}, []string{"kind", "result"}) // result: ok, skipped, dropped, error

	// SweepRemoved counts records removed by the expiry sweeper.
	SweepRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostdata_sweep_removed_total",
		Help: "The total number of expired records removed by sweeps",
	})

	// Sweeps counts sweep runs, labeled by trigger.
	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdata_sweeps_total",
		Help: "The total number of expiry sweeps",
	}, []string{"trigger"}) // trigger: ready, opportunistic, manual

	// QuotaFallbacks counts migrations from durable to memory storage.
	QuotaFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostdata_quota_fallbacks_total",
		Help: "The total number of storage quota fallbacks",
	})

	// ActiveFetches reports the number of in-flight scope fetches.
	ActiveFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostdata_active_fetches",
		Help: "The number of scope fetches currently in flight",
	})

	// Refetches counts scope refetch outcomes, labeled by kind and result.
	Refetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdata_refetches_total",
		Help: "The total number of scope refetches",
	}, []string{"kind", "result"}) // result: committed, discarded, error

	// RefetchDuration measures provider round trips per scope kind.
	RefetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hostdata_refetch_duration_seconds",
		Help:    "Time taken by a scope refetch",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ScopeEvictions counts scopes dropped by the per-kind LRU bound.
	ScopeEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdata_scope_evictions_total",
		Help: "The total number of evicted scope tracking entries",
	}, []string{"kind"})

	// ProviderCalls counts provider tool executions
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdata_provider_calls_total",
		Help: "The total number of provider tool calls",
	}, []string{"server", "tool", "status"}) // status: success, error

	// WebhookRequests counts incoming webhooks, labeled by status.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostdata_webhook_requests_total",
		Help: "The total number of received webhook requests",
	}, []string{"status"}) // status: accepted, dropped, invalid, ignored
)
