// Package metrics provides the Prometheus counters and gauges exposed
// at GET /metrics, opt-in exactly like the teacher's EnableMetrics().
// Kept: inference latency/tokens and health-check status, generalized
// with new tiered memory manager and context cache gauges. Dropped:
// the teacher's task/credit/peer/gossip/idle-level telemetry — none of
// it has a use in this engine, which tracks models and memory tiers,
// not a P2P compute marketplace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Inference ──────────────────────────────────────────────────────────────

// InferenceLatency tracks one execute() call's end-to-end duration.
var InferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "forge",
	Name:      "inference_latency_seconds",
	Help:      "Request coordinator execute() duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"model"})

// InferenceTokens tracks tokens generated per request, by model.
var InferenceTokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forge",
	Name:      "inference_tokens_total",
	Help:      "Total tokens generated.",
}, []string{"model"})

// GenerationsActive tracks requests currently mid-generation.
var GenerationsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "forge",
	Name:      "generations_active",
	Help:      "Number of requests currently generating.",
})

// SwitchLatency tracks model-switch duration.
var SwitchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "forge",
	Name:      "model_switch_latency_seconds",
	Help:      "Duration of ModelManager.Switch.",
	Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
})

// ─── Tiered memory manager ──────────────────────────────────────────────────

// TierUsedBytes tracks current bytes used per memory tier.
var TierUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "forge",
	Name:      "tier_used_bytes",
	Help:      "Bytes currently used per memory tier.",
}, []string{"tier"})

// TierCapacityBytes tracks the configured budget per memory tier.
var TierCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "forge",
	Name:      "tier_capacity_bytes",
	Help:      "Configured byte budget per memory tier.",
}, []string{"tier"})

// TierAllocations counts allocate() calls per tier.
var TierAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forge",
	Name:      "tier_allocations_total",
	Help:      "Total allocate() calls per memory tier.",
}, []string{"tier"})

// TierPromotions counts promote() calls per tier moved into.
var TierPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forge",
	Name:      "tier_promotions_total",
	Help:      "Total promotions into a memory tier.",
}, []string{"tier"})

// TierDemotions counts demote() calls per tier moved into.
var TierDemotions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forge",
	Name:      "tier_demotions_total",
	Help:      "Total demotions into a memory tier.",
}, []string{"tier"})

// ─── Context cache ──────────────────────────────────────────────────────────

// ContextTierUsedBytes tracks current bytes used per context-cache tier
// (hot/warm/cold), independent of TierUsedBytes's gpu/cpu/disk names.
var ContextTierUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "forge",
	Name:      "context_tier_used_bytes",
	Help:      "Bytes currently used per context-cache tier.",
}, []string{"tier"})

// ContextCacheHits counts query()/view() calls served by an existing
// context versus a cold ingest.
var ContextCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "forge",
	Name:      "context_cache_hits_total",
	Help:      "Total requests that named an existing context.",
})

// ContextEvictions counts contexts deleted outright under memory
// pressure, as opposed to demoted to a colder tier.
var ContextEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "forge",
	Name:      "context_evictions_total",
	Help:      "Total contexts deleted under memory pressure.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks each health check's latest result (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "forge",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries counts RecoverFn invocations per check.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forge",
	Name:      "health_recoveries_total",
	Help:      "Total recovery attempts per health check.",
}, []string{"check"})

// ObserveTierStats publishes a memory-manager stats() snapshot to the
// tier gauges from a snapshot's values. No component in this tree calls
// it, so the tier gauges stay unset unless a caller does.
func ObserveTierStats(tierName string, capacity, used int64) {
	TierUsedBytes.WithLabelValues(tierName).Set(float64(used))
	TierCapacityBytes.WithLabelValues(tierName).Set(float64(capacity))
}

// ObserveContextTierStats mirrors ObserveTierStats for the context
// cache's hot/warm/cold vocabulary.
func ObserveContextTierStats(tierName string, used int64) {
	ContextTierUsedBytes.WithLabelValues(tierName).Set(float64(used))
}
