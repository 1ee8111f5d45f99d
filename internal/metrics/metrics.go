package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ===== Warm model cache =====

	WarmCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warm_cache_hits_total",
		Help: "Total warm model cache hits",
	})

	WarmCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warm_cache_misses_total",
		Help: "Total warm model cache misses",
	})

	WarmCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warm_cache_evictions_total",
		Help: "Total warm model cache evictions",
	})

	WarmCacheSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warm_cache_sessions",
		Help: "Currently resident warm sessions",
	})

	ModelLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "model_load_duration_seconds",
		Help:    "Histogram of model block load times by strategy",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"method"})

	ModelLoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_load_failures_total",
		Help: "Total model load failures by strategy",
	}, []string{"method"})

	WarmupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "model_warmup_failures_total",
		Help: "Total warm-up passes where all dummy runs failed",
	})

	// ===== KV cache =====

	KVCacheSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_sessions",
		Help: "Sessions currently held in the KV cache store",
	})

	KVCacheActivePages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_active_pages",
		Help: "Total allocated KV pages across all sessions",
	})

	KVCacheTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_tokens_total",
		Help: "Total tokens appended to the KV cache",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_evictions_total",
		Help: "Total sessions evicted from the KV cache store",
	})

	KVCacheResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_resets_total",
		Help: "Total new-prompt resets",
	})

	// ===== Scheduling =====

	BlockAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "block_assignments_total",
		Help: "Worker selections by block and worker",
	}, []string{"block", "worker"})

	AssignmentChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_changes_total",
		Help: "Assignment changes away from the base plan, by reason",
	}, []string{"reason"})

	// ===== Pipeline execution =====

	PipelineSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_steps_total",
		Help: "Pipeline steps by final status",
	}, []string{"status"})

	PipelineStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_step_duration_seconds",
		Help:    "End-to-end pipeline step duration",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	BlockExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "block_execution_duration_seconds",
		Help:    "Per-block execution time by worker",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})

	WorkerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_fallbacks_total",
		Help: "Cross-worker fallback events by block",
	}, []string{"block"})

	BlockFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "block_failures_total",
		Help: "Block executions failed after fallback",
	}, []string{"block"})

	ForwardingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarding_errors_total",
		Help: "Cross-node forwarding failures",
	})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_duration_seconds",
		Help:    "Cross-node forward round-trip time",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
	})

	// ===== Telemetry / licensing =====

	TelemetrySamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_samples_total",
		Help: "Background telemetry samples taken",
	})

	SystemHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_health_score",
		Help: "Latest derived system health score (0-1)",
	})

	LicenseRevocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_revocations_total",
		Help: "Sessions revoked after a failed license re-check",
	})
)

// RecordLoad records a completed block load under its strategy name.
func RecordLoad(method string, d time.Duration) {
	ModelLoadDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordStep records one finished pipeline step.
func RecordStep(status string, d time.Duration) {
	PipelineSteps.WithLabelValues(status).Inc()
	PipelineStepDuration.Observe(d.Seconds())
}

// RecordBlockExec records a successful block execution on a worker.
func RecordBlockExec(worker string, d time.Duration) {
	BlockExecDuration.WithLabelValues(worker).Observe(d.Seconds())
}

// RecordKVStats refreshes the store-wide KV gauges.
func RecordKVStats(sessions, activePages int) {
	KVCacheSessions.Set(float64(sessions))
	KVCacheActivePages.Set(float64(activePages))
}
