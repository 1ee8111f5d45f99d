package metrics

import (
	"testing"
	"time"
)

func TestMetricsExistence(t *testing.T) {
	// Verify our exported metrics functions exist and don't panic
	RecordLoad("optimized_external", 100*time.Millisecond)
	RecordStep("success", 2*time.Second)
	RecordBlockExec("CPU", 50*time.Millisecond)
	RecordKVStats(2, 7)
}

func TestRecordLoadAllMethods(t *testing.T) {
	for _, method := range []string{"optimized_external", "mmap_zeroskel", "standard_onnx", "warm_cache_hit"} {
		RecordLoad(method, 10*time.Millisecond)
	}
}

func TestCountersAccumulate(t *testing.T) {
	WarmCacheHits.Inc()
	WarmCacheMisses.Inc()
	WarmCacheEvictions.Inc()
	KVCacheEvictions.Inc()
	WorkerFallbacks.WithLabelValues("block_2").Inc()
	BlockFailures.WithLabelValues("block_2").Inc()
	ForwardingErrors.Inc()
	LicenseRevocations.Inc()
	// Counters should accumulate - just verify no panic
}

func TestGaugesUpdate(t *testing.T) {
	WarmCacheSessions.Set(3)
	WarmCacheSessions.Set(1)
	SystemHealthScore.Set(0.85)
	RecordKVStats(0, 0)
}

func TestStepStatusLabels(t *testing.T) {
	RecordStep("success", time.Second)
	RecordStep("error", time.Second)
}
