package telemetry

import (
	"testing"
	"time"
)

func TestDeriveRecommendations(t *testing.T) {
	gpu := GPUStats{Available: true, PerformanceFactor: 0.8}

	cases := []struct {
		name    string
		cpu     float64
		memPct  float64
		prevHot bool
		want    Recommendation
	}{
		{"idle", 10, 30, false, RecommendationNormal},
		{"cpu_pressure", 92, 50, false, RecommendationCPU},
		{"memory_pressure", 50, 87, false, RecommendationMemory},
		{"memory_beats_cpu", 92, 87, false, RecommendationMemory},
		{"thermal_needs_sustained_heat", 82, 50, false, RecommendationNormal},
		{"thermal_sustained", 82, 50, true, RecommendationThermal},
		{"overloaded", 97, 95, true, RecommendationOverloaded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := Derive(tc.cpu, MemoryStats{UsagePercent: tc.memPct}, gpu, tc.prevHot)
			if snap.Recommendation != tc.want {
				t.Errorf("got %s, want %s", snap.Recommendation, tc.want)
			}
		})
	}
}

func TestDerivePerformanceFactors(t *testing.T) {
	snap := Derive(75, MemoryStats{UsagePercent: 50}, GPUStats{Available: true, PerformanceFactor: 0.9}, false)
	if snap.CPU.PerformanceFactor < 0.24 || snap.CPU.PerformanceFactor > 0.26 {
		t.Errorf("cpu performance factor should be ~0.25, got %v", snap.CPU.PerformanceFactor)
	}
	if snap.GPU.PerformanceFactor != 0.9 {
		t.Errorf("gpu factor should pass through, got %v", snap.GPU.PerformanceFactor)
	}
	if snap.HealthScore <= 0 || snap.HealthScore > 1 {
		t.Errorf("health score out of range: %v", snap.HealthScore)
	}
}

func TestDeriveGPUUnavailable(t *testing.T) {
	snap := Derive(10, MemoryStats{UsagePercent: 10}, GPUStats{Available: false, PerformanceFactor: 0.9}, false)
	if snap.GPU.PerformanceFactor != 0 {
		t.Errorf("unavailable GPU must report factor 0, got %v", snap.GPU.PerformanceFactor)
	}
}

func TestLatestNeverBlocks(t *testing.T) {
	p := NewProfiler(time.Hour, StaticGPU{Stats: GPUStats{Available: true, Type: "test", PerformanceFactor: 1}})
	p.Start()
	defer p.Close()

	done := make(chan Snapshot, 1)
	go func() { done <- p.Latest() }()

	select {
	case snap := <-done:
		if snap.Taken.IsZero() {
			t.Error("snapshot should be populated before Start returns")
		}
		if snap.GPU.Type != "test" {
			t.Errorf("prober stats not applied: %+v", snap.GPU)
		}
	case <-time.After(time.Second):
		t.Fatal("Latest blocked")
	}
}

func TestProfilerCloseStopsLoop(t *testing.T) {
	p := NewProfiler(time.Millisecond, nil)
	p.Start()
	time.Sleep(10 * time.Millisecond)
	p.Close()
	// Close must not hang and Latest stays readable after shutdown.
	_ = p.Latest()
}
