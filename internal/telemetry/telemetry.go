// Package telemetry samples CPU/GPU utilization and memory pressure on a
// background cadence and derives the normalized performance factors the
// block scheduler consumes. The latest snapshot is read lock-free; the
// inference hot path never waits for a fresh sample.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
)

// Recommendation is the health verdict derived from threshold comparisons.
type Recommendation string

const (
	RecommendationNormal     Recommendation = "normal"
	RecommendationCPU        Recommendation = "cpu_pressure"
	RecommendationMemory     Recommendation = "memory_pressure"
	RecommendationThermal    Recommendation = "thermal_warning"
	RecommendationOverloaded Recommendation = "system_overloaded"
)

type CPUStats struct {
	Utilization       float64 `json:"utilization"`
	PerformanceFactor float64 `json:"performance_factor"`
}

type GPUStats struct {
	Available         bool    `json:"available"`
	Type              string  `json:"type"`
	PerformanceFactor float64 `json:"performance_factor"`
	DedicatedVRAMMB   int     `json:"dedicated_vram_mb"`
}

type MemoryStats struct {
	UsagePercent float64 `json:"usage_percent"`
	AvailableGB  float64 `json:"available_gb"`
}

// Snapshot is one telemetry sample. Scheduling treats it as an
// eventually-consistent hint, never as ground truth.
type Snapshot struct {
	CPU            CPUStats       `json:"cpu"`
	GPU            GPUStats       `json:"gpu"`
	Memory         MemoryStats    `json:"memory"`
	HealthScore    float64        `json:"system_health_score"`
	Recommendation Recommendation `json:"recommendation"`
	Taken          time.Time      `json:"taken"`
}

// GPUProber reports the GPU's current state. The default is a static
// probe built from config; deployments with a real GPU runtime inject
// their own.
type GPUProber interface {
	Probe() GPUStats
}

// StaticGPU is a fixed-answer prober.
type StaticGPU struct {
	Stats GPUStats
}

func (s StaticGPU) Probe() GPUStats { return s.Stats }

// Profiler runs the background sampling loop.
type Profiler struct {
	interval time.Duration
	prober   GPUProber
	log      *logger.Logger

	snap   atomic.Pointer[Snapshot]
	cancel context.CancelFunc
	done   chan struct{}

	prev    cpuTimes
	prevHot bool
}

// NewProfiler builds a profiler and takes one synchronous sample so
// Latest is valid immediately, before Start.
func NewProfiler(interval time.Duration, prober GPUProber) *Profiler {
	if prober == nil {
		prober = StaticGPU{}
	}
	p := &Profiler{
		interval: interval,
		prober:   prober,
		log:      logger.Log.With("telemetry"),
		done:     make(chan struct{}),
	}
	p.prev, _ = readCPUTimes()
	p.sample()
	return p
}

// Start launches the background loop.
func (p *Profiler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sample()
			}
		}
	}()
}

// Latest returns the most recent snapshot without blocking.
func (p *Profiler) Latest() Snapshot {
	return *p.snap.Load()
}

// Close stops the sampling loop.
func (p *Profiler) Close() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Profiler) sample() {
	cpuUtil, next := cpuUtilization(p.prev)
	p.prev = next
	mem := readMemory()
	gpu := p.prober.Probe()

	snap := Derive(cpuUtil, mem, gpu, p.prevHot)
	p.prevHot = cpuUtil >= thermalCPUPct

	p.snap.Store(&snap)
	metrics.TelemetrySamples.Inc()
	metrics.SystemHealthScore.Set(snap.HealthScore)

	if snap.Recommendation != RecommendationNormal {
		p.log.Debug("system pressure detected",
			"recommendation", string(snap.Recommendation),
			"cpu_pct", cpuUtil, "mem_pct", mem.UsagePercent)
	}
}

// Threshold table for recommendations.
const (
	overloadCPUPct = 95.0
	overloadMemPct = 90.0
	memPressurePct = 85.0
	cpuPressurePct = 90.0
	thermalCPUPct  = 80.0
)

// Derive computes the full snapshot from raw readings. Pure, so the
// threshold logic is directly testable.
func Derive(cpuUtil float64, mem MemoryStats, gpu GPUStats, prevHot bool) Snapshot {
	cpuPerf := clamp01(1 - cpuUtil/100)
	memHeadroom := clamp01(1 - mem.UsagePercent/100)

	gpuPerf := gpu.PerformanceFactor
	if !gpu.Available {
		gpuPerf = 0
	}

	score := 0.5*cpuPerf + 0.3*memHeadroom
	if gpu.Available {
		score += 0.2 * clamp01(gpuPerf)
	} else {
		score += 0.2 * cpuPerf
	}

	var rec Recommendation
	switch {
	case cpuUtil >= overloadCPUPct && mem.UsagePercent >= overloadMemPct:
		rec = RecommendationOverloaded
	case mem.UsagePercent >= memPressurePct:
		rec = RecommendationMemory
	case cpuUtil >= cpuPressurePct:
		rec = RecommendationCPU
	case cpuUtil >= thermalCPUPct && prevHot:
		rec = RecommendationThermal
	default:
		rec = RecommendationNormal
	}

	return Snapshot{
		CPU:            CPUStats{Utilization: cpuUtil, PerformanceFactor: cpuPerf},
		GPU:            GPUStats{Available: gpu.Available, Type: gpu.Type, PerformanceFactor: gpuPerf, DedicatedVRAMMB: gpu.DedicatedVRAMMB},
		Memory:         mem,
		HealthScore:    clamp01(score),
		Recommendation: rec,
		Taken:          time.Now(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
