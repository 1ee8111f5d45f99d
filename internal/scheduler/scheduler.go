// Package scheduler maps each block to a CPU or GPU worker. A static base
// plan gives every block exactly one assignment; live telemetry overrides
// rebalance individual executions without mutating the plan.
package scheduler

import (
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/telemetry"
)

// Worker identifies a compute worker type.
type Worker string

const (
	CPU Worker = "CPU"
	GPU Worker = "GPU"
)

// Other returns the opposite worker, used for cross-worker fallback.
func (w Worker) Other() Worker {
	if w == CPU {
		return GPU
	}
	return CPU
}

// Override thresholds on the normalized performance factors.
const (
	gpuLowFactor         = 0.3  // GPU considered busy below this
	cpuIdleFactor        = 0.6  // CPU considered comfortably idle above this
	cpuLowFactor         = 0.25 // CPU considered starved below this
	gpuComfortableFactor = 0.7  // GPU headroom required to pull CPU work
	limitedVRAMMB        = 2048 // integrated-class GPU cutoff
)

// Scheduler applies the decision rules. It is stateless apart from the
// registry it records changes into.
type Scheduler struct {
	forceCPU        map[string]bool
	memoryIntensive map[string]bool
	largeForLimited map[string]bool
	tailForcedCPU   map[string]bool
	memHighWaterPct float64
	adaptive        bool

	registry *Registry
}

// New builds a scheduler from the node config block lists.
func New(cfg *config.Node, registry *Registry) *Scheduler {
	return &Scheduler{
		forceCPU:        toSet(cfg.ForceCPUBlocks),
		memoryIntensive: toSet(cfg.MemoryIntensiveBlocks),
		largeForLimited: toSet(cfg.LargeBlocksLimitedGPU),
		tailForcedCPU:   toSet(cfg.TailBlocksForcedCPU),
		memHighWaterPct: cfg.MemoryHighWaterPct,
		adaptive:        cfg.AdaptiveScheduling,
		registry:        registry,
	}
}

func toSet(blocks []string) map[string]bool {
	s := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		s[b] = true
	}
	return s
}

// SelectWorker picks the worker for one execution of a block. First
// matching rule wins; every deviation from the base assignment is
// recorded with its reason.
func (s *Scheduler) SelectWorker(blockID string, base Worker, snap telemetry.Snapshot) Worker {
	selected, reason := s.decide(blockID, base, snap)

	metrics.BlockAssignments.WithLabelValues(blockID, string(selected)).Inc()
	if selected != base && s.registry != nil {
		s.registry.Assign(blockID, selected, reason)
	}
	return selected
}

func (s *Scheduler) decide(blockID string, base Worker, snap telemetry.Snapshot) (Worker, string) {
	// Rule 1: administrator-forced CPU blocks win over everything,
	// including adversarial telemetry.
	if s.forceCPU[blockID] {
		return CPU, "force_cpu_list"
	}

	if !s.adaptive {
		return base, ""
	}

	// Rule 2: memory high-water protection for memory-bound blocks.
	if snap.Memory.UsagePercent > s.memHighWaterPct && s.memoryIntensive[blockID] {
		return CPU, "memory_high_water"
	}

	// Rule 3: capacity-limited GPUs never take the designated large blocks.
	if snap.GPU.Available && limitedGPU(snap.GPU) && s.largeForLimited[blockID] {
		return CPU, "limited_gpu_vram"
	}

	switch base {
	case GPU:
		// Rule 4.
		if !snap.GPU.Available {
			return CPU, "gpu_unavailable"
		}
		if snap.GPU.PerformanceFactor < gpuLowFactor && snap.CPU.PerformanceFactor > cpuIdleFactor {
			return CPU, "rebalance_to_idle_cpu"
		}
		// The critically-low-CPU branch is a no-op when base is GPU;
		// kept for symmetry with the CPU branch below.
		return GPU, ""
	case CPU:
		// Rule 5.
		if snap.GPU.Available &&
			snap.CPU.PerformanceFactor < cpuLowFactor &&
			snap.GPU.PerformanceFactor > gpuComfortableFactor &&
			!s.tailForcedCPU[blockID] {
			return GPU, "rebalance_to_idle_gpu"
		}
		return CPU, ""
	}

	// Rule 6.
	return base, ""
}

func limitedGPU(g telemetry.GPUStats) bool {
	if g.Type == "integrated" {
		return true
	}
	return g.DedicatedVRAMMB > 0 && g.DedicatedVRAMMB < limitedVRAMMB
}
