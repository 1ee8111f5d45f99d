package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/telemetry"
)

func testConfig() *config.Node {
	cfg := config.Default()
	cfg.NodeID = "n1"
	cfg.AssignedBlocks = []string{"block_1", "block_2", "block_3"}
	cfg.ChainOrder = cfg.AssignedBlocks
	cfg.ForceCPUBlocks = []string{"block_3"}
	cfg.MemoryIntensiveBlocks = []string{"block_1"}
	cfg.LargeBlocksLimitedGPU = []string{"block_2"}
	cfg.TailBlocksForcedCPU = []string{"block_3"}
	return cfg
}

func calmSnapshot() telemetry.Snapshot {
	return telemetry.Snapshot{
		CPU:    telemetry.CPUStats{Utilization: 20, PerformanceFactor: 0.8},
		GPU:    telemetry.GPUStats{Available: true, Type: "discrete", PerformanceFactor: 0.8, DedicatedVRAMMB: 8192},
		Memory: telemetry.MemoryStats{UsagePercent: 40},
	}
}

func TestForceCPUWinsAlways(t *testing.T) {
	s := New(testConfig(), nil)

	// Adversarial and extreme telemetry must not move a force-CPU block.
	snaps := []telemetry.Snapshot{
		calmSnapshot(),
		{CPU: telemetry.CPUStats{Utilization: 100, PerformanceFactor: 0},
			GPU:    telemetry.GPUStats{Available: true, PerformanceFactor: 1, DedicatedVRAMMB: 1 << 20},
			Memory: telemetry.MemoryStats{UsagePercent: 0}},
		{CPU: telemetry.CPUStats{PerformanceFactor: -5},
			GPU:    telemetry.GPUStats{Available: true, PerformanceFactor: 99},
			Memory: telemetry.MemoryStats{UsagePercent: -1}},
	}
	for i, snap := range snaps {
		for _, base := range []Worker{CPU, GPU} {
			if got := s.SelectWorker("block_3", base, snap); got != CPU {
				t.Errorf("snapshot %d base %s: force-CPU block scheduled on %s", i, base, got)
			}
		}
	}
}

func TestMemoryHighWaterForcesCPU(t *testing.T) {
	s := New(testConfig(), nil)
	snap := calmSnapshot()
	snap.Memory.UsagePercent = 92

	if got := s.SelectWorker("block_1", GPU, snap); got != CPU {
		t.Errorf("memory-intensive block under pressure should go CPU, got %s", got)
	}
	// Non-memory-intensive blocks are unaffected by the memory rule.
	if got := s.SelectWorker("block_2", GPU, snap); got != GPU {
		t.Errorf("non-memory-intensive block should stay GPU, got %s", got)
	}
}

func TestLimitedGPUForcesLargeBlocksToCPU(t *testing.T) {
	s := New(testConfig(), nil)
	snap := calmSnapshot()
	snap.GPU.Type = "integrated"

	if got := s.SelectWorker("block_2", GPU, snap); got != CPU {
		t.Errorf("large block on integrated GPU should go CPU, got %s", got)
	}

	snap = calmSnapshot()
	snap.GPU.DedicatedVRAMMB = 1024
	if got := s.SelectWorker("block_2", GPU, snap); got != CPU {
		t.Errorf("large block on small-VRAM GPU should go CPU, got %s", got)
	}
}

func TestGPUBaseRules(t *testing.T) {
	s := New(testConfig(), nil)

	snap := calmSnapshot()
	snap.GPU.Available = false
	if got := s.SelectWorker("block_1", GPU, snap); got != CPU {
		t.Errorf("GPU unavailable should fall to CPU, got %s", got)
	}

	snap = calmSnapshot()
	snap.GPU.PerformanceFactor = 0.1
	snap.CPU.PerformanceFactor = 0.9
	if got := s.SelectWorker("block_1", GPU, snap); got != CPU {
		t.Errorf("busy GPU with idle CPU should rebalance to CPU, got %s", got)
	}

	// Busy GPU but also busy CPU: stay on GPU.
	snap.CPU.PerformanceFactor = 0.2
	if got := s.SelectWorker("block_1", GPU, snap); got != GPU {
		t.Errorf("busy GPU and busy CPU should stay GPU, got %s", got)
	}
}

func TestCPUBaseRules(t *testing.T) {
	s := New(testConfig(), nil)

	snap := calmSnapshot()
	snap.CPU.PerformanceFactor = 0.1
	snap.GPU.PerformanceFactor = 0.9
	if got := s.SelectWorker("block_1", CPU, snap); got != GPU {
		t.Errorf("starved CPU with idle GPU should rebalance to GPU, got %s", got)
	}

	// Tail blocks never move to GPU even when starved.
	if got := s.SelectWorker("block_3", CPU, snap); got != CPU {
		t.Errorf("tail block must stay CPU, got %s", got)
	}

	// GPU not comfortable enough: stay.
	snap.GPU.PerformanceFactor = 0.5
	if got := s.SelectWorker("block_1", CPU, snap); got != CPU {
		t.Errorf("CPU block should stay without GPU headroom, got %s", got)
	}
}

func TestAdaptiveOff(t *testing.T) {
	cfg := testConfig()
	cfg.AdaptiveScheduling = false
	s := New(cfg, nil)

	snap := calmSnapshot()
	snap.Memory.UsagePercent = 99
	if got := s.SelectWorker("block_1", GPU, snap); got != GPU {
		t.Errorf("adaptive off should return base, got %s", got)
	}
	// Force-CPU still wins with adaptive off.
	if got := s.SelectWorker("block_3", GPU, snap); got != CPU {
		t.Errorf("force-CPU must win even with adaptive off, got %s", got)
	}
}

func TestRegistryRecordsChanges(t *testing.T) {
	plan := map[string]Worker{"block_1": GPU, "block_2": GPU}
	r := NewRegistry(plan)
	s := New(testConfig(), r)

	snap := calmSnapshot()
	snap.GPU.Available = false
	s.SelectWorker("block_1", r.Current("block_1"), snap)

	view := r.Snapshot()["block_1"]
	if view.Current != CPU {
		t.Errorf("registry should track the new assignment, got %s", view.Current)
	}
	if len(view.History) != 1 {
		t.Fatalf("expected 1 change, got %d", len(view.History))
	}
	if view.History[0].Reason != "gpu_unavailable" {
		t.Errorf("unexpected reason %q", view.History[0].Reason)
	}
	if view.History[0].From != GPU || view.History[0].To != CPU {
		t.Errorf("change endpoints wrong: %+v", view.History[0])
	}
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry(map[string]Worker{"block_1": CPU})
	r.RecordRun("block_1", 100*time.Millisecond, false)
	r.RecordRun("block_1", 50*time.Millisecond, true)
	r.RecordFallback("block_1")

	stats := r.Snapshot()["block_1"].Stats
	if stats.Runs != 2 || stats.Errors != 1 || stats.Fallbacks != 1 {
		t.Errorf("stats wrong: %+v", stats)
	}
	if stats.TotalTime != 150*time.Millisecond {
		t.Errorf("total time wrong: %v", stats.TotalTime)
	}
}

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan([]string{"block_1", "block_2"}, []string{"block_2"})
	if plan["block_1"] != GPU || plan["block_2"] != CPU {
		t.Errorf("default plan wrong: %v", plan)
	}
}

func TestLoadPlanOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	body := `{"block_1": "CPU", "block_9": "GPU"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := LoadPlan(path, []string{"block_1", "block_2"}, nil)
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if plan["block_1"] != CPU {
		t.Errorf("plan override not applied: %v", plan)
	}
	if plan["block_2"] != GPU {
		t.Errorf("default for unlisted block wrong: %v", plan)
	}
	if _, ok := plan["block_9"]; ok {
		t.Error("unknown block from the plan file must be ignored")
	}
}

func TestLoadPlanMissingFileFallsBack(t *testing.T) {
	plan, err := LoadPlan("/nonexistent/plan.json", []string{"block_1"}, []string{"block_1"})
	if err != nil {
		t.Fatalf("missing plan file should not error: %v", err)
	}
	if plan["block_1"] != CPU {
		t.Errorf("fallback plan wrong: %v", plan)
	}
}

func TestLoadPlanRejectsInvalidWorker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(path, []byte(`{"block_1": "TPU"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPlan(path, []string{"block_1"}, nil); err == nil {
		t.Error("expected error for invalid worker name")
	}
}
