package scheduler

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
)

// Change is one assignment transition, kept for audit/debugging.
type Change struct {
	From   Worker    `json:"from"`
	To     Worker    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Stats accumulates execution outcomes per block.
type Stats struct {
	Runs      int           `json:"runs"`
	Errors    int           `json:"errors"`
	Fallbacks int           `json:"fallbacks"`
	TotalTime time.Duration `json:"total_time"`
}

type record struct {
	current Worker
	history []Change
	stats   Stats
}

// RecordView is the read-only export of one block's record.
type RecordView struct {
	Current Worker   `json:"current"`
	History []Change `json:"history"`
	Stats   Stats    `json:"stats"`
}

// Registry holds the per-block assignment records. Every block in the
// chain order has exactly one current assignment at all times.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record
	log     *logger.Logger
}

// NewRegistry seeds one record per block from the base plan.
func NewRegistry(plan map[string]Worker) *Registry {
	r := &Registry{
		records: make(map[string]*record, len(plan)),
		log:     logger.Log.With("scheduler"),
	}
	for block, w := range plan {
		r.records[block] = &record{current: w}
	}
	return r
}

// Assign moves a block to a worker, recording the change and its reason.
func (r *Registry) Assign(blockID string, to Worker, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[blockID]
	if !ok {
		rec = &record{current: to}
		r.records[blockID] = rec
		return
	}
	if rec.current == to {
		return
	}
	change := Change{From: rec.current, To: to, Reason: reason, At: time.Now()}
	rec.history = append(rec.history, change)
	rec.current = to

	metrics.AssignmentChanges.WithLabelValues(reason).Inc()
	r.log.Info("block reassigned",
		"block", blockID, "from", string(change.From), "to", string(to), "reason", reason)
}

// Current returns the block's current assignment, defaulting to CPU for
// unknown blocks so execution always has a worker.
func (r *Registry) Current(blockID string) Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[blockID]; ok {
		return rec.current
	}
	return CPU
}

// RecordRun accumulates one execution outcome.
func (r *Registry) RecordRun(blockID string, d time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[blockID]
	if !ok {
		return
	}
	rec.stats.Runs++
	rec.stats.TotalTime += d
	if failed {
		rec.stats.Errors++
	}
}

// RecordFallback counts a cross-worker fallback event.
func (r *Registry) RecordFallback(blockID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[blockID]; ok {
		rec.stats.Fallbacks++
	}
	metrics.WorkerFallbacks.WithLabelValues(blockID).Inc()
}

// Snapshot exports every record for observability endpoints.
func (r *Registry) Snapshot() map[string]RecordView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RecordView, len(r.records))
	for block, rec := range r.records {
		out[block] = RecordView{
			Current: rec.current,
			History: append([]Change(nil), rec.history...),
			Stats:   rec.stats,
		}
	}
	return out
}

// DefaultPlan generates the fallback base plan: memory-intensive blocks
// run on CPU, everything else on GPU.
func DefaultPlan(chain []string, memoryIntensive []string) map[string]Worker {
	mem := toSet(memoryIntensive)
	plan := make(map[string]Worker, len(chain))
	for _, b := range chain {
		if mem[b] {
			plan[b] = CPU
		} else {
			plan[b] = GPU
		}
	}
	return plan
}

// LoadPlan reads the profiling-derived execution plan file and overlays it
// on the default plan. A missing path or file falls back to the default.
func LoadPlan(path string, chain []string, memoryIntensive []string) (map[string]Worker, error) {
	plan := DefaultPlan(chain, memoryIntensive)
	if path == "" {
		return plan, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Log.Warn("execution plan file missing, using default plan", "path", path)
			return plan, nil
		}
		return nil, fmt.Errorf("read execution plan %s: %w", path, err)
	}

	var file map[string]string
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse execution plan %s: %w", path, err)
	}
	for block, w := range file {
		if _, known := plan[block]; !known {
			continue
		}
		switch Worker(w) {
		case CPU, GPU:
			plan[block] = Worker(w)
		default:
			return nil, fmt.Errorf("execution plan %s: block %s has invalid worker %q", path, block, w)
		}
	}
	return plan, nil
}
