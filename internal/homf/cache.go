package homf

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/runtime"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

const warmupRuns = 3

// Cache keeps up to MaxWarmSessions loaded block sessions resident. A hit
// returns in microseconds; a miss walks the strategy chain, warms the new
// session up, and inserts it, evicting the least-recently-used entry when
// the cap is reached.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*LoadedSession
	order   []string // LRU order, least recently used first
	loading map[string]chan struct{}
	failed  int

	strategies []LoadStrategy
	log        *logger.Logger
}

// New builds the cache over a model directory and a runtime backend.
func New(cfg *config.Node, backend runtime.Backend, decrypt DecryptFn) *Cache {
	if decrypt == nil {
		decrypt = func(_ string, ciphertext []byte) ([]byte, error) {
			return ciphertext, nil
		}
	}
	return &Cache{
		max:        cfg.MaxWarmSessions,
		entries:    make(map[string]*LoadedSession),
		loading:    make(map[string]chan struct{}),
		strategies: strategyChain(cfg.ModelDir, backend, decrypt),
		log:        logger.Log.With("homf"),
	}
}

// GetSession returns a warm session for the block, loading it cold if
// needed. The returned session stays owned by the cache; callers must not
// Close it. A nil session with a non-nil error means every strategy
// failed.
func (c *Cache) GetSession(ctx context.Context, blockID string) (*LoadedSession, LoadInfo, error) {
	start := time.Now()
	for {
		c.mu.Lock()
		if ls, ok := c.entries[blockID]; ok {
			c.promote(blockID)
			c.mu.Unlock()
			metrics.WarmCacheHits.Inc()
			// A hit's load time is the cache access itself.
			return ls, LoadInfo{Method: MethodWarmHit, Format: ls.Method, Duration: time.Since(start), WarmedUp: ls.WarmupOK}, nil
		}
		ch, inFlight := c.loading[blockID]
		if !inFlight {
			ch = make(chan struct{})
			c.loading[blockID] = ch
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		// Another goroutine is loading this block; wait and retry.
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, LoadInfo{}, ctx.Err()
		}
	}

	metrics.WarmCacheMisses.Inc()
	ls, err := c.loadCold(ctx, blockID)

	c.mu.Lock()
	close(c.loading[blockID])
	delete(c.loading, blockID)
	if err != nil {
		c.failed++
		c.mu.Unlock()
		return nil, LoadInfo{}, err
	}
	c.insert(blockID, ls)
	c.mu.Unlock()

	info := LoadInfo{
		Method:   ls.Method,
		Format:   ls.Method,
		Duration: ls.LoadTime,
		WarmedUp: ls.WarmupOK,
	}
	return ls, info, nil
}

// loadCold walks the strategy chain and warms up the first session built.
func (c *Cache) loadCold(ctx context.Context, blockID string) (*LoadedSession, error) {
	start := time.Now()
	var lastErr error
	for _, s := range c.strategies {
		ls, err := s.TryLoad(blockID)
		if err != nil {
			if !os.IsNotExist(err) {
				metrics.ModelLoadFailures.WithLabelValues(s.Name()).Inc()
				c.log.Warn("load strategy failed",
					"block", blockID, "strategy", s.Name(), "error", err)
			}
			lastErr = err
			continue
		}
		ls.LoadTime = elapsedSince(start)
		ls.WarmupOK = c.warmUp(ctx, ls)
		metrics.RecordLoad(ls.Method, ls.LoadTime)
		c.log.Info("block loaded",
			"block", blockID, "method", ls.Method,
			"duration", ls.LoadTime, "warmed_up", ls.WarmupOK)
		return ls, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no load strategy configured")
	}
	return nil, fmt.Errorf("all load strategies failed for %s: %w", blockID, lastErr)
}

// warmUp runs the session on zero-filled dummy inputs so allocator pools
// and kernels are primed before the first real request. Any single
// successful run counts; a fully failed warm-up keeps the session usable
// but is recorded.
func (c *Cache) warmUp(ctx context.Context, ls *LoadedSession) bool {
	inputs := dummyInputs(ls.Session.Inputs())
	names := make([]string, 0, len(ls.Session.Outputs()))
	for _, spec := range ls.Session.Outputs() {
		names = append(names, spec.Name)
	}

	ok := false
	for i := 0; i < warmupRuns; i++ {
		if _, err := ls.Session.Run(ctx, inputs, names); err != nil {
			c.log.Debug("warm-up run failed",
				"block", ls.BlockID, "run", i+1, "error", err)
			continue
		}
		ok = true
	}
	if !ok {
		metrics.WarmupFailures.Inc()
		c.log.Warn("all warm-up runs failed", "block", ls.BlockID)
	}
	return ok
}

// dummyInputs synthesizes minimal tensors for the declared input specs:
// dynamic batch and sequence dims become 1, past-KV sequence dims become 0
// so the warm-up models a fresh prompt.
func dummyInputs(specs []config.TensorSpec) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(specs))
	for _, spec := range specs {
		shape := make([]int, len(spec.Shape))
		for i, d := range spec.Shape {
			switch {
			case d.Fixed():
				shape[i] = d.Size
			case strings.Contains(d.Symbol, "past"):
				shape[i] = 0
			default:
				shape[i] = 1
			}
		}
		dtype := tensor.DType(spec.DType)
		if !dtype.Valid() {
			dtype = tensor.Float32
		}
		out[spec.Name] = tensor.New(dtype, shape...)
	}
	return out
}

// insert adds a fresh entry, evicting the LRU entry when full. Caller
// holds c.mu.
func (c *Cache) insert(blockID string, ls *LoadedSession) {
	if c.max > 0 && len(c.entries) >= c.max {
		victim := c.order[0]
		c.order = c.order[1:]
		old := c.entries[victim]
		delete(c.entries, victim)
		if err := old.Close(); err != nil {
			c.log.Warn("evicted session close failed", "block", victim, "error", err)
		}
		metrics.WarmCacheEvictions.Inc()
		c.log.Info("warm session evicted", "block", victim, "for", blockID)
	}
	c.entries[blockID] = ls
	c.order = append(c.order, blockID)
	metrics.WarmCacheSessions.Set(float64(len(c.entries)))
}

// promote moves a block to the most-recently-used position. Caller holds
// c.mu.
func (c *Cache) promote(blockID string) {
	for i, id := range c.order {
		if id == blockID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, blockID)
			return
		}
	}
}

// Execute runs a block with the caller's inputs unioned with any shared
// tensors the session declares but the caller did not provide. The shared
// map belongs to the calling step; entries in it never outlive the step or
// leak into another session's step. Caller-provided tensors always win. A
// nil requested list runs all declared outputs.
func (c *Cache) Execute(ctx context.Context, blockID string, inputs, shared map[string]*tensor.Tensor, requested []string) (map[string]*tensor.Tensor, LoadInfo, error) {
	ls, info, err := c.GetSession(ctx, blockID)
	if err != nil {
		return nil, info, err
	}

	run := make(map[string]*tensor.Tensor, len(inputs))
	for k, v := range inputs {
		run[k] = v
	}
	for _, spec := range ls.Session.Inputs() {
		if _, have := run[spec.Name]; have {
			continue
		}
		if t, ok := shared[spec.Name]; ok {
			run[spec.Name] = t
		}
	}

	if requested == nil {
		for _, spec := range ls.Session.Outputs() {
			requested = append(requested, spec.Name)
		}
	}
	out, err := ls.Session.Run(ctx, run, requested)
	if err != nil {
		return nil, info, fmt.Errorf("run %s: %w", blockID, err)
	}
	return out, info, nil
}

// Evict drops one block's session, closing it and wiping its buffers.
func (c *Cache) Evict(blockID string) {
	c.mu.Lock()
	ls, ok := c.entries[blockID]
	if ok {
		delete(c.entries, blockID)
		for i, id := range c.order {
			if id == blockID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		metrics.WarmCacheEvictions.Inc()
		metrics.WarmCacheSessions.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()
	if ok {
		_ = ls.Close()
	}
}

// PurgeAll drops every resident session. The license gate's revocation
// callback lands here.
func (c *Cache) PurgeAll() {
	c.mu.Lock()
	victims := make([]*LoadedSession, 0, len(c.entries))
	for _, ls := range c.entries {
		victims = append(victims, ls)
	}
	c.entries = make(map[string]*LoadedSession)
	c.order = nil
	metrics.WarmCacheSessions.Set(0)
	c.mu.Unlock()

	for _, ls := range victims {
		_ = ls.Close()
	}
}

// Close releases all resident sessions.
func (c *Cache) Close() {
	c.PurgeAll()
}

// Len returns the number of resident sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FailedLoads returns how many GetSession calls exhausted every strategy.
func (c *Cache) FailedLoads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}
