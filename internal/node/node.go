// Package node assembles one pipeline node from its parts: model cache,
// KV store, telemetry, scheduler, license gate, executor, and the HTTP
// surfaces.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/homf"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/kvcache"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/license"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/monitoring"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/pipeline"
	rt "github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/runtime"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/scheduler"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/telemetry"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/transport"
)

// Options inject the deployment-specific collaborators. Every field may be
// nil: the node then runs with the reference backend, a static GPU probe,
// offline licensing, and unencrypted blocks.
type Options struct {
	Backend rt.Backend
	GPU     telemetry.GPUProber
	Check   license.CheckFunc
	Decrypt license.Decryptor
}

// Runtime is one fully wired node.
type Runtime struct {
	cfg      *config.Node
	meta     *config.ModelMeta
	cache    *homf.Cache
	kv       *kvcache.Store
	registry *scheduler.Registry
	profiler *telemetry.Profiler
	gate     *license.Gate
	executor *pipeline.Executor
	server   *transport.Server
	monitor  *monitoring.HealthMonitor
	log      *logger.Logger
}

// New validates the config, loads the model metadata, and wires the node.
func New(cfg *config.Node, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	meta, err := config.LoadModelMeta(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	var layers []int
	for _, blockID := range cfg.AssignedBlocks {
		bm, ok := meta.Block(blockID)
		if !ok {
			return nil, fmt.Errorf("assigned block %s missing from model metadata", blockID)
		}
		if bm.Layer >= 0 {
			layers = append(layers, bm.Layer)
		}
	}

	backend := opts.Backend
	if backend == nil {
		backend = rt.NewRefBackend(meta)
	}

	gate := license.NewGate(opts.Check, cfg.LicenseRecheckInterval)
	auth := gate.Authorize(cfg.NodeID)
	decrypt := opts.Decrypt
	if decrypt == nil {
		decrypt = license.Passthrough
	}
	cache := homf.New(cfg, backend, func(blockID string, ciphertext []byte) ([]byte, error) {
		if _, ok := gate.Authorized(cfg.NodeID); !ok {
			return nil, &license.Error{SessionID: cfg.NodeID, Reason: "node grant revoked"}
		}
		return decrypt(blockID, ciphertext, auth)
	})
	gate.OnRevoke(func(sessionID string) {
		if sessionID == cfg.NodeID {
			cache.PurgeAll()
		}
	})

	kv := kvcache.NewStore(cfg.MaxCachedSessionsKV, layers,
		meta.NumKVHeads, meta.HeadDim, cfg.KVPageCapacityTokens, cfg.InitialKVPages)

	plan, err := scheduler.LoadPlan(cfg.ExecutionPlanPath, cfg.AssignedBlocks, cfg.MemoryIntensiveBlocks)
	if err != nil {
		return nil, err
	}
	registry := scheduler.NewRegistry(plan)
	sched := scheduler.New(cfg, registry)
	profiler := telemetry.NewProfiler(cfg.ProfilerInterval, opts.GPU)

	var forwarder pipeline.Forwarder
	if cfg.NextNode != "" && !cfg.IsTerminal() {
		forwarder = transport.NewClient(cfg.NextNode, cfg.ForwardTimeout)
	}
	executor := pipeline.NewExecutor(cfg, meta, cache, kv, sched, registry, profiler, forwarder)

	monitor := monitoring.NewHealthMonitor(cfg.NodeID, monitoring.StatusSources{
		Telemetry:   profiler.Latest,
		Assignments: registry.Snapshot,
		WarmCache:   cache.Len,
		KVSessions:  kv.Len,
	})
	server := transport.NewServer(cfg, &recordingHandler{exec: executor, monitor: monitor})

	return &Runtime{
		cfg:      cfg,
		meta:     meta,
		cache:    cache,
		kv:       kv,
		registry: registry,
		profiler: profiler,
		gate:     gate,
		executor: executor,
		server:   server,
		monitor:  monitor,
		log:      logger.Log.With("node"),
	}, nil
}

// recordingHandler feeds step outcomes into the health monitor on the way
// through to the executor.
type recordingHandler struct {
	exec    *pipeline.Executor
	monitor *monitoring.HealthMonitor
}

func (h *recordingHandler) ExecuteStep(ctx context.Context, req *pipeline.StepRequest) (*pipeline.StepResult, error) {
	start := time.Now()
	res, err := h.exec.ExecuteStep(ctx, req)
	if err != nil {
		h.monitor.AddAlert("error", "pipeline", err.Error())
		return res, err
	}
	h.monitor.RecordPipelineStep(len(res.SuccessfulBlocks), time.Since(start))
	return res, nil
}

// Handler exposes the step handler, mainly for tests.
func (r *Runtime) Handler() transport.StepHandler {
	return &recordingHandler{exec: r.executor, monitor: r.monitor}
}

// Gate exposes the license gate.
func (r *Runtime) Gate() *license.Gate { return r.gate }

// WarmSessions reports resident warm sessions.
func (r *Runtime) WarmSessions() int { return r.cache.Len() }

// Start runs the node until the context is canceled. The pipeline server
// is the foreground; telemetry, license re-checks, and the monitoring
// server run in the background.
func (r *Runtime) Start(ctx context.Context) error {
	r.profiler.Start()
	r.gate.Start()
	go func() {
		if err := r.monitor.Start(r.cfg.MetricsAddr); err != nil {
			r.log.Error("monitoring server failed", "error", err)
		}
	}()

	r.log.Info("node starting",
		"node_id", r.cfg.NodeID,
		"blocks", fmt.Sprintf("%v", r.cfg.AssignedBlocks),
		"terminal", r.cfg.IsTerminal(),
		"next_node", r.cfg.NextNode)
	return r.server.Start(ctx)
}

// Shutdown releases everything in reverse dependency order.
func (r *Runtime) Shutdown(ctx context.Context) {
	if err := r.monitor.Stop(ctx); err != nil {
		r.log.Warn("monitor shutdown", "error", err)
	}
	r.executor.Close()
	r.gate.Close()
	r.profiler.Close()
	r.kv.Close()
	r.cache.Close()
	r.log.Info("node stopped", "node_id", r.cfg.NodeID)
}
