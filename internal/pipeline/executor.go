// Package pipeline runs one node's slice of the model chain. A step walks
// the assigned blocks in order, feeding each block from the propagating
// tensor map and the session KV cache, executing on the scheduled worker
// lane with one cross-worker fallback, and finally handing the result to
// the next node when the chain continues elsewhere.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/homf"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/kvcache"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/scheduler"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/telemetry"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

// gcEveryBlocks forces a collection periodically inside long chains so
// retired activation buffers do not pile up across blocks.
const gcEveryBlocks = 5

// Step statuses reported in responses and metrics.
const (
	StatusSuccess = "success"
	StatusPartial = "partial_success"
	StatusError   = "error"
)

// StepRequest is one decoded pipeline step for this node. TargetBlock is
// optional; when set it must name the first block of this node's chain.
type StepRequest struct {
	SessionID   string
	Step        int
	TargetBlock string
	Inputs      map[string]*tensor.Tensor
}

// FallbackEvent records one cross-worker retry.
type FallbackEvent struct {
	BlockID string           `json:"block_id"`
	From    scheduler.Worker `json:"from"`
	To      scheduler.Worker `json:"to"`
	Reason  string           `json:"reason"`
}

// FailedBlock describes one block skipped inside a partial step.
type FailedBlock struct {
	BlockID       string  `json:"block_id"`
	Error         string  `json:"error"`
	ExecutionTime float64 `json:"execution_time"`
}

// StepResult is the outcome of a step, local blocks plus anything the
// downstream chain contributed.
type StepResult struct {
	SessionID         string                    `json:"session_id"`
	Step              int                       `json:"step"`
	Status            string                    `json:"status"`
	Outputs           map[string]*tensor.Tensor `json:"-"`
	SuccessfulBlocks  []string                  `json:"successful_blocks"`
	FailedBlocks      []FailedBlock             `json:"failed_blocks"`
	ExecutionTimes    map[string]float64        `json:"execution_times"`
	TotalPipelineTime float64                   `json:"total_pipeline_time"`
	Fallbacks         []FallbackEvent           `json:"fallbacks,omitempty"`
	KVMetadata        kvcache.Metadata          `json:"kv_cache_metadata"`
	Forwarded         bool                      `json:"forwarded"`
	ForwardedTo       string                    `json:"forwarded_to,omitempty"`
}

// Forwarder hands a step to the node owning the next block. Implemented by
// the transport client; nil on terminal nodes.
type Forwarder interface {
	Forward(ctx context.Context, sessionID string, step int, targetBlock string, outputs map[string]*tensor.Tensor) (*StepResult, error)
}

// BlockRunner executes blocks. The shared map carries the step's
// cross-block tensors and is owned by the caller. Satisfied by *homf.Cache.
type BlockRunner interface {
	Execute(ctx context.Context, blockID string, inputs, shared map[string]*tensor.Tensor, requested []string) (map[string]*tensor.Tensor, homf.LoadInfo, error)
}

// Executor owns the per-step state machine.
type Executor struct {
	cfg      *config.Node
	meta     *config.ModelMeta
	cache    BlockRunner
	kv       *kvcache.Store
	sched    *scheduler.Scheduler
	registry *scheduler.Registry
	profiler *telemetry.Profiler
	forward  Forwarder

	pools           map[scheduler.Worker]*Pool
	memoryIntensive map[string]bool
	log             *logger.Logger
}

// NewExecutor wires the executor over its collaborators. profiler and
// forward may be nil; scheduling then degrades to the base plan and the
// node acts as terminal.
func NewExecutor(cfg *config.Node, meta *config.ModelMeta, cache BlockRunner, kv *kvcache.Store,
	sched *scheduler.Scheduler, registry *scheduler.Registry, profiler *telemetry.Profiler, forward Forwarder) *Executor {

	mem := make(map[string]bool, len(cfg.MemoryIntensiveBlocks))
	for _, b := range cfg.MemoryIntensiveBlocks {
		mem[b] = true
	}
	return &Executor{
		cfg:      cfg,
		meta:     meta,
		cache:    cache,
		kv:       kv,
		sched:    sched,
		registry: registry,
		profiler: profiler,
		forward:  forward,
		pools: map[scheduler.Worker]*Pool{
			scheduler.CPU: NewCPUPool(cfg.CPUWorkerThreads),
			scheduler.GPU: NewGPUPool(),
		},
		memoryIntensive: mem,
		log:             logger.Log.With("pipeline"),
	}
}

// Close drains both worker lanes.
func (e *Executor) Close() {
	for _, p := range e.pools {
		p.Close()
	}
}

// ExecuteStep runs the node's assigned blocks for one step. On success the
// result carries the final propagating tensors; when the chain continues on
// another node the downstream result is spliced in.
func (e *Executor) ExecuteStep(ctx context.Context, req *StepRequest) (*StepResult, error) {
	start := time.Now()
	if err := e.validate(req); err != nil {
		metrics.RecordStep("rejected", time.Since(start))
		return nil, err
	}

	kvSess := e.kv.GetOrCreate(req.SessionID)
	if req.Step == 0 {
		// A new prompt invalidates everything accumulated for the session.
		kvSess.ResetForNewPrompt()
	}

	// Shared tensors live exactly as long as this step. Steps of other
	// sessions interleave on the same executor and must never see them.
	shared := make(map[string]*tensor.Tensor)
	propagating := make(map[string]*tensor.Tensor, len(req.Inputs))
	for name, t := range req.Inputs {
		propagating[name] = t
	}

	res := &StepResult{
		SessionID:        req.SessionID,
		Step:             req.Step,
		SuccessfulBlocks: []string{},
		FailedBlocks:     []FailedBlock{},
		ExecutionTimes:   make(map[string]float64, len(e.cfg.AssignedBlocks)),
	}

	// abort finalizes a mid-chain failure: the partial result travels with
	// the error so callers still see what did run.
	abort := func(blockID string, err error) (*StepResult, error) {
		res.Status = StatusError
		res.FailedBlocks = append(res.FailedBlocks, FailedBlock{BlockID: blockID, Error: err.Error()})
		res.TotalPipelineTime = time.Since(start).Seconds()
		metrics.RecordStep("failed", time.Since(start))
		return res, err
	}

	for i, blockID := range e.cfg.AssignedBlocks {
		bm, ok := e.meta.Block(blockID)
		if !ok {
			return abort(blockID, &InputPreparationError{BlockID: blockID, Err: errors.New("no block metadata")})
		}
		if e.memoryIntensive[blockID] {
			goruntime.GC()
			goruntime.Gosched()
		}

		inputs, pastLen, err := e.prepareInputs(blockID, bm, propagating, shared, kvSess)
		if err != nil {
			return abort(blockID, err)
		}

		selected := e.selectWorker(blockID)
		out, dur, err := e.runOnWorker(ctx, blockID, selected, inputs, shared)
		if err != nil {
			if ctx.Err() != nil {
				metrics.RecordStep("canceled", time.Since(start))
				return nil, ctx.Err()
			}
			e.registry.RecordRun(blockID, dur, true)
			other := selected.Other()
			e.log.Warn("block failed, retrying on other worker",
				"block", blockID, "worker", string(selected), "fallback", string(other), "error", err)
			e.registry.RecordFallback(blockID)
			res.Fallbacks = append(res.Fallbacks, FallbackEvent{
				BlockID: blockID, From: selected, To: other, Reason: err.Error(),
			})

			out, dur, err = e.runOnWorker(ctx, blockID, other, inputs, shared)
			if err != nil {
				e.registry.RecordRun(blockID, dur, true)
				metrics.BlockFailures.WithLabelValues(blockID).Inc()
				lastLocal := i == len(e.cfg.AssignedBlocks)-1
				if isAllocFailure(err) && !(lastLocal && e.cfg.IsTerminal()) {
					// Downstream can still progress from the previous
					// block's output; record the gap and move on.
					res.FailedBlocks = append(res.FailedBlocks, FailedBlock{
						BlockID: blockID, Error: err.Error(), ExecutionTime: dur.Seconds(),
					})
					e.log.Error("block skipped after allocation failure on both workers",
						"block", blockID, "error", err)
					continue
				}
				return abort(blockID, err)
			}
			selected = other
		}

		e.registry.RecordRun(blockID, dur, false)
		metrics.RecordBlockExec(string(selected), dur)
		res.SuccessfulBlocks = append(res.SuccessfulBlocks, blockID)
		res.ExecutionTimes[blockID] = dur.Seconds()

		if err := e.mergeOutputs(blockID, bm, out, propagating, shared, kvSess, pastLen); err != nil {
			return abort(blockID, err)
		}
		if (i+1)%gcEveryBlocks == 0 {
			goruntime.GC()
		}
	}

	res.Outputs = propagating
	res.KVMetadata = kvSess.Metadata()
	if evicted, ok := e.kv.EvictOldestIfFull(req.SessionID); ok {
		e.log.Info("kv store at capacity, evicted oldest session", "session_id", evicted)
	}

	res.Status = StatusSuccess
	if len(res.FailedBlocks) > 0 {
		res.Status = StatusPartial
	}
	metrics.RecordStep(res.Status, time.Since(start))
	res.TotalPipelineTime = time.Since(start).Seconds()

	if e.forward != nil && !e.cfg.IsTerminal() && e.cfg.NextNode != "" {
		merged, err := e.forwardStep(ctx, req, res)
		merged.TotalPipelineTime = time.Since(start).Seconds()
		return merged, err
	}
	return res, nil
}

func (e *Executor) validate(req *StepRequest) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}
	if req.Step < 0 {
		return fmt.Errorf("invalid step %d", req.Step)
	}
	if len(req.Inputs) == 0 {
		return errors.New("step carries no input tensors")
	}
	if req.TargetBlock != "" && req.TargetBlock != e.cfg.AssignedBlocks[0] {
		return fmt.Errorf("step targets %s but this node's chain starts at %s",
			req.TargetBlock, e.cfg.AssignedBlocks[0])
	}
	for name, t := range req.Inputs {
		if t == nil {
			return fmt.Errorf("input %q is nil", name)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("input %q: %w", name, err)
		}
	}
	return nil
}

func (e *Executor) selectWorker(blockID string) scheduler.Worker {
	base := e.registry.Current(blockID)
	if e.sched == nil || e.profiler == nil {
		return base
	}
	return e.sched.SelectWorker(blockID, base, e.profiler.Latest())
}

// prepareInputs assembles a block's input map from the propagating tensors
// and the session KV cache. Shared tensors are left to the step-map union
// at run time. Returns the past token count fed to the block, -1 when the
// block reads no KV.
func (e *Executor) prepareInputs(blockID string, bm config.BlockMeta,
	propagating, shared map[string]*tensor.Tensor, kvSess *kvcache.SessionKVCache) (map[string]*tensor.Tensor, int, error) {

	inputs := make(map[string]*tensor.Tensor, len(bm.Inputs))
	pastLen := -1
	var pastKey, pastValue *tensor.Tensor

	retrieve := func() {
		if pastKey == nil {
			pastKey, pastValue = kvSess.Retrieve(bm.Layer)
			pastLen = pastKey.Dim(2)
		}
	}

	for _, spec := range bm.Inputs {
		name := spec.Name
		if t, ok := propagating[name]; ok {
			inputs[name] = t
			continue
		}
		switch {
		case strings.HasPrefix(name, "past_key"):
			if bm.Layer < 0 {
				return nil, 0, &InputPreparationError{BlockID: blockID, Name: name,
					Err: errors.New("block declares KV input but no attention layer")}
			}
			retrieve()
			inputs[name] = pastKey
		case strings.HasPrefix(name, "past_value"):
			if bm.Layer < 0 {
				return nil, 0, &InputPreparationError{BlockID: blockID, Name: name,
					Err: errors.New("block declares KV input but no attention layer")}
			}
			retrieve()
			inputs[name] = pastValue
		default:
			if _, ok := shared[name]; !ok {
				return nil, 0, &InputPreparationError{BlockID: blockID, Name: name,
					Err: errors.New("not provided and not produced by any prior block")}
			}
		}
	}
	return inputs, pastLen, nil
}

// runOnWorker dispatches one block execution to a worker lane under the
// per-block timeout.
func (e *Executor) runOnWorker(ctx context.Context, blockID string, w scheduler.Worker,
	inputs, shared map[string]*tensor.Tensor) (map[string]*tensor.Tensor, time.Duration, error) {

	pool, ok := e.pools[w]
	if !ok {
		return nil, 0, &WorkerExecutionError{BlockID: blockID, Worker: w, Err: errors.New("no such worker lane")}
	}
	tctx, cancel := context.WithTimeout(ctx, e.cfg.BlockTimeout)
	defer cancel()

	var out map[string]*tensor.Tensor
	start := time.Now()
	err := pool.Do(tctx, func(runCtx context.Context) error {
		o, _, err := e.cache.Execute(runCtx, blockID, inputs, shared, nil)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	d := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, d, &WorkerTimeoutError{BlockID: blockID, Worker: w, Timeout: e.cfg.BlockTimeout}
		}
		return nil, d, &WorkerExecutionError{BlockID: blockID, Worker: w, Err: err}
	}
	return out, d, nil
}

// mergeOutputs folds a block's outputs back into the step state: present-KV
// pairs append their new tokens to the session cache, shared tensors go to
// the step's shared map, everything else propagates by name to later blocks.
func (e *Executor) mergeOutputs(blockID string, bm config.BlockMeta, out map[string]*tensor.Tensor,
	propagating, shared map[string]*tensor.Tensor, kvSess *kvcache.SessionKVCache, pastLen int) error {

	var presentKey, presentValue *tensor.Tensor
	for name, t := range out {
		switch {
		case strings.HasPrefix(name, "present_key"):
			presentKey = t
		case strings.HasPrefix(name, "present_value"):
			presentValue = t
		case strings.HasPrefix(name, "global_"):
			shared[name] = t
		default:
			propagating[name] = t
		}
	}

	if presentKey == nil || presentValue == nil || bm.Layer < 0 {
		return nil
	}
	if pastLen < 0 {
		pastLen = 0
	}
	total := presentKey.Dim(2)
	if total <= pastLen {
		return nil
	}
	newKey, err := tensor.SliceSeq(presentKey, pastLen, total)
	if err != nil {
		return fmt.Errorf("block %s: slice present key: %w", blockID, err)
	}
	newValue, err := tensor.SliceSeq(presentValue, pastLen, total)
	if err != nil {
		return fmt.Errorf("block %s: slice present value: %w", blockID, err)
	}
	if err := kvSess.Store(bm.Layer, newKey, newValue); err != nil {
		return fmt.Errorf("block %s: store kv: %w", blockID, err)
	}
	return nil
}

// forwardStep hands the step result to the next node and splices its
// response into ours.
func (e *Executor) forwardStep(ctx context.Context, req *StepRequest, res *StepResult) (*StepResult, error) {
	fstart := time.Now()
	down, err := e.forward.Forward(ctx, req.SessionID, req.Step, e.cfg.NextBlock(), res.Outputs)
	metrics.ForwardDuration.Observe(time.Since(fstart).Seconds())
	if err != nil {
		metrics.ForwardingErrors.Inc()
		e.log.Error("forwarding failed", "next_node", e.cfg.NextNode, "error", err)
		res.Status = StatusError
		return res, &ForwardingError{Target: e.cfg.NextNode, Err: err}
	}

	merged := &StepResult{
		SessionID:        res.SessionID,
		Step:             res.Step,
		Status:           res.Status,
		Outputs:          down.Outputs,
		SuccessfulBlocks: append(append([]string{}, res.SuccessfulBlocks...), down.SuccessfulBlocks...),
		FailedBlocks:     append(append([]FailedBlock{}, res.FailedBlocks...), down.FailedBlocks...),
		ExecutionTimes:   make(map[string]float64, len(res.ExecutionTimes)+len(down.ExecutionTimes)),
		Fallbacks:        append(append([]FallbackEvent{}, res.Fallbacks...), down.Fallbacks...),
		KVMetadata:       res.KVMetadata,
		Forwarded:        true,
		ForwardedTo:      e.cfg.NextNode,
	}
	for k, v := range res.ExecutionTimes {
		merged.ExecutionTimes[k] = v
	}
	for k, v := range down.ExecutionTimes {
		merged.ExecutionTimes[k] = v
	}
	if down.Status == StatusPartial || len(merged.FailedBlocks) > 0 {
		merged.Status = StatusPartial
	}
	return merged, nil
}
