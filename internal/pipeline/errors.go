package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/scheduler"
)

// WorkerTimeoutError reports a block execution that exceeded the per-block
// deadline on a worker.
type WorkerTimeoutError struct {
	BlockID string
	Worker  scheduler.Worker
	Timeout time.Duration
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("block %s timed out after %v on %s worker", e.BlockID, e.Timeout, e.Worker)
}

// WorkerExecutionError reports a block execution that failed on a worker
// for any reason other than a timeout.
type WorkerExecutionError struct {
	BlockID string
	Worker  scheduler.Worker
	Err     error
}

func (e *WorkerExecutionError) Error() string {
	return fmt.Sprintf("block %s failed on %s worker: %v", e.BlockID, e.Worker, e.Err)
}

func (e *WorkerExecutionError) Unwrap() error { return e.Err }

// InputPreparationError reports a block whose inputs could not be
// assembled from the propagating tensors and the KV cache.
type InputPreparationError struct {
	BlockID string
	Name    string
	Err     error
}

func (e *InputPreparationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("block %s: cannot prepare input %q: %v", e.BlockID, e.Name, e.Err)
	}
	return fmt.Sprintf("block %s: input preparation failed: %v", e.BlockID, e.Err)
}

func (e *InputPreparationError) Unwrap() error { return e.Err }

// ForwardingError reports a failed hand-off to the next node. It is kept
// distinct from execution errors so callers can tell a healthy local step
// with a dead downstream from a local failure.
type ForwardingError struct {
	Target string
	Err    error
}

func (e *ForwardingError) Error() string {
	return fmt.Sprintf("forward to %s failed: %v", e.Target, e.Err)
}

func (e *ForwardingError) Unwrap() error { return e.Err }

// isAllocFailure classifies runtime errors that come from transient
// allocation pressure. These are skippable on non-terminal blocks because
// the downstream node can still make progress from the prior block's
// output.
func isAllocFailure(err error) bool {
	if err == nil {
		return false
	}
	var timeout *WorkerTimeoutError
	if errors.As(err, &timeout) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "failed to allocate") ||
		strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "bad_alloc") ||
		strings.Contains(msg, "allocation failed")
}
