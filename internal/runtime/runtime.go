// Package runtime abstracts the native inference runtime behind small
// interfaces so the engine never links against a specific backend. The
// warm model cache constructs sessions through Backend; workers only see
// Session.Run.
package runtime

import (
	"context"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

// Device names a compute target for session construction.
type Device string

const (
	DeviceCPU Device = "CPU"
	DeviceGPU Device = "GPU"
)

// SessionOptions controls how a session is constructed from graph bytes.
type SessionOptions struct {
	// GraphOptimization enables baseline graph optimization. Pre-optimized
	// graphs are loaded with this off.
	GraphOptimization bool
	// ExternalDataDir resolves external weight references relative to the
	// model file, for the optimized external-data strategy.
	ExternalDataDir string
	// Initializers are injected before construction, for the zero-skeleton
	// strategy. The tensors must stay valid for the session's lifetime.
	Initializers map[string]*tensor.Tensor
	Device       Device
}

// Session is one loaded, runnable block graph.
type Session interface {
	// Run executes the graph. The returned map is keyed by output name;
	// backends that report positional outputs must normalize here, never
	// deeper in the pipeline.
	Run(ctx context.Context, inputs map[string]*tensor.Tensor, outputs []string) (map[string]*tensor.Tensor, error)
	Inputs() []config.TensorSpec
	Outputs() []config.TensorSpec
	Close() error
}

// Backend constructs sessions from decrypted graph bytes.
type Backend interface {
	NewSession(blockID string, graph []byte, opts SessionOptions) (Session, error)
}
