package homf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/license"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/runtime"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

// DecryptFn turns encrypted block bytes into plaintext graph bytes. The
// node binds the license gate's session credential into this closure; a
// passthrough is used for unencrypted distributions.
type DecryptFn func(blockID string, ciphertext []byte) ([]byte, error)

// LoadStrategy builds a session for one block from its on-disk layout.
// Strategies are tried in a fixed order; the first success wins.
type LoadStrategy interface {
	Name() string
	TryLoad(blockID string) (*LoadedSession, error)
}

func strategyChain(modelDir string, backend runtime.Backend, decrypt DecryptFn) []LoadStrategy {
	return []LoadStrategy{
		&optimizedExternal{dir: modelDir, backend: backend, decrypt: decrypt},
		&mmapZeroSkeleton{dir: modelDir, backend: backend, decrypt: decrypt},
		&standardLoad{dir: modelDir, backend: backend, decrypt: decrypt},
	}
}

// optimizedExternal loads a pre-optimized graph whose weights live as
// external data files beside it. Runtime graph optimization stays off so
// the offline optimization is not redone or undone.
type optimizedExternal struct {
	dir     string
	backend runtime.Backend
	decrypt DecryptFn
}

func (s *optimizedExternal) Name() string { return MethodOptimized }

func (s *optimizedExternal) TryLoad(blockID string) (*LoadedSession, error) {
	graphPath := filepath.Join(s.dir, blockID, "optimized", "model.onnx")
	weightsDir := filepath.Join(s.dir, blockID, "optimized", "weights")
	if _, err := os.Stat(graphPath); err != nil {
		return nil, err
	}
	if info, err := os.Stat(weightsDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("optimized graph %s has no weights directory", graphPath)
	}

	raw, err := os.ReadFile(graphPath)
	if err != nil {
		return nil, err
	}
	graph, err := s.decrypt(blockID, raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", blockID, err)
	}
	sess, err := s.backend.NewSession(blockID, graph, runtime.SessionOptions{
		GraphOptimization: false,
		ExternalDataDir:   weightsDir,
	})
	if err != nil {
		license.Wipe(graph)
		return nil, err
	}
	return &LoadedSession{
		BlockID:   blockID,
		Session:   sess,
		Method:    s.Name(),
		decrypted: [][]byte{graph},
	}, nil
}

// weightsManifest is the zero-skeleton sidecar listing every stripped
// initializer and the file holding its raw little-endian bytes.
type weightsManifest struct {
	Weights []manifestWeight `json:"weights"`
}

type manifestWeight struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	File  string `json:"file"`
}

// mmapZeroSkeleton loads a skeleton graph whose initializers were stripped
// to sidecar files. Each weight file is memory-mapped and copied into an
// owned tensor injected at construction; the mappings stay attached to the
// session so any zero-copy view the runtime kept remains valid until
// eviction.
type mmapZeroSkeleton struct {
	dir     string
	backend runtime.Backend
	decrypt DecryptFn
}

func (s *mmapZeroSkeleton) Name() string { return MethodMmapZeroSkl }

func (s *mmapZeroSkeleton) TryLoad(blockID string) (*LoadedSession, error) {
	skelPath := filepath.Join(s.dir, blockID, "skeleton", "model_skeleton.onnx")
	manifestPath := filepath.Join(s.dir, blockID, "skeleton", "weights_manifest.json")
	weightsDir := filepath.Join(s.dir, blockID, "skeleton", "weights")
	if _, err := os.Stat(skelPath); err != nil {
		return nil, err
	}

	rawManifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("skeleton %s has no weights manifest: %w", skelPath, err)
	}
	var manifest weightsManifest
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		return nil, fmt.Errorf("parse weights manifest %s: %w", manifestPath, err)
	}
	if len(manifest.Weights) == 0 {
		return nil, fmt.Errorf("weights manifest %s lists no weights", manifestPath)
	}

	rawGraph, err := os.ReadFile(skelPath)
	if err != nil {
		return nil, err
	}
	graph, err := s.decrypt(blockID, rawGraph)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", blockID, err)
	}

	var mmaps []*runtime.MappedFile
	cleanup := func() {
		for _, m := range mmaps {
			_ = m.Close()
		}
		license.Wipe(graph)
	}

	inits := make(map[string]*tensor.Tensor, len(manifest.Weights))
	for _, w := range manifest.Weights {
		dtype := tensor.DType(w.DType)
		if !dtype.Valid() {
			cleanup()
			return nil, fmt.Errorf("weight %s: unsupported dtype %q", w.Name, w.DType)
		}
		m, err := runtime.MapFile(filepath.Join(weightsDir, w.File))
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("map weight %s: %w", w.Name, err)
		}
		mmaps = append(mmaps, m)

		want := tensor.NumElems(w.Shape) * dtype.ItemSize()
		if len(m.Bytes()) != want {
			cleanup()
			return nil, fmt.Errorf("weight %s: file %s holds %d bytes, shape %v x %s needs %d",
				w.Name, w.File, len(m.Bytes()), w.Shape, w.DType, want)
		}
		inits[w.Name] = &tensor.Tensor{
			DType: dtype,
			Shape: append([]int(nil), w.Shape...),
			Data:  append([]byte(nil), m.Bytes()...),
		}
	}

	sess, err := s.backend.NewSession(blockID, graph, runtime.SessionOptions{
		GraphOptimization: false,
		Initializers:      inits,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	return &LoadedSession{
		BlockID:   blockID,
		Session:   sess,
		Method:    s.Name(),
		mmaps:     mmaps,
		decrypted: [][]byte{graph},
	}, nil
}

// standardLoad reads the plain model file and lets the runtime run its
// baseline graph optimization. Always the last resort.
type standardLoad struct {
	dir     string
	backend runtime.Backend
	decrypt DecryptFn
}

func (s *standardLoad) Name() string { return MethodStandard }

func (s *standardLoad) TryLoad(blockID string) (*LoadedSession, error) {
	path := filepath.Join(s.dir, blockID, "model.onnx")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	graph, err := s.decrypt(blockID, raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", blockID, err)
	}
	sess, err := s.backend.NewSession(blockID, graph, runtime.SessionOptions{
		GraphOptimization: true,
	})
	if err != nil {
		license.Wipe(graph)
		return nil, err
	}
	return &LoadedSession{
		BlockID:   blockID,
		Session:   sess,
		Method:    s.Name(),
		decrypted: [][]byte{graph},
	}, nil
}

// elapsedSince rounds a load duration for logging.
func elapsedSince(start time.Time) time.Duration {
	return time.Since(start).Round(time.Microsecond)
}
