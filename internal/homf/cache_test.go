package homf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/runtime"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

func sym(s string) config.Dim { return config.Dim{Size: -1, Symbol: s} }
func fix(n int) config.Dim    { return config.Dim{Size: n} }

func testMeta(blocks ...string) *config.ModelMeta {
	meta := &config.ModelMeta{
		NumKVHeads: 2,
		HeadDim:    4,
		NumLayers:  8,
		Blocks:     make(map[string]config.BlockMeta),
	}
	for i, id := range blocks {
		meta.Blocks[id] = config.BlockMeta{
			Layer: i,
			Inputs: []config.TensorSpec{
				{Name: "hidden", DType: "float32", Shape: []config.Dim{sym("batch"), sym("sequence"), fix(8)}},
				{Name: "global_mask", DType: "float32", Shape: []config.Dim{sym("batch"), sym("sequence")}},
				{Name: "past_key_" + id, DType: "float16", Shape: []config.Dim{fix(1), fix(2), sym("past_sequence"), fix(4)}},
			},
			Outputs: []config.TensorSpec{
				{Name: "hidden_out", DType: "float32", Shape: []config.Dim{sym("batch"), sym("sequence"), fix(8)}},
				{Name: "present_key_" + id, DType: "float16", Shape: []config.Dim{fix(1), fix(2), sym("total_sequence"), fix(4)}},
			},
		}
	}
	return meta
}

func writeStandard(t *testing.T, dir, block string) {
	t.Helper()
	path := filepath.Join(dir, block)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "model.onnx"), []byte("graph:"+block), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeOptimized(t *testing.T, dir, block string) {
	t.Helper()
	path := filepath.Join(dir, block, "optimized")
	if err := os.MkdirAll(filepath.Join(path, "weights"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "model.onnx"), []byte("opt:"+block), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeSkeleton(t *testing.T, dir, block string, corruptWeight bool) {
	t.Helper()
	path := filepath.Join(dir, block, "skeleton")
	if err := os.MkdirAll(filepath.Join(path, "weights"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "model_skeleton.onnx"), []byte("skel:"+block), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := weightsManifest{Weights: []manifestWeight{
		{Name: "w0", DType: "float32", Shape: []int{2, 3}, File: "w0.bin"},
	}}
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "weights_manifest.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	size := 2 * 3 * 4
	if corruptWeight {
		size = 5
	}
	if err := os.WriteFile(filepath.Join(path, "weights", "w0.bin"), make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testCache(t *testing.T, dir string, max int, blocks ...string) *Cache {
	t.Helper()
	cfg := config.Default()
	cfg.ModelDir = dir
	cfg.MaxWarmSessions = max
	c := New(cfg, runtime.NewRefBackend(testMeta(blocks...)), nil)
	t.Cleanup(c.Close)
	return c
}

func TestStrategyOrder(t *testing.T) {
	dir := t.TempDir()
	writeOptimized(t, dir, "block_1")
	writeSkeleton(t, dir, "block_1", false)
	writeStandard(t, dir, "block_1")
	writeSkeleton(t, dir, "block_2", false)
	writeStandard(t, dir, "block_2")
	writeStandard(t, dir, "block_3")

	c := testCache(t, dir, 4, "block_1", "block_2", "block_3")
	ctx := context.Background()

	want := map[string]string{
		"block_1": MethodOptimized,
		"block_2": MethodMmapZeroSkl,
		"block_3": MethodStandard,
	}
	for block, method := range want {
		_, info, err := c.GetSession(ctx, block)
		if err != nil {
			t.Fatalf("%s: %v", block, err)
		}
		if info.Method != method {
			t.Errorf("%s loaded via %s, want %s", block, info.Method, method)
		}
		if !info.WarmedUp {
			t.Errorf("%s not warmed up", block)
		}
	}
}

func TestWarmCacheHit(t *testing.T) {
	dir := t.TempDir()
	writeStandard(t, dir, "block_1")
	c := testCache(t, dir, 4, "block_1")
	ctx := context.Background()

	first, _, err := c.GetSession(ctx, "block_1")
	if err != nil {
		t.Fatal(err)
	}
	second, info, err := c.GetSession(ctx, "block_1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Method != MethodWarmHit {
		t.Errorf("second get should be a warm hit, got %s", info.Method)
	}
	if first != second {
		t.Error("warm hit must return the resident session")
	}
	if info.Duration <= 0 {
		t.Error("warm hit must report the cache access time")
	}
}

func TestLRUEvictionWithPromotion(t *testing.T) {
	dir := t.TempDir()
	for _, b := range []string{"block_1", "block_2", "block_3"} {
		writeStandard(t, dir, b)
	}
	c := testCache(t, dir, 2, "block_1", "block_2", "block_3")
	ctx := context.Background()

	mustGet := func(block string) LoadInfo {
		t.Helper()
		_, info, err := c.GetSession(ctx, block)
		if err != nil {
			t.Fatalf("%s: %v", block, err)
		}
		return info
	}

	mustGet("block_1")
	mustGet("block_2")
	mustGet("block_1") // promote block_1 to MRU
	mustGet("block_3") // evicts block_2

	if c.Len() != 2 {
		t.Fatalf("cache should hold 2 sessions, holds %d", c.Len())
	}
	if info := mustGet("block_1"); info.Method != MethodWarmHit {
		t.Errorf("promoted block_1 should survive, got %s", info.Method)
	}
	if info := mustGet("block_2"); info.Method == MethodWarmHit {
		t.Error("block_2 should have been evicted")
	}
}

func TestAllStrategiesFail(t *testing.T) {
	c := testCache(t, t.TempDir(), 4, "block_1")

	ls, _, err := c.GetSession(context.Background(), "block_1")
	if err == nil {
		t.Fatal("expected load failure for empty model dir")
	}
	if ls != nil {
		t.Error("failed load must return a nil session")
	}
	if c.FailedLoads() != 1 {
		t.Errorf("failed-loads counter = %d, want 1", c.FailedLoads())
	}
}

func TestSkeletonWeightMismatchFallsThrough(t *testing.T) {
	dir := t.TempDir()
	writeSkeleton(t, dir, "block_1", true)
	writeStandard(t, dir, "block_1")
	c := testCache(t, dir, 4, "block_1")

	_, info, err := c.GetSession(context.Background(), "block_1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Method != MethodStandard {
		t.Errorf("corrupt skeleton should fall through to standard load, got %s", info.Method)
	}
}

func TestDecryptorErrorsFailTheLoad(t *testing.T) {
	dir := t.TempDir()
	writeStandard(t, dir, "block_1")

	cfg := config.Default()
	cfg.ModelDir = dir
	cfg.MaxWarmSessions = 4
	calls := 0
	decrypt := func(_ string, _ []byte) ([]byte, error) {
		calls++
		return nil, errors.New("invalid session key")
	}
	c := New(cfg, runtime.NewRefBackend(testMeta("block_1")), decrypt)
	defer c.Close()

	if _, _, err := c.GetSession(context.Background(), "block_1"); err == nil {
		t.Fatal("decryptor failure must fail the load")
	}
	if calls == 0 {
		t.Error("decryptor was never called")
	}
}

func TestExecuteUnionsSharedInputs(t *testing.T) {
	dir := t.TempDir()
	writeStandard(t, dir, "block_1")
	c := testCache(t, dir, 4, "block_1")
	ctx := context.Background()

	inputs := map[string]*tensor.Tensor{
		"hidden":           tensor.New(tensor.Float32, 1, 3, 8),
		"past_key_block_1": tensor.New(tensor.Float16, 1, 2, 0, 4),
	}

	// Without the shared mask the block's declared input is missing.
	if _, _, err := c.Execute(ctx, "block_1", inputs, nil, nil); err == nil {
		t.Fatal("expected missing-input failure without shared tensor")
	}

	shared := map[string]*tensor.Tensor{"global_mask": tensor.New(tensor.Float32, 1, 3)}
	out, _, err := c.Execute(ctx, "block_1", inputs, shared, nil)
	if err != nil {
		t.Fatalf("execute with shared input: %v", err)
	}
	if _, ok := out["hidden_out"]; !ok {
		t.Error("missing hidden_out in results")
	}
	present := out["present_key_block_1"]
	if present == nil || present.Dim(2) != 3 {
		t.Errorf("present KV should cover 3 tokens, got %v", present)
	}
}

func TestExecuteCallerInputWins(t *testing.T) {
	dir := t.TempDir()
	writeStandard(t, dir, "block_1")
	c := testCache(t, dir, 4, "block_1")
	ctx := context.Background()

	// Shared tensor has the wrong dtype; the caller's correct tensor must
	// shadow it or the run fails dtype validation.
	shared := map[string]*tensor.Tensor{"global_mask": tensor.New(tensor.Int64, 1, 3)}
	inputs := map[string]*tensor.Tensor{
		"hidden":           tensor.New(tensor.Float32, 1, 3, 8),
		"global_mask":      tensor.New(tensor.Float32, 1, 3),
		"past_key_block_1": tensor.New(tensor.Float16, 1, 2, 0, 4),
	}
	if _, _, err := c.Execute(ctx, "block_1", inputs, shared, nil); err != nil {
		t.Fatalf("caller-provided input should win over shared: %v", err)
	}
}

func TestPurgeAll(t *testing.T) {
	dir := t.TempDir()
	writeStandard(t, dir, "block_1")
	c := testCache(t, dir, 4, "block_1")
	ctx := context.Background()

	if _, _, err := c.GetSession(ctx, "block_1"); err != nil {
		t.Fatal(err)
	}
	c.PurgeAll()

	if c.Len() != 0 {
		t.Errorf("purge left %d sessions", c.Len())
	}
	_, info, err := c.GetSession(ctx, "block_1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Method == MethodWarmHit {
		t.Error("reload after purge must be a cold load")
	}
}

func TestDummyInputShapes(t *testing.T) {
	specs := testMeta("block_1").Blocks["block_1"].Inputs
	dummies := dummyInputs(specs)

	hidden := dummies["hidden"]
	if got := hidden.Shape; got[0] != 1 || got[1] != 1 || got[2] != 8 {
		t.Errorf("dynamic batch/sequence should become 1: %v", got)
	}
	past := dummies["past_key_block_1"]
	if past.Dim(2) != 0 {
		t.Errorf("past sequence dim should become 0, got %v", past.Shape)
	}
	if past.DType != tensor.Float16 {
		t.Errorf("dtype not honored: %s", past.DType)
	}
}
