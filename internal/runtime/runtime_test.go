package runtime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

func testMeta() *config.ModelMeta {
	return &config.ModelMeta{
		NumKVHeads: 2,
		HeadDim:    4,
		NumLayers:  2,
		Blocks: map[string]config.BlockMeta{
			"block_2": {
				Layer: 0,
				Inputs: []config.TensorSpec{
					{Name: "hidden_states", DType: "float32", Shape: []config.Dim{{Size: -1, Symbol: "batch"}, {Size: -1, Symbol: "sequence"}, {Size: 8}}},
					{Name: "past_key_0", DType: "float16", Shape: []config.Dim{{Size: 1}, {Size: 2}, {Size: -1, Symbol: "past_sequence"}, {Size: 4}}},
				},
				Outputs: []config.TensorSpec{
					{Name: "hidden_states_out", DType: "float32", Shape: []config.Dim{{Size: -1, Symbol: "batch"}, {Size: -1, Symbol: "sequence"}, {Size: 8}}},
					{Name: "present_key_0", DType: "float16", Shape: []config.Dim{{Size: 1}, {Size: 2}, {Size: -1, Symbol: "total_sequence"}, {Size: 4}}},
				},
			},
		},
	}
}

func TestRefSessionShapes(t *testing.T) {
	b := NewRefBackend(testMeta())
	sess, err := b.NewSession("block_2", []byte("graph"), SessionOptions{})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer sess.Close()

	inputs := map[string]*tensor.Tensor{
		"hidden_states": tensor.New(tensor.Float32, 1, 3, 8),
		"past_key_0":    tensor.New(tensor.Float16, 1, 2, 5, 4),
	}
	out, err := sess.Run(context.Background(), inputs, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	hs := out["hidden_states_out"]
	if hs == nil || hs.Shape[1] != 3 {
		t.Errorf("hidden_states_out shape wrong: %+v", hs)
	}
	pk := out["present_key_0"]
	if pk == nil || pk.Shape[2] != 8 { // 5 past + 3 new
		t.Errorf("present_key_0 should cover past+new tokens: %+v", pk)
	}
}

func TestRefSessionDeterministic(t *testing.T) {
	b := NewRefBackend(testMeta())
	sess, _ := b.NewSession("block_2", []byte("graph"), SessionOptions{})
	defer sess.Close()

	inputs := map[string]*tensor.Tensor{
		"hidden_states": tensor.FromFloat32([]int{1, 1, 8}, make([]float32, 8)),
		"past_key_0":    tensor.New(tensor.Float16, 1, 2, 0, 4),
	}
	a, err := sess.Run(context.Background(), inputs, []string{"hidden_states_out"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c, err := sess.Run(context.Background(), inputs, []string{"hidden_states_out"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !bytes.Equal(a["hidden_states_out"].Data, c["hidden_states_out"].Data) {
		t.Error("identical inputs produced different outputs")
	}
}

func TestRefSessionMissingInput(t *testing.T) {
	b := NewRefBackend(testMeta())
	sess, _ := b.NewSession("block_2", []byte("graph"), SessionOptions{})
	defer sess.Close()

	_, err := sess.Run(context.Background(), map[string]*tensor.Tensor{}, nil)
	if err == nil {
		t.Error("expected error for missing required input")
	}
}

func TestRefSessionClosed(t *testing.T) {
	b := NewRefBackend(testMeta())
	sess, _ := b.NewSession("block_2", []byte("graph"), SessionOptions{})
	sess.Close()
	_, err := sess.Run(context.Background(), nil, nil)
	if err == nil {
		t.Error("expected error on closed session")
	}
}

func TestMappedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w0.bin")
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := MapFile(path)
	if err != nil {
		t.Fatalf("MapFile failed: %v", err)
	}
	if !bytes.Equal(m.Bytes(), payload) {
		t.Errorf("mapped bytes differ: %v", m.Bytes())
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	// Double close is a no-op.
	if err := m.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestMappedFileEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := MapFile(path)
	if err != nil {
		t.Fatalf("MapFile failed on empty file: %v", err)
	}
	if len(m.Bytes()) != 0 {
		t.Error("empty file should map to empty bytes")
	}
	m.Close()
}
