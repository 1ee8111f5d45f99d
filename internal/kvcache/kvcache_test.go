package kvcache

import (
	"fmt"
	"testing"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

func kvTokens(kvHeads, n, headDim int, fill float32) *tensor.Tensor {
	vals := make([]float32, kvHeads*n*headDim)
	for i := range vals {
		vals[i] = fill
	}
	return tensor.FromFloat16([]int{1, kvHeads, n, headDim}, vals)
}

func TestRetrieveFreshLayerReturnsEmpty(t *testing.T) {
	c := NewSession([]int{0, 1, 2}, 2, 4, 16, 1)

	for layer := 0; layer < 3; layer++ {
		k, v := c.Retrieve(layer)
		if k == nil || v == nil {
			t.Fatalf("layer %d: Retrieve returned nil", layer)
		}
		if k.Shape[2] != 0 || v.Shape[2] != 0 {
			t.Errorf("layer %d: expected seq len 0, got k=%d v=%d", layer, k.Shape[2], v.Shape[2])
		}
		if k.Shape[1] != 2 || k.Shape[3] != 4 {
			t.Errorf("layer %d: empty tensor shape wrong: %v", layer, k.Shape)
		}
	}
}

func TestStoreAndRetrieve(t *testing.T) {
	c := NewSession([]int{0}, 2, 4, 16, 1)

	if err := c.Store(0, kvTokens(2, 3, 4, 1.0), kvTokens(2, 3, 4, 2.0)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	k, v := c.Retrieve(0)
	if k.Shape[2] != 3 || v.Shape[2] != 3 {
		t.Errorf("expected 3 tokens, got k=%d v=%d", k.Shape[2], v.Shape[2])
	}
	if got := k.Float32s()[0]; got != 1.0 {
		t.Errorf("key payload wrong: %v", got)
	}
	if got := v.Float32s()[0]; got != 2.0 {
		t.Errorf("value payload wrong: %v", got)
	}
}

func TestStoreAllocatesPagesOnExhaustion(t *testing.T) {
	c := NewSession([]int{0}, 1, 2, 4, 1) // 4 tokens per page

	// 10 tokens -> 3 pages (4+4+2).
	if err := c.Store(0, kvTokens(1, 10, 2, 1), kvTokens(1, 10, 2, 1)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	md := c.Metadata()
	if md.TotalTokens != 10 {
		t.Errorf("expected 10 tokens, got %d", md.TotalTokens)
	}
	if md.TotalActivePages != 3 {
		t.Errorf("expected 3 active pages, got %d", md.TotalActivePages)
	}

	k, _ := c.Retrieve(0)
	if k.Shape[2] != 10 {
		t.Errorf("retrieve should stitch pages: got %d tokens", k.Shape[2])
	}
}

func TestStoreAppendsAcrossCalls(t *testing.T) {
	c := NewSession([]int{0}, 1, 2, 4, 1)

	for i := 0; i < 3; i++ {
		if err := c.Store(0, kvTokens(1, 2, 2, float32(i)), kvTokens(1, 2, 2, float32(i))); err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
	}
	k, _ := c.Retrieve(0)
	if k.Shape[2] != 6 {
		t.Errorf("expected 6 accumulated tokens, got %d", k.Shape[2])
	}
	// Order preserved: first stored tokens first.
	vals := k.Float32s()
	if vals[0] != 0 {
		t.Errorf("first token should hold fill 0, got %v", vals[0])
	}
}

func TestResetForNewPrompt(t *testing.T) {
	c := NewSession([]int{0, 1}, 2, 4, 16, 1)
	c.Store(0, kvTokens(2, 5, 4, 1), kvTokens(2, 5, 4, 1))
	c.Store(1, kvTokens(2, 5, 4, 1), kvTokens(2, 5, 4, 1))

	c.ResetForNewPrompt()

	for layer := 0; layer < 2; layer++ {
		k, _ := c.Retrieve(layer)
		if k.Shape[2] != 0 {
			t.Errorf("layer %d: expected seq len 0 after reset, got %d", layer, k.Shape[2])
		}
	}
	md := c.Metadata()
	if md.TotalTokens != 0 || md.TotalActivePages != 0 {
		t.Errorf("metadata not zeroed after reset: %+v", md)
	}

	// The cache object stays usable.
	if err := c.Store(0, kvTokens(2, 1, 4, 1), kvTokens(2, 1, 4, 1)); err != nil {
		t.Fatalf("Store after reset failed: %v", err)
	}
}

func TestStoreRejectsBadShapes(t *testing.T) {
	c := NewSession([]int{0}, 2, 4, 16, 1)

	if err := c.Store(5, kvTokens(2, 1, 4, 1), kvTokens(2, 1, 4, 1)); err == nil {
		t.Error("expected error for unassigned layer")
	}
	if err := c.Store(0, kvTokens(3, 1, 4, 1), kvTokens(3, 1, 4, 1)); err == nil {
		t.Error("expected error for kv head mismatch")
	}
	if err := c.Store(0, kvTokens(2, 2, 4, 1), kvTokens(2, 1, 4, 1)); err == nil {
		t.Error("expected error for key/value token count mismatch")
	}
}

func TestStoreConvertsFloat32(t *testing.T) {
	c := NewSession([]int{0}, 1, 2, 8, 1)
	f32 := tensor.FromFloat32([]int{1, 1, 1, 2}, []float32{0.5, 0.25})
	if err := c.Store(0, f32, f32); err != nil {
		t.Fatalf("Store fp32 failed: %v", err)
	}
	k, _ := c.Retrieve(0)
	if k.DType != tensor.Float16 {
		t.Errorf("cache should hold fp16, got %s", k.DType)
	}
	if got := k.Float32s()[0]; got != 0.5 {
		t.Errorf("converted payload wrong: %v", got)
	}
}

func TestStoreBoundedWithOldestEviction(t *testing.T) {
	s := NewStore(3, []int{0}, 2, 4, 16, 1)

	for i := 0; i < 3; i++ {
		s.GetOrCreate(fmt.Sprintf("s%d", i))
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 sessions, got %d", s.Len())
	}

	// Inserting past the cap evicts the oldest session id.
	s.GetOrCreate("s3")
	if s.Len() != 3 {
		t.Errorf("store exceeded cap: %d", s.Len())
	}
	if _, ok := s.Get("s0"); ok {
		t.Error("oldest session s0 should have been evicted")
	}
	if _, ok := s.Get("s3"); !ok {
		t.Error("new session s3 missing")
	}
}

func TestStoreGetOrCreateIsStable(t *testing.T) {
	s := NewStore(2, []int{0}, 2, 4, 16, 1)
	a := s.GetOrCreate("s1")
	b := s.GetOrCreate("s1")
	if a != b {
		t.Error("GetOrCreate should return the same cache for one session")
	}
}

func TestEvictOldestIfFull(t *testing.T) {
	s := NewStore(2, []int{0}, 2, 4, 16, 1)
	s.GetOrCreate("a")
	if _, evicted := s.EvictOldestIfFull("a"); evicted {
		t.Error("store below cap should not evict")
	}
	s.GetOrCreate("b")
	id, evicted := s.EvictOldestIfFull("b")
	if !evicted || id != "a" {
		t.Errorf("expected eviction of a, got %q %v", id, evicted)
	}
}

func TestEvictOldestIfFullSparesRunningSession(t *testing.T) {
	s := NewStore(1, []int{0}, 2, 4, 16, 1)
	c := s.GetOrCreate("a")
	if err := c.Store(0, tensor.New(tensor.Float16, 1, 2, 3, 4), tensor.New(tensor.Float16, 1, 2, 3, 4)); err != nil {
		t.Fatal(err)
	}

	// At cap of one the session that just ran is the oldest entry; evicting
	// it would drop its KV between consecutive steps.
	if id, evicted := s.EvictOldestIfFull("a"); evicted {
		t.Fatalf("evicted the running session %q", id)
	}
	got, ok := s.Get("a")
	if !ok {
		t.Fatal("session a gone from the store")
	}
	if got.Metadata().TotalTokens != 3 {
		t.Errorf("kv tokens = %d, want 3", got.Metadata().TotalTokens)
	}
}
