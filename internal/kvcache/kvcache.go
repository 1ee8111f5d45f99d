// Package kvcache holds attention key/value tensors from prior tokens,
// organized into fixed-capacity token pages per transformer layer, one
// cache per inference session.
package kvcache

import (
	"fmt"
	"sync"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

// page is one fixed token-capacity buffer for a layer's keys and values.
// Layout is [1, kvHeads, capacity, headDim] fp16; used counts the tokens
// written so far.
type page struct {
	key   *tensor.Tensor
	value *tensor.Tensor
	used  int
	cap   int
}

func newPage(kvHeads, capacity, headDim int) *page {
	return &page{
		key:   tensor.New(tensor.Float16, 1, kvHeads, capacity, headDim),
		value: tensor.New(tensor.Float16, 1, kvHeads, capacity, headDim),
		cap:   capacity,
	}
}

// writeTokens copies n tokens starting at src token offset from into the
// page at its current fill position. Returns tokens actually written.
func (p *page) writeTokens(k, v *tensor.Tensor, from, n int) int {
	free := p.cap - p.used
	if n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}
	kvHeads := p.key.Shape[1]
	headDim := p.key.Shape[3]
	row := headDim * tensor.Float16.ItemSize()

	srcSeq := k.Shape[2]
	for g := 0; g < kvHeads; g++ {
		srcOff := (g*srcSeq + from) * row
		dstOff := (g*p.cap + p.used) * row
		copy(p.key.Data[dstOff:dstOff+n*row], k.Data[srcOff:srcOff+n*row])
		copy(p.value.Data[dstOff:dstOff+n*row], v.Data[srcOff:srcOff+n*row])
	}
	p.used += n
	return n
}

// view returns the filled prefix of the page.
func (p *page) view() (*tensor.Tensor, *tensor.Tensor) {
	k, _ := tensor.SliceSeq(p.key, 0, p.used)
	v, _ := tensor.SliceSeq(p.value, 0, p.used)
	return k, v
}

// Metadata summarizes a session's cache occupancy for step responses.
type Metadata struct {
	TotalTokens      int `json:"total_tokens"`
	TotalActivePages int `json:"total_active_pages"`
}

// SessionKVCache is the per-session, per-layer paged cache. It is
// constructed with its full assigned layer range up front; pages are
// allocated lazily on first write for a layer.
type SessionKVCache struct {
	mu sync.Mutex

	layers       map[int]bool
	kvHeads      int
	headDim      int
	pageCapacity int
	initialPages int

	pages  map[int][]*page
	tokens map[int]int
}

// NewSession builds a cache covering the given layer indices.
func NewSession(layers []int, kvHeads, headDim, pageCapacity, initialPages int) *SessionKVCache {
	set := make(map[int]bool, len(layers))
	for _, l := range layers {
		set[l] = true
	}
	if initialPages < 1 {
		initialPages = 1
	}
	return &SessionKVCache{
		layers:       set,
		kvHeads:      kvHeads,
		headDim:      headDim,
		pageCapacity: pageCapacity,
		initialPages: initialPages,
		pages:        make(map[int][]*page),
		tokens:       make(map[int]int),
	}
}

// Retrieve returns the accumulated key/value tensors for a layer. A layer
// never written returns empty tensors of shape [1, kvHeads, 0, headDim],
// never nil — callers must handle the zero-length sequence dimension.
func (c *SessionKVCache) Retrieve(layer int) (*tensor.Tensor, *tensor.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pages := c.pages[layer]
	if len(pages) == 0 {
		empty := tensor.New(tensor.Float16, 1, c.kvHeads, 0, c.headDim)
		return empty, empty.Clone()
	}

	k, v := pages[0].view()
	for _, p := range pages[1:] {
		if p.used == 0 {
			continue
		}
		pk, pv := p.view()
		k, _ = tensor.ConcatSeq(k, pk)
		v, _ = tensor.ConcatSeq(v, pv)
	}
	return k, v
}

// Store appends newly produced key/value tokens for a layer, allocating a
// new page whenever the current page's capacity is exhausted.
func (c *SessionKVCache) Store(layer int, k, v *tensor.Tensor) error {
	if !c.layers[layer] {
		return fmt.Errorf("layer %d not assigned to this session cache", layer)
	}
	k, err := c.asCacheTensor(k)
	if err != nil {
		return fmt.Errorf("key for layer %d: %w", layer, err)
	}
	v, err = c.asCacheTensor(v)
	if err != nil {
		return fmt.Errorf("value for layer %d: %w", layer, err)
	}
	if k.Shape[2] != v.Shape[2] {
		return fmt.Errorf("key/value token counts differ: %d vs %d", k.Shape[2], v.Shape[2])
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pages[layer]) == 0 {
		for i := 0; i < c.initialPages; i++ {
			c.pages[layer] = append(c.pages[layer], newPage(c.kvHeads, c.pageCapacity, c.headDim))
		}
	}

	// Pages fill strictly in list order so Retrieve can stitch them back
	// by concatenation.
	n := k.Shape[2]
	written := 0
	for written < n {
		p := c.firstWritablePage(layer)
		if p == nil {
			p = newPage(c.kvHeads, c.pageCapacity, c.headDim)
			c.pages[layer] = append(c.pages[layer], p)
		}
		written += p.writeTokens(k, v, written, n-written)
	}
	c.tokens[layer] += n
	metrics.KVCacheTokensTotal.Add(float64(n))
	return nil
}

func (c *SessionKVCache) firstWritablePage(layer int) *page {
	for _, p := range c.pages[layer] {
		if p.used < p.cap {
			return p
		}
	}
	return nil
}

// asCacheTensor validates shape [1, kvHeads, n, headDim] and converts the
// payload to the cache's fp16 dtype when the block produced fp32.
func (c *SessionKVCache) asCacheTensor(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}
	if len(t.Shape) != 4 || t.Shape[1] != c.kvHeads || t.Shape[3] != c.headDim {
		return nil, fmt.Errorf("shape %v does not match [1, %d, n, %d]", t.Shape, c.kvHeads, c.headDim)
	}
	switch t.DType {
	case tensor.Float16:
		return t, nil
	case tensor.Float32:
		return tensor.FromFloat16(t.Shape, t.Float32s()), nil
	default:
		return nil, fmt.Errorf("unsupported kv dtype %s", t.DType)
	}
}

// ResetForNewPrompt clears all pages and token counters for every assigned
// layer. The session cache object itself stays allocated.
func (c *SessionKVCache) ResetForNewPrompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = make(map[int][]*page)
	c.tokens = make(map[int]int)
	metrics.KVCacheResets.Inc()
}

// Metadata reports total appended tokens and allocated pages holding data.
func (c *SessionKVCache) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()

	var md Metadata
	for _, n := range c.tokens {
		md.TotalTokens += n
	}
	for _, pages := range c.pages {
		for _, p := range pages {
			if p.used > 0 {
				md.TotalActivePages++
			}
		}
	}
	return md
}
