// Package homf is the warm-session subsystem: a per-block cache of loaded
// inference sessions with multi-strategy loading, LRU eviction under a
// session-count cap, and post-load warm-up.
package homf

import (
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/license"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/runtime"
)

// Load method tags. Only these distinguish the strategies to callers.
const (
	MethodWarmHit     = "warm_cache_hit"
	MethodOptimized   = "optimized_external"
	MethodMmapZeroSkl = "mmap_zeroskel"
	MethodStandard    = "standard_onnx"
)

// LoadInfo describes how a session was obtained, for observability only.
type LoadInfo struct {
	Method   string        `json:"method"`
	Format   string        `json:"load_format"`
	Duration time.Duration `json:"duration"`
	WarmedUp bool          `json:"warmed_up"`
}

// LoadedSession wraps one runnable block session together with everything
// that must outlive it: memory-mapped weight files and decrypted graph
// buffers. The cache owns it exclusively; Close releases the session
// before unmapping and wipes decrypted bytes.
type LoadedSession struct {
	BlockID  string
	Session  runtime.Session
	Method   string
	LoadTime time.Duration
	WarmupOK bool

	mmaps     []*runtime.MappedFile
	decrypted [][]byte
}

// Close releases the session handle first, then the mappings it may still
// reference, then wipes decrypted plaintext. Safe to call twice.
func (ls *LoadedSession) Close() error {
	var first error
	if ls.Session != nil {
		first = ls.Session.Close()
		ls.Session = nil
	}
	for _, m := range ls.mmaps {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	ls.mmaps = nil
	for _, buf := range ls.decrypted {
		license.Wipe(buf)
	}
	ls.decrypted = nil
	return first
}
