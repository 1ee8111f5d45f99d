package kvcache

import (
	"sync"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/metrics"
)

// Store is the process-wide session_id -> SessionKVCache map, bounded at
// MaxSessions entries with oldest-inserted eviction.
type Store struct {
	mu sync.Mutex

	maxSessions  int
	layers       []int
	kvHeads      int
	headDim      int
	pageCapacity int
	initialPages int

	sessions map[string]*SessionKVCache
	order    []string // insertion order, oldest first
}

// NewStore builds the bounded store. Every created session cache covers
// the same assigned layer range.
func NewStore(maxSessions int, layers []int, kvHeads, headDim, pageCapacity, initialPages int) *Store {
	return &Store{
		maxSessions:  maxSessions,
		layers:       append([]int(nil), layers...),
		kvHeads:      kvHeads,
		headDim:      headDim,
		pageCapacity: pageCapacity,
		initialPages: initialPages,
		sessions:     make(map[string]*SessionKVCache),
	}
}

// GetOrCreate returns the session's cache, creating it on first use. When
// creation would exceed the cap, the oldest-inserted session is evicted
// first.
func (s *Store) GetOrCreate(sessionID string) *SessionKVCache {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.sessions[sessionID]; ok {
		return c
	}

	for len(s.sessions) >= s.maxSessions && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.sessions, oldest)
		metrics.KVCacheEvictions.Inc()
		logger.Log.Info("evicted kv cache session", "session_id", oldest, "reason", "capacity")
	}

	c := NewSession(s.layers, s.kvHeads, s.headDim, s.pageCapacity, s.initialPages)
	s.sessions[sessionID] = c
	s.order = append(s.order, sessionID)
	s.publishStats()
	return c
}

// Get returns the session's cache without creating it.
func (s *Store) Get(sessionID string) (*SessionKVCache, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[sessionID]
	return c, ok
}

// Evict removes one session.
func (s *Store) Evict(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return
	}
	delete(s.sessions, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	metrics.KVCacheEvictions.Inc()
	s.publishStats()
}

// EvictOldestIfFull drops the oldest session when the store sits at
// capacity. Called by the executor at step completion with the session
// that just ran; that session is never the victim, it still needs its KV
// for the next step.
func (s *Store) EvictOldestIfFull(current string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) < s.maxSessions || len(s.order) == 0 {
		return "", false
	}
	oldest := s.order[0]
	if oldest == current {
		return "", false
	}
	s.order = s.order[1:]
	delete(s.sessions, oldest)
	metrics.KVCacheEvictions.Inc()
	s.publishStats()
	return oldest, true
}

// Len returns the number of cached sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close drops every session.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*SessionKVCache)
	s.order = nil
	s.publishStats()
}

// publishStats refreshes store-wide gauges. Caller holds s.mu.
func (s *Store) publishStats() {
	pages := 0
	for _, c := range s.sessions {
		pages += c.Metadata().TotalActivePages
	}
	metrics.RecordKVStats(len(s.sessions), pages)
}
