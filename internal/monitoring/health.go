// Package monitoring serves the node's observability surface on the
// metrics address: liveness, a detailed status document, Prometheus
// metrics, and a small alert log.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/scheduler"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/telemetry"
)

const (
	maxAlerts     = 100
	maxPerfPoints = 1000
)

// Alert is one operational event worth surfacing to an operator.
type Alert struct {
	Level      string     `json:"level"` // info, warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one completed pipeline step.
type PerfPoint struct {
	Timestamp time.Time
	Blocks    int
	Duration  time.Duration
}

// StatusSources are the live views the status document is assembled from.
// Any field may be nil; its section is then omitted.
type StatusSources struct {
	Telemetry   func() telemetry.Snapshot
	Assignments func() map[string]scheduler.RecordView
	WarmCache   func() int
	KVSessions  func() int
}

// SystemInfo is the process-level section of the status document.
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// PerformanceInfo summarizes the recent step history.
type PerformanceInfo struct {
	StepsRecorded int       `json:"steps_recorded"`
	BlocksPerSec  float64   `json:"blocks_per_second"`
	AvgStepMs     float64   `json:"avg_step_ms"`
	P95StepMs     float64   `json:"p95_step_ms"`
	LastStep      time.Time `json:"last_step"`
}

// NodeStatus is the full status document served at /status.
type NodeStatus struct {
	Status      string                          `json:"status"`
	NodeID      string                          `json:"node_id"`
	Timestamp   time.Time                       `json:"timestamp"`
	Uptime      time.Duration                   `json:"uptime"`
	System      SystemInfo                      `json:"system"`
	Telemetry   *telemetry.Snapshot             `json:"telemetry,omitempty"`
	Assignments map[string]scheduler.RecordView `json:"assignments,omitempty"`
	WarmCache   int                             `json:"warm_cache_sessions"`
	KVSessions  int                             `json:"kv_cache_sessions"`
	Performance PerformanceInfo                 `json:"performance"`
	Alerts      []Alert                         `json:"alerts"`
}

// HealthMonitor aggregates node state and serves it over HTTP.
type HealthMonitor struct {
	nodeID    string
	startTime time.Time
	sources   StatusSources
	server    *http.Server
	log       *logger.Logger

	mu          sync.RWMutex
	alerts      []Alert
	perfHistory []PerfPoint
	lastStep    time.Time
}

// NewHealthMonitor builds the monitor. Sources may be zero-valued.
func NewHealthMonitor(nodeID string, sources StatusSources) *HealthMonitor {
	return &HealthMonitor{
		nodeID:    nodeID,
		startTime: time.Now(),
		sources:   sources,
		log:       logger.Log.With("monitoring"),
	}
}

// Start serves the observability endpoints until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.log.Info("monitoring endpoints up", "addr", addr)
	err := hm.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (hm *HealthMonitor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Stop shuts the server down gracefully.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordPipelineStep feeds one completed step into the performance history
// and raises alerts on pathological durations.
func (hm *HealthMonitor) RecordPipelineStep(blocks int, duration time.Duration) {
	hm.mu.Lock()
	now := time.Now()
	hm.lastStep = now
	hm.perfHistory = append(hm.perfHistory, PerfPoint{Timestamp: now, Blocks: blocks, Duration: duration})
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if duration > 60*time.Second {
		hm.AddAlert("warning", "pipeline",
			fmt.Sprintf("slow step: %d blocks in %v", blocks, duration.Round(time.Millisecond)))
	}
}

// AddAlert appends an alert, dropping the oldest past the ring size.
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert marks one alert resolved by index.
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := hm.overallStatus()
	w.Header().Set("Content-Type", "application/json")
	if status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status,
		"node_id":   hm.nodeID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.buildStatus())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) overallStatus() string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			return "critical"
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}
	return status
}

func (hm *HealthMonitor) buildStatus() NodeStatus {
	st := NodeStatus{
		Status:      hm.overallStatus(),
		NodeID:      hm.nodeID,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Performance: hm.performanceInfo(),
	}
	if hm.sources.Telemetry != nil {
		snap := hm.sources.Telemetry()
		st.Telemetry = &snap
	}
	if hm.sources.Assignments != nil {
		st.Assignments = hm.sources.Assignments()
	}
	if hm.sources.WarmCache != nil {
		st.WarmCache = hm.sources.WarmCache()
	}
	if hm.sources.KVSessions != nil {
		st.KVSessions = hm.sources.KVSessions()
	}

	hm.mu.RLock()
	st.Alerts = append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()
	return st
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
	if m.Sys > 0 {
		info.MemoryUsagePct = float64(m.Alloc) / float64(m.Sys) * 100
	}
	return info
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	info := PerformanceInfo{
		StepsRecorded: len(hm.perfHistory),
		LastStep:      hm.lastStep,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalBlocks int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		totalBlocks += p.Blocks
		totalDuration += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}

	// Insertion sort is fine at this history size.
	for i := 1; i < len(latencies); i++ {
		for j := i; j > 0 && latencies[j-1] > latencies[j]; j-- {
			latencies[j-1], latencies[j] = latencies[j], latencies[j-1]
		}
	}
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	info.AvgStepMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95StepMs = latencies[p95]
	if totalDuration > 0 {
		info.BlocksPerSec = float64(totalBlocks) / totalDuration.Seconds()
	}
	return info
}
