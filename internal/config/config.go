package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Node is the full runtime configuration of one pipeline node. It is built
// from a network-config file plus CLI flag overrides and validated once at
// startup; a validation failure is fatal.
type Node struct {
	NodeID      string `json:"node_id" yaml:"node_id"`
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// AssignedBlocks is this node's contiguous, ordered slice of the model
	// chain. ChainOrder is the full model chain across all nodes.
	AssignedBlocks []string `json:"assigned_blocks" yaml:"assigned_blocks"`
	ChainOrder     []string `json:"chain_order" yaml:"chain_order"`
	// NextNode is the host:port of the node owning the block after our
	// last one. Empty when our chain ends the model.
	NextNode string `json:"next_node" yaml:"next_node"`

	ModelDir          string `json:"model_dir" yaml:"model_dir"`
	MetadataPath      string `json:"metadata_path" yaml:"metadata_path"`
	ExecutionPlanPath string `json:"execution_plan_path" yaml:"execution_plan_path"`

	MaxWarmSessions      int `json:"max_warm_sessions" yaml:"max_warm_sessions"`
	KVPageCapacityTokens int `json:"kv_page_capacity_tokens" yaml:"kv_page_capacity_tokens"`
	InitialKVPages       int `json:"initial_kv_pages" yaml:"initial_kv_pages"`
	MaxCachedSessionsKV  int `json:"max_cached_sessions_kv" yaml:"max_cached_sessions_kv"`

	AdaptiveScheduling bool          `json:"adaptive_scheduling" yaml:"adaptive_scheduling"`
	ProfilerInterval   time.Duration `json:"profiler_interval" yaml:"profiler_interval"`
	MemoryHighWaterPct float64       `json:"memory_high_water_pct" yaml:"memory_high_water_pct"`

	// Block lists are configuration, not derived from tensor sizes. The
	// defaults match the reference 33-block model shape.
	ForceCPUBlocks        []string `json:"force_cpu_blocks" yaml:"force_cpu_blocks"`
	MemoryIntensiveBlocks []string `json:"memory_intensive_blocks" yaml:"memory_intensive_blocks"`
	LargeBlocksLimitedGPU []string `json:"large_blocks_limited_gpu" yaml:"large_blocks_limited_gpu"`
	TailBlocksForcedCPU   []string `json:"tail_blocks_forced_cpu" yaml:"tail_blocks_forced_cpu"`

	BlockTimeout     time.Duration `json:"block_timeout" yaml:"block_timeout"`
	ForwardTimeout   time.Duration `json:"forward_timeout" yaml:"forward_timeout"`
	CPUWorkerThreads int           `json:"cpu_worker_threads" yaml:"cpu_worker_threads"`

	LicenseRecheckInterval time.Duration `json:"license_recheck_interval" yaml:"license_recheck_interval"`
}

// Default returns a Node with the reference configuration values. Callers
// overlay file and flag values on top.
func Default() *Node {
	return &Node{
		Host:                   "0.0.0.0",
		Port:                   8702,
		MetricsAddr:            ":9090",
		MaxWarmSessions:        4,
		KVPageCapacityTokens:   512,
		InitialKVPages:         1,
		MaxCachedSessionsKV:    8,
		AdaptiveScheduling:     true,
		ProfilerInterval:       500 * time.Millisecond,
		MemoryHighWaterPct:     85.0,
		ForceCPUBlocks:         []string{"block_33"},
		MemoryIntensiveBlocks:  []string{"block_1", "block_32", "block_33"},
		TailBlocksForcedCPU:    []string{"block_32", "block_33"},
		BlockTimeout:           120 * time.Second,
		ForwardTimeout:         20 * time.Minute,
		CPUWorkerThreads:       2,
		LicenseRecheckInterval: 5 * time.Minute,
	}
}

// Load reads a node config file. The format is chosen by extension:
// .yaml/.yml via yaml.v3, anything else as JSON.
func Load(path string) (*Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse json config %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (c *Node) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("invalid node_id: must be non-empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if len(c.AssignedBlocks) == 0 {
		return fmt.Errorf("invalid assigned_blocks: node owns no blocks")
	}
	if len(c.ChainOrder) == 0 {
		return fmt.Errorf("invalid chain_order: must list the full model chain")
	}
	if err := c.validateChain(); err != nil {
		return err
	}
	if c.MaxWarmSessions <= 0 {
		return fmt.Errorf("invalid max_warm_sessions: %d (must be positive)", c.MaxWarmSessions)
	}
	if c.KVPageCapacityTokens <= 0 {
		return fmt.Errorf("invalid kv_page_capacity_tokens: %d (must be positive)", c.KVPageCapacityTokens)
	}
	if c.InitialKVPages < 0 {
		return fmt.Errorf("invalid initial_kv_pages: %d (must be non-negative)", c.InitialKVPages)
	}
	if c.MaxCachedSessionsKV <= 0 {
		return fmt.Errorf("invalid max_cached_sessions_kv: %d (must be positive)", c.MaxCachedSessionsKV)
	}
	if c.MemoryHighWaterPct <= 0 || c.MemoryHighWaterPct > 100 {
		return fmt.Errorf("invalid memory_high_water_pct: %f", c.MemoryHighWaterPct)
	}
	if c.ProfilerInterval <= 0 {
		return fmt.Errorf("invalid profiler_interval: %v (must be positive)", c.ProfilerInterval)
	}
	if c.BlockTimeout <= 0 {
		return fmt.Errorf("invalid block_timeout: %v (must be positive)", c.BlockTimeout)
	}
	if c.ForwardTimeout <= 0 {
		return fmt.Errorf("invalid forward_timeout: %v (must be positive)", c.ForwardTimeout)
	}
	if c.CPUWorkerThreads <= 0 {
		return fmt.Errorf("invalid cpu_worker_threads: %d (must be positive)", c.CPUWorkerThreads)
	}
	if c.LicenseRecheckInterval <= 0 {
		return fmt.Errorf("invalid license_recheck_interval: %v (must be positive)", c.LicenseRecheckInterval)
	}
	return nil
}

// validateChain checks that the assigned blocks form a contiguous slice of
// the chain order, in chain order.
func (c *Node) validateChain() error {
	pos := make(map[string]int, len(c.ChainOrder))
	for i, b := range c.ChainOrder {
		if _, dup := pos[b]; dup {
			return fmt.Errorf("chain_order contains duplicate block %q", b)
		}
		pos[b] = i
	}

	start, ok := pos[c.AssignedBlocks[0]]
	if !ok {
		return fmt.Errorf("assigned block %q not in chain_order", c.AssignedBlocks[0])
	}
	for i, b := range c.AssignedBlocks {
		p, ok := pos[b]
		if !ok {
			return fmt.Errorf("assigned block %q not in chain_order", b)
		}
		if p != start+i {
			return fmt.Errorf("assigned_blocks not contiguous in chain order at %q", b)
		}
	}

	last := pos[c.AssignedBlocks[len(c.AssignedBlocks)-1]]
	if last < len(c.ChainOrder)-1 && c.NextNode == "" {
		return fmt.Errorf("chain continues after %q but next_node is empty",
			c.AssignedBlocks[len(c.AssignedBlocks)-1])
	}
	return nil
}

// NextBlock returns the chain block following this node's last assigned
// block, or "" when the chain ends here.
func (c *Node) NextBlock() string {
	last := c.AssignedBlocks[len(c.AssignedBlocks)-1]
	for i, b := range c.ChainOrder {
		if b == last && i+1 < len(c.ChainOrder) {
			return c.ChainOrder[i+1]
		}
	}
	return ""
}

// IsTerminal reports whether this node owns the final block of the chain.
func (c *Node) IsTerminal() bool {
	if len(c.AssignedBlocks) == 0 || len(c.ChainOrder) == 0 {
		return false
	}
	return c.AssignedBlocks[len(c.AssignedBlocks)-1] == c.ChainOrder[len(c.ChainOrder)-1]
}
