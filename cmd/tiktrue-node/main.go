// tiktrue-node runs one node of the distributed inference pipeline: it
// loads its assigned model blocks, serves /pipeline for step execution,
// and forwards to the next node when the chain continues elsewhere.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/config"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/node"
)

func main() {
	if err := rootCmd().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cli.Command {
	var (
		configPath  string
		nodeID      string
		host        string
		port        int
		modelDir    string
		metadata    string
		execPlan    string
		metricsAddr string
		nextNode    string

		maxWarm          int
		kvPageCapacity   int
		initialKVPages   int
		adaptive         bool
		profilerInterval time.Duration
		forceCPUBlocks   string
		memThreshold     float64

		logLevel  string
		logFormat string
		logFile   string
	)

	return &cli.Command{
		Name:  "tiktrue-node",
		Usage: "Distributed inference pipeline node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "network config file (json or yaml)",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "node-id",
				Usage:       "node identifier within the pipeline",
				Destination: &nodeID,
			},
			&cli.StringFlag{
				Name:        "host",
				Usage:       "pipeline listen host",
				Destination: &host,
			},
			&cli.IntFlag{
				Name:        "port",
				Usage:       "pipeline listen port",
				Destination: &port,
			},
			&cli.StringFlag{
				Name:        "model-dir",
				Usage:       "directory holding this node's model blocks",
				Destination: &modelDir,
			},
			&cli.StringFlag{
				Name:        "metadata",
				Usage:       "model metadata json path",
				Destination: &metadata,
			},
			&cli.StringFlag{
				Name:        "execution-plan",
				Usage:       "profiling-derived execution plan json path",
				Destination: &execPlan,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "monitoring listen address",
				Destination: &metricsAddr,
			},
			&cli.StringFlag{
				Name:        "next-node",
				Usage:       "host:port of the downstream node",
				Destination: &nextNode,
			},
			&cli.IntFlag{
				Name:        "max-warm-sessions",
				Usage:       "warm model cache capacity",
				Destination: &maxWarm,
			},
			&cli.IntFlag{
				Name:        "kv-page-capacity",
				Usage:       "tokens per KV cache page",
				Destination: &kvPageCapacity,
			},
			&cli.IntFlag{
				Name:        "initial-kv-pages",
				Usage:       "KV pages preallocated per layer",
				Destination: &initialKVPages,
			},
			&cli.BoolFlag{
				Name:        "adaptive-scheduling",
				Usage:       "enable telemetry-driven worker selection",
				Value:       true,
				Destination: &adaptive,
			},
			&cli.DurationFlag{
				Name:        "profiler-interval",
				Usage:       "telemetry sampling cadence",
				Destination: &profilerInterval,
			},
			&cli.StringFlag{
				Name:        "force-cpu-blocks",
				Usage:       "comma-separated blocks pinned to the CPU worker",
				Destination: &forceCPUBlocks,
			},
			&cli.FloatFlag{
				Name:        "memory-threshold",
				Usage:       "memory high-water percentage",
				Destination: &memThreshold,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "debug, info, warn or error",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "console or json",
				Value:       "console",
				Destination: &logFormat,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "append logs to this file instead of stderr",
				Destination: &logFile,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := logger.Setup(logLevel, logFormat, logFile); err != nil {
				return err
			}

			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if host != "" {
				cfg.Host = host
			}
			if cmd.IsSet("port") {
				cfg.Port = int(port)
			}
			if modelDir != "" {
				cfg.ModelDir = modelDir
			}
			if metadata != "" {
				cfg.MetadataPath = metadata
			}
			if execPlan != "" {
				cfg.ExecutionPlanPath = execPlan
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if nextNode != "" {
				cfg.NextNode = nextNode
			}
			if cmd.IsSet("max-warm-sessions") {
				cfg.MaxWarmSessions = int(maxWarm)
			}
			if cmd.IsSet("kv-page-capacity") {
				cfg.KVPageCapacityTokens = int(kvPageCapacity)
			}
			if cmd.IsSet("initial-kv-pages") {
				cfg.InitialKVPages = int(initialKVPages)
			}
			if cmd.IsSet("adaptive-scheduling") {
				cfg.AdaptiveScheduling = adaptive
			}
			if cmd.IsSet("profiler-interval") {
				cfg.ProfilerInterval = profilerInterval
			}
			if cmd.IsSet("force-cpu-blocks") {
				cfg.ForceCPUBlocks = splitBlocks(forceCPUBlocks)
			}
			if cmd.IsSet("memory-threshold") {
				cfg.MemoryHighWaterPct = memThreshold
			}

			return run(ctx, cfg)
		},
	}
}

func splitBlocks(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func run(ctx context.Context, cfg *config.Node) error {
	rt, err := node.New(cfg, node.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = rt.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)
	return err
}
