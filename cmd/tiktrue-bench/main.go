// tiktrue-bench drives a running pipeline node with synthetic steps and
// reports step latency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/transport"
)

var (
	target       = flag.String("target", "", "host:port of the node to benchmark")
	promptTokens = flag.Int("prompt", 32, "prompt length in tokens")
	decodeSteps  = flag.Int("n", 20, "number of decode steps")
	vocabSize    = flag.Int("vocab", 32000, "vocabulary size for synthetic token ids")
	timeout      = flag.Duration("timeout", 5*time.Minute, "per-step timeout")
)

func main() {
	flag.Parse()

	if *target == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -target <host:port> [-prompt <tokens>] [-n <steps>]\n", os.Args[0])
		os.Exit(1)
	}

	client := transport.NewClient(*target, *timeout)
	ctx := context.Background()
	session := fmt.Sprintf("bench-%d", time.Now().UnixNano())

	fmt.Printf("Benchmarking %s: prompt=%d tokens, %d decode steps\n", *target, *promptTokens, *decodeSteps)

	start := time.Now()
	res, err := client.Forward(ctx, session, 0, "", map[string]*tensor.Tensor{
		"input_ids": randomIDs(*promptTokens),
	})
	if err != nil {
		log.Fatalf("prompt step failed: %v", err)
	}
	promptDur := time.Since(start)
	fmt.Printf("Prompt: %v (%d blocks, status %s)\n", promptDur.Round(time.Millisecond), len(res.SuccessfulBlocks), res.Status)

	latencies := make([]time.Duration, 0, *decodeSteps)
	for step := 1; step <= *decodeSteps; step++ {
		start = time.Now()
		if _, err := client.Forward(ctx, session, step, "", map[string]*tensor.Tensor{
			"input_ids": randomIDs(1),
		}); err != nil {
			log.Fatalf("decode step %d failed: %v", step, err)
		}
		latencies = append(latencies, time.Since(start))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, d := range latencies {
		total += d
	}
	avg := total / time.Duration(len(latencies))
	p95 := latencies[len(latencies)*95/100]

	fmt.Printf("Decode: avg %v, p95 %v (%.2f steps/s)\n",
		avg.Round(time.Millisecond), p95.Round(time.Millisecond), float64(len(latencies))/total.Seconds())
}

func randomIDs(n int) *tensor.Tensor {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(rand.Intn(*vocabSize))
	}
	return tensor.FromInt64([]int{1, n}, ids)
}
