package pipeline

import (
	"context"
	"sync"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/scheduler"
)

// Pool is one execution lane. The CPU lane runs a small fixed pool of
// goroutines; the GPU lane is a single goroutine so at most one kernel
// sequence is in flight on the device.
type Pool struct {
	name  scheduler.Worker
	tasks chan job

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type job struct {
	ctx  context.Context
	run  func(context.Context) error
	done chan error
}

// NewCPUPool builds the CPU lane with the configured thread count.
func NewCPUPool(threads int) *Pool {
	if threads <= 0 {
		threads = 2
	}
	return newPool(scheduler.CPU, threads)
}

// NewGPUPool builds the GPU lane. Width is always 1.
func NewGPUPool() *Pool {
	return newPool(scheduler.GPU, 1)
}

func newPool(name scheduler.Worker, width int) *Pool {
	p := &Pool{name: name, tasks: make(chan job)}
	p.wg.Add(width)
	for i := 0; i < width; i++ {
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for j := range p.tasks {
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		j.done <- j.run(j.ctx)
	}
}

// Name returns the lane's worker identity.
func (p *Pool) Name() scheduler.Worker { return p.name }

// Do runs fn on the lane, waiting for a free slot. The context bounds both
// the queue wait and the execution.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, run: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for in-flight jobs.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
