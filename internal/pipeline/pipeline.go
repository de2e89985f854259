// internal/pipeline/pipeline.go

// Package pipeline distributes event-processing jobs across a fixed worker
// pool while preserving strict arrival order per partition key. Events for
// one conversation always land on the same worker; unrelated conversations
// proceed in parallel.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// Job is one unit of event processing. Jobs on the same partition run
// strictly in enqueue order, one at a time.
type Job func()

// DefaultHighWater is the per-worker queue depth at which producers start
// blocking instead of buffering further.
const DefaultHighWater = 256

// Pipeline is a partitioned multi-worker queue.
type Pipeline struct {
	workers []*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type worker struct {
	jobs  chan Job
	depth atomic.Int64
}

// New creates a Pipeline with the given worker count and per-worker
// high-water mark. Zero values pick runtime.NumCPU() workers and
// DefaultHighWater.
func New(workerCount, highWater int) *Pipeline {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	p := &Pipeline{workers: make([]*worker, workerCount)}
	for i := range p.workers {
		// Channel capacity is the high-water mark: a full lane blocks
		// producers rather than dropping or growing without bound.
		p.workers[i] = &worker{jobs: make(chan Job, highWater)}
	}
	return p
}

// Start launches the worker goroutines. Must be called before Enqueue.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i, w := range p.workers {
		p.wg.Add(1)
		go p.run(i, w)
	}
}

// Stop cancels the pipeline and waits for workers to exit. Jobs still
// buffered in lanes are dropped.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Enqueue routes the job to the partition's worker, blocking while that
// worker's lane is at its high-water mark. Returns an error only when the
// caller's context or the pipeline is cancelled.
func (p *Pipeline) Enqueue(ctx context.Context, partitionKey string, job Job) error {
	w := p.workers[p.partition(partitionKey)]
	select {
	case w.jobs <- job:
		w.depth.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("pipeline stopped: %w", p.ctx.Err())
	}
}

// Depth returns the total number of buffered jobs across all workers.
func (p *Pipeline) Depth() int64 {
	var total int64
	for _, w := range p.workers {
		total += w.depth.Load()
	}
	return total
}

// Workers returns the pool size.
func (p *Pipeline) Workers() int {
	return len(p.workers)
}

func (p *Pipeline) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.workers)))
}

func (p *Pipeline) run(index int, w *worker) {
	defer p.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			w.depth.Add(-1)
			job()
		case <-p.ctx.Done():
			if d := w.depth.Load(); d > 0 {
				slog.Debug("pipeline worker stopping with buffered jobs", "worker", index, "dropped", d)
			}
			return
		}
	}
}
