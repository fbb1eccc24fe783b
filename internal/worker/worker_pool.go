// ============================================================================
// Worker Pool — N Workers Racing One Type
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Starts n Workers on the same (type, handler) pair and manages
// their shared lifecycle.
//
// Within one process, multiple Workers on the same type compete for jobs
// via the store's atomic blocking pop (spec.md §4.3 "Scheduling model")
// rather than through any in-process channel — there is no local task
// queue to own, only goroutines to start and stop together.
//
// ============================================================================

package worker

import (
	"context"
	"sync"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/store"
)

// Pool owns n Workers bound to the same type and handler.
type Pool struct {
	jobType string
	workers []*Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool constructs a Pool of n Workers for jobType, sharing st and bus.
func NewPool(jobType string, n int, st store.Store, bus *eventbus.Bus, handler Handler) *Pool {
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = New(i, jobType, st, bus, handler)
	}
	return &Pool{jobType: jobType, workers: workers}
}

// Start runs one Salvage pass (spec.md §4.2 "runs once per process
// lifecycle per type") and then launches every Worker's loop in its own
// goroutine. Start is a no-op if already started.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if len(p.workers) > 0 {
		p.workers[0].Salvage(runCtx)
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}
}

// Stop cancels every Worker's context and blocks until their loops exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Size returns the number of Workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }

// OnError registers fn on every Worker in the pool, so the owning Queue
// can re-emit each worker's error as its own (spec.md §4.2).
func (p *Pool) OnError(fn func(jobID uint64, err error)) {
	for _, w := range p.workers {
		w.OnError(fn)
	}
}

// SetMetrics attaches a Prometheus collector to every Worker in the pool.
func (p *Pool) SetMetrics(c *metrics.Collector) {
	for _, w := range p.workers {
		w.SetMetrics(c)
	}
}
