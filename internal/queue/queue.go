// ============================================================================
// Queue — Factory, Aggregate Counters, Worker Spawning, Promotion
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: The facade a producer or consumer process talks to: create jobs,
// spawn worker pools per type, start the delay-promotion loop, and answer
// aggregate queries (spec.md §4.4 Queue facade, 15% of the core).
//
// Responsibilities:
//   1. Coordinate the Store, event Bus, Worker pools, and Promoter
//   2. Create unsaved Jobs bound to this Queue's store/bus
//   3. process(type, n, handler): spawn n Workers plus one salvage pass,
//      re-emit every worker error on the Queue itself
//   4. promote(interval): start the delay-promotion loop
//   5. Aggregate queries: type/state counts, cumulative work time, settings
//   6. Graceful shutdown of every owned Worker pool and the Promoter
//
// ============================================================================

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/promoter"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/internal/worker"
	"github.com/ChuLiYu/jobqueue/pkg/types"
)

var log = slog.Default().With("component", "queue")

// Queue is the process-wide entry point to the job system.
type Queue struct {
	st  store.Store
	bus *eventbus.Bus

	mu       sync.Mutex
	pools    []*worker.Pool
	promoter *promoter.Promoter
	metrics  *metrics.Collector

	errListeners []func(jobID uint64, err error)
}

// New constructs a Queue over st, with a fresh event Bus bound to
// transport. Callers typically hold one Queue per process
// (spec.md §4.4 "factory... idempotent singleton-per-process" is a
// caller convention, not something this constructor enforces itself).
func New(st store.Store, transport eventbus.Transport) *Queue {
	return &Queue{
		st:  st,
		bus: eventbus.New(transport),
	}
}

// Bus returns the Queue's event bus, e.g. for Listen registrations.
func (q *Queue) Bus() *eventbus.Bus { return q.bus }

// SetMetrics attaches a Prometheus collector: every Job this Queue
// creates from here on, and every Worker pool/Promoter it starts,
// records through it. A nil collector (the default) records nothing.
func (q *Queue) SetMetrics(c *metrics.Collector) {
	q.mu.Lock()
	q.metrics = c
	q.mu.Unlock()
}

// Create builds a new, unsaved Job of jobType carrying data. Callers
// must still call Save.
func (q *Queue) Create(jobType string, data interface{}) (*job.Job, error) {
	j, err := job.New(q.st, q.bus, jobType, data)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	m := q.metrics
	q.mu.Unlock()
	if m != nil {
		j = j.WithMetrics(m)
	}
	return j, nil
}

// OnError registers fn to be called whenever any Worker spawned by this
// Queue surfaces a handler or store error (spec.md §4.2 "Error surface":
// "the owning Queue re-emits them on itself").
func (q *Queue) OnError(fn func(jobID uint64, err error)) {
	q.mu.Lock()
	q.errListeners = append(q.errListeners, fn)
	q.mu.Unlock()
}

// Process spawns n Workers (default 1) bound to jobType and handler,
// plus jobType's one-shot salvage pass. Worker errors are re-emitted on
// the Queue's own error listeners (spec.md §4.2 "Error surface").
func (q *Queue) Process(ctx context.Context, jobType string, n int, handler worker.Handler) {
	if n <= 0 {
		n = 1
	}
	pool := worker.NewPool(jobType, n, q.st, q.bus, handler)

	q.mu.Lock()
	m := q.metrics
	q.mu.Unlock()
	if m != nil {
		pool.SetMetrics(m)
	}

	pool.OnError(func(jobID uint64, err error) {
		q.mu.Lock()
		listeners := make([]func(uint64, error), len(q.errListeners))
		copy(listeners, q.errListeners)
		q.mu.Unlock()
		for _, fn := range listeners {
			fn(jobID, err)
		}
	})

	q.mu.Lock()
	q.pools = append(q.pools, pool)
	q.mu.Unlock()

	pool.Start(ctx)
}

// Promote starts the delay-promotion loop, ticking every interval
// (spec.md §4.3; 0 selects the documented 5s default).
func (q *Queue) Promote(ctx context.Context, interval int64) {
	p := promoter.New(q.st, q.bus, time.Duration(interval)*time.Millisecond)
	q.mu.Lock()
	m := q.metrics
	q.promoter = p
	q.mu.Unlock()
	if m != nil {
		p.SetMetrics(m)
	}
	p.Start(ctx)
}

// Types returns every known job type.
func (q *Queue) Types(ctx context.Context) ([]string, error) {
	return q.st.Types(ctx)
}

// State lists every job id currently in state s, across all types
// (spec.md §4.5 "state(s, cb) lists ids in one state").
func (q *Queue) State(ctx context.Context, s types.State) ([]uint64, error) {
	return q.st.IndexRange(ctx, job.StateIndexKey(s), 0, -1)
}

// Card returns the number of jobs in state s, across all types.
func (q *Queue) Card(ctx context.Context, s types.State) (int64, error) {
	return q.st.IndexCard(ctx, job.StateIndexKey(s))
}

// InactiveCount, ActiveCount, CompleteCount, FailedCount, and
// DelayedCount are the per-state convenience counters spec.md §4.5
// names alongside the general Card query.
func (q *Queue) InactiveCount(ctx context.Context) (int64, error) {
	return q.Card(ctx, types.StateInactive)
}

func (q *Queue) ActiveCount(ctx context.Context) (int64, error) {
	return q.Card(ctx, types.StateActive)
}

func (q *Queue) CompleteCount(ctx context.Context) (int64, error) {
	return q.Card(ctx, types.StateComplete)
}

func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	return q.Card(ctx, types.StateFailed)
}

func (q *Queue) DelayedCount(ctx context.Context) (int64, error) {
	return q.Card(ctx, types.StateDelayed)
}

// TypeCard returns the number of jobs of jobType in state s.
func (q *Queue) TypeCard(ctx context.Context, jobType string, s types.State) (int64, error) {
	return q.st.IndexCard(ctx, job.TypeStateIndexKey(jobType, s))
}

// WorkTime returns the cumulative worker-time counter, in ms.
func (q *Queue) WorkTime(ctx context.Context) (int64, error) {
	return q.st.WorkTime(ctx)
}

// Setting reads a named setting.
func (q *Queue) Setting(ctx context.Context, name string) (string, bool, error) {
	return q.st.SettingGet(ctx, name)
}

// SetSetting writes a named setting.
func (q *Queue) SetSetting(ctx context.Context, name, value string) error {
	return q.st.SettingSet(ctx, name, value)
}

// Shutdown stops every Worker pool and the Promoter (if started), then
// closes the underlying Store connection. It blocks until every Worker
// loop has returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	pools := append([]*worker.Pool(nil), q.pools...)
	p := q.promoter
	q.mu.Unlock()

	for _, pool := range pools {
		pool.Stop()
	}
	if p != nil {
		p.Stop()
	}

	if err := q.st.Close(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
