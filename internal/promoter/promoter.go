// ============================================================================
// Promoter — Delayed-to-Inactive Promotion Loop
// ============================================================================
//
// Package: internal/promoter
// Purpose: Periodically scans the delayed index (ordered by stored delay,
// not priority — the one documented exception to priority ordering) and
// moves every due job back to inactive (spec.md §4.3).
//
// The delayed index doubles as the promotion source: a tick reads a
// bounded batch of the shortest-delay entries, checks each against
// created_at+delay, and skips any that is not yet due while going on to
// the rest of the batch (entries are score-ordered by delay, but not by
// the absolute due time, so a not-yet-due entry says nothing about the
// ones after it). Skipped entries stay in the delayed index.
//
// ============================================================================

package promoter

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
	"golang.org/x/time/rate"
)

var log = slog.Default().With("component", "promoter")

const defaultBatchSize = 20

// defaultPromoteRate caps how many jobs a single tick will push from
// delayed to inactive per second, so a backlog of thousands of jobs
// becoming due at once doesn't slam the store or the workers waiting
// on it with a promotion burst.
const defaultPromoteRate = 200

// Promoter periodically promotes due delayed jobs to inactive.
type Promoter struct {
	st        store.Store
	bus       *eventbus.Bus
	interval  time.Duration
	batchSize int64
	limiter   *rate.Limiter
	metrics   *metrics.Collector

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Promoter that ticks every interval (spec.md §4.3
// default: 5s, configurable).
func New(st store.Store, bus *eventbus.Bus, interval time.Duration) *Promoter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Promoter{
		st:        st,
		bus:       bus,
		interval:  interval,
		batchSize: defaultBatchSize,
		limiter:   rate.NewLimiter(rate.Limit(defaultPromoteRate), defaultPromoteRate),
		done:      make(chan struct{}),
	}
}

// SetMetrics attaches a Prometheus collector; a nil collector skips the
// RecordPromotion call.
func (p *Promoter) SetMetrics(c *metrics.Collector) {
	p.metrics = c
}

// Start launches the promotion ticker in its own goroutine.
func (p *Promoter) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()
}

// Stop cancels the ticker loop and waits for it to exit.
func (p *Promoter) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Promoter) tick(ctx context.Context) {
	ids, err := p.st.IndexRange(ctx, job.StateIndexKey(types.StateDelayed), 0, p.batchSize)
	if err != nil {
		log.Warn("delayed scan failed", "error", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, id := range ids {
		j, err := job.Get(ctx, p.st, p.bus, id)
		if err != nil {
			continue
		}
		due := j.CreatedAtMillis() + j.DelayValue()
		if now < due {
			continue // not yet due; entries are not sorted by absolute due time
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return // context canceled mid-tick
		}
		if err := j.InactiveState(ctx); err != nil {
			log.Warn("promotion failed", "jobID", id, "error", err)
			continue
		}
		if p.bus != nil {
			p.bus.Emit(ctx, id, types.EventPromotion)
		}
		if p.metrics != nil {
			p.metrics.RecordPromotion()
		}
	}
}
