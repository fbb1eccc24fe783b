// ============================================================================
// Worker — Acquire / Select / Claim / Run / Settle
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One cooperative loop bound to a (type, handler) pair, pulling
// inactive jobs of its type and driving them to completion or retry.
//
// How it works (spec.md §4.2):
//   1. Acquire: blocking pop on the per-type notification list. The
//      popped value is a sentinel; it only means *some* inactive job of
//      this type likely exists.
//   2. Select: read the lowest-score id from the per-(type, inactive)
//      ordered set. Empty means another worker already took it — go
//      back to step 1.
//   3. Claim: load the job. NotFound/Corrupt sends it back to step 1.
//      Transition to active and record the start time.
//   4. Run: invoke the handler. The worker is committed to this job
//      until the handler returns.
//   5. Settle: success completes the job and adds its duration to the
//      work-time counter; failure bumps the attempt count and either
//      retries (back to inactive) or fails terminally.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
)

var log = slog.Default().With("component", "worker")

// Handler processes one claimed job. It returns an error to mark the
// attempt failed (the job retries or terminally fails, depending on
// max_attempts); a nil return completes the job.
type Handler func(ctx context.Context, j *job.Job) error

// Worker is bound to one (type, Handler) pair (spec.md §4.2). PollTimeout
// bounds each blocking Acquire so the loop can observe ctx cancellation
// promptly; spec.md calls the wait itself unbounded, so PollTimeout is
// purely a shutdown-responsiveness knob, not a job-visibility one.
type Worker struct {
	id          int
	jobType     string
	st          store.Store
	bus         *eventbus.Bus
	handler     Handler
	pollTimeout time.Duration
	onError     func(jobID uint64, err error)
	metrics     *metrics.Collector
}

// New constructs a Worker. id is used only for logging.
func New(id int, jobType string, st store.Store, bus *eventbus.Bus, handler Handler) *Worker {
	return &Worker{
		id:          id,
		jobType:     jobType,
		st:          st,
		bus:         bus,
		handler:     handler,
		pollTimeout: 2 * time.Second,
	}
}

// OnError registers fn to be called with every error this Worker
// surfaces, in addition to its own logging and job-scoped event emit.
// The owning Pool/Queue uses this to re-emit the error on itself
// (spec.md §4.2 "Error surface").
func (w *Worker) OnError(fn func(jobID uint64, err error)) {
	w.onError = fn
}

// SetMetrics attaches a Prometheus collector; a nil Worker collector
// skips every Record* call.
func (w *Worker) SetMetrics(c *metrics.Collector) {
	w.metrics = c
}

// Salvage runs the one-shot startup scan of this Worker's type's active
// set (spec.md §4.2 "Salvage"): every id still marked active when the
// process starts was abandoned by a dead worker and is returned to
// inactive so a live worker can reclaim it.
func (w *Worker) Salvage(ctx context.Context) {
	key := job.TypeStateIndexKey(w.jobType, types.StateActive)
	ids, err := w.st.IndexRange(ctx, key, 0, -1)
	if err != nil {
		log.Warn("salvage: range failed", "type", w.jobType, "error", err)
		return
	}
	for _, id := range ids {
		j, err := job.Get(ctx, w.st, w.bus, id)
		if err != nil {
			continue
		}
		if err := j.InactiveState(ctx); err != nil {
			log.Warn("salvage: requeue failed", "jobID", id, "error", err)
			continue
		}
		if w.metrics != nil {
			w.metrics.RecordSalvage()
		}
		log.Info("salvaged orphaned job", "jobID", id, "type", w.jobType)
	}
}

// Run is the worker's main loop. It returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		woke, err := w.st.WaitNotify(ctx, w.jobType, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("wait notify failed", "type", w.jobType, "error", err)
			continue
		}
		if !woke {
			continue // poll timeout, no sentinel — loop back to Acquire
		}

		j, ok := w.selectAndClaim(ctx)
		if !ok {
			continue
		}

		w.runAndSettle(ctx, j)
	}
}

// selectAndClaim performs Select and Claim (spec.md §4.2 steps 2-3).
func (w *Worker) selectAndClaim(ctx context.Context) (*job.Job, bool) {
	key := job.TypeStateIndexKey(w.jobType, types.StateInactive)
	ids, err := w.st.IndexRange(ctx, key, 0, 1)
	if err != nil {
		log.Error("select failed", "type", w.jobType, "error", err)
		return nil, false
	}
	if len(ids) == 0 {
		return nil, false // spurious wakeup (spec.md §4.3 Concurrency note)
	}

	id := ids[0]
	j, err := job.Get(ctx, w.st, w.bus, id)
	if err != nil {
		if !errors.Is(err, job.ErrNotFound) && !errors.Is(err, job.ErrCorrupt) {
			w.emitError(ctx, id, err)
		}
		return nil, false
	}

	if err := j.ActiveState(ctx); err != nil {
		w.emitError(ctx, id, err)
		return nil, false
	}
	return j, true
}

// runAndSettle performs Run and Settle (spec.md §4.2 step 4, §4.1 retry policy).
func (w *Worker) runAndSettle(ctx context.Context, j *job.Job) {
	if w.metrics != nil {
		w.metrics.RecordStart(j.Type())
	}

	start := time.Now()
	handlerErr := w.handler(ctx, j)
	duration := time.Since(start)

	if handlerErr == nil {
		j.SetDuration(duration.Milliseconds())
		if err := j.Progress(ctx, 100, 100); err != nil {
			log.Warn("progress update failed", "jobID", j.ID(), "error", err)
		}
		if err := j.Complete(ctx); err != nil {
			w.emitError(ctx, j.ID(), err)
			return
		}
		if err := w.st.IncrWorkTime(ctx, duration.Milliseconds()); err != nil {
			log.Warn("work-time increment failed", "jobID", j.ID(), "error", err)
		}
		if w.metrics != nil {
			w.metrics.RecordCompleted(j.Type(), duration.Seconds())
		}
		return
	}

	// Settle emits error regardless of whether the attempt retries or
	// terminally fails (spec.md §4.2 Settle, Error surface).
	w.emitError(ctx, j.ID(), handlerErr)

	if err := j.RecordError(ctx, handlerErr); err != nil {
		log.Warn("record error failed", "jobID", j.ID(), "error", err)
	}
	remaining, _, _, err := j.Attempt(ctx)
	if err != nil {
		w.emitError(ctx, j.ID(), err)
		return
	}

	if remaining > 0 {
		if err := j.InactiveState(ctx); err != nil {
			w.emitError(ctx, j.ID(), err)
		}
		return
	}

	if err := j.Failed(ctx); err != nil {
		w.emitError(ctx, j.ID(), err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordFailed(j.Type())
	}
}

// emitError surfaces a handler or store error on the job (if known) and
// logs it locally; the owning Pool/Queue re-emits it on itself
// (spec.md §4.2 "Error surface").
func (w *Worker) emitError(ctx context.Context, jobID uint64, err error) {
	log.Error("worker error", "type", w.jobType, "jobID", jobID, "error", err)
	if w.bus != nil && jobID != 0 {
		w.bus.Emit(ctx, jobID, types.EventError, err.Error())
	}
	if w.onError != nil {
		w.onError(jobID, err)
	}
}
