// ============================================================================
// Job Record — Lifecycle, State Transitions, Attempts, Progress
// ============================================================================
//
// Package: internal/job
// Purpose: The in-memory Job wrapper, its persistence to the Store, and
// the single state-transition primitive every lifecycle change funnels
// through.
//
// State Machine:
//
//	inactive --(Worker claims)--> active --(handler ok)--> complete
//	   ^                             |
//	   |                      (handler err, retries left)
//	   +-----------------------------+
//	                                 |
//	                        (handler err, no retries left)
//	                                 v
//	                              failed
//
//	delayed --(Promoter, due)--> inactive
//
// Every transition re-indexes the job's id under the global set, the
// per-state set, and the per-(type,state) set, all keyed by priority
// (delayed is the one exception: keyed by delay, see state.go).
//
// ============================================================================

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
)

var log = slog.Default().With("component", "job")

// Error kinds (spec.md §7).
var (
	ErrNotFound     = errors.New("job not found")
	ErrCorrupt      = errors.New("job record corrupt")
	ErrDecodeError  = errors.New("job data decode error")
	ErrInvalidState = errors.New("invalid job state")
)

// Indexer is the search hook (spec.md §6): an external, opaque document
// indexer that receives the job's JSON data on every update and is told
// to forget the job on remove. The core never reasons about how it
// works, only that it is called.
type Indexer interface {
	Index(id uint64, data string) error
	Remove(id uint64) error
}

// NoopIndexer is the default Indexer: it does nothing. A real search
// integration is an external collaborator per spec.md §1.
type NoopIndexer struct{}

func (NoopIndexer) Index(uint64, string) error { return nil }
func (NoopIndexer) Remove(uint64) error        { return nil }

// Job is a single unit of work: the mutable, in-memory half of a job
// record. Store and Bus are shared with whatever created this instance
// (usually a queue.Queue); Indexer defaults to NoopIndexer.
type Job struct {
	store   store.Store
	bus     *eventbus.Bus
	indexer Indexer
	metrics *metrics.Collector

	rec types.Record
	log []string
}

// New constructs an unsaved job of jobType carrying data (will be
// JSON-encoded on Save/Update). Default priority is normal, default
// state is inactive, per spec.md §4.1.
func New(st store.Store, bus *eventbus.Bus, jobType string, data interface{}) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	now := nowMillis()
	return &Job{
		store: st,
		bus:   bus,
		rec: types.Record{
			Type:        jobType,
			Data:        string(raw),
			Priority:    types.PriorityNormal,
			State:       types.StateInactive,
			MaxAttempts: 1,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		indexer: NoopIndexer{},
	}, nil
}

// WithIndexer attaches a search indexer, returning j for chaining.
func (j *Job) WithIndexer(idx Indexer) *Job {
	j.indexer = idx
	return j
}

// WithMetrics attaches a Prometheus collector, returning j for chaining.
// With no collector attached (or a nil one), every Record* call is skipped.
func (j *Job) WithMetrics(c *metrics.Collector) *Job {
	j.metrics = c
	return j
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// ID returns the allocated id, or 0 if the job has never been saved.
func (j *Job) ID() uint64 { return j.rec.ID }

// Type returns the job's type name.
func (j *Job) Type() string { return j.rec.Type }

// CurrentState returns the job's current lifecycle state.
func (j *Job) CurrentState() types.State { return j.rec.State }

// Data JSON-decodes the job's payload into v.
func (j *Job) Data(v interface{}) error {
	if err := json.Unmarshal([]byte(j.rec.Data), v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	return nil
}

// RawData returns the job's payload as the raw JSON document it was
// encoded to.
func (j *Job) RawData() string { return j.rec.Data }

// AttemptCount returns the number of dispatch attempts made so far.
func (j *Job) AttemptCount() int { return j.rec.Attempts }

// MaxAttempts returns the configured attempt ceiling.
func (j *Job) MaxAttempts() int { return j.rec.MaxAttempts }

// ProgressValue returns the last recorded progress percent, [0,100].
func (j *Job) ProgressValue() int { return j.rec.Progress }

// ErrorMessage returns the most recent failure message, empty if never failed.
func (j *Job) ErrorMessage() string { return j.rec.Error }

// Log returns the job's accumulated log lines.
func (j *Job) Log() []string { return append([]string(nil), j.log...) }

// Priority sets the job's priority. level may be a named level
// ("critical", "high", "medium", "normal", "low") or, for any other
// string, is parsed as a signed integer.
func (j *Job) Priority(level string) error {
	if p, ok := types.PriorityByName(level); ok {
		j.rec.Priority = p
		return nil
	}
	var p int
	if _, err := fmt.Sscanf(level, "%d", &p); err != nil {
		return fmt.Errorf("invalid priority %q: %w", level, err)
	}
	j.rec.Priority = p
	return nil
}

// PriorityValue sets the job's priority directly from a numeric level,
// bypassing named-level resolution.
func (j *Job) PriorityValue(level int) { j.rec.Priority = level }

// PriorityScore returns the job's current priority score.
func (j *Job) PriorityScore() int { return j.rec.Priority }

// Delay marks the job delayed by ms milliseconds from creation; setting
// a positive value forces CurrentState to delayed (spec.md §4.1).
func (j *Job) Delay(ms int64) {
	j.rec.Delay = ms
	if ms > 0 {
		j.rec.State = types.StateDelayed
	}
}

// DelayValue returns the job's configured delay in ms.
func (j *Job) DelayValue() int64 { return j.rec.Delay }

// CreatedAtMillis returns the job's creation timestamp, Unix millis.
func (j *Job) CreatedAtMillis() int64 { return j.rec.CreatedAt }

// SetDuration records how long the handler ran, in ms (spec.md §3
// "duration"). The caller still has to Save/transition for it to persist.
func (j *Job) SetDuration(ms int64) { j.rec.Duration = ms }

// Attempts sets the job's max_attempts ceiling (spec.md §4.1: "attempts(n)
// — set max_attempts").
func (j *Job) Attempts(n int) { j.rec.MaxAttempts = n }

// Progress recomputes progress as min(100, floor(done/total*100)),
// persists it, and emits a progress event with the new percent.
func (j *Job) Progress(ctx context.Context, done, total int) error {
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	j.rec.Progress = pct
	j.rec.UpdatedAt = nowMillis()
	if j.rec.ID == 0 {
		return nil
	}
	if err := j.store.SaveJob(ctx, j.toStoreRecord()); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreError, err)
	}
	if j.bus != nil {
		j.bus.Emit(ctx, j.rec.ID, types.EventProgress, pct)
	}
	return nil
}

// Logf formats msg with args (printf-style %s/%d verbs), appends it to
// the job's log, bumps updated_at, and persists the new log entry.
func (j *Job) Logf(ctx context.Context, msg string, args ...interface{}) error {
	line := fmt.Sprintf(msg, args...)
	j.log = append(j.log, line)
	if len(j.log) > types.MaxLogEntries {
		j.log = j.log[len(j.log)-types.MaxLogEntries:]
	}
	j.rec.UpdatedAt = nowMillis()
	if j.rec.ID == 0 {
		return nil
	}
	return j.store.AppendLog(ctx, j.rec.ID, line)
}

// RecordError records err's text (and its first line as a log entry),
// and sets failed_at.
func (j *Job) RecordError(ctx context.Context, err error) error {
	msg := err.Error()
	j.rec.Error = msg
	j.rec.FailedAt = nowMillis()
	firstLine := msg
	for i, c := range msg {
		if c == '\n' {
			firstLine = msg[:i]
			break
		}
	}
	return j.Logf(ctx, "%s", firstLine)
}

func (j *Job) toStoreRecord() *store.Record {
	return &store.Record{
		ID:          j.rec.ID,
		Type:        j.rec.Type,
		Data:        j.rec.Data,
		Priority:    j.rec.Priority,
		State:       string(j.rec.State),
		Delay:       j.rec.Delay,
		Attempts:    j.rec.Attempts,
		MaxAttempts: j.rec.MaxAttempts,
		Progress:    j.rec.Progress,
		Error:       j.rec.Error,
		CreatedAt:   j.rec.CreatedAt,
		UpdatedAt:   j.rec.UpdatedAt,
		FailedAt:    j.rec.FailedAt,
		Duration:    j.rec.Duration,
	}
}

func fromStoreRecord(r *store.Record) types.Record {
	return types.Record{
		ID:          r.ID,
		Type:        r.Type,
		Data:        r.Data,
		Priority:    r.Priority,
		State:       types.State(r.State),
		Delay:       r.Delay,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Progress:    r.Progress,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		FailedAt:    r.FailedAt,
		Duration:    r.Duration,
	}
}
