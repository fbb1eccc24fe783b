package job

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
)

// Save persists j for the first time: allocates an id, writes the
// initial record, indexes it under its initial state (inactive by
// default, delayed if Delay was set), registers it with the type set
// and the event bus, and emits enqueue. Subsequent calls delegate to
// Update.
func (j *Job) Save(ctx context.Context) error {
	if j.rec.ID != 0 {
		return j.Update(ctx)
	}

	id, err := j.store.NextID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreError, err)
	}
	j.rec.ID = id

	if err := j.store.AddType(ctx, j.rec.Type); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStoreError, err)
	}

	initial := j.rec.State
	j.rec.State = "" // force State() to treat this as a fresh placement
	if err := j.State(ctx, initial); err != nil {
		return err
	}

	if j.bus != nil {
		j.bus.Add(ctx, j.rec.ID)
		j.bus.Emit(ctx, j.rec.ID, types.EventEnqueue)
	}
	if j.metrics != nil {
		j.metrics.RecordEnqueue(j.rec.Type)
	}

	return nil
}

// Update serializes Data, persists the scalar fields, reapplies the
// current state (re-indexing under the job's current priority — a
// priority change between saves takes effect here), and hands the JSON
// payload to the search indexer.
func (j *Job) Update(ctx context.Context) error {
	if j.rec.ID == 0 {
		return j.Save(ctx)
	}

	current := j.rec.State
	if err := j.State(ctx, current); err != nil {
		return err
	}

	if j.indexer != nil {
		if err := j.indexer.Index(j.rec.ID, j.rec.Data); err != nil {
			log.Warn("indexer update failed", "jobID", j.rec.ID, "error", err)
		}
	}

	return nil
}

// Remove clears every index entry, the log, the search entry, the
// event-bus mapping, and the record itself. All of these are
// best-effort per spec.md §7 propagation policy — a partial failure
// here does not leave the job reachable again.
func (j *Job) Remove(ctx context.Context) error {
	if j.rec.ID == 0 {
		return nil
	}

	if err := j.store.IndexRemove(ctx, globalIndex(), j.rec.ID); err != nil {
		log.Warn("remove: global index", "jobID", j.rec.ID, "error", err)
	}
	if err := j.store.IndexRemove(ctx, stateIndex(j.rec.State), j.rec.ID); err != nil {
		log.Warn("remove: state index", "jobID", j.rec.ID, "error", err)
	}
	if err := j.store.IndexRemove(ctx, typeStateIndex(j.rec.Type, j.rec.State), j.rec.ID); err != nil {
		log.Warn("remove: type-state index", "jobID", j.rec.ID, "error", err)
	}
	if err := j.store.DeleteLog(ctx, j.rec.ID); err != nil {
		log.Warn("remove: log", "jobID", j.rec.ID, "error", err)
	}
	if j.indexer != nil {
		if err := j.indexer.Remove(j.rec.ID); err != nil {
			log.Warn("remove: search entry", "jobID", j.rec.ID, "error", err)
		}
	}
	if j.bus != nil {
		j.bus.Remove(ctx, j.rec.ID)
	}
	if err := j.store.DeleteJob(ctx, j.rec.ID); err != nil {
		log.Warn("remove: record", "jobID", j.rec.ID, "error", err)
	}

	if j.bus != nil {
		j.bus.Emit(ctx, j.rec.ID, types.EventRemove)
	}

	return nil
}

// Attempt bumps the attempt counter on this in-memory Job, persists the
// whole record with SaveJob, and reports how many attempts remain. The
// increment is not atomic in the store: it is a read-modify-write of
// this instance's copy, so two instances of the same job bumping at once
// can lose an increment. If max_attempts was never set it defaults to 1
// (spec.md §4.1 "attempt(cb)").
func (j *Job) Attempt(ctx context.Context) (remaining, attempts, max int, err error) {
	if j.rec.MaxAttempts <= 0 {
		j.rec.MaxAttempts = 1
	}
	j.rec.Attempts++
	j.rec.UpdatedAt = nowMillis()

	if j.rec.ID != 0 {
		if err := j.store.SaveJob(ctx, j.toStoreRecord()); err != nil {
			return 0, j.rec.Attempts, j.rec.MaxAttempts, fmt.Errorf("%w: %v", store.ErrStoreError, err)
		}
	}

	remaining = j.rec.MaxAttempts - j.rec.Attempts
	return remaining, j.rec.Attempts, j.rec.MaxAttempts, nil
}

// Get loads a job by id (spec.md §4.1.2). A missing record evicts id
// from every per-state set and fails NotFound. A record with no Type is
// treated as corrupt: it is purged and removed, failing Corrupt.
func Get(ctx context.Context, st store.Store, bus *eventbus.Bus, id uint64) (*Job, error) {
	rec, ok, err := st.LoadJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStoreError, err)
	}
	if !ok {
		evictFromStateSets(ctx, st, id)
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if rec.Type == "" {
		j := &Job{store: st, bus: bus, rec: fromStoreRecord(rec), indexer: NoopIndexer{}}
		_ = j.Remove(ctx)
		return nil, fmt.Errorf("%w: id %d has no type", ErrCorrupt, id)
	}

	logLines, err := st.Log(ctx, id)
	if err != nil {
		log.Warn("load log failed", "jobID", id, "error", err)
	}

	j := &Job{
		store:   st,
		bus:     bus,
		rec:     fromStoreRecord(rec),
		log:     logLines,
		indexer: NoopIndexer{},
	}
	return j, nil
}

// evictFromStateSets removes id from every per-state set the core
// knows about, per invariant 2 (spec.md §3): a reader that fails to
// load the record treats the indices, not the missing record, as the
// inconsistent party.
func evictFromStateSets(ctx context.Context, st store.Store, id uint64) {
	states := []types.State{
		types.StateInactive, types.StateActive,
		types.StateComplete, types.StateFailed, types.StateDelayed,
	}
	if err := st.IndexRemove(ctx, globalIndex(), id); err != nil {
		log.Warn("evict: global index", "jobID", id, "error", err)
	}
	for _, s := range states {
		if err := st.IndexRemove(ctx, stateIndex(s), id); err != nil {
			log.Warn("evict: state index", "jobID", id, "state", s, "error", err)
		}
	}
}
