package job

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
)

// globalIndex, stateIndex, and typeStateIndex build the Store index
// keys named in spec.md §6.
func globalIndex() string { return "jobs" }

func stateIndex(s types.State) string { return "jobs:" + string(s) }

func typeStateIndex(typ string, s types.State) string {
	return "jobs:" + typ + ":" + string(s)
}

// TypeStateIndexKey exposes the per-(type,state) index key so callers
// outside this package (Workers, the Queue's TypeCard) can
// IndexRange/IndexCard it directly, per spec.md §4.2 Select.
func TypeStateIndexKey(typ string, s types.State) string {
	return typeStateIndex(typ, s)
}

// StateIndexKey exposes the per-state index key, used by the Promoter
// to scan the delayed set.
func StateIndexKey(s types.State) string {
	return stateIndex(s)
}

// score returns the ordering key a job sorts under for state s: the
// delayed index is the one exception to "ordered by priority"
// (spec.md §3 Indices, §4.3), ordered instead by the job's configured
// delay so the Promoter inspects the shortest delays first. This is not
// due-time order: due time is created_at+delay.
func (j *Job) score(s types.State) float64 {
	if s == types.StateDelayed {
		return float64(j.rec.Delay)
	}
	return float64(j.rec.Priority)
}

// State is the single transition primitive (spec.md §4.1.1): every
// lifecycle change — Complete, Fail, Active, Inactive, and the
// Promoter's delayed->inactive move — funnels through here.
//
// Steps, matching the spec exactly:
//  1. Remove id from the global, per-current-state, and
//     per-(type,current-state) sets.
//  2. Update in-memory and persisted state.
//  3. Insert id into the global, per-newState, and per-(type,newState)
//     sets, keyed by score(newState).
//  4. If newState is inactive, push a notification sentinel so exactly
//     one blocked Worker wakes.
//  5. Set updated_at.
//
// The de-index/re-index steps are each single-key store operations —
// concurrent readers may briefly observe the job in zero indices. That
// is an accepted, documented race (spec.md §4.1.1, §5): downstream
// invariants only require eventual exclusive placement.
func (j *Job) State(ctx context.Context, newState types.State) error {
	if !newState.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, newState)
	}

	oldState := j.rec.State

	if j.rec.ID != 0 && oldState != "" {
		if err := j.store.IndexRemove(ctx, globalIndex(), j.rec.ID); err != nil {
			log.Warn("index remove (global) failed", "jobID", j.rec.ID, "error", err)
		}
		if err := j.store.IndexRemove(ctx, stateIndex(oldState), j.rec.ID); err != nil {
			log.Warn("index remove (state) failed", "jobID", j.rec.ID, "error", err)
		}
		if err := j.store.IndexRemove(ctx, typeStateIndex(j.rec.Type, oldState), j.rec.ID); err != nil {
			log.Warn("index remove (type-state) failed", "jobID", j.rec.ID, "error", err)
		}
	}

	j.rec.State = newState
	j.rec.UpdatedAt = nowMillis()

	if j.rec.ID != 0 {
		if err := j.store.SaveJob(ctx, j.toStoreRecord()); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStoreError, err)
		}

		newScore := j.score(newState)
		if err := j.store.IndexAdd(ctx, globalIndex(), j.rec.ID, newScore); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStoreError, err)
		}
		if err := j.store.IndexAdd(ctx, stateIndex(newState), j.rec.ID, newScore); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStoreError, err)
		}
		if err := j.store.IndexAdd(ctx, typeStateIndex(j.rec.Type, newState), j.rec.ID, newScore); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStoreError, err)
		}

		if newState == types.StateInactive {
			if err := j.store.Notify(ctx, j.rec.Type); err != nil {
				log.Warn("notify failed", "jobID", j.rec.ID, "type", j.rec.Type, "error", err)
			}
		}
	}

	return nil
}

// Complete transitions to complete and emits the complete event.
func (j *Job) Complete(ctx context.Context) error {
	if err := j.State(ctx, types.StateComplete); err != nil {
		return err
	}
	if j.bus != nil {
		j.bus.Emit(ctx, j.rec.ID, types.EventComplete)
	}
	return nil
}

// Failed transitions to failed and emits the failed event.
func (j *Job) Failed(ctx context.Context) error {
	if err := j.State(ctx, types.StateFailed); err != nil {
		return err
	}
	if j.bus != nil {
		j.bus.Emit(ctx, j.rec.ID, types.EventFailed)
	}
	return nil
}

// InactiveState transitions the job back to inactive (used by retry and
// by the Promoter). Named to avoid colliding with the types.StateInactive
// constant.
func (j *Job) InactiveState(ctx context.Context) error {
	return j.State(ctx, types.StateInactive)
}

// ActiveState transitions the job to active, as done by a Worker that
// just claimed it.
func (j *Job) ActiveState(ctx context.Context) error {
	if err := j.State(ctx, types.StateActive); err != nil {
		return err
	}
	if j.bus != nil {
		j.bus.Emit(ctx, j.rec.ID, types.EventStart)
	}
	return nil
}
