package job

import (
	"context"
	"errors"
	"testing"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeps() (store.Store, *eventbus.Bus) {
	st := store.NewMemoryStore("")
	bus := eventbus.New(eventbus.NewMemoryTransport())
	return st, bus
}

func TestNewJobDefaults(t *testing.T) {
	st, bus := newTestDeps()
	j, err := New(st, bus, "email", map[string]string{"to": "a@b.com"})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), j.ID())
	assert.Equal(t, "email", j.Type())
	assert.Equal(t, types.StateInactive, j.CurrentState())
	assert.Equal(t, types.PriorityNormal, j.PriorityScore())
	assert.Equal(t, 1, j.MaxAttempts())
}

func TestSaveAllocatesIDAndIndexes(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "payload")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))
	require.NotZero(t, j.ID())

	card, err := st.IndexCard(ctx, TypeStateIndexKey("email", types.StateInactive))
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	globalCard, err := st.IndexCard(ctx, StateIndexKey(types.StateInactive))
	require.NoError(t, err)
	assert.Equal(t, int64(1), globalCard)
}

func TestSaveWithDelayIndexesUnderDelayed(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "reminder", "payload")
	require.NoError(t, err)
	j.Delay(5000)
	require.NoError(t, j.Save(ctx))

	assert.Equal(t, types.StateDelayed, j.CurrentState())
	card, err := st.IndexCard(ctx, TypeStateIndexKey("reminder", types.StateDelayed))
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestPriorityNamedAndNumeric(t *testing.T) {
	st, bus := newTestDeps()
	j, err := New(st, bus, "report", "x")
	require.NoError(t, err)

	require.NoError(t, j.Priority("critical"))
	assert.Equal(t, types.PriorityCritical, j.PriorityScore())

	require.NoError(t, j.Priority("-42"))
	assert.Equal(t, -42, j.PriorityScore())

	assert.Error(t, j.Priority("not-a-number"))
}

func TestGetRoundTrip(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "hello")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))
	require.NoError(t, j.Logf(ctx, "started processing"))

	loaded, err := Get(ctx, st, bus, j.ID())
	require.NoError(t, err)
	assert.Equal(t, "email", loaded.Type())
	assert.Equal(t, []string{"started processing"}, loaded.Log())
}

func TestGetNotFoundEvictsFromIndices(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	require.NoError(t, st.IndexAdd(ctx, StateIndexKey(types.StateInactive), 999, 0))

	_, err := Get(ctx, st, bus, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	card, err := st.IndexCard(ctx, StateIndexKey(types.StateInactive))
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)
}

func TestCompleteAndFailedTransitions(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))
	require.NoError(t, j.ActiveState(ctx))
	require.NoError(t, j.Complete(ctx))
	assert.Equal(t, types.StateComplete, j.CurrentState())

	k, err := New(st, bus, "email", "y")
	require.NoError(t, err)
	require.NoError(t, k.Save(ctx))
	require.NoError(t, k.ActiveState(ctx))
	require.NoError(t, k.Failed(ctx))
	assert.Equal(t, types.StateFailed, k.CurrentState())
}

func TestAttemptTracksRemaining(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)
	j.Attempts(2)
	require.NoError(t, j.Save(ctx))

	remaining, attempts, max, err := j.Attempt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 2, max)

	remaining, attempts, _, err = j.Attempt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 2, attempts)
}

func TestRecordErrorSetsMessageAndFailedAt(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	require.NoError(t, j.RecordError(ctx, errors.New("boom\nextra detail")))
	assert.Equal(t, "boom\nextra detail", j.ErrorMessage())
	assert.Equal(t, []string{"boom"}, j.Log())
}

func TestProgressClampsToRange(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	require.NoError(t, j.Progress(ctx, 150, 100))
	assert.Equal(t, 100, j.ProgressValue())

	require.NoError(t, j.Progress(ctx, 0, 0))
	assert.Equal(t, 0, j.ProgressValue())

	require.NoError(t, j.Progress(ctx, 1, 4))
	assert.Equal(t, 25, j.ProgressValue())
}

func TestRemoveClearsEverything(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))
	id := j.ID()
	require.NoError(t, j.Remove(ctx))

	_, ok, err := st.LoadJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	card, err := st.IndexCard(ctx, StateIndexKey(types.StateInactive))
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)
}

func TestWithMetricsRecordsEnqueueOnSave(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	collector := metrics.NewCollector()

	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)
	j.WithMetrics(collector)

	require.NoError(t, j.Save(ctx))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var enqueued float64
	for _, mf := range mfs {
		if mf.GetName() != "queue_jobs_enqueued_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			enqueued += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), enqueued)
}

func TestSetDurationPersists(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	j.SetDuration(1234)
	require.NoError(t, j.ActiveState(ctx))
	require.NoError(t, j.Complete(ctx))

	rec, ok, err := st.LoadJob(ctx, j.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1234), rec.Duration)
}

func TestStateRejectsInvalid(t *testing.T) {
	st, bus := newTestDeps()
	j, err := New(st, bus, "email", "x")
	require.NoError(t, err)

	err = j.State(context.Background(), types.State("bogus"))
	assert.ErrorIs(t, err, ErrInvalidState)
}
