package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReturnsUnsavedJob(t *testing.T) {
	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())

	j, err := q.Create("email", map[string]string{"to": "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), j.ID())
	assert.Equal(t, "email", j.Type())
}

func TestTypesReflectsCreatedAndSavedJobs(t *testing.T) {
	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())
	ctx := context.Background()

	j, err := q.Create("email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	typeNames, err := q.Types(ctx)
	require.NoError(t, err)
	assert.Contains(t, typeNames, "email")
}

func TestCardAndTypeCard(t *testing.T) {
	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())
	ctx := context.Background()

	j, err := q.Create("email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	card, err := q.Card(ctx, types.StateInactive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	typeCard, err := q.TypeCard(ctx, "email", types.StateInactive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), typeCard)

	otherCard, err := q.TypeCard(ctx, "sms", types.StateInactive)
	require.NoError(t, err)
	assert.Equal(t, int64(0), otherCard)
}

func TestStateListsIDsInThatState(t *testing.T) {
	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())
	ctx := context.Background()

	j, err := q.Create("email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	ids, err := q.State(ctx, types.StateInactive)
	require.NoError(t, err)
	assert.Equal(t, []uint64{j.ID()}, ids)

	ids, err = q.State(ctx, types.StateActive)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPerStateConvenienceCounters(t *testing.T) {
	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())
	ctx := context.Background()

	j, err := q.Create("email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	inactive, err := q.InactiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inactive)

	active, err := q.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)

	complete, err := q.CompleteCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), complete)

	failed, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), failed)

	delayed, err := q.DelayedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), delayed)
}

func TestSetMetricsIsAppliedToCreatedJobsAndPools(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	collector := metrics.NewCollector()

	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())
	q.SetMetrics(collector)
	ctx := context.Background()

	j, err := q.Create("email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx)) // exercises Collector.RecordEnqueue without panicking

	q.Process(ctx, "email", 1, func(ctx context.Context, j *job.Job) error { return nil })
	require.Eventually(t, func() bool {
		card, _ := q.TypeCard(ctx, "email", types.StateComplete)
		return card == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Shutdown(ctx))

	// Shutdown has waited for the worker loop, so its Record* calls are done.
	mfs, err := reg.Gather()
	require.NoError(t, err)
	counterTotal := func(name string) float64 {
		var total float64
		for _, mf := range mfs {
			if mf.GetName() != name {
				continue
			}
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
		}
		return total
	}
	assert.Equal(t, float64(1), counterTotal("queue_jobs_enqueued_total"))  // via the created Job
	assert.Equal(t, float64(1), counterTotal("queue_jobs_completed_total")) // via the Pool's Worker
}

func TestSettingRoundTrip(t *testing.T) {
	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())
	ctx := context.Background()

	_, ok, err := q.Setting(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.SetSetting(ctx, "max-concurrency", "8"))
	v, ok, err := q.Setting(ctx, "max-concurrency")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8", v)
}

func TestShutdownWithNoPoolsOrPromoterIsSafe(t *testing.T) {
	q := New(store.NewMemoryStore(""), eventbus.NewMemoryTransport())
	assert.NoError(t, q.Shutdown(context.Background()))
}
