package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeps() (store.Store, *eventbus.Bus) {
	st := store.NewMemoryStore("")
	bus := eventbus.New(eventbus.NewMemoryTransport())
	return st, bus
}

func TestWorkerCompletesJob(t *testing.T) {
	st, bus := newTestDeps()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran int64
	w := New(0, "email", st, bus, func(ctx context.Context, j *job.Job) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	go w.Run(ctx)

	j, err := job.New(st, bus, "email", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&ran) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		card, _ := st.IndexCard(ctx, job.TypeStateIndexKey("email", types.StateComplete))
		return card == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	st, bus := newTestDeps()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errs []error
	w := New(0, "flaky", st, bus, func(ctx context.Context, j *job.Job) error {
		return errors.New("boom")
	})
	w.OnError(func(jobID uint64, err error) {
		errs = append(errs, err)
	})
	go w.Run(ctx)

	j, err := job.New(st, bus, "flaky", "x")
	require.NoError(t, err)
	j.Attempts(2)
	require.NoError(t, j.Save(ctx))

	require.Eventually(t, func() bool {
		card, _ := st.IndexCard(ctx, job.TypeStateIndexKey("flaky", types.StateFailed))
		return card == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The worker claims its own copy of the job via job.Get, so the
	// attempt count lives in the store, not in this producer-side j.
	loaded, err := job.Get(ctx, st, bus, j.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.AttemptCount())
}

func TestWorkerEmitsErrorEventOnHandlerFailureEvenWhenRetrying(t *testing.T) {
	st, bus := newTestDeps()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(0, "flaky", st, bus, func(ctx context.Context, j *job.Job) error {
		return errors.New("boom")
	})
	go w.Run(ctx)

	j, err := job.New(st, bus, "flaky", "x")
	require.NoError(t, err)
	j.Attempts(2) // retries once before terminal failure
	require.NoError(t, j.Save(ctx))

	errEvents := make(chan []interface{}, 4)
	bus.Listen(j.ID(), func(args ...interface{}) {
		// The start event carries no args; only the error event carries
		// the handler's error string, so this is how the test tells them
		// apart without the bus exposing the event name to listeners.
		if len(args) > 0 {
			errEvents <- args
		}
	})

	select {
	case args := <-errEvents:
		assert.Equal(t, []interface{}{"boom"}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe an error event for the failed handler attempt")
	}
}

func TestWorkerSalvageRequeuesOrphans(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	j, err := job.New(st, bus, "orphan", "x")
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx))
	require.NoError(t, j.ActiveState(ctx))

	w := New(0, "orphan", st, bus, func(ctx context.Context, j *job.Job) error { return nil })
	w.Salvage(ctx)

	card, err := st.IndexCard(ctx, job.TypeStateIndexKey("orphan", types.StateInactive))
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	activeCard, err := st.IndexCard(ctx, job.TypeStateIndexKey("orphan", types.StateActive))
	require.NoError(t, err)
	assert.Equal(t, int64(0), activeCard)
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	st, bus := newTestDeps()
	ctx, cancel := context.WithCancel(context.Background())

	w := New(0, "email", st, bus, func(ctx context.Context, j *job.Job) error { return nil })
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
