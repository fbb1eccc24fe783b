package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolStartRunsNWorkers(t *testing.T) {
	st, bus := newTestDeps()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled int64
	pool := NewPool("email", 3, st, bus, func(ctx context.Context, j *job.Job) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})
	assert.Equal(t, 3, pool.Size())
	pool.Start(ctx)

	for i := 0; i < 10; i++ {
		j, err := job.New(st, bus, "email", i)
		require.NoError(t, err)
		require.NoError(t, j.Save(ctx))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&handled) == 10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolStartIsIdempotent(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	pool := NewPool("email", 1, st, bus, func(ctx context.Context, j *job.Job) error { return nil })
	pool.Start(ctx)
	pool.Start(ctx) // must not double-launch workers or panic

	pool.Stop()
}

func TestPoolStopBlocksUntilWorkersExit(t *testing.T) {
	st, bus := newTestDeps()
	ctx := context.Background()

	pool := NewPool("email", 2, st, bus, func(ctx context.Context, j *job.Job) error { return nil })
	pool.Start(ctx)
	pool.Stop() // should return promptly, not hang
}

func TestPoolSetMetricsAppliesToEveryWorker(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := metrics.NewCollector()

	st, bus := newTestDeps()
	pool := NewPool("email", 3, st, bus, func(ctx context.Context, j *job.Job) error { return nil })
	pool.SetMetrics(collector)

	for _, w := range pool.workers {
		require.NotNil(t, w.metrics)
	}
}

func TestPoolOnErrorAppliesToEveryWorker(t *testing.T) {
	st, bus := newTestDeps()
	pool := NewPool("email", 4, st, bus, func(ctx context.Context, j *job.Job) error { return nil })

	var calls int64
	pool.OnError(func(jobID uint64, err error) {
		atomic.AddInt64(&calls, 1)
	})

	for _, w := range pool.workers {
		require.NotNil(t, w.onError)
	}
}
