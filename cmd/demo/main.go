// ============================================================================
// Job Queue - Interactive Demo
// ============================================================================
//
// File: cmd/demo/main.go
// Purpose: A scripted walkthrough of priority dispatch, the delay
// promoter, and worker-crash salvage, driven from the command line.
//
// Usage:
//
//	go run cmd/demo/main.go start    # enqueue a priority-mixed batch, process it
//	go run cmd/demo/main.go salvage  # simulate a dead worker, then recover it
//
// ============================================================================

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/config"
	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/queue"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|salvage>")
		os.Exit(1)
	}

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	st := store.NewMemoryStore(cfg.Store.SnapshotPath)
	q := queue.New(st, eventbus.NewMemoryTransport())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch os.Args[1] {
	case "start":
		runStart(q, sigCh)
	case "salvage":
		runSalvage(st, q, sigCh)
	default:
		fmt.Printf("unknown mode %q\n", os.Args[1])
		os.Exit(1)
	}
}

var priorities = []string{"critical", "high", "medium", "normal", "low"}

func runStart(q *queue.Queue, sigCh chan os.Signal) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var completed, failed int
	q.OnError(func(jobID uint64, err error) {
		failed++
	})
	q.Process(ctx, "demo-task", 8, func(ctx context.Context, j *job.Job) error {
		time.Sleep(20 * time.Millisecond)
		if rand.Intn(10) == 0 {
			return fmt.Errorf("simulated handler failure")
		}
		completed++
		return nil
	})
	q.Promote(ctx, 200)

	const total = 200
	for i := 1; i <= total; i++ {
		j, err := q.Create("demo-task", map[string]interface{}{"task": fmt.Sprintf("job_%03d", i)})
		if err != nil {
			log.Fatalf("create job: %v", err)
		}
		_ = j.Priority(priorities[i%len(priorities)])
		if i%20 == 0 {
			j.Delay(int64(500 + i)) // sprinkle in a few delayed jobs
		}
		j.Attempts(2)
		if err := j.Save(ctx); err != nil {
			log.Fatalf("save job: %v", err)
		}
	}
	fmt.Printf("✓ enqueued %d jobs across %d priority levels\n", total, len(priorities))
	fmt.Println("⚡ 8 workers dispatching, highest priority first...")

	for i := 0; i < 30; i++ {
		select {
		case <-sigCh:
			fmt.Println("\nreceived shutdown signal, stopping gracefully...")
			if err := q.Shutdown(context.Background()); err != nil {
				log.Printf("shutdown error: %v", err)
			}
			return
		case <-time.After(100 * time.Millisecond):
			inactive, _ := q.Card(ctx, types.StateInactive)
			active, _ := q.Card(ctx, types.StateActive)
			fmt.Printf("status: inactive=%d active=%d complete≈%d failed≈%d\n", inactive, active, completed, failed)
		}
	}

	fmt.Println("✓ demo batch drained; press Ctrl+C to exit")
	<-sigCh
	if err := q.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// runSalvage simulates the crash-recovery scenario a raft/WAL system
// would narrate in terms of replayed log entries: here, a job is
// transitioned to active (as a worker claiming it would) with no
// worker ever processing it, standing in for a worker process that
// died mid-job. Starting a fresh Pool for the type runs Salvage first,
// which finds the orphan and returns it to inactive before any new
// worker blocks on the notification list.
func runSalvage(st store.Store, q *queue.Queue, sigCh chan os.Signal) {
	ctx := context.Background()
	bus := q.Bus()

	j, err := job.New(st, bus, "demo-task", map[string]string{"task": "orphaned_by_dead_worker"})
	if err != nil {
		log.Fatalf("create job: %v", err)
	}
	if err := j.Save(ctx); err != nil {
		log.Fatalf("save job: %v", err)
	}
	if err := j.ActiveState(ctx); err != nil {
		log.Fatalf("mark active: %v", err)
	}
	fmt.Printf("✓ job %d marked active, simulating a worker that died mid-run\n", j.ID())

	activeCard, _ := q.TypeCard(ctx, "demo-task", types.StateActive)
	fmt.Printf("  active jobs before salvage: %d\n", activeCard)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var recovered bool
	q.Process(runCtx, "demo-task", 1, func(ctx context.Context, j *job.Job) error {
		recovered = true
		return nil
	})

	time.Sleep(200 * time.Millisecond)
	fmt.Printf("✓ salvage recovered the orphan: processed=%v\n", recovered)

	activeCard, _ = q.TypeCard(ctx, "demo-task", types.StateActive)
	completeCard, _ := q.TypeCard(ctx, "demo-task", types.StateComplete)
	fmt.Printf("  active=%d complete=%d\n", activeCard, completeCard)

	<-sigCh
	if err := q.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
