// ============================================================================
// CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra
//
// Command Structure:
//   jobqueue                       # Root command
//   ├── run                        # Start queue system (workers + promoter)
//   │   └── --config, -c          # Specify config file
//   ├── enqueue                    # Submit jobs from a JSON file
//   │   └── --file, -f            # Specify job JSON file
//   ├── status                     # View system status
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// run Command:
//   1. Load config file
//   2. Open the configured Store (redis or memory)
//   3. Create the Queue, start a Worker pool per configured type
//   4. Start the Promoter
//   5. Start the Metrics HTTP server (if enabled)
//   6. Listen for SIGINT/SIGTERM and shut down gracefully
//
// enqueue Command:
//   Batch submit jobs from a JSON file:
//   [
//     {"type": "email", "priority": "high", "data": {"to": "a@b.com"}}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/jobqueue/internal/config"
	"github.com/ChuLiYu/jobqueue/internal/eventbus"
	"github.com/ChuLiYu/jobqueue/internal/job"
	"github.com/ChuLiYu/jobqueue/internal/metrics"
	"github.com/ChuLiYu/jobqueue/internal/queue"
	"github.com/ChuLiYu/jobqueue/internal/store"
	"github.com/ChuLiYu/jobqueue/pkg/types"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	globalQueue *queue.Queue
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jobqueue",
		Short: "jobqueue: a persistent, priority-aware job queue",
		Long: `jobqueue is a job queue built over a shared store:
- priority dispatch across worker processes
- delayed jobs promoted on a schedule
- retry/attempt policy per job type
- cross-process lifecycle events
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the job queue system",
		Long:  "Open the store, start worker pools and the delay promoter, and block until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

// logHandler is the default handler a standalone `run` wires up for
// every configured type: it logs the job's payload and completes. A
// real deployment passes its own handlers to queue.Queue.Process
// instead of going through the CLI's run command at all.
func logHandler(ctx context.Context, j *job.Job) error {
	log.Printf("processing job %d (type=%s): %s", j.ID(), j.Type(), j.RawData())
	return nil
}

// metricsGaugeLoop periodically refreshes the per-type inactive/active
// depth gauges; the counters fed through the Queue already update as
// jobs move, but queue depth is a point-in-time snapshot no single
// transition owns.
func metricsGaugeLoop(ctx context.Context, q *queue.Queue, collector *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobTypes, err := q.Types(ctx)
			if err != nil {
				log.Printf("metrics gauge refresh: list types failed: %v", err)
				continue
			}
			for _, t := range jobTypes {
				inactive, _ := q.TypeCard(ctx, t, types.StateInactive)
				active, _ := q.TypeCard(ctx, t, types.StateActive)
				collector.SetQueueDepth(t, inactive, active)
			}
		}
	}
}

// openStore opens the configured Store and its matching event-bus
// Transport together: the redis backend shares its connection pool with
// a RedisTransport so job ownership and lifecycle events travel over
// the same Redis instance as the records themselves; the memory backend
// pairs with an in-process MemoryTransport.
func openStore(cfg *config.Config) (store.Store, eventbus.Transport, error) {
	switch cfg.Store.Backend {
	case "redis":
		rs := store.NewRedisStore(cfg.Store.Addr, cfg.Store.Prefix)
		return rs, eventbus.NewRedisTransport(rs.Client(), cfg.Store.Prefix), nil
	case "memory", "":
		var (
			ms  *store.MemoryStore
			err error
		)
		if cfg.Store.SnapshotPath != "" {
			ms, err = store.NewMemoryStoreFromSnapshot(cfg.Store.SnapshotPath)
		} else {
			ms = store.NewMemoryStore("")
		}
		if err != nil {
			return nil, nil, err
		}
		return ms, eventbus.NewMemoryTransport(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, transport, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	q := queue.New(st, transport)
	globalQueue = q

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		q.SetMetrics(collector)
		q.OnError(func(jobID uint64, err error) {
			log.Printf("job %d error: %v", jobID, err)
		})
		go metricsGaugeLoop(ctx, q, collector)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	for jobType, n := range cfg.Workers {
		log.Printf("starting %d workers for type %q", n, jobType)
		q.Process(ctx, jobType, n, logHandler)
	}

	q.Promote(ctx, cfg.Promoter.IntervalMs)

	log.Println("job queue started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("received shutdown signal, stopping gracefully...")
	cancel()
	if err := q.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("job queue stopped")
	return nil
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and enqueue them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			return enqueueJobs(jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

type jobInput struct {
	Type     string                 `json:"type"`
	Priority string                 `json:"priority"`
	Data     map[string]interface{} `json:"data"`
	DelayMs  int64                  `json:"delay_ms"`
}

func enqueueJobs(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	var jobsInput []jobInput
	if err := json.Unmarshal(data, &jobsInput); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	if globalQueue == nil {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, transport, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		globalQueue = queue.New(st, transport)
	}

	ctx := context.Background()
	successCount := 0
	for _, input := range jobsInput {
		j, err := globalQueue.Create(input.Type, input.Data)
		if err != nil {
			log.Printf("failed to create job of type %s: %v", input.Type, err)
			continue
		}
		if input.Priority != "" {
			if err := j.Priority(input.Priority); err != nil {
				log.Printf("invalid priority %q: %v", input.Priority, err)
			}
		}
		if input.DelayMs > 0 {
			j.Delay(input.DelayMs)
		}
		if err := j.Save(ctx); err != nil {
			log.Printf("failed to save job of type %s: %v", input.Type, err)
			continue
		}
		successCount++
	}

	log.Printf("enqueued %d/%d jobs from %s", successCount, len(jobsInput), filePath)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job queue status",
		Long:  "Display job queue statistics and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("Job Queue Status")
	fmt.Printf("  config file:    %s\n", configFile)
	fmt.Printf("  store backend:  %s\n", cfg.Store.Backend)
	fmt.Printf("  worker types:   %d\n", len(cfg.Workers))
	fmt.Printf("  promoter tick:  %dms\n", cfg.Promoter.IntervalMs)

	if globalQueue != nil {
		ctx := context.Background()
		types, err := globalQueue.Types(ctx)
		if err == nil {
			fmt.Printf("  known types:    %v\n", types)
		}
		workTime, err := globalQueue.WorkTime(ctx)
		if err == nil {
			fmt.Printf("  work time:      %dms\n", workTime)
		}
	} else {
		fmt.Println("  queue not running in this process")
	}

	fmt.Println("Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  disabled")
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
