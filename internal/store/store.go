// Package store is the Store client facade: a single connection factory
// plus a key-prefixing convention over a shared key/value + sorted-set
// store (spec.md §4.0, §6). Everything above this package — the job
// record, the event bus, workers, the promoter — talks to a Store, never
// to a concrete backend, so a production deployment can swap the default
// Redis client for any backend that honors the same ordering and
// atomicity guarantees.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreError wraps any failure surfaced by a concrete backend; it is
// never swallowed (spec.md §7).
var ErrStoreError = errors.New("store error")

// Store is the minimal set of primitives the job queue core needs: a
// monotonic id allocator, a type registry, per-job hash + list storage,
// priority-ordered sets, per-type notification lists with a blocking pop,
// a cumulative counter, and a settings hash.
//
// Index keys are opaque strings; callers compose them following the
// layout in spec.md §6 (e.g. "jobs", "jobs:active", "jobs:email:active").
// Every Index* method treats score ascending as dispatch order — lower
// score wins, matching signed job priority (or, for the delayed index,
// the job's delay in ms).
type Store interface {
	// NextID allocates the next monotonic job id.
	NextID(ctx context.Context) (uint64, error)

	// AddType records typ in the set of known job types.
	AddType(ctx context.Context, typ string) error
	// Types returns every known type name.
	Types(ctx context.Context) ([]string, error)

	// SaveJob persists the scalar fields of rec under its hash key.
	SaveJob(ctx context.Context, rec *Record) error
	// LoadJob reads the hash key for id. ok is false if no such key exists.
	LoadJob(ctx context.Context, id uint64) (*Record, bool, error)
	// DeleteJob removes the hash key for id. Best-effort: callers should
	// not treat a missing key as an error.
	DeleteJob(ctx context.Context, id uint64) error

	// AppendLog appends line to job id's log list, trimming to
	// types.MaxLogEntries from the front.
	AppendLog(ctx context.Context, id uint64, line string) error
	// Log returns the full log list for id, oldest first.
	Log(ctx context.Context, id uint64) ([]string, error)
	// DeleteLog removes the log list for id.
	DeleteLog(ctx context.Context, id uint64) error

	// IndexAdd places id into the ordered set key at score.
	IndexAdd(ctx context.Context, key string, id uint64, score float64) error
	// IndexRemove removes id from the ordered set key. Best-effort.
	IndexRemove(ctx context.Context, key string, id uint64) error
	// IndexRange returns up to count ids from key in ascending-score
	// order, starting at offset.
	IndexRange(ctx context.Context, key string, offset, count int64) ([]uint64, error)
	// IndexCard returns the number of members of the ordered set key.
	IndexCard(ctx context.Context, key string) (int64, error)

	// Notify pushes one sentinel onto the per-type notification list,
	// waking exactly one blocked WaitNotify caller.
	Notify(ctx context.Context, typ string) error
	// WaitNotify blocks (up to timeout, 0 meaning unbounded) for a
	// sentinel on typ's notification list. woke is false on timeout.
	WaitNotify(ctx context.Context, typ string, timeout time.Duration) (woke bool, err error)

	// IncrWorkTime adds ms to the cumulative worker-time counter.
	IncrWorkTime(ctx context.Context, ms int64) error
	// WorkTime returns the cumulative worker-time counter, in ms.
	WorkTime(ctx context.Context) (int64, error)

	// SettingGet reads a settings hash entry. ok is false if absent.
	SettingGet(ctx context.Context, name string) (string, bool, error)
	// SettingSet writes a settings hash entry.
	SettingSet(ctx context.Context, name, value string) error

	// Close releases the underlying connection(s).
	Close() error
}

// Record is the store's wire shape for a job's scalar fields — the
// parts that live in the job:<id> hash. It intentionally excludes the
// log, which is stored (and sized) separately.
type Record struct {
	ID          uint64
	Type        string
	Data        string
	Priority    int
	State       string
	Delay       int64
	Attempts    int
	MaxAttempts int
	Progress    int
	Error       string
	CreatedAt   int64
	UpdatedAt   int64
	FailedAt    int64
	Duration    int64
}
