package store

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// zmember is one entry of a poor-man's sorted set: a slice kept sorted
// by score, id as the tiebreaker so equal-priority jobs stay in
// insertion (== allocation) order per spec.md §5 ordering guarantees.
type zmember struct {
	ID    uint64  `json:"id"`
	Score float64 `json:"score"`
}

// MemoryStore is a single-process Store implementation: maps and sorted
// slices behind a mutex, with an optional atomic JSON snapshot for
// durability across restarts (see snapshot.go, adapted from the
// teacher's file-backed snapshot manager). It is the default backend
// for local development, the CLI's standalone mode, and this repo's
// tests; a multi-host deployment swaps in RedisStore instead — both
// satisfy the same Store interface.
type MemoryStore struct {
	mu sync.Mutex

	nextID   uint64
	types    map[string]struct{}
	jobs     map[uint64]*Record
	logs     map[uint64][]string
	indices  map[string][]zmember
	workTime int64
	settings map[string]string

	notifyCh map[string]*list.List // per-type queue of waiter channels
	pending  map[string]int64      // per-type count of tokens pushed with no waiter yet

	log        *slog.Logger
	snapshotTo string
}

// NewMemoryStore builds an empty in-process store. snapshotPath, if
// non-empty, is where Close writes a snapshot (writeSnapshot in
// snapshot.go); an empty path disables persistence. NewMemoryStore never
// reads the file — NewMemoryStoreFromSnapshot restores from it.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	return &MemoryStore{
		types:      make(map[string]struct{}),
		jobs:       make(map[uint64]*Record),
		logs:       make(map[uint64][]string),
		indices:    make(map[string][]zmember),
		settings:   make(map[string]string),
		notifyCh:   make(map[string]*list.List),
		pending:    make(map[string]int64),
		log:        slog.Default().With("component", "store.memory"),
		snapshotTo: snapshotPath,
	}
}

func (m *MemoryStore) NextID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryStore) AddType(ctx context.Context, typ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[typ] = struct{}{}
	return nil
}

func (m *MemoryStore) Types(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.types))
	for t := range m.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SaveJob(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.jobs[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) LoadJob(ctx context.Context, id uint64) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, id uint64, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append(m.logs[id], line)
	if len(entries) > maxLogEntries {
		entries = entries[len(entries)-maxLogEntries:]
	}
	m.logs[id] = entries
	return nil
}

// maxLogEntries mirrors types.MaxLogEntries; duplicated as a plain
// constant here to keep this package free of a dependency on pkg/types.
const maxLogEntries = 200

func (m *MemoryStore) Log(ctx context.Context, id uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.logs[id]))
	copy(out, m.logs[id])
	return out, nil
}

func (m *MemoryStore) DeleteLog(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, id)
	return nil
}

func (m *MemoryStore) IndexAdd(ctx context.Context, key string, id uint64, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.indices[key]
	for _, mem := range members {
		if mem.ID == id {
			return nil
		}
	}
	members = append(members, zmember{ID: id, Score: score})
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].ID < members[j].ID
	})
	m.indices[key] = members
	return nil
}

func (m *MemoryStore) IndexRemove(ctx context.Context, key string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.indices[key]
	for i, mem := range members {
		if mem.ID == id {
			m.indices[key] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) IndexRange(ctx context.Context, key string, offset, count int64) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.indices[key]
	if offset >= int64(len(members)) {
		return nil, nil
	}
	end := offset + count
	if count <= 0 || end > int64(len(members)) {
		end = int64(len(members))
	}
	out := make([]uint64, 0, end-offset)
	for _, mem := range members[offset:end] {
		out = append(out, mem.ID)
	}
	return out, nil
}

func (m *MemoryStore) IndexCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.indices[key])), nil
}

// Notify mirrors a Redis LPUSH onto the type's notification list: a
// token pushed with nobody blocked on it is not lost, it sits until the
// next WaitNotify call claims it (see the pending counter below) — the
// original bug here woke an already-waiting caller but silently dropped
// the token otherwise, which could wedge a Worker started after its
// jobs were already enqueued.
func (m *MemoryStore) Notify(ctx context.Context, typ string) error {
	m.mu.Lock()
	q, ok := m.notifyCh[typ]
	if !ok {
		q = list.New()
		m.notifyCh[typ] = q
	}
	if q.Len() > 0 {
		front := q.Front()
		ch := front.Value.(chan struct{})
		q.Remove(front)
		m.mu.Unlock()
		close(ch)
		return nil
	}
	m.pending[typ]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) WaitNotify(ctx context.Context, typ string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	if m.pending[typ] > 0 {
		m.pending[typ]--
		m.mu.Unlock()
		return true, nil
	}
	ch := make(chan struct{})
	q, ok := m.notifyCh[typ]
	if !ok {
		q = list.New()
		m.notifyCh[typ] = q
	}
	el := q.PushBack(ch)
	m.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		return true, nil
	case <-timeoutCh:
		m.mu.Lock()
		q.Remove(el)
		m.mu.Unlock()
		return false, nil
	case <-ctx.Done():
		m.mu.Lock()
		q.Remove(el)
		m.mu.Unlock()
		return false, ctx.Err()
	}
}

func (m *MemoryStore) IncrWorkTime(ctx context.Context, ms int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workTime += ms
	return nil
}

func (m *MemoryStore) WorkTime(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workTime, nil
}

func (m *MemoryStore) SettingGet(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[name]
	return v, ok, nil
}

func (m *MemoryStore) SettingSet(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[name] = value
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshotTo == "" {
		return nil
	}
	if err := m.writeSnapshot(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	return nil
}
