package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store implementation: a thin
// key-prefixing wrapper around a single *redis.Client, mapping each
// Store primitive onto the Redis command spec.md §6 names (hashes for
// job records, sorted sets for priority indices, lists for the
// per-type notification queues and their blocking pop).
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore opens one connection (github.com/redis/go-redis/v9's
// *redis.Client multiplexes it internally) against addr, namespacing
// every key under prefix so multiple queues can share a single Redis
// instance without collision.
func NewRedisStore(addr, prefix string) *RedisStore {
	return &RedisStore{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Client exposes the underlying *redis.Client so other components that
// share the same Redis backend (the event bus's pub/sub transport) can
// reuse the connection pool instead of opening a second one.
func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) wrap(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreError, err)
}

func (s *RedisStore) NextID(ctx context.Context) (uint64, error) {
	n, err := s.rdb.Incr(ctx, s.key("ids")).Result()
	if err != nil {
		return 0, s.wrap(err)
	}
	return uint64(n), nil
}

func (s *RedisStore) AddType(ctx context.Context, typ string) error {
	return s.wrap(s.rdb.SAdd(ctx, s.key("job", "types"), typ).Err())
}

func (s *RedisStore) Types(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, s.key("job", "types")).Result()
	return out, s.wrap(err)
}

func (s *RedisStore) SaveJob(ctx context.Context, rec *Record) error {
	fields := map[string]interface{}{
		"id":           rec.ID,
		"type":         rec.Type,
		"data":         rec.Data,
		"priority":     rec.Priority,
		"state":        rec.State,
		"delay":        rec.Delay,
		"attempts":     rec.Attempts,
		"max_attempts": rec.MaxAttempts,
		"progress":     rec.Progress,
		"error":        rec.Error,
		"created_at":   rec.CreatedAt,
		"updated_at":   rec.UpdatedAt,
		"failed_at":    rec.FailedAt,
		"duration":     rec.Duration,
	}
	return s.wrap(s.rdb.HSet(ctx, s.key("job", strconv.FormatUint(rec.ID, 10)), fields).Err())
}

func (s *RedisStore) LoadJob(ctx context.Context, id uint64) (*Record, bool, error) {
	m, err := s.rdb.HGetAll(ctx, s.key("job", strconv.FormatUint(id, 10))).Result()
	if err != nil {
		return nil, false, s.wrap(err)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	rec := &Record{ID: id}
	rec.Type = m["type"]
	rec.Data = m["data"]
	rec.Priority, _ = strconv.Atoi(m["priority"])
	rec.State = m["state"]
	rec.Delay, _ = strconv.ParseInt(m["delay"], 10, 64)
	rec.Attempts, _ = strconv.Atoi(m["attempts"])
	rec.MaxAttempts, _ = strconv.Atoi(m["max_attempts"])
	rec.Progress, _ = strconv.Atoi(m["progress"])
	rec.Error = m["error"]
	rec.CreatedAt, _ = strconv.ParseInt(m["created_at"], 10, 64)
	rec.UpdatedAt, _ = strconv.ParseInt(m["updated_at"], 10, 64)
	rec.FailedAt, _ = strconv.ParseInt(m["failed_at"], 10, 64)
	rec.Duration, _ = strconv.ParseInt(m["duration"], 10, 64)
	return rec, true, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, id uint64) error {
	return s.wrap(s.rdb.Del(ctx, s.key("job", strconv.FormatUint(id, 10))).Err())
}

func (s *RedisStore) AppendLog(ctx context.Context, id uint64, line string) error {
	key := s.key("job", strconv.FormatUint(id, 10), "log")
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, -maxLogEntries, -1)
	_, err := pipe.Exec(ctx)
	return s.wrap(err)
}

func (s *RedisStore) Log(ctx context.Context, id uint64) ([]string, error) {
	out, err := s.rdb.LRange(ctx, s.key("job", strconv.FormatUint(id, 10), "log"), 0, -1).Result()
	return out, s.wrap(err)
}

func (s *RedisStore) DeleteLog(ctx context.Context, id uint64) error {
	return s.wrap(s.rdb.Del(ctx, s.key("job", strconv.FormatUint(id, 10), "log")).Err())
}

func (s *RedisStore) IndexAdd(ctx context.Context, key string, id uint64, score float64) error {
	return s.wrap(s.rdb.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: id}).Err())
}

func (s *RedisStore) IndexRemove(ctx context.Context, key string, id uint64) error {
	return s.wrap(s.rdb.ZRem(ctx, s.key(key), id).Err())
}

func (s *RedisStore) IndexRange(ctx context.Context, key string, offset, count int64) ([]uint64, error) {
	stop := offset + count - 1
	if count <= 0 {
		stop = -1
	}
	members, err := s.rdb.ZRange(ctx, s.key(key), offset, stop).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *RedisStore) IndexCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.key(key)).Result()
	return n, s.wrap(err)
}

func (s *RedisStore) Notify(ctx context.Context, typ string) error {
	return s.wrap(s.rdb.LPush(ctx, s.key(typ, "jobs"), "1").Err())
}

func (s *RedisStore) WaitNotify(ctx context.Context, typ string, timeout time.Duration) (bool, error) {
	res, err := s.rdb.BLPop(ctx, timeout, s.key(typ, "jobs")).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(err)
	}
	return len(res) > 0, nil
}

func (s *RedisStore) IncrWorkTime(ctx context.Context, ms int64) error {
	return s.wrap(s.rdb.IncrBy(ctx, s.key("stats", "work-time"), ms).Err())
}

func (s *RedisStore) WorkTime(ctx context.Context) (int64, error) {
	n, err := s.rdb.Get(ctx, s.key("stats", "work-time")).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, s.wrap(err)
}

func (s *RedisStore) SettingGet(ctx context.Context, name string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key("settings"), name).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap(err)
	}
	return v, true, nil
}

func (s *RedisStore) SettingSet(ctx context.Context, name, value string) error {
	return s.wrap(s.rdb.HSet(ctx, s.key("settings"), name, value).Err())
}

func (s *RedisStore) Close() error {
	return s.wrap(s.rdb.Close())
}
