package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisTransport backs the Bus with a real Redis pub/sub channel per
// process and an owner hash shared by every process (spec.md §4.4,
// §5 "one connection is kept open for blocking reads/subscriptions").
// It uses the same *redis.Client as internal/store.RedisStore would,
// but is kept independent of the Store interface: the event bus is a
// distinct concern from job storage, even though both share a backend.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTransport wraps an existing client so the bus can share a
// connection pool with the rest of the process.
func NewRedisTransport(rdb *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{rdb: rdb, prefix: prefix}
}

func (t *RedisTransport) channel(processID string) string {
	return t.prefix + ":events:" + processID
}

func (t *RedisTransport) ownerKey() string {
	return t.prefix + ":job-owners"
}

func (t *RedisTransport) Publish(ctx context.Context, processID string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, t.channel(processID), raw).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, processID string) (<-chan Message, func(), error) {
	sub := t.rdb.Subscribe(ctx, t.channel(processID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", processID, err)
	}

	out := make(chan Message)
	raw := sub.Channel()
	go func() {
		defer close(out)
		for m := range raw {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Warn("redis transport: malformed message", "error", err)
				continue
			}
			out <- msg
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (t *RedisTransport) SetOwner(ctx context.Context, jobID uint64, processID string) error {
	return t.rdb.HSet(ctx, t.ownerKey(), strconv.FormatUint(jobID, 10), processID).Err()
}

func (t *RedisTransport) Owner(ctx context.Context, jobID uint64) (string, bool, error) {
	v, err := t.rdb.HGet(ctx, t.ownerKey(), strconv.FormatUint(jobID, 10)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (t *RedisTransport) ClearOwner(ctx context.Context, jobID uint64) error {
	return t.rdb.HDel(ctx, t.ownerKey(), strconv.FormatUint(jobID, 10)).Err()
}
