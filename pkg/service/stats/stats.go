// Package stats keeps enqueue and dequeue counters for queues in a Redis
// hash next to each list.
package stats

import (
	"context"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// Suffix marks the counter hash of a list.
const Suffix = "$STAT"

// Hash fields.
const (
	FieldEnqueued = "STATS_ENQ"
	FieldDequeued = "STATS_DEQ"
)

// HashKey returns the key of the counter hash for listKey.
func HashKey(listKey string) string {
	return listKey + Suffix
}

// Counters wraps the set of methods for reading and resetting queue counters.
type Counters interface {
	EnqueueCount(ctx context.Context, listKey string) (int64, error)
	DequeueCount(ctx context.Context, listKey string) (int64, error)
	Reset(ctx context.Context, listKey string) error
}

// RecordEnqueue queues an increment of the enqueue counter on c, which is
// usually a pipeline or transaction.
func RecordEnqueue(c redis.Cmdable, listKey string, n int64) *redis.IntCmd {
	return c.HIncrBy(HashKey(listKey), FieldEnqueued, n)
}

// RecordDequeue queues an increment of the dequeue counter on c.
func RecordDequeue(c redis.Cmdable, listKey string, n int64) *redis.IntCmd {
	return c.HIncrBy(HashKey(listKey), FieldDequeued, n)
}

// Ensure RedisAdapter implements Counters.
var _ Counters = (*RedisAdapter)(nil)

// NewRedisAdapter creates a RedisAdapter.
func NewRedisAdapter(c *redis.Client) *RedisAdapter {
	if c == nil {
		panic("nil stats client")
	}
	return &RedisAdapter{c: c}
}

// RedisAdapter reads and resets counters stored in Redis.
type RedisAdapter struct {
	c *redis.Client
}

func (r *RedisAdapter) get(ctx context.Context, listKey, field string) (int64, error) {
	if len(listKey) == 0 {
		return 0, errors.New("invalid key")
	}
	v, err := r.c.WithContext(ctx).HGet(HashKey(listKey), field).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get %s for %q", field, listKey)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected format or not a number for %s of %q", field, listKey)
	}
	return n, nil
}

// EnqueueCount returns the number of records pushed to listKey.
func (r *RedisAdapter) EnqueueCount(ctx context.Context, listKey string) (int64, error) {
	return r.get(ctx, listKey, FieldEnqueued)
}

// DequeueCount returns the number of records taken off listKey for good.
func (r *RedisAdapter) DequeueCount(ctx context.Context, listKey string) (int64, error) {
	return r.get(ctx, listKey, FieldDequeued)
}

// Reset sets both counters of listKey to zero in one transaction.
func (r *RedisAdapter) Reset(ctx context.Context, listKey string) error {
	if len(listKey) == 0 {
		return errors.New("invalid key")
	}
	key := HashKey(listKey)
	_, err := r.c.WithContext(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.HDel(key, FieldEnqueued, FieldDequeued)
		pipe.HIncrBy(key, FieldEnqueued, 0)
		pipe.HIncrBy(key, FieldDequeued, 0)
		return nil
	})
	return errors.Wrapf(err, "failed to reset counters for %q", listKey)
}
