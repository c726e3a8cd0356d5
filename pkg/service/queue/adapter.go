package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service/stats"
)

// Ensure RedisAdapter implements Queue.
var _ Queue = (*RedisAdapter)(nil)

// reverseDequeueScript pops the tail of KEYS[1] and pushes it to the tail of
// KEYS[2].
var reverseDequeueScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if v then
	redis.call('RPUSH', KEYS[2], v)
end
return v
`)

// NewRedisAdapter creates a new RedisAdapter. instanceID namespaces the
// in-process lists of this process.
func NewRedisAdapter(c *redis.Client, instanceID string, l log.Logger) *RedisAdapter {
	if c == nil {
		panic("nil queue client")
	}
	if instanceID == "" {
		panic("empty instance id")
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	return &RedisAdapter{
		c:          c,
		instanceID: instanceID,
		l:          l,
		names:      make(map[string]struct{}),
	}
}

// RedisAdapter for a Redis client to implement the Queue interface.
//
// RedisAdapter is safe for concurrent use.
type RedisAdapter struct {
	c          *redis.Client
	instanceID string
	l          log.Logger

	namesMu sync.RWMutex
	names   map[string]struct{}
}

// InstanceID returns the id namespacing this adapter's in-process lists.
func (r *RedisAdapter) InstanceID() string {
	return r.instanceID
}

// InprocKey returns the in-process list key of listKey for this instance.
func (r *RedisAdapter) InprocKey(listKey string) string {
	return InprocKey(listKey, r.instanceID)
}

func encode(recs []record.Record) ([]interface{}, error) {
	out := make([]interface{}, len(recs))
	for i, rec := range recs {
		b, err := record.Marshal(rec)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// trackName remembers listKey and clears any expiry on it the first time it
// is seen.
func (r *RedisAdapter) trackName(ctx context.Context, listKey string) {
	r.namesMu.RLock()
	_, ok := r.names[listKey]
	r.namesMu.RUnlock()
	if ok {
		return
	}

	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	if _, ok := r.names[listKey]; ok {
		return
	}
	if err := r.c.WithContext(ctx).Persist(listKey).Err(); err != nil {
		_ = r.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Unable to persist queue %s: %s", listKey, err))
		return
	}
	r.names[listKey] = struct{}{}
}

// Enqueue pushes recs to the head of listKey and counts them, in one
// transaction.
func (r *RedisAdapter) Enqueue(ctx context.Context, listKey string, recs ...record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	values, err := encode(recs)
	if err != nil {
		return err
	}
	_, err = r.c.WithContext(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.LPush(listKey, values...)
		stats.RecordEnqueue(pipe, listKey, int64(len(values)))
		return nil
	})
	if err != nil {
		return wrapErr(err, "error pushing to Redis list %q", listKey)
	}
	r.trackName(ctx, listKey)
	return nil
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Redis only blocks in whole seconds, where 0 means forever. Shorter waits
// are done by polling once, waiting, and polling again.
func blockingSupported(timeout time.Duration) bool {
	return timeout >= time.Second
}

// Dequeue moves the tail of the route's source list to the head of its
// in-process list.
func (r *RedisAdapter) Dequeue(ctx context.Context, exchange, route string, timeout time.Duration) (record.Record, bool, error) {
	src := ListKey(exchange, route)
	dst := r.InprocKey(src)
	client := r.c.WithContext(ctx)

	var v string
	var err error
	if blockingSupported(timeout) {
		v, err = client.BRPopLPush(src, dst, timeout).Result()
	} else {
		v, err = client.RPopLPush(src, dst).Result()
		if err == redis.Nil && timeout > 0 {
			wait(ctx, timeout)
			if ctx.Err() != nil {
				return record.Record{}, false, nil
			}
			v, err = client.RPopLPush(src, dst).Result()
		}
	}
	if err == redis.Nil {
		return record.Record{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return record.Record{}, false, errors.WithStack(ctx.Err())
		}
		return record.Record{}, false, wrapErr(err, "error moving from %q to %q", src, dst)
	}

	rec, err := record.Unmarshal([]byte(v))
	if err != nil {
		r.quarantine(ctx, src, dst, v)
		return record.Record{}, false, errors.Wrapf(err, "unreadable value in %q", src)
	}
	return rec, true, nil
}

// quarantine moves an undecodable value out of the in-process list into the
// dead-letter list.
func (r *RedisAdapter) quarantine(ctx context.Context, listKey, inprocKey, v string) {
	_, err := r.c.WithContext(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.LRem(inprocKey, -1, v)
		pipe.LPush(DeadLetterKey(listKey), v)
		return nil
	})
	if err != nil {
		_ = r.l.Log("LEVEL", "ERROR", "MESSAGE", fmt.Sprintf("Unable to dead-letter unreadable value from %s: %s", inprocKey, err))
	}
}

// Pop removes the tail of the route's source list without moving it to the
// in-process list. A record taken this way is lost if the caller fails.
func (r *RedisAdapter) Pop(ctx context.Context, exchange, route string, timeout time.Duration) (record.Record, bool, error) {
	src := ListKey(exchange, route)
	client := r.c.WithContext(ctx)

	var v string
	var err error
	if blockingSupported(timeout) {
		var res []string
		res, err = client.BRPop(timeout, src).Result()
		if err == nil && len(res) == 2 {
			v = res[1]
		}
	} else {
		v, err = client.RPop(src).Result()
		if err == redis.Nil && timeout > 0 {
			wait(ctx, timeout)
			if ctx.Err() != nil {
				return record.Record{}, false, nil
			}
			v, err = client.RPop(src).Result()
		}
	}
	if err == redis.Nil {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, wrapErr(err, "error reading from Redis list %q", src)
	}
	if err := stats.RecordDequeue(client, src, 1).Err(); err != nil {
		_ = r.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Unable to count dequeue on %s: %s", src, err))
	}
	rec, err := record.Unmarshal([]byte(v))
	if err != nil {
		return record.Record{}, false, errors.Wrapf(err, "unreadable value in %q", src)
	}
	return rec, true, nil
}

// EndCommit finishes a delivery of rec taken from listKey.
//
// The copy in the in-process list is the value as it was dequeued, so it is
// matched using rec.PriorDelivery. When requeue is set the record goes back
// to the tail of the source list to be delivered next, otherwise the dequeue
// counter is incremented.
func (r *RedisAdapter) EndCommit(ctx context.Context, rec record.Record, listKey string, requeue bool) error {
	inproc := r.InprocKey(listKey)
	prior, err := record.Marshal(rec.PriorDelivery())
	if err != nil {
		return err
	}
	var next []byte
	if requeue {
		if next, err = record.Marshal(rec.Redelivery()); err != nil {
			return err
		}
	}

	var removed *redis.IntCmd
	_, err = r.c.WithContext(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(inproc, -1, prior)
		if requeue {
			pipe.RPush(listKey, next)
		} else {
			stats.RecordDequeue(pipe, listKey, 1)
		}
		return nil
	})
	if err != nil {
		return wrapErr(err, "error committing record %s on %q", rec.Key.ID, listKey)
	}
	if n := removed.Val(); n != 1 {
		_ = r.l.Log("LEVEL", "WARN", "MESSAGE",
			fmt.Sprintf("Record %s was not removed from %s on commit", rec.Key.ID, inproc),
			"removed", n)
	}
	return nil
}

// ReverseDequeue moves the tail of the route's in-process list to the tail of
// its source list.
func (r *RedisAdapter) ReverseDequeue(ctx context.Context, exchange, route string) (bool, error) {
	src := ListKey(exchange, route)
	inproc := r.InprocKey(src)
	err := reverseDequeueScript.Run(r.c.WithContext(ctx), []string{inproc, src}).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err, "error moving from %q back to %q", inproc, src)
	}
	return true, nil
}

type popFunc func(c *redis.Client, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)

func pipelined(c *redis.Client, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return c.Pipelined(fn)
}

func txPipelined(c *redis.Client, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return c.TxPipelined(fn)
}

// clear pops listKey empty in at most MaxClearAttempts passes.
func (r *RedisAdapter) clear(ctx context.Context, listKey string, run popFunc) (bool, error) {
	client := r.c.WithContext(ctx)
	removed := int64(0)
	for i := 0; i < MaxClearAttempts; i++ {
		n, err := client.LLen(listKey).Result()
		if err != nil {
			return false, wrapErr(err, "unable to get length of %q", listKey)
		}
		if n == 0 {
			break
		}
		_, err = run(client, func(pipe redis.Pipeliner) error {
			for j := int64(0); j < n; j++ {
				pipe.RPop(listKey)
			}
			return nil
		})
		if err != nil && err != redis.Nil {
			return false, wrapErr(err, "unable to clear %q", listKey)
		}
		removed += n
	}

	n, err := client.LLen(listKey).Result()
	if err != nil {
		return false, wrapErr(err, "unable to get length of %q", listKey)
	}
	_ = r.l.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Cleared %s", listKey), "removed", removed, "remaining", n)
	if n != 0 {
		_ = r.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Gave up clearing %s after %d attempts", listKey, MaxClearAttempts))
	}
	return n == 0, nil
}

// Clear empties the route's source list using pipelined pops.
func (r *RedisAdapter) Clear(ctx context.Context, exchange, route string) (bool, error) {
	return r.clear(ctx, ListKey(exchange, route), pipelined)
}

// ClearInproc empties the route's in-process list using transactional pops.
func (r *RedisAdapter) ClearInproc(ctx context.Context, exchange, route string) (bool, error) {
	return r.clear(ctx, r.InprocKey(ListKey(exchange, route)), txPipelined)
}

// SizeOf returns the length of the list at key.
func (r *RedisAdapter) SizeOf(ctx context.Context, key string) (int64, error) {
	n, err := r.c.WithContext(ctx).LLen(key).Result()
	return n, wrapErr(err, "unable to get length of %q", key)
}

// Size returns the length of the route's source list.
func (r *RedisAdapter) Size(ctx context.Context, exchange, route string) (int64, error) {
	return r.SizeOf(ctx, ListKey(exchange, route))
}

// InprocSize returns the length of the route's in-process list.
func (r *RedisAdapter) InprocSize(ctx context.Context, exchange, route string) (int64, error) {
	return r.SizeOf(ctx, r.InprocKey(ListKey(exchange, route)))
}

// DeadLetter pushes rec to the dead-letter list of its queue.
func (r *RedisAdapter) DeadLetter(ctx context.Context, rec record.Record) error {
	b, err := record.Marshal(rec)
	if err != nil {
		return err
	}
	key := DeadLetterKey(ListKey(rec.Key.Exchange, rec.Key.RoutingKey))
	err = r.c.WithContext(ctx).LPush(key, b).Err()
	return wrapErr(err, "error pushing to dead-letter list %q", key)
}

// QueueNames returns the source list keys present in Redis.
//
// This uses KEYS, which walks the whole key space.
func (r *RedisAdapter) QueueNames(ctx context.Context) ([]string, error) {
	keys, err := r.c.WithContext(ctx).Keys(Prefix + "*").Result()
	if err != nil {
		return nil, wrapErr(err, "unable to list queue names")
	}
	out := keys[:0]
	for _, k := range keys {
		if isQueueName(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadQueueNames replaces the known queue names with those in Redis.
func (r *RedisAdapter) LoadQueueNames(ctx context.Context) ([]string, error) {
	names, err := r.QueueNames(ctx)
	if err != nil {
		return nil, err
	}
	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	r.names = make(map[string]struct{}, len(names))
	for _, n := range names {
		r.names[n] = struct{}{}
	}
	return names, nil
}

// Ping checks the connection to Redis.
func (r *RedisAdapter) Ping(ctx context.Context) error {
	return wrapErr(r.c.WithContext(ctx).Ping().Err(), "unable to reach Redis")
}
