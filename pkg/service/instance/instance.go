// Package instance keeps track of the ids of running instances.
//
// An instance id namespaces the in-process lists of a process, so two
// processes must not run with the same id. The check is best effort, it is
// not a distributed lock.
package instance

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/service/queue"
)

// ErrDuplicateInstance is returned when the id is already registered.
var ErrDuplicateInstance = errors.New("instance id already in use")

// Registry wraps the set of methods for registering instance ids.
type Registry interface {
	Verify(ctx context.Context, id string, force bool) error
	Remove(ctx context.Context, id string) error
	PersistQueueNames(ctx context.Context, names []string) error
}

// Ensure RedisAdapter implements Registry.
var _ Registry = (*RedisAdapter)(nil)

// NewRedisAdapter creates a RedisAdapter.
func NewRedisAdapter(c *redis.Client, l log.Logger) *RedisAdapter {
	if c == nil {
		panic("nil instance client")
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	return &RedisAdapter{c: c, l: l}
}

// RedisAdapter keeps instance ids in a Redis set.
type RedisAdapter struct {
	c *redis.Client
	l log.Logger
}

// Verify registers id. Unless force is set, an id that is already registered
// fails with ErrDuplicateInstance.
func (r *RedisAdapter) Verify(ctx context.Context, id string, force bool) error {
	if id == "" {
		return errors.New("invalid instance id")
	}
	client := r.c.WithContext(ctx)
	if force {
		_ = r.l.Log("LEVEL", "WARN", "MESSAGE", fmt.Sprintf("Skipping uniqueness check for instance %s", id))
		err := client.SAdd(queue.InstanceSetKey, id).Err()
		return errors.Wrapf(err, "unable to register instance %q", id)
	}

	member, err := client.SIsMember(queue.InstanceSetKey, id).Result()
	if err != nil {
		return errors.Wrapf(err, "unable to check instance %q", id)
	}
	if member {
		return errors.Wrapf(ErrDuplicateInstance, "%s", id)
	}
	// Another instance may have added the id since the check.
	added, err := client.SAdd(queue.InstanceSetKey, id).Result()
	if err != nil {
		return errors.Wrapf(err, "unable to register instance %q", id)
	}
	if added == 0 {
		return errors.Wrapf(ErrDuplicateInstance, "%s", id)
	}
	_ = r.l.Log("LEVEL", "INFO", "MESSAGE", fmt.Sprintf("Registered instance %s", id))
	return nil
}

// Remove unregisters id so that it may be used again.
func (r *RedisAdapter) Remove(ctx context.Context, id string) error {
	err := r.c.WithContext(ctx).SRem(queue.InstanceSetKey, id).Err()
	return errors.Wrapf(err, "unable to remove instance %q", id)
}

// PersistQueueNames clears any expiry set on the given list keys.
func (r *RedisAdapter) PersistQueueNames(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := r.c.WithContext(ctx).Pipelined(func(pipe redis.Pipeliner) error {
		for _, n := range names {
			pipe.Persist(n)
		}
		return nil
	})
	return errors.Wrap(err, "unable to persist queue names")
}
