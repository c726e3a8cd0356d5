// Package keyvaluemock implements in-memory counters and instance
// registration.
package keyvaluemock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/rwool/blaze/pkg/service/instance"
	"github.com/rwool/blaze/pkg/service/stats"
)

// Ensure KeyValueMock implements the interfaces it stands in for.
var (
	_ stats.Counters    = (*KeyValueMock)(nil)
	_ instance.Registry = (*KeyValueMock)(nil)
)

// KeyValueMock is a mock implementation of stats.Counters and
// instance.Registry.
//
// Intended for testing only.
type KeyValueMock struct {
	values *sync.Map

	mu        sync.Mutex
	persisted []string
}

// New returns a new KeyValueMock.
func New() *KeyValueMock {
	return &KeyValueMock{values: new(sync.Map)}
}

type counter struct {
	i  int64
	mu sync.Mutex
}

func (k *KeyValueMock) getCounter(key string) *counter {
	v, ok := k.values.Load(key)
	if !ok {
		v, _ = k.values.LoadOrStore(key, &counter{})
	}
	return v.(*counter)
}

// Add adds n to the counter field of listKey.
func (k *KeyValueMock) Add(listKey, field string, n int64) {
	c := k.getCounter(stats.HashKey(listKey) + "/" + field)
	c.mu.Lock()
	c.i += n
	c.mu.Unlock()
}

func (k *KeyValueMock) get(listKey, field string) int64 {
	c := k.getCounter(stats.HashKey(listKey) + "/" + field)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.i
}

// EnqueueCount returns the enqueue counter of listKey.
func (k *KeyValueMock) EnqueueCount(_ context.Context, listKey string) (int64, error) {
	return k.get(listKey, stats.FieldEnqueued), nil
}

// DequeueCount returns the dequeue counter of listKey.
func (k *KeyValueMock) DequeueCount(_ context.Context, listKey string) (int64, error) {
	return k.get(listKey, stats.FieldDequeued), nil
}

// Reset zeroes both counters of listKey.
func (k *KeyValueMock) Reset(_ context.Context, listKey string) error {
	for _, f := range []string{stats.FieldEnqueued, stats.FieldDequeued} {
		c := k.getCounter(stats.HashKey(listKey) + "/" + f)
		c.mu.Lock()
		c.i = 0
		c.mu.Unlock()
	}
	return nil
}

// Verify registers id, failing for a known id unless force is set.
func (k *KeyValueMock) Verify(_ context.Context, id string, force bool) error {
	_, loaded := k.values.LoadOrStore(instanceKey(id), struct{}{})
	if loaded && !force {
		return errors.Wrapf(instance.ErrDuplicateInstance, "%s", id)
	}
	return nil
}

// Remove unregisters id.
func (k *KeyValueMock) Remove(_ context.Context, id string) error {
	k.values.Delete(instanceKey(id))
	return nil
}

// Registered reports whether id is registered.
func (k *KeyValueMock) Registered(id string) bool {
	_, ok := k.values.Load(instanceKey(id))
	return ok
}

// PersistQueueNames records names.
func (k *KeyValueMock) PersistQueueNames(_ context.Context, names []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.persisted = append(k.persisted, names...)
	return nil
}

// Persisted returns the names passed to PersistQueueNames.
func (k *KeyValueMock) Persisted() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.persisted...)
}

func instanceKey(id string) string {
	return "instance/" + id
}
