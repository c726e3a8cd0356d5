package container_test

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/rwool/blaze/pkg/internal/queuemock"
	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service/container"
	"github.com/rwool/blaze/pkg/service/queue"
	"github.com/rwool/blaze/pkg/service/recovery"
)

type testConsumer struct {
	container.BaseConsumer
	onMessage func(context.Context, container.Message) error
	allow     func(expired bool, count int, data interface{}) bool

	destroyed int32
	caught    int32
}

func (c *testConsumer) OnMessage(ctx context.Context, m container.Message) error {
	return c.onMessage(ctx, m)
}

func (c *testConsumer) AllowRedelivery(expired bool, count int, data interface{}) bool {
	if c.allow != nil {
		return c.allow(expired, count, data)
	}
	return c.BaseConsumer.AllowRedelivery(expired, count, data)
}

func (c *testConsumer) OnExceptionCaught(error, interface{}) {
	atomic.AddInt32(&c.caught, 1)
}

func (c *testConsumer) Destroy() {
	atomic.AddInt32(&c.destroyed, 1)
}

func newContainer(q *queuemock.QueueMock, dl container.DeadLetterHandler) *container.Container {
	return container.New(container.Config{
		Store:        q,
		Recovery:     recovery.New(q, true, log.NewNopLogger()),
		DeadLetter:   dl,
		Log:          log.NewNopLogger(),
		Workers:      4,
		PollInterval: 20 * time.Millisecond,
	})
}

func listener(t *testing.T, route string, c container.Consumer, concurrency int) container.Listener {
	l, err := container.NewBuilder().
		Route(route).
		Exchange("test").
		Concurrency(concurrency).
		Decoder(container.StringDecoder).
		Consumer(c).
		Build()
	require.NoError(t, err)
	return l
}

func enqueue(t *testing.T, q *queuemock.QueueMock, route string, payloads ...string) {
	var recs []record.Record
	for _, p := range payloads {
		recs = append(recs, record.New("test", route, []byte(p)))
	}
	require.NoError(t, q.Enqueue(context.Background(), queue.ListKey("test", route), recs...))
}

func sizes(t *testing.T, q *queuemock.QueueMock, route string) (int64, int64) {
	ctx := context.Background()
	src, err := q.Size(ctx, "test", route)
	require.NoError(t, err)
	inproc, err := q.InprocSize(ctx, "test", route)
	require.NoError(t, err)
	return src, inproc
}

func TestAtLeastOnce(t *testing.T) {
	t.Parallel()

	const count = 20
	var (
		q           = queuemock.New()
		route       = t.Name()
		sema        = semaphore.NewWeighted(count)
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		mu          sync.Mutex
		seen        = make(map[string]int)
	)
	defer cancel()
	require.NoError(t, sema.Acquire(ctx, count))

	cons := &testConsumer{onMessage: func(_ context.Context, m container.Message) error {
		mu.Lock()
		seen[m.Data.(string)]++
		mu.Unlock()
		sema.Release(1)
		return nil
	}}
	c := newContainer(q, nil)
	require.NoError(t, c.Register(ctx, listener(t, route, cons, 3)))

	var payloads []string
	for i := 0; i < count; i++ {
		payloads = append(payloads, strconv.Itoa(i))
	}
	enqueue(t, q, route, payloads...)

	require.NoError(t, sema.Acquire(ctx, count), "All records should be delivered.")
	require.NoError(t, c.Shutdown())

	assert.Len(t, seen, count)
	for k, v := range seen {
		assert.Equal(t, 1, v, "Record %s delivered more than once.", k)
	}
	src, inproc := sizes(t, q, route)
	assert.EqualValues(t, 0, src)
	assert.EqualValues(t, 0, inproc)
	assert.EqualValues(t, count, q.DequeueCount(queue.ListKey("test", route)))
	assert.Zero(t, q.Mismatches)
	assert.EqualValues(t, 1, atomic.LoadInt32(&cons.destroyed))
}

func TestRedelivery(t *testing.T) {
	t.Parallel()

	const failures = 2
	var (
		q           = queuemock.New()
		route       = t.Name()
		done        = make(chan record.Record, 1)
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		attempts    int32
	)
	defer cancel()

	cons := &testConsumer{onMessage: func(_ context.Context, m container.Message) error {
		if atomic.AddInt32(&attempts, 1) <= failures {
			return record.Redeliverable(errors.New("try again"), m.Data)
		}
		done <- m.Record
		return nil
	}}
	c := newContainer(q, nil)
	require.NoError(t, c.Register(ctx, listener(t, route, cons, 2)))
	enqueue(t, q, route, "X")

	select {
	case rec := <-done:
		assert.Equal(t, failures, rec.RedeliveryCount)
		assert.True(t, rec.Redelivered)
	case <-ctx.Done():
		t.Fatal("Record was not redelivered.")
	}
	require.NoError(t, c.Shutdown())

	src, inproc := sizes(t, q, route)
	assert.EqualValues(t, 0, src)
	assert.EqualValues(t, 0, inproc)
	assert.Zero(t, q.Mismatches, "Every commit should match the in-process copy.")
	assert.EqualValues(t, failures, atomic.LoadInt32(&cons.caught))
}

func TestDeadLetter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        func(data interface{}) error
		allow      func(bool, int, interface{}) bool
		maxAttempt int
		deliveries int32
	}{
		{
			name:       "Policy Denies",
			err:        func(d interface{}) error { return record.Redeliverable(errors.New("fail"), d) },
			allow:      func(_ bool, count int, _ interface{}) bool { return count < 1 },
			deliveries: 1,
		},
		{
			name:       "Unclassified Error",
			err:        func(interface{}) error { return errors.New("boom") },
			deliveries: 1,
		},
		{
			name:       "Panic",
			err:        func(interface{}) error { panic("boom") },
			deliveries: 1,
		},
		{
			name:       "Max Attempts",
			err:        func(d interface{}) error { return record.Redeliverable(errors.New("fail"), d) },
			maxAttempt: 3,
			deliveries: 3,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var (
				q           = queuemock.New()
				route       = t.Name()
				ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
				deliveries  int32
				dead        int32
				deadC       = make(chan record.Record, 10)
			)
			defer cancel()

			cons := &testConsumer{
				onMessage: func(_ context.Context, m container.Message) error {
					atomic.AddInt32(&deliveries, 1)
					return tt.err(m.Data)
				},
				allow: tt.allow,
			}
			dl := container.ChainDeadLetter(
				container.LogDeadLetter(log.NewNopLogger()),
				container.StoreDeadLetter(q),
				container.DeadLetterFunc(func(_ context.Context, rec record.Record, _ error) error {
					atomic.AddInt32(&dead, 1)
					deadC <- rec
					return nil
				}),
			)
			c := newContainer(q, dl)
			l, err := container.NewBuilder().
				Route(route).
				Exchange("test").
				MaxDeliveryAttempts(tt.maxAttempt).
				Decoder(container.StringDecoder).
				Consumer(cons).
				Build()
			require.NoError(t, err)
			require.NoError(t, c.Register(ctx, l))
			enqueue(t, q, route, "X")

			select {
			case rec := <-deadC:
				assert.EqualValues(t, tt.deliveries, rec.RedeliveryCount)
			case <-ctx.Done():
				t.Fatal("Record was not dead-lettered.")
			}
			require.NoError(t, c.Shutdown())

			assert.EqualValues(t, 1, atomic.LoadInt32(&dead), "Dead-letter handler should run once.")
			assert.EqualValues(t, tt.deliveries, atomic.LoadInt32(&deliveries))
			src, inproc := sizes(t, q, route)
			assert.EqualValues(t, 0, src)
			assert.EqualValues(t, 0, inproc)
			assert.Len(t, q.DeadLetters("test", route), 1)
			assert.Zero(t, q.Mismatches)
		})
	}
}

func TestShutdownFlushesDelayedRollback(t *testing.T) {
	t.Parallel()

	var (
		q           = queuemock.New()
		route       = t.Name()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		failed      = make(chan struct{}, 1)
	)
	defer cancel()

	cons := &testConsumer{onMessage: func(_ context.Context, m container.Message) error {
		defer func() { failed <- struct{}{} }()
		return record.Redeliverable(errors.New("later"), m.Data)
	}}
	c := container.New(container.Config{
		Store:           q,
		Log:             log.NewNopLogger(),
		Workers:         1,
		PollInterval:    20 * time.Millisecond,
		RedeliveryDelay: time.Hour,
	})
	require.NoError(t, c.Register(ctx, listener(t, route, cons, 1)))
	enqueue(t, q, route, "X")

	select {
	case <-failed:
	case <-ctx.Done():
		t.Fatal("Record was not delivered.")
	}
	src, inproc := sizes(t, q, route)
	assert.EqualValues(t, 0, src)
	assert.EqualValues(t, 1, inproc, "Rollback should be waiting.")

	require.NoError(t, c.Shutdown())
	src, inproc = sizes(t, q, route)
	assert.EqualValues(t, 1, src, "Shutdown should roll back pending records.")
	assert.EqualValues(t, 0, inproc)

	assert.Equal(t, container.ErrStopped, errors.Cause(c.Register(ctx, listener(t, route+"2", cons, 1))))
	assert.NoError(t, c.Shutdown(), "Second shutdown should be a no-op.")
}

func TestRecoveryBeforeFirstPoll(t *testing.T) {
	t.Parallel()

	var (
		q           = queuemock.New()
		route       = t.Name()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		got         = make(chan string, 2)
	)
	defer cancel()

	// Leave two records in the in-process list, as a crash would.
	enqueue(t, q, route, "a", "b")
	for i := 0; i < 2; i++ {
		_, ok, err := q.Dequeue(ctx, "test", route, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	cons := &testConsumer{onMessage: func(_ context.Context, m container.Message) error {
		got <- m.Data.(string)
		return nil
	}}
	c := newContainer(q, nil)
	require.NoError(t, c.Register(ctx, listener(t, route, cons, 1)))

	var payloads []string
	for len(payloads) < 2 {
		select {
		case p := <-got:
			payloads = append(payloads, p)
		case <-ctx.Done():
			t.Fatal("Recovered records were not delivered.")
		}
	}
	require.NoError(t, c.Shutdown())
	assert.ElementsMatch(t, []string{"a", "b"}, payloads)
	_, inproc := sizes(t, q, route)
	assert.EqualValues(t, 0, inproc)
}

func TestDedicatedPoolAndDuplicates(t *testing.T) {
	t.Parallel()

	var (
		q           = queuemock.New()
		route       = t.Name()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		got         = make(chan struct{}, 1)
	)
	defer cancel()

	cons := &testConsumer{onMessage: func(context.Context, container.Message) error {
		got <- struct{}{}
		return nil
	}}
	l, err := container.NewBuilder().
		Route(route).
		Exchange("test").
		Concurrency(2).
		SharedPool(false).
		Decoder(container.StringDecoder).
		Consumer(cons).
		Build()
	require.NoError(t, err)

	c := newContainer(q, nil)
	require.NoError(t, c.Register(ctx, l))
	assert.Error(t, c.Register(ctx, l), "Duplicate ids should be rejected.")
	enqueue(t, q, route, "X")

	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("Record was not delivered.")
	}
	require.NoError(t, c.Shutdown())
}

func TestThrottledContainer(t *testing.T) {
	t.Parallel()

	var (
		q           = queuemock.New()
		route       = t.Name()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		delivered   int32
	)
	defer cancel()

	cons := &testConsumer{onMessage: func(context.Context, container.Message) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}}
	c := container.New(container.Config{
		Store:        q,
		Throttler:    container.NewThrottler(2, time.Hour),
		Log:          log.NewNopLogger(),
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})
	enqueue(t, q, route, "1", "2", "3", "4", "5")
	require.NoError(t, c.Register(ctx, listener(t, route, cons, 2)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&delivered) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Shutdown())
	assert.EqualValues(t, 2, atomic.LoadInt32(&delivered))
	src, _ := sizes(t, q, route)
	assert.EqualValues(t, 3, src)
}

type closedThrottler struct {
	wait  time.Duration
	calls int32
}

func (c *closedThrottler) Allow() (bool, time.Duration) {
	atomic.AddInt32(&c.calls, 1)
	return false, c.wait
}

func TestThrottledPollerWaitsOutWindow(t *testing.T) {
	t.Parallel()

	var (
		q           = queuemock.New()
		route       = t.Name()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		th          = &closedThrottler{wait: 500 * time.Millisecond}
	)
	defer cancel()

	cons := &testConsumer{onMessage: func(context.Context, container.Message) error {
		t.Error("Throttled route should not deliver")
		return nil
	}}
	c := container.New(container.Config{
		Store:        q,
		Throttler:    th,
		Log:          log.NewNopLogger(),
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
	})
	enqueue(t, q, route, "1")
	require.NoError(t, c.Register(ctx, listener(t, route, cons, 2)))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&th.calls) >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&th.calls), "Each poller should wait for the window, not the poll interval.")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&th.calls) >= 4 }, 2*time.Second, 10*time.Millisecond,
		"Pollers should ask again once the window ends.")
	require.NoError(t, c.Shutdown())
	src, _ := sizes(t, q, route)
	assert.EqualValues(t, 1, src)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	c := container.New(container.Config{
		Store:             queuemock.New(),
		RedeliveryDelay:   time.Second,
		RedeliveryBackoff: 500 * time.Millisecond,
	})
	defer c.Shutdown()
	assert.Equal(t, time.Second, c.Backoff(0))
	assert.Equal(t, 2*time.Second, c.Backoff(2), "Backoff should grow linearly.")
}

// unreachableRecoverer fails like an unreachable backend until up is set.
type unreachableRecoverer struct {
	up    int32
	calls int32
}

func (r *unreachableRecoverer) Handle(context.Context, string, string) (recovery.Result, error) {
	atomic.AddInt32(&r.calls, 1)
	if atomic.LoadInt32(&r.up) == 0 {
		return recovery.Result{}, errors.WithStack(&queue.UnavailableError{Err: errors.New("connection refused")})
	}
	return recovery.Result{}, nil
}

func TestRegisterWhileBackendUnreachable(t *testing.T) {
	t.Parallel()

	var (
		q           = queuemock.New()
		route       = t.Name()
		rec         = &unreachableRecoverer{}
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		got         = make(chan string, 1)
	)
	defer cancel()

	c := container.New(container.Config{
		Store:        q,
		Recovery:     rec,
		Log:          log.NewNopLogger(),
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})
	defer func() { assert.NoError(t, c.Shutdown()) }()

	cons := &testConsumer{onMessage: func(_ context.Context, m container.Message) error {
		assert.EqualValues(t, 1, atomic.LoadInt32(&rec.up), "Nothing should be delivered before recovery.")
		got <- m.Data.(string)
		return nil
	}}
	require.NoError(t, c.Register(ctx, listener(t, route, cons, 2)), "Registration should not need the backend.")
	enqueue(t, q, route, "x")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rec.calls) > 2
	}, 2*time.Second, 5*time.Millisecond, "Recovery should be retried.")
	src, _ := sizes(t, q, route)
	assert.EqualValues(t, 1, src, "Records should wait for recovery.")

	atomic.StoreInt32(&rec.up, 1)
	select {
	case p := <-got:
		assert.Equal(t, "x", p)
	case <-ctx.Done():
		t.Fatal("Record was not delivered after recovery.")
	}
	calls := atomic.LoadInt32(&rec.calls)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&rec.calls), "Recovery should run once it succeeded.")
}

type failingRecoverer struct{}

func (failingRecoverer) Handle(context.Context, string, string) (recovery.Result, error) {
	return recovery.Result{}, errors.New("corrupt in-process list")
}

func TestRegisterRecoveryError(t *testing.T) {
	t.Parallel()

	c := container.New(container.Config{Store: queuemock.New(), Recovery: failingRecoverer{}, Log: log.NewNopLogger()})
	defer func() { assert.NoError(t, c.Shutdown()) }()

	cons := &testConsumer{onMessage: func(context.Context, container.Message) error { return nil }}
	assert.Error(t, c.Register(context.Background(), listener(t, t.Name(), cons, 1)))
	assert.EqualValues(t, 1, atomic.LoadInt32(&cons.destroyed), "A consumer that failed to register should be destroyed.")
}
