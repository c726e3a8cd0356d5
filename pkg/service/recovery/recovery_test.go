package recovery_test

import (
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/blaze/pkg/record"
	"github.com/rwool/blaze/pkg/service/internal/redistest"
	"github.com/rwool/blaze/pkg/service/queue"
	"github.com/rwool/blaze/pkg/service/recovery"
)

// stubStore reports a size that may disagree with what it holds.
type stubStore struct {
	reported int64
	held     int
	cleared  bool
	err      error
}

func (s *stubStore) InprocSize(context.Context, string, string) (int64, error) {
	return s.reported, s.err
}

func (s *stubStore) ReverseDequeue(context.Context, string, string) (bool, error) {
	if s.held == 0 {
		return false, nil
	}
	s.held--
	return true, nil
}

func (s *stubStore) ClearInproc(context.Context, string, string) (bool, error) {
	s.cleared = true
	s.held = 0
	return true, nil
}

func TestHandle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("Nothing To Do", func(t *testing.T) {
		t.Parallel()
		s := &stubStore{}
		c := recovery.New(s, true, log.NewNopLogger())
		res, err := c.Handle(ctx, "x", "r")
		require.NoError(t, err)
		assert.Equal(t, recovery.Result{}, res)
		assert.Equal(t, recovery.Idle, c.State())
	})

	t.Run("Count Mismatch", func(t *testing.T) {
		t.Parallel()
		s := &stubStore{reported: 3, held: 4}
		c := recovery.New(s, true, log.NewNopLogger())
		res, err := c.Handle(ctx, "x", "r")
		require.NoError(t, err, "A mismatch is only logged.")
		assert.EqualValues(t, 4, res.Recovered)
		assert.False(t, s.cleared)
	})

	t.Run("Disabled", func(t *testing.T) {
		t.Parallel()
		s := &stubStore{reported: 2, held: 2}
		c := recovery.New(s, false, log.NewNopLogger())
		res, err := c.Handle(ctx, "x", "r")
		require.NoError(t, err)
		assert.True(t, res.Discarded)
		assert.True(t, s.cleared)
		assert.EqualValues(t, 0, res.Recovered)
	})

	t.Run("Store Error", func(t *testing.T) {
		t.Parallel()
		s := &stubStore{err: errors.New("down")}
		c := recovery.New(s, true, log.NewNopLogger())
		_, err := c.Handle(ctx, "x", "r")
		assert.Error(t, err)
		assert.Equal(t, recovery.Idle, c.State())
	})
}

func TestRecoverFromRedis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := redistest.Connect(t)
	route := t.Name()
	listKey := queue.ListKey("x", route)

	// A previous run dequeued two records and died.
	crashed := queue.NewRedisAdapter(client, "node", log.NewNopLogger())
	require.NoError(t, crashed.Enqueue(ctx, listKey,
		record.New("x", route, []byte("a")),
		record.New("x", route, []byte("b"))))
	for i := 0; i < 2; i++ {
		_, ok, err := crashed.Dequeue(ctx, "x", route, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	restarted := queue.NewRedisAdapter(client, "node", log.NewNopLogger())
	c := recovery.New(restarted, true, log.NewNopLogger())
	res, err := c.Handle(ctx, "x", route)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Found)
	assert.EqualValues(t, 2, res.Recovered)

	size, err := restarted.Size(ctx, "x", route)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)
	inproc, err := restarted.InprocSize(ctx, "x", route)
	require.NoError(t, err)
	assert.EqualValues(t, 0, inproc)
}
