package filequeue_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/blaze/pkg/service/filequeue"
)

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("Not Found", func(t *testing.T) {
		t.Parallel()
		_, err := filequeue.Open(t.TempDir(), "missing", false)
		assert.Equal(t, filequeue.ErrNotFound, errors.Cause(err))
	})

	t.Run("New File Header", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		q, err := filequeue.Open(dir, "q", true)
		require.NoError(t, err)
		require.NoError(t, q.Close())

		b, err := os.ReadFile(filepath.Join(dir, "q.qdat"))
		require.NoError(t, err)
		require.Len(t, b, 16)
		var p filequeue.Pointer
		require.NoError(t, p.UnmarshalBinary(b))
		assert.Equal(t, filequeue.Pointer{Head: 16, Tail: 16}, p)
	})

	t.Run("Already In Use", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		q, err := filequeue.Open(dir, "q", true)
		require.NoError(t, err)
		defer q.Close()

		_, err = filequeue.Open(dir, "q", true)
		assert.Equal(t, filequeue.ErrAlreadyInUse, errors.Cause(err))
	})
}

func TestFIFO(t *testing.T) {
	t.Parallel()

	q, err := filequeue.Open(t.TempDir(), "q", true, filequeue.WithSyncInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer q.Close()

	assert.True(t, q.IsEmpty())
	_, err = q.GetHead()
	assert.Equal(t, filequeue.ErrEmpty, errors.Cause(err))

	items := [][]byte{[]byte("one"), {}, []byte("three"), {0, 0, 0, 1, 255}}
	for _, it := range items {
		require.NoError(t, q.AddTail(it))
	}
	assert.Equal(t, len(items), q.Size())

	entries, err := q.Peek(0)
	require.NoError(t, err)
	assert.Equal(t, items, entries, "Peek should not consume.")
	entries, err = q.Peek(2)
	require.NoError(t, err)
	assert.Equal(t, items[:2], entries)

	for _, it := range items {
		b, err := q.GetHead()
		require.NoError(t, err)
		assert.Equal(t, it, b)
	}
	assert.True(t, q.IsEmpty())

	require.NoError(t, q.AddTail([]byte("after drain")))
	b, err := q.GetHead()
	require.NoError(t, err)
	assert.Equal(t, "after drain", string(b))
}

func TestAddTailBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q, err := filequeue.Open(dir, "q", true)
	require.NoError(t, err)

	require.NoError(t, q.AddTail([]byte("a")))
	require.NoError(t, q.AddTail([]byte("b"), []byte("c"), []byte("d")))
	assert.Equal(t, 4, q.Size())
	require.NoError(t, q.Close())

	q, err = filequeue.Open(dir, "q", false)
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, 4, q.Size(), "A batch should survive a reopen as separate entries.")
	for _, want := range []string{"a", "b", "c", "d"} {
		b, err := q.GetHead()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}

	q.Close()
	assert.Equal(t, filequeue.ErrClosed, errors.Cause(q.AddTail([]byte("e"), []byte("f"))))
}

func TestReopenRecoversState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q, err := filequeue.Open(dir, "q", true)
	require.NoError(t, err)

	const n, m = 10, 4
	for i := 0; i < n; i++ {
		require.NoError(t, q.AddTail([]byte(strconv.Itoa(i))))
	}
	for i := 0; i < m; i++ {
		_, err := q.GetHead()
		require.NoError(t, err)
	}
	require.NoError(t, q.Close())
	assert.NoError(t, q.Close(), "Double close should be a no-op.")

	_, err = q.GetHead()
	assert.Equal(t, filequeue.ErrClosed, errors.Cause(err))

	require.NoError(t, q.Reopen())
	assert.Equal(t, filequeue.ErrAlreadyOpen, errors.Cause(q.Reopen()))
	assert.Equal(t, n-m, q.Size())
	b, err := q.GetHead()
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(m), string(b))
	require.NoError(t, q.Close())

	// A separate handle sees the same state.
	other, err := filequeue.Open(dir, "q", false)
	require.NoError(t, err)
	assert.Equal(t, n-m-1, other.Size())

	removed, err := other.Delete()
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(other.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], 16)
	binary.BigEndian.PutUint64(b[8:16], 64)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.qdat"), b, 0o644))

	_, err := filequeue.Open(dir, "bad", false)
	assert.Error(t, err)

	// The failed open must release the lock.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.qdat"), nil, 0o644))
	q, err := filequeue.Open(dir, "bad", false)
	require.NoError(t, err)
	assert.NoError(t, q.Close())
}
