package stats_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/blaze/pkg/service/internal/redistest"
	"github.com/rwool/blaze/pkg/service/stats"
)

func TestCounters(t *testing.T) {
	t.Parallel()

	client := redistest.Connect(t)
	counters := stats.NewRedisAdapter(client)
	ctx := context.Background()
	key := "queues/default-" + t.Name()

	n, err := counters.EnqueueCount(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "Missing counters should read as zero.")

	require.NoError(t, stats.RecordEnqueue(client, key, 3).Err())
	require.NoError(t, stats.RecordDequeue(client, key, 2).Err())

	n, err = counters.EnqueueCount(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	n, err = counters.DequeueCount(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, counters.Reset(ctx, key))
	n, err = counters.DequeueCount(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.EqualValues(t, "0", client.HGet(stats.HashKey(key), stats.FieldEnqueued).Val())

	_, err = counters.EnqueueCount(ctx, "")
	assert.Error(t, err)
}
