package instance_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwool/blaze/pkg/service/instance"
	"github.com/rwool/blaze/pkg/service/internal/redistest"
)

func TestVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := redistest.Connect(t)
	registry := instance.NewRedisAdapter(client, log.NewNopLogger())
	id := "instance-" + t.Name()

	require.NoError(t, registry.Verify(ctx, id, false))
	err := registry.Verify(ctx, id, false)
	assert.Equal(t, instance.ErrDuplicateInstance, errors.Cause(err), "Second verification should fail.")

	assert.NoError(t, registry.Verify(ctx, id, true), "Force should skip the check.")

	require.NoError(t, registry.Remove(ctx, id))
	assert.NoError(t, registry.Verify(ctx, id, false), "Removed id should be reusable.")
	require.NoError(t, registry.Remove(ctx, id))

	assert.Error(t, registry.Verify(ctx, "", false))
}

func TestPersistQueueNames(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, server := redistest.Start(t)
	registry := instance.NewRedisAdapter(client, log.NewNopLogger())

	key := "queues/default-" + t.Name()
	require.NoError(t, client.LPush(key, "x").Err())
	require.NoError(t, client.Expire(key, time.Minute).Err())

	require.NoError(t, registry.PersistQueueNames(ctx, []string{key}))
	assert.Equal(t, time.Duration(0), server.TTL(key))
	assert.NoError(t, registry.PersistQueueNames(ctx, nil))
}
