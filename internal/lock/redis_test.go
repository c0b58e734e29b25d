package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLease(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "crawl", nil), mr
}

func TestRedisLease_MutualExclusion(t *testing.T) {
	lease, _ := newRedisLease(t)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))

	err := lease.Acquire(ctx, "run-b", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyHeld)

	held, err := lease.Held(ctx, "run-a")
	require.NoError(t, err)
	assert.True(t, held)

	held, err = lease.Held(ctx, "run-b")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRedisLease_ReacquireBySameOwnerRefreshes(t *testing.T) {
	lease, _ := newRedisLease(t)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))
	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))
}

func TestRedisLease_ExpiryFreesTheLock(t *testing.T) {
	lease, mr := newRedisLease(t)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))

	// Holder crashes without releasing; the lease heals on expiry.
	mr.FastForward(2 * time.Minute)

	require.NoError(t, lease.Acquire(ctx, "run-b", time.Minute))

	held, err := lease.Held(ctx, "run-a")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRedisLease_ReleaseIsIdempotent(t *testing.T) {
	lease, mr := newRedisLease(t)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))
	require.NoError(t, lease.Release(ctx, "run-a"))
	require.NoError(t, lease.Release(ctx, "run-a"))

	// Releasing an expired lease is also fine.
	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, lease.Release(ctx, "run-a"))
}

func TestRedisLease_ReleaseDoesNotSteal(t *testing.T) {
	lease, _ := newRedisLease(t)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))
	require.NoError(t, lease.Release(ctx, "run-b"))

	held, err := lease.Held(ctx, "run-a")
	require.NoError(t, err)
	assert.True(t, held, "release by a non-owner must not free the lock")
}

func TestRedisLease_RenewExtends(t *testing.T) {
	lease, mr := newRedisLease(t)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))
	mr.FastForward(30 * time.Second)
	require.NoError(t, lease.Renew(ctx, "run-a", time.Minute))
	mr.FastForward(45 * time.Second)

	held, err := lease.Held(ctx, "run-a")
	require.NoError(t, err)
	assert.True(t, held)

	assert.ErrorIs(t, lease.Renew(ctx, "run-b", time.Minute), ErrNotHeld)
}
