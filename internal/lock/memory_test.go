package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tickClock struct{ t time.Time }

func (c *tickClock) Now() time.Time { return c.t }

func (c *tickClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryLease_Lifecycle(t *testing.T) {
	t.Parallel()
	clk := &tickClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	lease := NewMemory(clk)
	ctx := context.Background()

	require.NoError(t, lease.Acquire(ctx, "run-a", time.Minute))
	assert.ErrorIs(t, lease.Acquire(ctx, "run-b", time.Minute), ErrAlreadyHeld)

	held, err := lease.Held(ctx, "run-a")
	require.NoError(t, err)
	assert.True(t, held)

	// Expiry frees it for the next owner without a release.
	clk.Advance(2 * time.Minute)
	held, err = lease.Held(ctx, "run-a")
	require.NoError(t, err)
	assert.False(t, held)
	require.NoError(t, lease.Acquire(ctx, "run-b", time.Minute))

	// Stale release by the old owner must not evict the new one.
	require.NoError(t, lease.Release(ctx, "run-a"))
	held, err = lease.Held(ctx, "run-b")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, lease.Renew(ctx, "run-b", time.Hour))
	assert.ErrorIs(t, lease.Renew(ctx, "run-a", time.Minute), ErrNotHeld)

	require.NoError(t, lease.Release(ctx, "run-b"))
	require.NoError(t, lease.Release(ctx, "run-b"))
}
