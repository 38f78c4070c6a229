package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestLease_ExclusiveUntilReleased(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLease(ctx, "lease", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLease(ctx, "lease", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder can release.
	require.NoError(t, c.ReleaseLease(ctx, "lease", "b"))
	holder, err := c.LeaseHolder(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, "a", holder)

	require.NoError(t, c.ReleaseLease(ctx, "lease", "a"))
	holder, err = c.LeaseHolder(ctx, "lease")
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = c.AcquireLease(ctx, "lease", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_Expires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLease(ctx, "lease", "a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = c.AcquireLease(ctx, "lease", "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	type summary struct {
		TimedOut int    `json:"timed_out"`
		Owner    string `json:"owner"`
	}
	require.NoError(t, c.Set(ctx, "k", summary{TimedOut: 2, Owner: "node-a"}, time.Minute))

	var got summary
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, summary{TimedOut: 2, Owner: "node-a"}, got)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	err := c.Get(ctx, "missing", &got)
	assert.ErrorIs(t, err, redis.Nil)
	assert.NoError(t, c.Ping(ctx))
}
