package leasecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	c, err := New(Options{Redis: client})
	require.NoError(t, err)
	return c
}

func TestTryAcquire_SucceedsWhenUnheld(t *testing.T) {
	c := newTestCache(t)
	ok, err := c.TryAcquire(context.Background(), "job1", "tok1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTryAcquire_FailsWhenAlreadyHeld(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_, err := c.TryAcquire(ctx, "job1", "tok1", time.Minute)
	require.NoError(t, err)

	ok, err := c.TryAcquire(ctx, "job1", "tok2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRelease_ClearsOwnLockOnly(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_, err := c.TryAcquire(ctx, "job1", "tok1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, "job1", "tok2"))
	holder, err := c.Holder(ctx, "job1")
	require.NoError(t, err)
	require.Equal(t, "tok1", holder, "release with wrong token must not clear the lock")

	require.NoError(t, c.Release(ctx, "job1", "tok1"))
	holder, err = c.Holder(ctx, "job1")
	require.NoError(t, err)
	require.Empty(t, holder)
}

func TestHolder_EmptyWhenNeverAcquired(t *testing.T) {
	c := newTestCache(t)
	holder, err := c.Holder(context.Background(), "unknown")
	require.NoError(t, err)
	require.Empty(t, holder)
}

func TestNew_RequiresRedisClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
