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

func TestRedisLockExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	a := NewRedis(client, "trophysync:cycle", time.Minute)
	b := NewRedis(client, "trophysync:cycle", time.Minute)

	h, err := a.Acquire(ctx)
	require.NoError(t, err)

	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, h.Release(ctx))
	assert.False(t, mr.Exists("trophysync:cycle"))

	h2, err := b.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestRedisLockExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	l := NewRedis(client, "cycle", time.Second)
	stale, err := l.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx)
	require.NoError(t, err)

	// The expired holder must not release the new holder's lock
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.True(t, mr.Exists("cycle"))
	require.NoError(t, fresh.Release(ctx))
}

func TestNopLock(t *testing.T) {
	h, err := Nop{}.Acquire(context.Background())
	require.NoError(t, err)
	assert.NoError(t, h.Release(context.Background()))
}

func TestRedisLockExtendedWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	h, err := NewRedis(client, "cycle", 300*time.Millisecond).Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(250 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL("cycle") > 150*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Release(ctx))
	assert.False(t, mr.Exists("cycle"))
}

func TestRedisLockStopsExtendingWhenLost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	l := NewRedis(client, "cycle", 300*time.Millisecond)
	stale, err := l.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(time.Second)
	fresh, err := l.Acquire(ctx)
	require.NoError(t, err)
	value, _ := mr.Get("cycle")

	time.Sleep(250 * time.Millisecond)
	got, _ := mr.Get("cycle")
	assert.Equal(t, value, got)
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	require.NoError(t, fresh.Release(ctx))
}
