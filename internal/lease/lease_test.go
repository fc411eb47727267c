package lease

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/declara/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExcludesConcurrentHolder(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLocalLocker(clk)
	ctx := context.Background()
	key := BatchKey("orders")

	token, ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, key, token))
	_, ok, err = l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockerExpiresAfterTTL(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLocalLocker(clk)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(time.Minute)
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockerReleaseIgnoresForeignToken(t *testing.T) {
	l := NewLocalLocker(nil)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "k", "someone-else"))
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryLockValidatesInput(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	lockers := map[string]Locker{
		"local": NewLocalLocker(nil),
		"redis": NewRedisLocker(client),
	}
	for name, l := range lockers {
		t.Run(name, func(t *testing.T) {
			_, _, err := l.TryLock(context.Background(), " ", time.Minute)
			assert.ErrorIs(t, err, ErrEmptyKey)
			_, _, err = l.TryLock(context.Background(), "k", 0)
			assert.ErrorIs(t, err, ErrInvalidTTL)
		})
	}
}

func TestNewRedisLockerNilClient(t *testing.T) {
	assert.Nil(t, NewRedisLocker(nil))
}

func TestBatchKey(t *testing.T) {
	assert.Equal(t, "declara:lease:batch:orders", BatchKey(" orders "))
}
