package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestNewLocal_Unlimited(t *testing.T) {
	assert.Nil(t, NewLocal(0, 1))
	assert.Nil(t, NewLocal(-3, 1))
}

func TestNewLocal_AllowsBurst(t *testing.T) {
	l := NewLocal(1000, 5)
	require.NotNil(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 5 {
		require.NoError(t, l.Wait(ctx))
	}
}

func TestNewLocal_HonoursContext(t *testing.T) {
	l := NewLocal(0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx), "burst token is available immediately")

	cancel()
	assert.Error(t, l.Wait(ctx))
}

func TestNewRedis_Unlimited(t *testing.T) {
	_, rdb := newTestRedis(t)
	assert.Nil(t, NewRedis(rdb, "bot", 0))
}

func TestNew_SelectsBackend(t *testing.T) {
	_, rdb := newTestRedis(t)

	assert.Nil(t, New(0, rdb, "k"))
	assert.IsType(t, &Redis{}, New(30, rdb, "k"))
	assert.NotNil(t, New(30, nil, "k"))
}

func TestRedis_WaitsForNextWindow(t *testing.T) {
	mr, rdb := newTestRedis(t)

	clock := time.Unix(1_700_000_000, 250*int64(time.Millisecond))
	var slept []time.Duration

	l := NewRedis(rdb, "broadcast:rl", 2)
	l.now = func() time.Time { return clock }
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	assert.Empty(t, slept, "first two calls fit in the window")

	require.NoError(t, l.Wait(ctx))
	require.Len(t, slept, 1)
	assert.Equal(t, 750*time.Millisecond, slept[0])

	assert.True(t, mr.Exists("broadcast:rl:1700000000"))
	assert.True(t, mr.Exists("broadcast:rl:1700000001"))
	assert.Greater(t, mr.TTL("broadcast:rl:1700000001"), time.Duration(0))
}

func TestRedis_SharedAcrossLimiters(t *testing.T) {
	_, rdb := newTestRedis(t)

	clock := time.Unix(1_700_000_000, 0)
	waits := 0
	mk := func() *Redis {
		l := NewRedis(rdb, "shared", 1)
		l.now = func() time.Time { return clock }
		l.sleep = func(_ context.Context, d time.Duration) error {
			waits++
			clock = clock.Add(d)
			return nil
		}
		return l
	}

	a, b := mk(), mk()
	ctx := context.Background()
	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
	assert.Equal(t, 1, waits, "second process waits for the next window")
}

func TestRedis_PropagatesRedisErrors(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedis(rdb, "down", 1)
	mr.Close()

	assert.Error(t, l.Wait(context.Background()))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
