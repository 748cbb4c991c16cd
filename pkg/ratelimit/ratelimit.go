// Package ratelimit provides outbound limiters shared by every delivery of a
// worker process, or of every process using the same bot token.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter blocks until one more outbound call is allowed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLocal returns an in-process token bucket allowing perSec calls per
// second with the given burst. A non-positive perSec returns nil, meaning
// unlimited.
func NewLocal(perSec float64, burst int) Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// New returns the shared Redis limiter when client is set and the
// in-process limiter otherwise. A non-positive perSec returns nil.
func New(perSec int, client *redis.Client, key string) Limiter {
	if perSec <= 0 {
		return nil
	}
	if client != nil {
		return NewRedis(client, key, perSec)
	}
	return NewLocal(float64(perSec), perSec)
}

// Redis is a fixed one-second window counter stored in Redis. All processes
// configured with the same key share the budget.
type Redis struct {
	client *redis.Client
	key    string
	limit  int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRedis creates a limiter allowing perSec calls per second across every
// process sharing key. A non-positive perSec returns nil, meaning unlimited.
func NewRedis(client *redis.Client, key string, perSec int) *Redis {
	if perSec <= 0 {
		return nil
	}
	return &Redis{
		client: client,
		key:    key,
		limit:  int64(perSec),
		now:    time.Now,
		sleep:  Sleep,
	}
}

// Wait takes one slot from the current second, waiting for the next window
// when the current one is exhausted.
func (r *Redis) Wait(ctx context.Context) error {
	for {
		now := r.now()
		window := now.Unix()
		key := fmt.Sprintf("%s:%d", r.key, window)

		pipe := r.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis limiter: %w", err)
		}

		if incr.Val() <= r.limit {
			return nil
		}

		if err := r.sleep(ctx, time.Unix(window+1, 0).Sub(now)); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
