package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/ratelimit"
)

// Policy decides retries, backoff and pacing for one recipient.
type Policy struct {
	// MaxRetries is how many extra attempts a transient failure may use.
	// Default: 2
	MaxRetries int

	// BaseDelay is the linear backoff step: attempt n waits BaseDelay*n.
	// Default: 35ms
	BaseDelay time.Duration

	// PaceDelay is slept after every recipient regardless of outcome.
	// Default: 35ms
	PaceDelay time.Duration

	// MinRateLimitWait is the floor applied to a provider retry_after.
	// Default: 1s
	MinRateLimitWait time.Duration

	// Limiter, when set, is waited on before every send attempt.
	Limiter ratelimit.Limiter

	// Sleep waits for d or until ctx is done. Default: ratelimit.Sleep
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the default retry and pacing settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       2,
		BaseDelay:        35 * time.Millisecond,
		PaceDelay:        35 * time.Millisecond,
		MinRateLimitWait: time.Second,
		Sleep:            ratelimit.Sleep,
	}
}

// Outcome is the resolution of one recipient.
//
// Aborted means the recipient was never resolved: the outbound limiter
// failed or the payload source is unusable. Err then says why, and the
// recipient must not be recorded as attempted.
type Outcome struct {
	Delivered      bool
	Permanent      bool
	Aborted        bool
	Attempts       int
	RateLimitWaits int
	RateLimitWait  time.Duration
	Err            error
}

// Deliver calls send until it succeeds, fails permanently, or exhausts the
// transient retry budget. Rate-limit signals wait and retry without using
// the budget. The pacing delay follows every recipient.
func (p Policy) Deliver(ctx context.Context, send func(ctx context.Context) error) Outcome {
	sleep := p.Sleep
	if sleep == nil {
		sleep = ratelimit.Sleep
	}

	out := p.attempt(ctx, send, sleep)

	if p.PaceDelay > 0 {
		_ = sleep(ctx, p.PaceDelay)
	}
	return out
}

func (p Policy) attempt(ctx context.Context, send func(ctx context.Context) error, sleep func(context.Context, time.Duration) error) Outcome {
	var out Outcome
	failures := 0

	for {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				out.Aborted = true
				out.Err = err
				return out
			}
		}

		out.Attempts++
		err := send(ctx)
		if err == nil {
			out.Delivered = true
			out.Err = nil
			return out
		}
		out.Err = err

		switch core.Classify(err) {
		case core.ClassPermanent:
			out.Permanent = true
			return out

		case core.ClassSource:
			out.Aborted = true
			return out

		case core.ClassRateLimited:
			var rl *core.RateLimitError
			errors.As(err, &rl)
			wait := max(rl.RetryAfter, p.MinRateLimitWait)
			out.RateLimitWaits++
			out.RateLimitWait += wait
			if err := sleep(ctx, wait); err != nil {
				out.Err = err
				return out
			}

		default:
			failures++
			if failures > p.MaxRetries {
				return out
			}
			if err := sleep(ctx, p.BaseDelay*time.Duration(failures)); err != nil {
				out.Err = err
				return out
			}
		}
	}
}
