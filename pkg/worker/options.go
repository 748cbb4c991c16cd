package worker

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/pkg/retry"
)

// MinPollInterval is the shortest idle wait between claim attempts.
const MinPollInterval = 250 * time.Millisecond

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	WorkerID     string
	PollInterval time.Duration

	// StaleLockAfter requeues running jobs whose heartbeat is older than
	// this. Zero disables the reaper.
	StaleLockAfter time.Duration
	ReapSchedule   string

	ClaimRetry *retry.Config
	Logger     *zerolog.Logger
}

// WithWorkerID sets the owner id recorded on claimed jobs.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// PollInterval sets the idle wait between claim attempts.
// Values below MinPollInterval are raised to it.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.PollInterval = max(d, MinPollInterval)
	})
}

// WithStaleLockReaper enables the stale-lock reaper on a cron schedule
// (standard five fields or a descriptor such as "@every 1m").
func WithStaleLockReaper(after time.Duration, schedule string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StaleLockAfter = after
		if schedule != "" {
			c.ReapSchedule = schedule
		}
	})
}

// WithClaimRetry sets the retry behavior around ClaimNext.
func WithClaimRetry(cfg retry.Config) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ClaimRetry = &cfg
	})
}

// DisableRetry makes claim attempts fail fast.
func DisableRetry() WorkerOption {
	return WithClaimRetry(retry.Disabled())
}

// WithLogger sets the worker logger.
func WithLogger(l zerolog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = &l
	})
}
