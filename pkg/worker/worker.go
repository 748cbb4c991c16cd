package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/queue"
	"github.com/jdziat/durable-broadcast/pkg/retry"
)

// DefaultReapSchedule is how often the stale-lock reaper runs.
const DefaultReapSchedule = "@every 1m"

// Worker claims queued jobs and runs them one at a time.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger zerolog.Logger
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		PollInterval: time.Second,
		WorkerID:     uuid.New().String(),
		ReapSchedule: DefaultReapSchedule,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.ClaimRetry == nil {
		claimCfg := retry.Claim()
		config.ClaimRetry = &claimCfg
	}

	logger := q.Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Worker{
		queue:  q,
		config: config,
		logger: logger.With().Str("comp", "worker").Str("worker_id", config.WorkerID).Logger(),
	}
}

// ID returns the owner id this worker claims jobs under.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Start claims and runs jobs until ctx is cancelled. A job interrupted by
// shutdown is handed back to the queue.
func (w *Worker) Start(ctx context.Context) error {
	if w.config.StaleLockAfter > 0 {
		stop, err := w.startReaper(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}

	w.logger.Info().Dur("poll_interval", w.config.PollInterval).Msg("worker started")

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("worker stopped")
			return ctx.Err()
		}

		job, err := w.claimWithRetry(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.queue.Metrics().ClaimError()
				w.logger.Error().Err(err).Msg("failed to claim after retries")
			}
			w.idle(ctx)
			continue
		}

		if job == nil {
			w.idle(ctx)
			continue
		}

		w.processJob(ctx, job)
	}
}

// idle waits one poll interval or until ctx ends.
func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// claimWithRetry attempts to claim a job with exponential backoff on failure.
func (w *Worker) claimWithRetry(ctx context.Context) (*core.Job, error) {
	var job *core.Job
	err := retry.Do(ctx, *w.config.ClaimRetry, func() error {
		var claimErr error
		job, claimErr = w.queue.Store().ClaimNext(ctx, w.config.WorkerID)
		return claimErr
	})
	return job, err
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	log := w.logger.With().Str("job_id", job.ID).Logger()
	log.Info().Int64("cursor", job.LastRecipientCursor).Msg("job claimed")

	res, err := w.queue.Execute(ctx, job, w.config.WorkerID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("run ended with error")
		}
		return
	}
	if res.HandedOff {
		return
	}
	log.Info().
		Str("status", string(res.Status)).
		Int64("scanned", res.Progress.Scanned).
		Int64("sent", res.Progress.Sent).
		Int64("failed", res.Progress.Failed).
		Msg("job settled")
}

// ReapOnce requeues running jobs whose lock has gone stale.
func (w *Worker) ReapOnce(ctx context.Context) (int64, error) {
	n, err := w.queue.Store().ReleaseStaleLocks(ctx, w.config.StaleLockAfter)
	if err != nil {
		return 0, fmt.Errorf("release stale locks: %w", err)
	}
	if n > 0 {
		w.queue.Metrics().StaleLocksReleased(n)
		w.logger.Warn().Int64("count", n).Dur("stale_after", w.config.StaleLockAfter).Msg("requeued stale jobs")
	}
	return n, nil
}

func (w *Worker) startReaper(ctx context.Context) (func(), error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	_, err := c.AddFunc(w.config.ReapSchedule, func() {
		if _, err := w.ReapOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("stale lock reaper failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("worker: invalid reap schedule %q: %w", w.config.ReapSchedule, err)
	}

	c.Start()
	w.logger.Info().Str("schedule", w.config.ReapSchedule).Dur("stale_after", w.config.StaleLockAfter).Msg("stale lock reaper started")
	return func() { <-c.Stop().Done() }, nil
}
