package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/metrics"
	"github.com/jdziat/durable-broadcast/pkg/retry"
	"github.com/jdziat/durable-broadcast/pkg/runner"
	"github.com/jdziat/durable-broadcast/pkg/security"
)

var resumableFrom = []core.JobStatus{core.StatusRunning, core.StatusFailed, core.StatusCanceled}

// Queue manages broadcast job definitions and their execution.
type Queue struct {
	store      core.Store
	resolver   core.Resolver
	runner     *runner.Runner
	runnerOpts []runner.Option
	log        zerolog.Logger
	metrics    metrics.Sink
	retry      retry.Config
	mu         sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onCancel   []func(context.Context, *core.Job)

	// Event stream
	eventSubs []chan core.Event
}

// New creates a new Queue. The resolver sizes and streams audiences and the
// sender delivers payloads.
func New(store core.Store, resolver core.Resolver, sender runner.Sender, opts ...QueueOption) *Queue {
	q := &Queue{
		store:    store,
		resolver: resolver,
		log:      zerolog.Nop(),
		metrics:  metrics.NewNoopSink(),
		retry:    retry.Default(),
	}
	for _, opt := range opts {
		opt.ApplyQueue(q)
	}

	runnerOpts := append([]runner.Option{runner.WithEvents(q.Emit)}, q.runnerOpts...)
	if m, ok := resolver.(core.Mutator); ok {
		runnerOpts = append([]runner.Option{runner.WithMutator(m)}, runnerOpts...)
	}
	q.runner = runner.New(store, resolver, sender, runnerOpts...)
	return q
}

// Store returns the underlying job store.
func (q *Queue) Store() core.Store {
	return q.store
}

// Metrics returns the metrics sink.
func (q *Queue) Metrics() metrics.Sink {
	return q.metrics
}

// Logger returns the queue logger.
func (q *Queue) Logger() zerolog.Logger {
	return q.log
}

// Create validates a definition, sizes its audience and stores the job as
// queued, or as a draft with AsDraft.
func (q *Queue) Create(ctx context.Context, def core.Definition, opts ...Option) (*core.Job, error) {
	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	if def.Kind == "" {
		def.Kind = core.PayloadText
	}
	if err := security.ValidateDefinition(def); err != nil {
		return nil, err
	}

	total, err := q.resolver.Count(ctx, def.Segment)
	if err != nil {
		return nil, fmt.Errorf("broadcast: count audience: %w", err)
	}
	if total == 0 {
		return nil, core.ErrEmptyAudience
	}

	job := core.NewJob(def)
	job.Total = total
	job.Status = core.StatusQueued
	if options.Draft {
		job.Status = core.StatusDraft
	}

	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("broadcast: failed to create: %w", err)
	}

	q.log.Info().Str("job_id", job.ID).Str("segment", job.Segment).
		Int64("total", job.Total).Str("status", string(job.Status)).Msg("job created")
	q.Emit(&core.JobCreated{Job: job, Timestamp: time.Now()})
	return job, nil
}

// Confirm moves a draft to queued.
func (q *Queue) Confirm(ctx context.Context, jobID string) (*core.Job, error) {
	err := q.store.Transition(ctx, jobID, []core.JobStatus{core.StatusDraft}, core.StatusQueued, map[string]any{
		"finished_at": nil,
		"last_error":  "",
	})
	if err != nil {
		return nil, withOp(err, "confirm")
	}
	q.Emit(&core.JobRequeued{JobID: jobID, Reason: "confirm", Timestamp: time.Now()})
	return q.store.Get(ctx, jobID)
}

// Cancel requests cancellation. A running job stops at its next cancel
// check; any other non-terminal job is canceled immediately.
func (q *Queue) Cancel(ctx context.Context, jobID string) (*core.Job, error) {
	before, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := q.store.MarkCanceled(ctx, jobID); err != nil {
		return nil, err
	}

	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	q.log.Info().Str("job_id", jobID).Str("from", string(before.Status)).Msg("cancel requested")

	// The run reports its own cancellation when it observes the request.
	if before.Status != core.StatusRunning {
		q.callCancelHooks(ctx, job)
		q.Emit(&core.JobCanceled{Job: job, Progress: job.Progress(), Timestamp: time.Now()})
	}
	return job, nil
}

// Resume re-arms a running, failed or canceled job. Counters and the
// recipient cursor are kept so delivery continues where it stopped.
func (q *Queue) Resume(ctx context.Context, jobID string) (*core.Job, error) {
	err := q.store.Transition(ctx, jobID, resumableFrom, core.StatusQueued, map[string]any{
		"worker_id":   "",
		"locked_at":   nil,
		"finished_at": nil,
		"last_error":  "",
	})
	if err != nil {
		return nil, withOp(err, "resume")
	}
	q.log.Info().Str("job_id", jobID).Msg("job resumed")
	q.Emit(&core.JobRequeued{JobID: jobID, Reason: "resume", Timestamp: time.Now()})
	return q.store.Get(ctx, jobID)
}

// Status returns the current job record.
func (q *Queue) Status(ctx context.Context, jobID string) (*core.Job, error) {
	return q.store.Get(ctx, jobID)
}

// List returns jobs newest first.
func (q *Queue) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	return q.store.List(ctx, filter)
}

// RunInline claims one specific queued job and runs it in the caller's
// goroutine.
func (q *Queue) RunInline(ctx context.Context, jobID string) (runner.Result, error) {
	owner := NewInlineOwner()
	job, err := q.store.Claim(ctx, jobID, owner)
	if err != nil {
		return runner.Result{}, err
	}
	return q.Execute(ctx, job, owner)
}

// Execute runs a job already claimed by owner and settles its state.
// A run interrupted by ctx goes back to the queue; any other run error marks
// the job failed.
func (q *Queue) Execute(ctx context.Context, job *core.Job, owner string) (runner.Result, error) {
	startTime := time.Now()
	log := q.log.With().Str("job_id", job.ID).Str("worker_id", owner).Logger()

	q.callStartHooks(ctx, job)
	q.Emit(&core.JobStarted{Job: job, Owner: owner, Timestamp: startTime})
	q.metrics.JobStarted()
	q.metrics.JobsInFlightIncr()
	defer q.metrics.JobsInFlightDecr()

	res, err := q.runner.Run(ctx, job, owner)
	applyProgress(job, res)

	if err != nil {
		if ctx.Err() != nil {
			q.requeue(ctx, job.ID, owner, "shutdown", log)
			return res, err
		}
		q.fail(ctx, job, owner, err, log)
		q.metrics.JobFinished(string(core.StatusFailed), time.Since(startTime))
		return res, err
	}

	if res.HandedOff {
		log.Info().Str("status", string(res.Status)).Msg("run handed off")
		return res, nil
	}

	switch res.Status {
	case core.StatusDone:
		q.callCompleteHooks(ctx, job)
		q.Emit(&core.JobCompleted{Job: job, Progress: res.Progress, Duration: time.Since(startTime), Timestamp: time.Now()})
	case core.StatusCanceled:
		q.callCancelHooks(ctx, job)
		q.Emit(&core.JobCanceled{Job: job, Progress: res.Progress, Timestamp: time.Now()})
	case core.StatusFailed:
		failErr := errors.New("broadcast: job failed while running")
		q.callFailHooks(ctx, job, failErr)
		q.Emit(&core.JobFailed{Job: job, Error: failErr, Timestamp: time.Now()})
	default:
		log.Info().Str("status", string(res.Status)).Msg("run handed off")
		return res, nil
	}
	q.metrics.JobFinished(string(res.Status), time.Since(startTime))
	return res, nil
}

func (q *Queue) fail(ctx context.Context, job *core.Job, owner string, runErr error, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, q.retry, func() error {
		return q.store.MarkFailed(ctx, job.ID, owner, runErr.Error())
	})
	if errors.Is(err, core.ErrJobNotOwned) {
		log.Warn().Err(runErr).Msg("run error after the claim moved on; job left to its owner")
		return
	}
	if err != nil {
		log.Error().Err(err).AnErr("run_error", runErr).Msg("failed to mark job as failed")
		return
	}
	job.Status = core.StatusFailed
	job.LastError = security.SanitizeErrorMessage(runErr.Error())

	log.Error().Err(runErr).Msg("job failed")
	q.callFailHooks(ctx, job, runErr)
	q.Emit(&core.JobFailed{Job: job, Error: runErr, Timestamp: time.Now()})
}

// requeue hands an interrupted run back to the queue so the next claim
// resumes from the persisted cursor.
func (q *Queue) requeue(ctx context.Context, jobID, owner, reason string, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, q.retry, func() error {
		return q.store.ReleaseClaim(ctx, jobID, owner)
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to requeue interrupted job")
		return
	}
	log.Info().Str("reason", reason).Msg("job requeued")
	q.Emit(&core.JobRequeued{JobID: jobID, Reason: reason, Timestamp: time.Now()})
}

func applyProgress(job *core.Job, res runner.Result) {
	if res.Status != "" {
		job.Status = res.Status
	}
	job.Scanned = res.Progress.Scanned
	job.Sent = res.Progress.Sent
	job.Failed = res.Progress.Failed
}

// withOp re-labels a state conflict with the administrative operation name.
func withOp(err error, op string) error {
	var ise *core.InvalidStateError
	if errors.As(err, &ise) {
		return &core.InvalidStateError{JobID: ise.JobID, Status: ise.Status, Op: op}
	}
	return err
}

// OnJobStart registers a callback for when a run starts.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job finishes its audience.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job is marked failed.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnJobCancel registers a callback for when a job is canceled.
func (q *Queue) OnJobCancel(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onCancel = append(q.onCancel, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed. After Unsubscribe returns, no further events
// will be sent to it.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow subscribers miss events
// rather than block delivery.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (q *Queue) callStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

func (q *Queue) callCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

func (q *Queue) callFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

func (q *Queue) callCancelHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onCancel))
	copy(hooks, q.onCancel)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}
