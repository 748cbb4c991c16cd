package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/delivery"
	"github.com/jdziat/durable-broadcast/pkg/metrics"
	"github.com/jdziat/durable-broadcast/pkg/security"
)

// Sender performs one send attempt of a job's payload to a recipient.
// Errors must be classified with the core delivery error types.
type Sender interface {
	Send(ctx context.Context, job *core.Job, r core.Recipient) error
}

// Result is the state a run ended in.
//
// HandedOff means the run stopped because its claim moved to another owner
// or back to the queue. Status is then the job's stored status and the
// caller must not settle the job.
type Result struct {
	Status    core.JobStatus
	Progress  core.Progress
	HandedOff bool
}

// Runner executes claimed jobs to completion or cancellation.
type Runner struct {
	store    core.Store
	resolver core.Resolver
	mutator  core.Mutator
	sender   Sender
	policy   delivery.Policy
	cfg      Config
	log      zerolog.Logger
	metrics  metrics.Sink
	emit     func(core.Event)
}

// New creates a runner.
func New(store core.Store, resolver core.Resolver, sender Sender, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		resolver: resolver,
		sender:   sender,
		policy:   delivery.DefaultPolicy(),
		cfg:      DefaultConfig(),
		log:      zerolog.Nop(),
		metrics:  metrics.NewNoopSink(),
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// Config returns the effective scheduling settings.
func (r *Runner) Config() Config {
	return r.cfg
}

// runState is owned by the committing goroutine of a single run.
type runState struct {
	job       *core.Job
	owner     string
	progress  core.Progress
	committed int
}

func (s *runState) result(status core.JobStatus) Result {
	return Result{Status: status, Progress: s.progress}
}

// Run streams the job's audience from its persisted cursor and delivers to
// every recipient. The job must already be claimed (running) by owner.
//
// Progress is committed per recipient in cursor order, so a crash resumes
// after the last committed recipient. A cancel request is observed every
// CancelCheckEvery commits; deliveries already in flight then finish but are
// not recorded.
//
// Every progress write and the final MarkDone are conditioned on owner. Once
// the claim is lost, found by a status check, a rejected heartbeat or a
// rejected write, the run stops and reports HandedOff with a nil error.
func (r *Runner) Run(ctx context.Context, job *core.Job, owner string) (Result, error) {
	st := &runState{job: job, owner: owner, progress: job.Progress()}

	if job.Status != core.StatusRunning {
		return st.result(job.Status), &core.InvalidStateError{JobID: job.ID, Status: job.Status, Op: "run"}
	}
	if err := security.ValidateSegment(job.Segment); err != nil {
		return st.result(job.Status), err
	}

	log := r.log.With().Str("job_id", job.ID).Str("segment", job.Segment).Str("worker_id", owner).Logger()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	stopHeartbeat := r.startHeartbeat(runCtx, job.ID, owner, cancelRun, log)
	defer stopHeartbeat()

	res, err := r.run(runCtx, st, log)
	if err != nil && ctx.Err() == nil &&
		(errors.Is(err, core.ErrJobNotOwned) || errors.Is(context.Cause(runCtx), core.ErrJobNotOwned)) {
		return r.reconcile(ctx, st, log), nil
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, st *runState, log zerolog.Logger) (Result, error) {
	job := st.job
	cur, err := r.resolver.Open(ctx, job.Segment, job.LastRecipientCursor)
	if err != nil {
		return st.result(job.Status), fmt.Errorf("open audience: %w", err)
	}
	defer cur.Close()

	log.Info().Int64("cursor", job.LastRecipientCursor).Int64("total", job.Total).Msg("run started")

	batch := make([]core.Recipient, 0, r.cfg.BatchSize)
	for {
		batch = batch[:0]
		exhausted := false
		for len(batch) < r.cfg.BatchSize {
			rec, err := cur.Next(ctx)
			if errors.Is(err, io.EOF) {
				exhausted = true
				break
			}
			if err != nil {
				return st.result(core.StatusRunning), fmt.Errorf("read audience: %w", err)
			}
			batch = append(batch, rec)
		}

		if len(batch) > 0 {
			stopped, err := r.flush(ctx, st, batch, log)
			if err != nil {
				return st.result(core.StatusRunning), err
			}
			if stopped != "" {
				log.Info().Str("status", string(stopped)).
					Int64("scanned", st.progress.Scanned).
					Msg("run stopped by status change")
				return st.result(stopped), nil
			}
		}
		if exhausted {
			break
		}
	}

	if err := r.store.MarkDone(ctx, job.ID, st.owner); err != nil {
		// Lost a race with cancel, resume or another claim.
		var ise *core.InvalidStateError
		if errors.As(err, &ise) || errors.Is(err, core.ErrJobNotOwned) {
			return r.reconcile(ctx, st, log), nil
		}
		return st.result(core.StatusRunning), fmt.Errorf("mark done: %w", err)
	}

	log.Info().
		Int64("scanned", st.progress.Scanned).
		Int64("sent", st.progress.Sent).
		Int64("failed", st.progress.Failed).
		Msg("run finished")
	return st.result(core.StatusDone), nil
}

// reconcile ends a run that found the job changed under it. A job this
// owner still holds in a terminal status (a cancel) is reported as such;
// anything else means the claim moved on and the result is HandedOff.
func (r *Runner) reconcile(ctx context.Context, st *runState, log zerolog.Logger) Result {
	job, err := r.store.Get(context.WithoutCancel(ctx), st.job.ID)
	if err != nil {
		log.Warn().Err(err).Msg("claim lost, run stopped")
		res := st.result(core.StatusRunning)
		res.HandedOff = true
		return res
	}
	if job.WorkerID == st.owner && job.Status.IsTerminal() {
		log.Info().Str("status", string(job.Status)).
			Int64("scanned", st.progress.Scanned).
			Msg("run stopped by status change")
		return st.result(job.Status)
	}

	log.Warn().Str("status", string(job.Status)).Str("new_owner", job.WorkerID).
		Int64("scanned", st.progress.Scanned).Msg("claim lost, run stopped")
	res := st.result(job.Status)
	res.HandedOff = true
	return res
}

// flush delivers one batch with at most Concurrency sends in flight and
// commits the outcomes in batch order. It returns a non-empty status when a
// cancel check found the job no longer running.
func (r *Runner) flush(ctx context.Context, st *runState, batch []core.Recipient, log zerolog.Logger) (core.JobStatus, error) {
	results := make([]chan delivery.Outcome, len(batch))
	for i := range results {
		results[i] = make(chan delivery.Outcome, 1)
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stopDispatch()
		wg.Wait()
	}()

	sem := make(chan struct{}, min(r.cfg.Concurrency, len(batch)))

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, rec := range batch {
			select {
			case sem <- struct{}{}:
			case <-dispatchCtx.Done():
				return
			}
			if dispatchCtx.Err() != nil {
				<-sem
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				out := r.policy.Deliver(ctx, func(ctx context.Context) error {
					return r.sender.Send(ctx, st.job, rec)
				})
				results[i] <- out
				<-sem
			}()
		}
	}()

	for i, rec := range batch {
		var out delivery.Outcome
		select {
		case out = <-results[i]:
		default:
			select {
			case out = <-results[i]:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		// An interrupted delivery is left for the next owner.
		if !out.Delivered && ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Never attempted: the cursor stays before this recipient.
		if out.Aborted {
			return "", fmt.Errorf("deliver to chat %d: %w", rec.ChatID, out.Err)
		}

		stopped, err := r.commit(ctx, st, rec, out, log)
		if err != nil || stopped != "" {
			return stopped, err
		}
	}
	return "", nil
}

func (r *Runner) commit(ctx context.Context, st *runState, rec core.Recipient, out delivery.Outcome, log zerolog.Logger) (core.JobStatus, error) {
	delta := core.Progress{Scanned: 1}
	outcome := metrics.OutcomeSent
	switch {
	case out.Delivered:
		delta.Sent = 1
	case out.Permanent:
		delta.Failed = 1
		outcome = metrics.OutcomePermanent
	default:
		delta.Failed = 1
		outcome = metrics.OutcomeFailed
	}

	// A finished delivery is recorded even while shutting down.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.IncrementProgress(ctx, st.job.ID, st.owner, delta, rec.Key); err != nil {
		return "", fmt.Errorf("commit progress: %w", err)
	}
	st.progress = st.progress.Add(delta)
	st.committed++

	r.metrics.RecipientResolved(outcome, out.Attempts)
	if out.RateLimitWait > 0 {
		r.metrics.RateLimitWait(out.RateLimitWait)
	}

	if !out.Delivered {
		log.Debug().Int64("chat_id", rec.ChatID).Int("attempts", out.Attempts).
			Str("outcome", outcome).Err(out.Err).Msg("delivery failed")
	}
	if out.Permanent {
		r.markUndeliverable(ctx, st.job.ID, rec, out.Err, log)
	}

	if st.committed%r.cfg.CancelCheckEvery == 0 {
		return r.checkStatus(ctx, st.job.ID, st.owner)
	}
	return "", nil
}

func (r *Runner) markUndeliverable(ctx context.Context, jobID string, rec core.Recipient, cause error, log zerolog.Logger) {
	if r.mutator != nil {
		if err := r.mutator.MarkUndeliverable(ctx, rec); err != nil {
			log.Warn().Err(err).Int64("chat_id", rec.ChatID).Msg("failed to mark recipient undeliverable")
		}
	}
	if r.emit != nil {
		r.emit(&core.RecipientUndeliverable{JobID: jobID, Recipient: rec, Error: cause, Timestamp: time.Now()})
	}
}

// checkStatus reloads the job and reports its status if it left running.
// A job now held by someone else, or requeued, is core.ErrJobNotOwned.
func (r *Runner) checkStatus(ctx context.Context, jobID, owner string) (core.JobStatus, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("cancel check: %w", err)
	}
	if job.WorkerID != owner {
		return "", fmt.Errorf("cancel check: %w", core.ErrJobNotOwned)
	}
	if job.Status != core.StatusRunning {
		return job.Status, nil
	}
	return "", nil
}

// startHeartbeat refreshes the claim until the returned stop func is called.
// A rejected heartbeat cancels the run through lost.
func (r *Runner) startHeartbeat(ctx context.Context, jobID, owner string, lost context.CancelCauseFunc, log zerolog.Logger) func() {
	if r.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := r.store.Heartbeat(hbCtx, jobID, owner)
				switch {
				case err == nil:
					log.Debug().Msg("heartbeat sent")
				case errors.Is(err, core.ErrJobNotOwned):
					log.Warn().Msg("heartbeat rejected, job no longer owned")
					lost(core.ErrJobNotOwned)
					return
				case hbCtx.Err() == nil:
					log.Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
