package queue

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-broadcast/pkg/audience"
	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/internal/testutil"
	"github.com/jdziat/durable-broadcast/pkg/retry"
	"github.com/jdziat/durable-broadcast/pkg/runner"
	"github.com/jdziat/durable-broadcast/pkg/storage"
)

type fixture struct {
	q      *Queue
	store  *storage.GormStorage
	dir    *audience.Directory
	sender *testutil.Sender
}

func newFixture(t *testing.T, recipients int, opts ...QueueOption) *fixture {
	t.Helper()
	store, dir := testutil.Stores(t)
	testutil.Seed(t, dir, recipients)
	sender := testutil.NewSender()

	base := []QueueOption{
		WithRunner(runner.WithPolicy(testutil.NoWaitPolicy())),
		WithStorageRetry(retry.Disabled()),
	}
	q := New(store, dir, sender, append(base, opts...)...)
	return &fixture{q: q, store: store, dir: dir, sender: sender}
}

func textDef() core.Definition {
	return core.Definition{CreatedBy: 7, Segment: "all", Text: "hello"}
}

// drain collects every event currently buffered on ch.
func drain(ch <-chan core.Event) []core.Event {
	var out []core.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestCreate_QueuedWithTotal(t *testing.T) {
	f := newFixture(t, 3)
	ctx := testutil.TestContext(t)
	events := f.q.Events()
	defer f.q.Unsubscribe(events)

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, int64(3), job.Total)
	assert.Equal(t, core.PayloadText, job.Kind)

	stored, err := f.q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.CreatedBy)
	assert.Equal(t, int64(3), stored.Total)

	got := drain(events)
	require.Len(t, got, 1)
	assert.IsType(t, &core.JobCreated{}, got[0])
}

func TestCreate_AsDraft(t *testing.T) {
	f := newFixture(t, 1)
	job, err := f.q.Create(testutil.TestContext(t), textDef(), AsDraft())
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraft, job.Status)

	// Drafts are never claimed.
	claimed, err := f.store.ClaimNext(testutil.TestContext(t), "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCreate_EmptyAudience(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.q.Create(testutil.TestContext(t), textDef())
	assert.ErrorIs(t, err, core.ErrEmptyAudience)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	tests := []struct {
		name  string
		def   core.Definition
		field string
	}{
		{"blank text", core.Definition{Segment: "all", Text: "  "}, "text"},
		{"unknown segment", core.Definition{Segment: "vip", Text: "hi"}, "segment"},
		{"copy without source", core.Definition{Segment: "all", Kind: core.PayloadCopy}, "source_chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.q.Create(ctx, tt.def)
			var ve *core.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestConfirm(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef(), AsDraft())
	require.NoError(t, err)

	confirmed, err := f.q.Confirm(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, confirmed.Status)

	_, err = f.q.Confirm(ctx, job.ID)
	var ise *core.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "confirm", ise.Op)
	assert.Equal(t, core.StatusQueued, ise.Status)
}

func TestConfirm_NotFound(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.q.Confirm(testutil.TestContext(t), "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestCancel_QueuedJob(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	var hooked []string
	f.q.OnJobCancel(func(_ context.Context, j *core.Job) { hooked = append(hooked, j.ID) })

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)

	events := f.q.Events()
	defer f.q.Unsubscribe(events)

	canceled, err := f.q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, canceled.Status)
	assert.Equal(t, []string{job.ID}, hooked)

	got := drain(events)
	require.Len(t, got, 1)
	assert.IsType(t, &core.JobCanceled{}, got[0])

	// A canceled job is never claimed.
	claimed, err := f.store.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCancel_RunningJobDefersEvent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)

	events := f.q.Events()
	defer f.q.Unsubscribe(events)

	canceled, err := f.q.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, canceled.Status)
	assert.Empty(t, drain(events))
}

func TestCancel_TerminalJob(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)
	_, err = f.q.RunInline(ctx, job.ID)
	require.NoError(t, err)

	_, err = f.q.Cancel(ctx, job.ID)
	var ise *core.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, core.StatusDone, ise.Status)
}

func TestResume(t *testing.T) {
	f := newFixture(t, 3)
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)
	require.NoError(t, f.store.IncrementProgress(ctx, job.ID, "w1", core.Progress{Scanned: 1, Sent: 1}, 1))
	require.NoError(t, f.store.MarkFailed(ctx, job.ID, "w1", "db down"))

	resumed, err := f.q.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, resumed.Status)
	assert.Equal(t, int64(1), resumed.Scanned)
	assert.Equal(t, int64(1), resumed.LastRecipientCursor)
	assert.Empty(t, resumed.LastError)
	assert.Empty(t, resumed.WorkerID)

	// The next run continues after the cursor.
	res, err := f.q.RunInline(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, res.Status)
	assert.Equal(t, core.Progress{Scanned: 3, Sent: 3}, res.Progress)
	assert.Equal(t, []int64{102, 103}, f.sender.Sent())
}

func TestResume_DoneIsRejected(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)
	_, err = f.q.RunInline(ctx, job.ID)
	require.NoError(t, err)

	_, err = f.q.Resume(ctx, job.ID)
	var ise *core.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "resume", ise.Op)
	assert.Equal(t, core.StatusDone, ise.Status)
}

func TestResume_DraftIsRejected(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef(), AsDraft())
	require.NoError(t, err)

	_, err = f.q.Resume(ctx, job.ID)
	var ise *core.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, core.StatusDraft, ise.Status)
}

func TestRunInline_DeliversAndFiresHooks(t *testing.T) {
	f := newFixture(t, 3)
	ctx := testutil.TestContext(t)

	var (
		mu       sync.Mutex
		started  []string
		complete []*core.Job
	)
	f.q.OnJobStart(func(_ context.Context, j *core.Job) {
		mu.Lock()
		started = append(started, j.ID)
		mu.Unlock()
	})
	f.q.OnJobComplete(func(_ context.Context, j *core.Job) {
		mu.Lock()
		complete = append(complete, j)
		mu.Unlock()
	})

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)

	events := f.q.Events()
	defer f.q.Unsubscribe(events)

	res, err := f.q.RunInline(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, res.Status)
	assert.Equal(t, core.Progress{Scanned: 3, Sent: 3}, res.Progress)

	assert.Equal(t, []string{job.ID}, started)
	require.Len(t, complete, 1)
	assert.Equal(t, int64(3), complete[0].Sent)

	got := drain(events)
	require.Len(t, got, 2)
	startedEv, ok := got[0].(*core.JobStarted)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(startedEv.Owner, InlineOwner+":"), startedEv.Owner)
	completed, ok := got[1].(*core.JobCompleted)
	require.True(t, ok)
	assert.Equal(t, core.Progress{Scanned: 3, Sent: 3}, completed.Progress)

	stored, err := f.q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, stored.Status)
	assert.Equal(t, startedEv.Owner, stored.WorkerID)
}

func TestRunInline_RequiresQueuedJob(t *testing.T) {
	f := newFixture(t, 1)
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef(), AsDraft())
	require.NoError(t, err)

	_, err = f.q.RunInline(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrNoJobQueued)
}

func TestRunInline_PermanentFailureUpdatesDirectory(t *testing.T) {
	f := newFixture(t, 2)
	ctx := testutil.TestContext(t)
	f.sender.Fail(101, core.Permanent(403, errors.New("Forbidden: bot was blocked by the user")))

	events := f.q.Events()
	defer f.q.Unsubscribe(events)

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)
	res, err := f.q.RunInline(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Progress{Scanned: 2, Sent: 1, Failed: 1}, res.Progress)

	remaining, err := f.dir.Count(ctx, "all")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	var undeliverable int
	for _, e := range drain(events) {
		if _, ok := e.(*core.RecipientUndeliverable); ok {
			undeliverable++
		}
	}
	assert.Equal(t, 1, undeliverable)
}

// brokenResolver sizes audiences but cannot stream them.
type brokenResolver struct{ core.Resolver }

func (brokenResolver) Open(context.Context, string, int64) (core.Cursor, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestExecute_RunErrorMarksFailed(t *testing.T) {
	store, dir := testutil.Stores(t)
	testutil.Seed(t, dir, 1)
	q := New(store, brokenResolver{Resolver: dir}, testutil.NewSender(), WithStorageRetry(retry.Disabled()))
	ctx := testutil.TestContext(t)

	var failed []error
	q.OnJobFail(func(_ context.Context, _ *core.Job, err error) { failed = append(failed, err) })

	job, err := q.Create(ctx, textDef())
	require.NoError(t, err)

	_, err = q.RunInline(ctx, job.ID)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Len(t, failed, 1)

	stored, err := q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "open audience")
	assert.NotNil(t, stored.FinishedAt)
}

type flakyLimiter struct {
	mu   sync.Mutex
	down bool
}

func (l *flakyLimiter) Wait(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return errors.New("redis limiter: connection refused")
	}
	return nil
}

func TestExecute_LimiterOutageFailsJobAndResumeDeliversEveryone(t *testing.T) {
	lim := &flakyLimiter{down: true}
	p := testutil.NoWaitPolicy()
	p.Limiter = lim
	f := newFixture(t, 5, WithRunner(runner.WithPolicy(p)))
	ctx := testutil.TestContext(t)

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)

	_, err = f.q.RunInline(ctx, job.ID)
	require.Error(t, err)

	stored, err := f.q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "connection refused")
	assert.Equal(t, int64(0), stored.Scanned)
	assert.Equal(t, int64(0), stored.Failed)
	assert.Equal(t, int64(0), stored.LastRecipientCursor)
	assert.Empty(t, f.sender.Sent())

	lim.mu.Lock()
	lim.down = false
	lim.mu.Unlock()

	_, err = f.q.Resume(ctx, job.ID)
	require.NoError(t, err)
	res, err := f.q.RunInline(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, res.Status)
	assert.Equal(t, core.Progress{Scanned: 5, Sent: 5}, res.Progress)
	assert.ElementsMatch(t, []int64{101, 102, 103, 104, 105}, f.sender.Sent())
}

func TestExecute_HandedOffRunLeavesJobToNewOwner(t *testing.T) {
	f := newFixture(t, 4)
	ctx := testutil.TestContext(t)

	var completed, failed int
	f.q.OnJobComplete(func(context.Context, *core.Job) { completed++ })
	f.q.OnJobFail(func(context.Context, *core.Job, error) { failed++ })

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)
	claimed, err := f.store.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)

	// An operator resumes the running job and another worker picks it up.
	f.sender.Hook = func(_ context.Context, call int, _ core.Recipient) error {
		if call != 1 {
			return nil
		}
		if _, err := f.q.Resume(ctx, job.ID); err != nil {
			return err
		}
		_, err := f.store.ClaimNext(ctx, "w2")
		return err
	}

	res, err := f.q.Execute(ctx, claimed, "w1")
	require.NoError(t, err)
	assert.True(t, res.HandedOff)
	assert.Zero(t, completed)
	assert.Zero(t, failed)

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, stored.Status)
	assert.Equal(t, "w2", stored.WorkerID)
	assert.Empty(t, stored.LastError)
}

func TestExecute_InterruptedRunIsRequeued(t *testing.T) {
	f := newFixture(t, 2)
	f.sender.Gate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	job, err := f.q.Create(ctx, textDef())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.q.RunInline(ctx, job.ID)
		done <- err
	}()

	// Wait for the claim, then shut down.
	require.Eventually(t, func() bool {
		j, err := f.store.Get(context.Background(), job.ID)
		return err == nil && j.Status == core.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	err = <-done
	require.ErrorIs(t, err, context.Canceled)

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, stored.Status)
	assert.Empty(t, stored.WorkerID)
	assert.Equal(t, int64(0), stored.Scanned)
}

func TestNewInlineOwner_Unique(t *testing.T) {
	a, b := NewInlineOwner(), NewInlineOwner()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, InlineOwner+":"))
}

func TestEvents_Unsubscribe(t *testing.T) {
	f := newFixture(t, 1)
	ch := f.q.Events()
	f.q.Unsubscribe(ch)

	f.q.Emit(&core.JobRequeued{JobID: "x"})
	assert.Empty(t, drain(ch))
}

func TestEmit_DropsWhenSubscriberIsFull(t *testing.T) {
	f := newFixture(t, 1)
	ch := f.q.Events()
	defer f.q.Unsubscribe(ch)

	for range 150 {
		f.q.Emit(&core.JobRequeued{JobID: "x"})
	}
	assert.Len(t, drain(ch), 100)
}
