// Package broadcast provides durable, resumable message broadcasts to a
// Telegram audience.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	db, _ := broadcast.OpenDB("sqlite://broadcast.db")
//	store := broadcast.NewGormStorage(db)
//	store.Migrate(ctx)
//	dir := broadcast.NewDirectory(db)
//	dir.Migrate(ctx)
//
//	bot, _ := broadcast.NewTelegramBot(token, "")
//	q := broadcast.New(store, dir, broadcast.NewSender(broadcast.NewTelegramTransport(bot)))
//
//	// Queue a job
//	job, _ := q.Create(ctx, broadcast.Definition{Segment: "subscribed", Text: "hello"})
//
//	// Start worker
//	worker := broadcast.NewWorker(q)
//	worker.Start(ctx)
package broadcast

import (
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"
	"gorm.io/gorm"

	"github.com/jdziat/durable-broadcast/pkg/audience"
	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/delivery"
	"github.com/jdziat/durable-broadcast/pkg/metrics"
	"github.com/jdziat/durable-broadcast/pkg/queue"
	"github.com/jdziat/durable-broadcast/pkg/runner"
	"github.com/jdziat/durable-broadcast/pkg/security"
	"github.com/jdziat/durable-broadcast/pkg/storage"
	"github.com/jdziat/durable-broadcast/pkg/worker"
)

type (
	// Job is one broadcast send operation.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// PayloadKind selects text or copy delivery.
	PayloadKind = core.PayloadKind

	// Definition is the immutable part of a job.
	Definition = core.Definition

	// Progress holds scanned, sent and failed counters.
	Progress = core.Progress

	// Recipient is a delivery target.
	Recipient = core.Recipient

	// JobFilter narrows List results.
	JobFilter = core.JobFilter

	// Store defines the persistence layer for jobs.
	Store = core.Store

	// Resolver turns a segment descriptor into an audience.
	Resolver = core.Resolver

	// Cursor iterates an audience in key order.
	Cursor = core.Cursor

	// Mutator flags unreachable recipients.
	Mutator = core.Mutator

	// Event is the interface for all queue events.
	Event = core.Event

	JobCreated             = core.JobCreated
	JobStarted             = core.JobStarted
	JobCompleted           = core.JobCompleted
	JobFailed              = core.JobFailed
	JobCanceled            = core.JobCanceled
	JobRequeued            = core.JobRequeued
	RecipientUndeliverable = core.RecipientUndeliverable

	// ValidationError rejects a malformed definition.
	ValidationError = core.ValidationError

	// InvalidStateError reports an operation the job's status does not allow.
	InvalidStateError = core.InvalidStateError

	// SourceError means the payload itself cannot be delivered to anyone.
	SourceError = core.SourceError

	// Queue administers and runs jobs.
	Queue = queue.Queue

	// Option modifies job creation.
	Option = queue.Option

	// QueueOption configures a Queue.
	QueueOption = queue.QueueOption

	// Sender delivers one message to one recipient.
	Sender = runner.Sender

	// Result is the outcome of one run.
	Result = runner.Result

	// RunnerConfig holds batch scheduling settings.
	RunnerConfig = runner.Config

	// Policy decides retries, backoff and pacing.
	Policy = delivery.Policy

	// Transport is the outbound messaging API.
	Transport = delivery.Transport

	// Worker claims and runs queued jobs.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// GormStorage implements Store using GORM.
	GormStorage = storage.GormStorage

	// Directory is the GORM recipient directory.
	Directory = audience.Directory
)

// Status constants
const (
	StatusDraft    = core.StatusDraft
	StatusQueued   = core.StatusQueued
	StatusRunning  = core.StatusRunning
	StatusDone     = core.StatusDone
	StatusFailed   = core.StatusFailed
	StatusCanceled = core.StatusCanceled
)

// Payload kinds
const (
	PayloadText = core.PayloadText
	PayloadCopy = core.PayloadCopy
)

// Security limits
const (
	MaxTextLength    = security.MaxTextLength
	MaxCaptionLength = security.MaxCaptionLength
	MaxRetries       = security.MaxRetries
	MaxConcurrency   = security.MaxConcurrency
	MaxBatchSize     = security.MaxBatchSize
)

// Error variables
var (
	ErrJobNotFound   = core.ErrJobNotFound
	ErrEmptyAudience = core.ErrEmptyAudience
	ErrNoJobQueued   = core.ErrNoJobQueued
	ErrJobNotOwned   = core.ErrJobNotOwned
)

// New creates a Queue over store, resolving audiences with resolver and
// delivering through sender.
func New(store Store, resolver Resolver, sender Sender, opts ...QueueOption) *Queue {
	return queue.New(store, resolver, sender, opts...)
}

// OpenDB connects to a PostgreSQL URL or a SQLite path.
func OpenDB(dsn string) (*gorm.DB, error) {
	return storage.Open(dsn)
}

// NewGormStorage creates a GORM-backed job store.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewDirectory creates a GORM-backed recipient directory.
func NewDirectory(db *gorm.DB) *Directory {
	return audience.NewDirectory(db)
}

// NewTelegramBot builds a send-only Telegram bot.
func NewTelegramBot(token, apiURL string) (*tele.Bot, error) {
	return delivery.NewTelegramBot(token, apiURL)
}

// NewTelegramTransport wraps bot as a Transport.
func NewTelegramTransport(bot *tele.Bot) Transport {
	return delivery.NewTelegramTransport(bot)
}

// NewSender creates a Sender over transport.
func NewSender(t Transport) Sender {
	return delivery.NewSender(t)
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *Queue, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, opts...)
}

// DefaultPolicy returns the default delivery policy.
func DefaultPolicy() Policy {
	return delivery.DefaultPolicy()
}

// AsDraft stores a new job as a draft awaiting Confirm.
func AsDraft() Option {
	return queue.AsDraft()
}

// WithLogger sets the queue, runner and worker parent logger.
func WithLogger(l zerolog.Logger) QueueOption {
	return queue.WithLogger(l)
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) QueueOption {
	return queue.WithMetrics(m)
}

// WithRunnerConfig sets batch size, concurrency and cancel-check cadence.
func WithRunnerConfig(cfg RunnerConfig) QueueOption {
	return queue.WithRunner(runner.WithConfig(cfg))
}

// WithPolicy sets the per-recipient delivery policy.
func WithPolicy(p Policy) QueueOption {
	return queue.WithRunner(runner.WithPolicy(p))
}

// WorkerID sets the owner id a worker claims jobs under.
func WorkerID(id string) WorkerOption {
	return worker.WithWorkerID(id)
}

// PollInterval sets how long an idle worker waits between claims.
func PollInterval(d time.Duration) WorkerOption {
	return worker.PollInterval(d)
}

// WithStaleLockReaper requeues running jobs whose lock is older than after,
// checked on the given cron schedule.
func WithStaleLockReaper(after time.Duration, schedule string) WorkerOption {
	return worker.WithStaleLockReaper(after, schedule)
}

// Permanent marks a delivery error as permanent.
func Permanent(code int, err error) error {
	return core.Permanent(code, err)
}

// Transient marks a delivery error as retryable.
func Transient(err error) error {
	return core.Transient(err)
}

// SourceUnavailable marks a delivery error as a broken payload source. The
// run stops and the job fails instead of blocking recipients.
func SourceUnavailable(err error) error {
	return core.SourceUnavailable(err)
}
