package queue

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/pkg/retry"
	"github.com/jdziat/durable-broadcast/pkg/metrics"
	"github.com/jdziat/durable-broadcast/pkg/runner"
)

// Options holds configuration for job creation.
type Options struct {
	Draft bool
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// AsDraft stores the job as a draft that must be confirmed before any
// worker picks it up.
func AsDraft() Option {
	return optionFunc(func(o *Options) {
		o.Draft = true
	})
}

// QueueOption configures a Queue.
type QueueOption interface {
	ApplyQueue(*Queue)
}

type queueOptionFunc func(*Queue)

func (f queueOptionFunc) ApplyQueue(q *Queue) { f(q) }

// WithLogger sets the logger for the queue and its runner.
func WithLogger(l zerolog.Logger) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		q.log = l.With().Str("comp", "queue").Logger()
		q.runnerOpts = append(q.runnerOpts, runner.WithLogger(l))
	})
}

// WithMetrics sets the metrics sink for the queue and its runner.
func WithMetrics(m metrics.Sink) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		if m == nil {
			return
		}
		q.metrics = m
		q.runnerOpts = append(q.runnerOpts, runner.WithMetrics(m))
	})
}

// WithRunner passes options to the runner that executes jobs.
func WithRunner(opts ...runner.Option) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		q.runnerOpts = append(q.runnerOpts, opts...)
	})
}

// WithStorageRetry sets the retry behavior for job state writes made after
// a run.
func WithStorageRetry(cfg retry.Config) QueueOption {
	return queueOptionFunc(func(q *Queue) {
		q.retry = cfg
	})
}

// InlineOwner prefixes the worker id recorded for jobs run in-process
// through RunInline or the HTTP API.
const InlineOwner = "inline"

// NewInlineOwner returns a worker id unique to one in-process run, so two
// inline runs of the same job never pass each other's ownership checks.
func NewInlineOwner() string {
	return InlineOwner + ":" + uuid.NewString()
}
