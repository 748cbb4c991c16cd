package runner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/pkg/core"
	"github.com/jdziat/durable-broadcast/pkg/delivery"
	"github.com/jdziat/durable-broadcast/pkg/metrics"
	"github.com/jdziat/durable-broadcast/pkg/security"
)

// Config holds batch scheduling settings.
type Config struct {
	// BatchSize is how many recipients are pulled from the cursor at once.
	// Default: 25
	BatchSize int

	// Concurrency bounds in-flight deliveries; never more than the batch.
	// Default: 3
	Concurrency int

	// CancelCheckEvery reloads the job after this many committed recipients.
	// Default: 500
	CancelCheckEvery int

	// HeartbeatInterval refreshes the claim while the job runs.
	// Zero disables heartbeats. Default: 30s
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the default scheduling settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:         25,
		Concurrency:       3,
		CancelCheckEvery:  500,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Option configures a Runner.
type Option interface {
	apply(*Runner)
}

type optionFunc func(*Runner)

func (f optionFunc) apply(r *Runner) { f(r) }

// WithConfig replaces the scheduling settings. Values are clamped to the
// security limits.
func WithConfig(cfg Config) Option {
	return optionFunc(func(r *Runner) {
		cfg.BatchSize = security.ClampBatchSize(cfg.BatchSize)
		cfg.Concurrency = security.ClampConcurrency(cfg.Concurrency)
		if cfg.CancelCheckEvery < 1 {
			cfg.CancelCheckEvery = 1
		}
		r.cfg = cfg
	})
}

// WithPolicy sets the per-recipient retry and pacing policy.
func WithPolicy(p delivery.Policy) Option {
	return optionFunc(func(r *Runner) {
		p.MaxRetries = security.ClampRetries(p.MaxRetries)
		r.policy = p
	})
}

// WithMutator sets the directory mutator called for permanent failures.
func WithMutator(m core.Mutator) Option {
	return optionFunc(func(r *Runner) {
		r.mutator = m
	})
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return optionFunc(func(r *Runner) {
		r.log = l.With().Str("comp", "runner").Logger()
	})
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return optionFunc(func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	})
}

// WithEvents sets a callback receiving lifecycle events.
func WithEvents(emit func(core.Event)) Option {
	return optionFunc(func(r *Runner) {
		r.emit = emit
	})
}
