// Package app wires configuration into the broadcast components shared by
// the broadcast-worker and broadcast-api binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/jdziat/durable-broadcast/pkg/api"
	"github.com/jdziat/durable-broadcast/pkg/audience"
	"github.com/jdziat/durable-broadcast/pkg/config"
	"github.com/jdziat/durable-broadcast/pkg/delivery"
	"github.com/jdziat/durable-broadcast/pkg/metrics"
	"github.com/jdziat/durable-broadcast/pkg/queue"
	"github.com/jdziat/durable-broadcast/pkg/ratelimit"
	"github.com/jdziat/durable-broadcast/pkg/runner"
	"github.com/jdziat/durable-broadcast/pkg/storage"
	"github.com/jdziat/durable-broadcast/pkg/worker"
)

// App holds the wired components of one process.
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	DB        *gorm.DB
	Store     *storage.GormStorage
	Directory *audience.Directory
	Queue     *queue.Queue

	redis    *redis.Client
	gatherer prometheus.Gatherer
}

type options struct {
	transport  delivery.Transport
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// Option customises New.
type Option func(*options)

// WithTransport replaces the Telegram transport.
func WithTransport(t delivery.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// New opens the database, migrates it and builds the queue.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := options{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.transport == nil {
		if err := cfg.RequireBotToken(); err != nil {
			return nil, err
		}
		bot, err := delivery.NewTelegramBot(cfg.Telegram.Token, cfg.Telegram.APIURL)
		if err != nil {
			return nil, fmt.Errorf("app: telegram: %w", err)
		}
		o.transport = delivery.NewTelegramTransport(bot)
	}

	db, err := storage.Open(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Store:     storage.NewGormStorage(db),
		Directory: audience.NewDirectory(db),
		gatherer:  o.gatherer,
	}

	if err := a.Store.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: migrate jobs: %w", err)
	}
	if err := a.Directory.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("app: migrate recipients: %w", err)
	}

	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("app: redis ping: %w", err)
		}
	}

	sink := metrics.NewPrometheusSink(o.registerer, log)
	a.Queue = queue.New(a.Store, a.Directory, delivery.NewSender(o.transport),
		queue.WithLogger(log),
		queue.WithMetrics(sink),
		queue.WithRunner(
			runner.WithConfig(runner.Config{
				BatchSize:         cfg.Broadcast.BatchSize,
				Concurrency:       cfg.Broadcast.Concurrency,
				CancelCheckEvery:  cfg.Broadcast.CancelCheckEvery,
				HeartbeatInterval: runner.DefaultConfig().HeartbeatInterval,
			}),
			runner.WithPolicy(a.policy()),
		),
	)
	return a, nil
}

// policy applies the configured pacing and retry budget to the default policy.
func (a *App) policy() delivery.Policy {
	p := delivery.DefaultPolicy()
	p.MaxRetries = a.Config.Broadcast.MaxRetries
	p.BaseDelay = a.Config.Broadcast.Delay
	p.PaceDelay = a.Config.Broadcast.Delay
	p.Limiter = ratelimit.New(a.Config.Broadcast.RatePerSec, a.redis, limiterKey(a.Config.Telegram.Token))
	return p
}

// limiterKey scopes the shared budget to the bot id, the part of the token
// before the colon, so the secret never reaches Redis.
func limiterKey(token string) string {
	id, _, _ := strings.Cut(token, ":")
	if id == "" {
		id = "default"
	}
	return "broadcast:outbound:" + id
}

// Worker builds a claim loop from the worker settings.
func (a *App) Worker() *worker.Worker {
	return worker.NewWorker(a.Queue,
		worker.WithWorkerID(a.Config.Worker.ID),
		worker.PollInterval(a.Config.Worker.PollInterval),
		worker.WithStaleLockReaper(a.Config.Worker.StaleLockAfter, a.Config.Worker.ReapSchedule),
		worker.WithLogger(a.Log),
	)
}

// Handler builds the HTTP control plane. In inline run mode jobs are run by
// this process as soon as they are queued; runCtx bounds those runs.
func (a *App) Handler(runCtx context.Context) (*api.Handler, error) {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("app: database handle: %w", err)
	}

	opts := []api.Option{
		api.WithLogger(a.Log),
		api.WithMetricsHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})),
		api.WithHealthChecker(sqlDB),
	}
	if a.Config.Broadcast.RunMode == config.RunModeInline {
		opts = append(opts, api.WithInlineRuns(runCtx))
	}
	return api.NewHandler(a.Queue, opts...), nil
}

// MetricsRoutes serves /healthz and /metrics for processes without the API.
func (a *App) MetricsRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	} else {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
