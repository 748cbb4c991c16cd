// Command broadcast-worker claims queued broadcast jobs and delivers them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/durable-broadcast/internal/app"
	"github.com/jdziat/durable-broadcast/pkg/config"
	"github.com/jdziat/durable-broadcast/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "broadcast-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		return err
	}
	log = log.With().Str("service", "broadcast-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}()

	if cfg.HTTP.MetricsAddress != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.MetricsAddress,
			Handler:           a.MetricsRoutes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := app.Serve(ctx, srv, log); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	w := a.Worker()
	logStartup(log, cfg, w.ID())

	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func logStartup(log zerolog.Logger, cfg *config.Config, workerID string) {
	log.Info().
		Str("worker_id", workerID).
		Dur("poll_interval", cfg.Worker.PollInterval).
		Int("batch_size", cfg.Broadcast.BatchSize).
		Int("concurrency", cfg.Broadcast.Concurrency).
		Int("max_retries", cfg.Broadcast.MaxRetries).
		Dur("delay", cfg.Broadcast.Delay).
		Int("rate_per_sec", cfg.Broadcast.RatePerSec).
		Bool("redis", cfg.Redis.Enabled).
		Dur("stale_lock_after", cfg.Worker.StaleLockAfter).
		Msg("broadcast worker starting")
}
