// Command broadcast-api serves the job administration HTTP API. With
// BROADCAST_RUN_MODE=inline it also runs queued jobs itself.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jdziat/durable-broadcast/internal/app"
	"github.com/jdziat/durable-broadcast/pkg/config"
	"github.com/jdziat/durable-broadcast/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "broadcast-api:", err)
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
	log = log.With().Str("service", "broadcast-api").Logger()

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

	// Inline runs stop with the process; an interrupted run is requeued.
	h, err := a.Handler(ctx)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	log.Info().Str("run_mode", string(cfg.Broadcast.RunMode)).Msg("broadcast api starting")
	err = app.Serve(ctx, srv, log)
	h.Wait()
	log.Info().Msg("shutdown complete")
	return err
}
