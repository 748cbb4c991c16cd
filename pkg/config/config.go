// Package config resolves process configuration from the environment once at
// startup. Binaries pass the result explicitly into each component.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// RunMode selects where queued jobs are executed.
type RunMode string

const (
	// RunModeWorker leaves queued jobs to broadcast-worker processes.
	RunModeWorker RunMode = "worker"
	// RunModeInline runs jobs inside the process that queued them.
	RunModeInline RunMode = "inline"
)

// Config is the resolved process configuration.
type Config struct {
	Telegram  TelegramConfig
	Database  DatabaseConfig
	Worker    WorkerConfig
	Broadcast BroadcastConfig
	Redis     RedisConfig
	HTTP      HTTPConfig
	Log       LogConfig
}

type TelegramConfig struct {
	Token  string
	APIURL string
}

type DatabaseConfig struct {
	URL string
}

type WorkerConfig struct {
	ID             string
	PollInterval   time.Duration
	StaleLockAfter time.Duration // zero disables the reaper
	ReapSchedule   string
}

type BroadcastConfig struct {
	BatchSize        int
	Delay            time.Duration
	MaxRetries       int
	Concurrency      int
	CancelCheckEvery int
	RunMode          RunMode
	RatePerSec       int // zero means unlimited
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type HTTPConfig struct {
	Address        string
	MetricsAddress string // worker-only listener for /metrics and /healthz; empty disables it
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding ones already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		Telegram: TelegramConfig{
			Token:  e.str("BOT_TOKEN", ""),
			APIURL: e.str("TELEGRAM_API_URL", ""),
		},
		Database: DatabaseConfig{
			URL: e.str("DATABASE_URL", "sqlite://broadcast.db"),
		},
		Worker: WorkerConfig{
			ID:             e.str("WORKER_ID", ""),
			PollInterval:   time.Duration(e.atLeast("BROADCAST_WORKER_POLL_MS", 1000, 250)) * time.Millisecond,
			StaleLockAfter: time.Duration(e.atLeast("BROADCAST_STALE_LOCK_MINUTES", 15, 0)) * time.Minute,
			ReapSchedule:   e.str("BROADCAST_REAP_SCHEDULE", "@every 1m"),
		},
		Broadcast: BroadcastConfig{
			BatchSize:        e.atLeast("BROADCAST_BATCH_SIZE", 25, 1),
			Delay:            time.Duration(e.atLeast("BROADCAST_DELAY_MS", 35, 0)) * time.Millisecond,
			MaxRetries:       e.atLeast("BROADCAST_MAX_RETRIES", 2, 0),
			Concurrency:      e.atLeast("BROADCAST_CONCURRENCY", 3, 1),
			CancelCheckEvery: e.atLeast("BROADCAST_CANCEL_CHECK_EVERY", 500, 1),
			RunMode:          RunMode(strings.ToLower(e.str("BROADCAST_RUN_MODE", string(RunModeWorker)))),
			RatePerSec:       e.atLeast("BROADCAST_RATE_PER_SEC", 0, 0),
		},
		HTTP: HTTPConfig{
			Address:        e.str("HTTP_ADDR", ":8080"),
			MetricsAddress: e.str("METRICS_ADDR", ""),
		},
		Log: LogConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "json"),
		},
	}

	if addr := e.str("REDIS_ADDR", ""); addr != "" {
		cfg.Redis = RedisConfig{
			Enabled:  true,
			Address:  addr,
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.atLeast("REDIS_DB", 0, 0),
		}
	}

	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be fixed by clamping.
func (c *Config) Validate() error {
	var errs []error

	switch c.Broadcast.RunMode {
	case RunModeWorker, RunModeInline:
	default:
		errs = append(errs, fmt.Errorf("config: BROADCAST_RUN_MODE must be %q or %q, got %q",
			RunModeWorker, RunModeInline, c.Broadcast.RunMode))
	}

	if c.Worker.StaleLockAfter > 0 {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Worker.ReapSchedule); err != nil {
			errs = append(errs, fmt.Errorf("config: invalid BROADCAST_REAP_SCHEDULE %q: %w", c.Worker.ReapSchedule, err))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("config: LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// RequireBotToken reports an error when no bot token is configured.
// Only processes that deliver messages need one.
func (c *Config) RequireBotToken() error {
	if c.Telegram.Token == "" {
		return errors.New("config: missing required env var BOT_TOKEN")
	}
	return nil
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

// atLeast parses an integer, falling back to def when unset and clamping to floor.
func (e *env) atLeast(key string, def, floor int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return max(def, floor)
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: invalid int for %s: %q", key, v))
		return def
	}
	return max(i, floor)
}
