package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "loom.db"
	defaultHookTimeout   = 120 * time.Second
	defaultPruneSchedule = "@hourly"
	defaultExecMaxAge    = 14 * 24 * time.Hour
	defaultOrphanMaxAge  = time.Hour
	defaultWaitInterval  = time.Minute
	defaultWaitBatch     = 50
	defaultLicenseURL    = "https://license.zigroninc.com"

	// unlimitedConcurrency matches concurrency.Unlimited: no production cap.
	unlimitedConcurrency = -1

	envListenAddr    = "LOOM_LISTEN_ADDR"
	envDBPath        = "LOOM_DB_PATH"
	envLogLevel      = "LOOM_LOG_LEVEL"
	envConcurrency   = "LOOM_CONCURRENCY_CAP"
	envHookTimeout   = "LOOM_HOOK_TIMEOUT"
	envRedisAddr     = "LOOM_REDIS_ADDR"
	envSentryDSN     = "LOOM_SENTRY_DSN"
	envEnvironment   = "LOOM_ENVIRONMENT"
	envPruneSchedule = "LOOM_PRUNE_SCHEDULE"
	envExecMaxAge    = "LOOM_EXECUTION_MAX_AGE"
	envOrphanMaxAge  = "LOOM_ORPHAN_MAX_AGE"
	envWaitInterval  = "LOOM_WAIT_INTERVAL"
	envWaitBatch     = "LOOM_WAIT_BATCH"
	envLicenseURL    = "LOOM_LICENSE_SERVER_URL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// ConcurrencyCap bounds how many production executions run at once.
	// Zero or below disables the limit.
	ConcurrencyCap int

	// HookTimeout is how long a webhook call waits for a respond step
	// before answering 202.
	HookTimeout time.Duration

	// RedisAddr enables the insights recorder when non-empty.
	RedisAddr string

	// SentryDSN enables the Sentry error reporter when non-empty.
	SentryDSN   string
	Environment string

	// Retention pruning.
	PruneSchedule   string
	ExecutionMaxAge time.Duration
	OrphanMaxAge    time.Duration

	// Wait tracker cadence.
	WaitInterval time.Duration
	WaitBatch    int

	LicenseServerURL string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		ConcurrencyCap:   unlimitedConcurrency,
		HookTimeout:      defaultHookTimeout,
		Environment:      "development",
		PruneSchedule:    defaultPruneSchedule,
		ExecutionMaxAge:  defaultExecMaxAge,
		OrphanMaxAge:     defaultOrphanMaxAge,
		WaitInterval:     defaultWaitInterval,
		WaitBatch:        defaultWaitBatch,
		LicenseServerURL: defaultLicenseURL,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.ConcurrencyCap = parseInt(envConcurrency, cfg.ConcurrencyCap)
	cfg.HookTimeout = parseDuration(envHookTimeout, cfg.HookTimeout)
	cfg.RedisAddr = os.Getenv(envRedisAddr)
	cfg.SentryDSN = os.Getenv(envSentryDSN)
	if v := os.Getenv(envEnvironment); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv(envPruneSchedule); v != "" {
		cfg.PruneSchedule = v
	}
	cfg.ExecutionMaxAge = parseDuration(envExecMaxAge, cfg.ExecutionMaxAge)
	cfg.OrphanMaxAge = parseDuration(envOrphanMaxAge, cfg.OrphanMaxAge)
	cfg.WaitInterval = parseDuration(envWaitInterval, cfg.WaitInterval)
	cfg.WaitBatch = parseInt(envWaitBatch, cfg.WaitBatch)
	if v := os.Getenv(envLicenseURL); v != "" {
		cfg.LicenseServerURL = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseInt reads an integer env var, keeping fallback on absence or garbage.
func parseInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// parseDuration reads a duration env var, keeping fallback on absence or garbage.
func parseDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
