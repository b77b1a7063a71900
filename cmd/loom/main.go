package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/zigroninc/loom/internal/api"
	"github.com/zigroninc/loom/internal/concurrency"
	"github.com/zigroninc/loom/internal/config"
	"github.com/zigroninc/loom/internal/engine"
	"github.com/zigroninc/loom/internal/insights"
	"github.com/zigroninc/loom/internal/ldap"
	"github.com/zigroninc/loom/internal/license"
	"github.com/zigroninc/loom/internal/metrics"
	"github.com/zigroninc/loom/internal/pruner"
	"github.com/zigroninc/loom/internal/registry"
	"github.com/zigroninc/loom/internal/reporter"
	"github.com/zigroninc/loom/internal/runner"
	"github.com/zigroninc/loom/internal/store"
	"github.com/zigroninc/loom/internal/waittracker"
)

const shutdownTimeout = 30 * time.Second

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("loom: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

	var rep reporter.Reporter
	if cfg.SentryDSN != "" {
		rep, err = reporter.NewSentryReporter(cfg.SentryDSN, cfg.Environment, version)
		if err != nil {
			log.Fatalf("failed to initialize error reporter: %v", err)
		}
	} else {
		rep = reporter.NewLogReporter(logger)
	}

	var rec insights.Recorder = insights.NoopRecorder{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rec = insights.NewRedisRecorder(client, cfg.ExecutionMaxAge)
		logger.Info("insights enabled", "redis_addr", cfg.RedisAddr)
	}

	active := registry.New(db, sink, logger)
	limiter := concurrency.New(cfg.ConcurrencyCap, sink, logger)
	runners := runner.NewRegistry()

	eng := engine.New(engine.Deps{
		Store:    db,
		Active:   active,
		Runners:  runners,
		Limiter:  limiter,
		Insights: rec,
		Reporter: rep,
		Logger:   logger,
	})

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	prn, err := pruner.New(pruner.Config{
		Schedule:     cfg.PruneSchedule,
		MaxAge:       cfg.ExecutionMaxAge,
		OrphanMaxAge: cfg.OrphanMaxAge,
	}, db, active, sink, logger)
	if err != nil {
		log.Fatalf("failed to configure pruner: %v", err)
	}
	go prn.Run(bg)

	tracker := waittracker.New(waittracker.Config{
		Interval:  cfg.WaitInterval,
		BatchSize: cfg.WaitBatch,
	}, db, eng, logger)
	go tracker.Run(bg)

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:       db,
		Active:      active,
		Engine:      eng,
		Runners:     runners,
		LDAP:        ldap.NewManager(db, logger),
		License:     license.NewClient(cfg.LicenseServerURL, db, logger),
		Insights:    rec,
		Logger:      logger,
		HookTimeout: cfg.HookTimeout,
	})

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// The HTTP surface is down; unwind the executions still in flight.
	stopBackground()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown incomplete", "error", err)
	}
	logger.Info("loom: stopped")
}
