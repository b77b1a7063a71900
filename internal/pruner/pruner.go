// Package pruner deletes old finished executions on a cron schedule and
// reaps orphaned registry records between runs.
package pruner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zigroninc/loom/internal/metrics"
)

// Store is the subset of persistence the pruner needs.
type Store interface {
	DeleteFinishedExecutions(ctx context.Context, before time.Time) (int64, error)
}

// Reaper removes live records whose cancellation never completed.
type Reaper interface {
	ReapOrphans(olderThan time.Duration) []string
}

// Config controls what the pruner deletes and when.
type Config struct {
	// Schedule is a cron expression or descriptor, e.g. "@hourly".
	Schedule string
	// MaxAge keeps finished executions this long after they stopped.
	MaxAge time.Duration
	// OrphanMaxAge reaps stop-requested records older than this.
	OrphanMaxAge time.Duration
}

// Pruner runs retention sweeps on a cron schedule.
type Pruner struct {
	cfg      Config
	store    Store
	reaper   Reaper
	schedule cron.Schedule
	sink     metrics.Sink
	logger   *slog.Logger
	clock    func() time.Time
}

// New creates a Pruner. The schedule accepts standard five-field cron
// expressions plus descriptors like "@hourly" and "@every 30m".
func New(cfg Config, s Store, r Reaper, sink metrics.Sink, logger *slog.Logger) (*Pruner, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse prune schedule: %w", err)
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Pruner{
		cfg:      cfg,
		store:    s,
		reaper:   r,
		schedule: sched,
		sink:     sink,
		logger:   logger,
		clock:    time.Now,
	}, nil
}

// Run sweeps on the configured schedule until ctx ends.
func (p *Pruner) Run(ctx context.Context) error {
	p.logger.Info("pruner started", "schedule", p.cfg.Schedule, "max_age", p.cfg.MaxAge)
	for {
		next := p.schedule.Next(p.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("pruner stopped")
			return ctx.Err()
		case <-timer.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass immediately: old finished executions are
// deleted and orphaned live records reaped. Failures are logged, not
// returned; the next scheduled sweep retries.
func (p *Pruner) Sweep(ctx context.Context) {
	cutoff := p.clock().UTC().Add(-p.cfg.MaxAge)
	n, err := p.store.DeleteFinishedExecutions(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to prune executions", "error", err)
	} else {
		if n > 0 {
			p.logger.Info("pruned finished executions", "deleted", n, "cutoff", cutoff)
		}
		p.sink.ExecutionsPruned(n)
	}

	p.reaper.ReapOrphans(p.cfg.OrphanMaxAge)
}
