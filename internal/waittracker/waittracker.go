// Package waittracker periodically wakes waiting executions whose wake-up
// time has passed.
package waittracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zigroninc/loom/internal/engine"
	"github.com/zigroninc/loom/internal/model"
)

// Store lists executions due for resumption.
type Store interface {
	ListDueWaiting(ctx context.Context, now time.Time, limit int) ([]*model.Execution, error)
}

// Resumer resumes a waiting execution. *engine.Engine satisfies it.
type Resumer interface {
	Resume(ctx context.Context, id string, opts engine.ResumeOptions) error
}

// Config controls the sweep cadence.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Tracker owns the resume loop.
type Tracker struct {
	cfg    Config
	store  Store
	rs     Resumer
	logger *slog.Logger
	clock  func() time.Time
}

func New(cfg Config, s Store, rs Resumer, logger *slog.Logger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Tracker{
		cfg:    cfg,
		store:  s,
		rs:     rs,
		logger: logger,
		clock:  time.Now,
	}
}

// Run sweeps on the configured interval until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.logger.Info("wait tracker started", "interval", t.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("wait tracker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				t.logger.Error("wait tracker sweep failed", "error", err)
			}
		}
	}
}

// Sweep resumes every due waiting execution once. Per-execution resume
// failures are logged and skipped; an execution another path resumed first
// simply fails its status check here.
func (t *Tracker) Sweep(ctx context.Context) error {
	due, err := t.store.ListDueWaiting(ctx, t.clock().UTC(), t.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due executions: %w", err)
	}

	for _, exec := range due {
		if err := t.rs.Resume(ctx, exec.ID, engine.ResumeOptions{}); err != nil {
			t.logger.Error("failed to resume execution", "execution_id", exec.ID, "error", err)
			continue
		}
		t.logger.Info("resumed waiting execution", "execution_id", exec.ID, "workflow_id", exec.WorkflowID)
	}
	return nil
}
