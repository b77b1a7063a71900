// Package concurrency bounds how many production executions run at once.
// Webhook and trigger launches acquire a slot before they register; manual,
// retry and internal launches always start immediately.
package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zigroninc/loom/internal/metrics"
	"github.com/zigroninc/loom/internal/model"
)

// Unlimited disables capacity enforcement.
const Unlimited = -1

// Controller gates production launches behind a weighted semaphore. Waiters
// are admitted in FIFO order as slots free up.
type Controller struct {
	capacity int
	sem      *semaphore.Weighted
	sink     metrics.Sink
	logger   *slog.Logger
}

// New creates a Controller with the given production capacity. A capacity
// of zero or below disables gating entirely.
func New(capacity int, sink metrics.Sink, logger *slog.Logger) *Controller {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	c := &Controller{capacity: capacity, sink: sink, logger: logger}
	if capacity > 0 {
		c.sem = semaphore.NewWeighted(int64(capacity))
	}
	return c
}

// Throttle blocks until a production slot is free, or returns early when ctx
// ends. Non-production modes never block.
func (c *Controller) Throttle(ctx context.Context, mode model.ExecutionMode, executionID string) error {
	if c.sem == nil || !mode.Production() {
		return nil
	}
	start := time.Now()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire production slot: %w", err)
	}
	wait := time.Since(start)
	if wait > 10*time.Millisecond {
		c.logger.Debug("execution admitted after wait", "execution_id", executionID, "mode", mode, "wait_ms", wait.Milliseconds())
	}
	c.sink.AdmissionWaited(string(mode), wait)
	return nil
}

// Release returns a production slot. Callers must pair it with a successful
// Throttle for the same mode.
func (c *Controller) Release(mode model.ExecutionMode) {
	if c.sem == nil || !mode.Production() {
		return
	}
	c.sem.Release(1)
}

// Capacity returns the configured production capacity, or Unlimited when
// gating is disabled.
func (c *Controller) Capacity() int {
	if c.sem == nil {
		return Unlimited
	}
	return c.capacity
}
