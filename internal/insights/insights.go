// Package insights keeps rolling execution counters in Redis. Counters are
// bucketed by hour and expire after the retention window, so the keyspace
// stays bounded without a cleanup job.
package insights

import (
	"context"
	"time"

	"github.com/zigroninc/loom/internal/model"
)

// ExecutionEvent describes one finished execution attempt.
type ExecutionEvent struct {
	WorkflowID string
	Mode       model.ExecutionMode
	Status     model.ExecutionStatus
	Duration   time.Duration
	At         time.Time
}

// Totals aggregates counters over a query window.
type Totals struct {
	Executions int64            `json:"executions"`
	ByStatus   map[string]int64 `json:"by_status"`
}

// Recorder records execution outcomes and answers aggregate queries.
type Recorder interface {
	// RecordExecution counts one finished execution. Callers treat failures
	// as non-fatal; losing a counter must never fail an execution.
	RecordExecution(ctx context.Context, ev ExecutionEvent) error

	// Totals sums counters for a workflow since the given time. An empty
	// workflowID queries the instance-wide counters.
	Totals(ctx context.Context, workflowID string, since time.Time) (*Totals, error)
}

// NoopRecorder drops every event. Used when Redis is not configured.
type NoopRecorder struct{}

func (NoopRecorder) RecordExecution(context.Context, ExecutionEvent) error { return nil }

func (NoopRecorder) Totals(context.Context, string, time.Time) (*Totals, error) {
	return &Totals{ByStatus: map[string]int64{}}, nil
}
