// Package reporter forwards unexpected execution failures to an error
// tracker. Cancellations are filtered out before they reach the tracker:
// an operator stopping an execution is not an incident.
package reporter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/zigroninc/loom/internal/registry"
)

// Reporter receives failures the platform did not expect.
type Reporter interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
	// Flush blocks until queued reports are delivered or the timeout passes.
	Flush(timeout time.Duration)
}

// shouldSkip filters errors that are part of normal operation.
func shouldSkip(err error) bool {
	return err == nil ||
		registry.IsCanceled(err) ||
		errors.Is(err, context.Canceled)
}

// LogReporter writes reports to the application log. Used when no DSN is
// configured.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) CaptureError(_ context.Context, err error, tags map[string]string) {
	if shouldSkip(err) {
		return
	}
	attrs := make([]any, 0, 2+2*len(tags))
	attrs = append(attrs, "error", err)
	for k, v := range tags {
		attrs = append(attrs, k, v)
	}
	r.logger.Error("execution failure", attrs...)
}

func (r *LogReporter) Flush(time.Duration) {}

// SentryReporter delivers reports to Sentry.
type SentryReporter struct{}

// NewSentryReporter initializes the global Sentry client.
func NewSentryReporter(dsn, environment, release string) (*SentryReporter, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}
	return &SentryReporter{}, nil
}

func (r *SentryReporter) CaptureError(_ context.Context, err error, tags map[string]string) {
	if shouldSkip(err) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

func (r *SentryReporter) Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
