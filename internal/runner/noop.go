package runner

import (
	"context"

	"github.com/zigroninc/loom/internal/model"
)

// NoopRunner completes immediately, echoing the trigger payload. Useful for
// smoke tests and for workflows that only exist to be tracked.
type NoopRunner struct{}

func (*NoopRunner) Run(ctx context.Context, job Job) (*model.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &model.RunResult{
		Status: model.StatusSuccess,
		Data:   job.Payload,
	}, nil
}
