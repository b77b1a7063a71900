// Package runner executes workflow definitions. A Runner takes a job for a
// single execution attempt and produces a RunResult; the engine owns
// persistence and lifecycle around it.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zigroninc/loom/internal/model"
)

// Job carries everything a runner needs for one execution attempt.
type Job struct {
	ExecutionID string
	Workflow    *model.Workflow
	Mode        model.ExecutionMode

	// Payload is the trigger input, if any.
	Payload json.RawMessage

	// State is the persisted execution data when resuming a waiting
	// execution. Empty on a fresh run.
	State json.RawMessage

	// Respond delivers the HTTP reply for the caller that triggered the
	// execution. May be nil when no caller is waiting.
	Respond func(*model.WebhookResponse)
}

// Runner executes one attempt of a workflow. A non-nil error means the
// runner itself failed; workflow-level failures come back as a RunResult
// with an error status.
type Runner interface {
	Run(ctx context.Context, job Job) (*model.RunResult, error)
}

// Registry maps workflow kinds to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry returns a registry with the builtin runners registered.
func NewRegistry() *Registry {
	r := &Registry{runners: make(map[string]Runner)}
	r.Register(model.KindSteps, NewStepsRunner())
	r.Register(model.KindNoop, &NoopRunner{})
	return r
}

// Register adds or replaces the runner for a workflow kind.
func (r *Registry) Register(kind string, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = rn
}

// Lookup returns the runner for a workflow kind.
func (r *Registry) Lookup(kind string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("no runner for workflow kind %q", kind)
	}
	return rn, nil
}
