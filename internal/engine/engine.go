package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zigroninc/loom/internal/concurrency"
	"github.com/zigroninc/loom/internal/insights"
	"github.com/zigroninc/loom/internal/model"
	"github.com/zigroninc/loom/internal/registry"
	"github.com/zigroninc/loom/internal/reporter"
	"github.com/zigroninc/loom/internal/runner"
	"github.com/zigroninc/loom/internal/store"
)

// Engine orchestrates asynchronous workflow execution.
type Engine struct {
	store    store.Store
	active   *registry.Registry
	runners  *runner.Registry
	limiter  *concurrency.Controller
	insights insights.Recorder
	reporter reporter.Reporter
	logger   *slog.Logger
	broker   *Broker
	wg       sync.WaitGroup
}

// Deps bundles the engine's collaborators. Insights and Reporter may be nil;
// the engine falls back to a no-op recorder and a log-backed reporter.
type Deps struct {
	Store    store.Store
	Active   *registry.Registry
	Runners  *runner.Registry
	Limiter  *concurrency.Controller
	Insights insights.Recorder
	Reporter reporter.Reporter
	Logger   *slog.Logger
}

// New creates a new execution engine.
func New(d Deps) *Engine {
	if d.Insights == nil {
		d.Insights = insights.NoopRecorder{}
	}
	if d.Reporter == nil {
		d.Reporter = reporter.NewLogReporter(d.Logger)
	}
	return &Engine{
		store:    d.Store,
		active:   d.Active,
		runners:  d.Runners,
		limiter:  d.Limiter,
		insights: d.Insights,
		reporter: d.Reporter,
		logger:   d.Logger,
		broker:   NewBroker(),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// LaunchOptions carries the optional inputs for a fresh launch.
type LaunchOptions struct {
	Payload json.RawMessage
	RetryOf string

	// Response, when non-nil, is attached before execution begins so a
	// respond step can never race the caller's promise.
	Response *registry.ResponsePromise
}

// Launch admits, registers and starts a fresh execution of wf, returning the
// assigned execution id. Production launches block in admission until a slot
// is free or ctx ends; registration happens only after admission.
func (e *Engine) Launch(ctx context.Context, wf *model.Workflow, mode model.ExecutionMode, opts LaunchOptions) (string, error) {
	rn, err := e.runners.Lookup(wf.Kind)
	if err != nil {
		return "", err
	}

	if err := e.limiter.Throttle(ctx, mode, wf.ID); err != nil {
		return "", err
	}

	id, err := e.active.Add(ctx, registry.StartData{
		WorkflowID: wf.ID,
		Mode:       mode,
		RetryOf:    opts.RetryOf,
		Payload:    opts.Payload,
	}, "")
	if err != nil {
		e.limiter.Release(mode)
		return "", fmt.Errorf("register execution: %w", err)
	}

	if opts.Response != nil {
		if err := e.active.AttachResponsePromise(id, opts.Response); err != nil {
			e.logger.Error("failed to attach response promise", "execution_id", id, "error", err)
		}
	}

	e.start(id, mode, rn, runner.Job{
		ExecutionID: id,
		Workflow:    wf,
		Mode:        mode,
		Payload:     opts.Payload,
		Respond:     e.responder(id),
	}, true)

	return id, nil
}

// ResumeOptions carries the optional inputs for resuming a waiting execution.
type ResumeOptions struct {
	Payload  json.RawMessage
	Response *registry.ResponsePromise
}

// Resume wakes a waiting execution and continues it from its persisted
// state. The execution keeps its id, mode and original start time.
func (e *Engine) Resume(ctx context.Context, id string, opts ResumeOptions) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != model.StatusWaiting {
		return fmt.Errorf("execution %s is %s, not waiting", id, exec.Status)
	}
	if e.active.GetStatus(id) == model.StatusRunning {
		return fmt.Errorf("execution %s is already running", id)
	}
	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	rn, err := e.runners.Lookup(wf.Kind)
	if err != nil {
		return err
	}

	if err := e.limiter.Throttle(ctx, exec.Mode, id); err != nil {
		return err
	}

	// Payload stays out of StartData here: a partial update with no data
	// must leave the persisted resume state untouched.
	if _, err := e.active.Add(ctx, registry.StartData{
		WorkflowID: wf.ID,
		Mode:       exec.Mode,
		RetryOf:    exec.RetryOf,
	}, id); err != nil {
		e.limiter.Release(exec.Mode)
		return fmt.Errorf("register resumed execution: %w", err)
	}

	if opts.Response != nil {
		if err := e.active.AttachResponsePromise(id, opts.Response); err != nil {
			e.logger.Error("failed to attach response promise", "execution_id", id, "error", err)
		}
	}

	e.start(id, exec.Mode, rn, runner.Job{
		ExecutionID: id,
		Workflow:    wf,
		Mode:        exec.Mode,
		Payload:     opts.Payload,
		State:       exec.Data,
		Respond:     e.responder(id),
	}, false)

	return nil
}

// start attaches the cancel handle and launches the execution goroutine. The
// goroutine operates on a copy of the workflow to avoid data races with the
// caller.
func (e *Engine) start(id string, mode model.ExecutionMode, rn runner.Runner, job runner.Job, fresh bool) {
	runCtx, cancel := context.WithCancel(context.Background())
	if err := e.active.AttachWorkflowExecution(id, registry.CancelFunc(cancel)); err != nil {
		e.logger.Error("failed to attach cancel handle", "execution_id", id, "error", err)
	}

	wfCopy := *job.Workflow
	job.Workflow = &wfCopy
	e.wg.Go(func() {
		defer cancel()
		e.execute(runCtx, id, mode, rn, job, fresh)
	})
}

// Retry launches a fresh execution of the same workflow, linked to the
// failed original via retry_of. Only finished, failed executions qualify.
func (e *Engine) Retry(ctx context.Context, id string) (string, error) {
	orig, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return "", err
	}
	if !orig.Finished {
		return "", fmt.Errorf("execution %s has not finished", id)
	}
	switch orig.Status {
	case model.StatusError, model.StatusCrashed, model.StatusCanceled:
	default:
		return "", fmt.Errorf("execution %s ended with %s; only failed executions can be retried", id, orig.Status)
	}
	wf, err := e.store.GetWorkflow(ctx, orig.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("load workflow: %w", err)
	}
	return e.Launch(ctx, wf, model.ModeRetry, LaunchOptions{RetryOf: id})
}

// Stop requests cancellation of a live execution. A running execution is
// canceled cooperatively: its goroutine observes the cancellation, persists
// the canceled state and finalizes. A waiting execution has no goroutine, so
// Stop settles it here directly. Waiting rows left behind by an earlier
// process are canceled in the store alone.
func (e *Engine) Stop(ctx context.Context, id string) error {
	status := e.active.GetStatus(id)
	if status == model.StatusUnknown {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status != model.StatusWaiting {
			return fmt.Errorf("execution %s is not active", id)
		}
		if err := e.persistCanceled(ctx, id); err != nil {
			return err
		}
		e.logger.Info("orphaned waiting execution canceled", "execution_id", id)
		return nil
	}

	e.active.Stop(id)

	if status == model.StatusWaiting {
		if err := e.persistCanceled(ctx, id); err != nil {
			e.logger.Error("failed to persist canceled execution", "execution_id", id, "error", err)
		}
		if err := e.active.SetStatus(id, model.StatusCanceled); err != nil && !errors.Is(err, registry.ErrNotFound) {
			e.logger.Error("failed to mark execution canceled", "execution_id", id, "error", err)
		}
		res := &model.RunResult{
			Status: model.StatusCanceled,
			Error:  (&registry.CanceledError{ExecutionID: id}).Error(),
		}
		e.active.Finalize(id, res)
		e.publish(id, EventFinished, model.StatusCanceled, res.Error)
		e.broker.Close(id)
	}

	e.logger.Info("execution stop requested", "execution_id", id, "status", status)
	return nil
}

func (e *Engine) persistCanceled(ctx context.Context, id string) error {
	canceled := model.StatusCanceled
	finished := true
	now := time.Now().UTC()
	msg := (&registry.CanceledError{ExecutionID: id}).Error()
	return e.store.UpdateExistingExecution(ctx, id, model.ExecutionUpdate{
		Status:    &canceled,
		Finished:  &finished,
		Error:     &msg,
		StoppedAt: &now,
		ClearWait: true,
	})
}

// Shutdown cancels every live execution and blocks until they settle or ctx
// ends. Waiting executions keep their rows and resume after a restart.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.active.Shutdown(ctx, true); err != nil {
		return err
	}
	e.wg.Wait()
	e.reporter.Flush(2 * time.Second)
	return nil
}

// Wait blocks until all in-flight execution goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// responder resolves the execution's response promise when a workflow step
// produces an HTTP reply. Running without a caller attached is routine for
// manual launches, so that case only gets a debug line.
func (e *Engine) responder(id string) func(*model.WebhookResponse) {
	return func(resp *model.WebhookResponse) {
		err := e.active.ResolveResponsePromise(id, resp)
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrNoResponsePromise):
			e.logger.Debug("respond step had no caller waiting", "execution_id", id)
		default:
			e.logger.Error("failed to resolve response promise", "execution_id", id, "error", err)
		}
	}
}

// execute runs one attempt of an execution to a waiting or terminal state.
func (e *Engine) execute(ctx context.Context, id string, mode model.ExecutionMode, rn runner.Runner, job runner.Job, fresh bool) {
	start := time.Now().UTC()

	defer e.limiter.Release(mode)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("runner panic: %v", r)
			e.reporter.CaptureError(context.Background(), err, map[string]string{
				"execution_id": id,
				"workflow_id":  job.Workflow.ID,
			})
			e.finish(id, job.Workflow.ID, mode, &model.RunResult{
				Status: model.StatusCrashed,
				Error:  err.Error(),
			}, start)
		}
	}()

	if fresh {
		// Transition the persisted row to running. The live record is
		// already running; the row was created as "new".
		running := model.StatusRunning
		if err := e.store.UpdateExistingExecution(context.Background(), id, model.ExecutionUpdate{
			Status:    &running,
			StartedAt: &start,
		}); err != nil {
			e.logger.Error("failed to transition to running", "execution_id", id, "error", err)
		}
		e.publish(id, EventStarted, model.StatusRunning, "")
	} else {
		e.publish(id, EventResumed, model.StatusRunning, "")
	}

	res, err := rn.Run(ctx, job)
	if err != nil {
		res = e.resultFromError(id, job.Workflow.ID, err)
	}
	if res == nil {
		res = &model.RunResult{Status: model.StatusSuccess}
	}
	res.StartedAt = start
	res.StoppedAt = time.Now().UTC()

	if res.Status == model.StatusWaiting {
		e.park(id, res)
		return
	}
	e.finish(id, job.Workflow.ID, mode, res, start)
}

// resultFromError maps a runner error to a terminal result. A context
// cancellation means the execution was stopped; everything else is an
// unexpected failure and gets reported.
func (e *Engine) resultFromError(id, workflowID string, err error) *model.RunResult {
	if errors.Is(err, context.Canceled) {
		return &model.RunResult{
			Status: model.StatusCanceled,
			Error:  (&registry.CanceledError{ExecutionID: id}).Error(),
		}
	}
	e.reporter.CaptureError(context.Background(), err, map[string]string{
		"execution_id": id,
		"workflow_id":  workflowID,
	})
	return &model.RunResult{Status: model.StatusError, Error: err.Error()}
}

// park persists a waiting execution and releases its goroutine. The live
// record stays registered: waiting executions are exempt from removal until
// they resume or are stopped.
func (e *Engine) park(id string, res *model.RunResult) {
	waiting := model.StatusWaiting
	if err := e.store.UpdateExistingExecution(context.Background(), id, model.ExecutionUpdate{
		Status:    &waiting,
		Data:      res.Data,
		WaitUntil: res.WaitUntil,
	}); err != nil {
		e.logger.Error("failed to park waiting execution", "execution_id", id, "error", err)
	}

	if err := e.active.SetStatus(id, waiting); err != nil {
		e.logger.Error("failed to mark execution waiting", "execution_id", id, "error", err)
	}
	e.active.Finalize(id, res)

	e.publish(id, EventWaiting, waiting, "")
	e.logger.Info("execution waiting", "execution_id", id, "wait_until", res.WaitUntil)
}

// finish persists the terminal state, records insights, finalizes the live
// record and closes the event stream.
func (e *Engine) finish(id, workflowID string, mode model.ExecutionMode, res *model.RunResult, start time.Time) {
	now := time.Now().UTC()
	finished := true
	upd := model.ExecutionUpdate{
		Status:    &res.Status,
		Finished:  &finished,
		Data:      res.Data,
		StoppedAt: &now,
		ClearWait: true,
	}
	if res.Error != "" {
		upd.Error = &res.Error
	}
	if err := e.store.UpdateExistingExecution(context.Background(), id, upd); err != nil {
		e.logger.Error("failed to persist finished execution", "execution_id", id, "error", err)
	}

	if err := e.insights.RecordExecution(context.Background(), insights.ExecutionEvent{
		WorkflowID: workflowID,
		Mode:       mode,
		Status:     res.Status,
		Duration:   now.Sub(start),
		At:         now,
	}); err != nil {
		e.logger.Warn("failed to record insights", "execution_id", id, "error", err)
	}

	e.active.Finalize(id, res)
	e.publish(id, EventFinished, res.Status, res.Error)
	e.broker.Close(id)
	e.logger.Info("execution finished", "execution_id", id, "status", res.Status, "duration_ms", now.Sub(start).Milliseconds())
}

func (e *Engine) publish(id, typ string, status model.ExecutionStatus, errMsg string) {
	e.broker.Publish(id, Event{
		Type:        typ,
		ExecutionID: id,
		Status:      status,
		Error:       errMsg,
		Time:        time.Now().UTC(),
	})
}
