package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zigroninc/loom/internal/concurrency"
	"github.com/zigroninc/loom/internal/engine"
	"github.com/zigroninc/loom/internal/model"
	"github.com/zigroninc/loom/internal/registry"
	"github.com/zigroninc/loom/internal/runner"
	"github.com/zigroninc/loom/internal/store"
)

// scriptStep is one scripted runner outcome.
type scriptStep struct {
	result  *model.RunResult
	err     error
	panics  bool
	respond *model.WebhookResponse
}

// scriptRunner is a configurable mock runner for engine tests. Each call
// consumes the next script entry; past the end it succeeds echoing the
// payload.
type scriptRunner struct {
	mu     sync.Mutex
	delay  time.Duration
	script []scriptStep
	calls  int
}

func (r *scriptRunner) Run(ctx context.Context, job runner.Job) (*model.RunResult, error) {
	r.mu.Lock()
	var st scriptStep
	if r.calls < len(r.script) {
		st = r.script[r.calls]
	}
	r.calls++
	delay := r.delay
	r.mu.Unlock()

	if st.panics {
		panic("scripted panic")
	}
	if st.respond != nil && job.Respond != nil {
		job.Respond(st.respond)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.err != nil {
		return nil, st.err
	}
	if st.result != nil {
		res := *st.result
		return &res, nil
	}
	return &model.RunResult{Status: model.StatusSuccess, Data: job.Payload}, nil
}

func newTestEngine(t *testing.T, rn runner.Runner) (*engine.Engine, *registry.Registry, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	active := registry.New(s, nil, logger)
	runners := runner.NewRegistry()
	runners.Register("scripted", rn)

	eng := engine.New(engine.Deps{
		Store:   s,
		Active:  active,
		Runners: runners,
		Limiter: concurrency.New(concurrency.Unlimited, nil, logger),
		Logger:  logger,
	})
	return eng, active, s
}

func makeScriptedWorkflow(t *testing.T, s store.Store) *model.Workflow {
	t.Helper()
	now := time.Now().UTC()
	wf := &model.Workflow{
		ID:         model.NewID(),
		Name:       "scripted workflow",
		Kind:       "scripted",
		Active:     true,
		Definition: json.RawMessage(`{}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf
}

// waitForStatus polls the store until the execution reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id string, expected model.ExecutionStatus, timeout time.Duration) *model.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status == expected {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

// waitForLiveStatus polls the registry until the execution reaches the
// expected live status.
func waitForLiveStatus(t *testing.T, active *registry.Registry, id string, expected model.ExecutionStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if active.GetStatus(id) == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach live status %q within %v", id, expected, timeout)
}

func TestLaunchHappyPath(t *testing.T) {
	rn := &scriptRunner{delay: 20 * time.Millisecond}
	eng, active, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{
		Payload: json.RawMessage(`{"in":1}`),
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if id == "" {
		t.Fatal("expected an execution id")
	}

	done := waitForStatus(t, s, id, model.StatusSuccess, 5*time.Second)
	if !done.Finished {
		t.Error("finished = false, want true")
	}
	if string(done.Data) != `{"in":1}` {
		t.Errorf("data = %s, want the echoed payload", done.Data)
	}
	if done.StartedAt == nil || done.StoppedAt == nil {
		t.Error("started_at and stopped_at should both be set")
	}

	eng.Wait()
	if got := active.GetStatus(id); got != model.StatusUnknown {
		t.Errorf("live status after completion = %q, want unknown", got)
	}
}

func TestLaunchRunnerError(t *testing.T) {
	rn := &scriptRunner{script: []scriptStep{{err: errors.New("runner infrastructure down")}}}
	eng, _, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	failed := waitForStatus(t, s, id, model.StatusError, 5*time.Second)
	if !failed.Finished {
		t.Error("finished = false, want true")
	}
	if failed.Error == "" {
		t.Error("expected an error message")
	}
}

func TestLaunchWorkflowFailure(t *testing.T) {
	rn := &scriptRunner{script: []scriptStep{{
		result: &model.RunResult{Status: model.StatusError, Error: "step 2 exploded"},
	}}}
	eng, _, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	failed := waitForStatus(t, s, id, model.StatusError, 5*time.Second)
	if failed.Error != "step 2 exploded" {
		t.Errorf("error = %q, want %q", failed.Error, "step 2 exploded")
	}
}

func TestLaunchUnknownKindFailsFast(t *testing.T) {
	eng, _, s := newTestEngine(t, &scriptRunner{})
	now := time.Now().UTC()
	wf := &model.Workflow{
		ID: model.NewID(), Name: "odd", Kind: "mystery",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if _, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{}); err == nil {
		t.Fatal("expected an error for an unknown workflow kind")
	}

	_, total, err := s.ListExecutions(context.Background(), store.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 0 {
		t.Errorf("executions persisted = %d, want 0", total)
	}
}

func TestLaunchPanicMarksCrashed(t *testing.T) {
	rn := &scriptRunner{script: []scriptStep{{panics: true}}}
	eng, active, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	crashed := waitForStatus(t, s, id, model.StatusCrashed, 5*time.Second)
	if !crashed.Finished {
		t.Error("finished = false, want true")
	}
	if crashed.Error == "" {
		t.Error("expected a panic error message")
	}

	eng.Wait()
	if got := active.GetStatus(id); got != model.StatusUnknown {
		t.Errorf("live status after crash = %q, want unknown", got)
	}
}

func TestStopRunningExecution(t *testing.T) {
	rn := &scriptRunner{delay: 10 * time.Second}
	eng, active, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForLiveStatus(t, active, id, model.StatusRunning, 2*time.Second)

	promise, err := active.PostExecutePromise(id)
	if err != nil {
		t.Fatalf("PostExecutePromise: %v", err)
	}

	if err := eng.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	canceled := waitForStatus(t, s, id, model.StatusCanceled, 5*time.Second)
	if !canceled.Finished {
		t.Error("finished = false, want true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := promise.Wait(ctx); !registry.IsCanceled(err) {
		t.Errorf("post-execute promise err = %v, want cancellation", err)
	}

	eng.Wait()
	if got := active.GetStatus(id); got != model.StatusUnknown {
		t.Errorf("live status after stop = %q, want unknown", got)
	}
}

func TestWaitAndResume(t *testing.T) {
	wake := time.Now().UTC().Add(time.Hour)
	rn := &scriptRunner{script: []scriptStep{
		{result: &model.RunResult{
			Status:    model.StatusWaiting,
			Data:      json.RawMessage(`{"cursor":2}`),
			WaitUntil: &wake,
		}},
		{result: &model.RunResult{
			Status: model.StatusSuccess,
			Data:   json.RawMessage(`{"cursor":3}`),
		}},
	}}
	eng, active, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeTrigger, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	parked := waitForStatus(t, s, id, model.StatusWaiting, 5*time.Second)
	if parked.WaitUntil == nil {
		t.Fatal("wait_until not persisted")
	}
	if string(parked.Data) != `{"cursor":2}` {
		t.Errorf("parked data = %s, want the waiting state", parked.Data)
	}
	// The live record survives the waiting period.
	if got := active.GetStatus(id); got != model.StatusWaiting {
		t.Errorf("live status = %q, want waiting", got)
	}

	if err := eng.Resume(context.Background(), id, engine.ResumeOptions{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	done := waitForStatus(t, s, id, model.StatusSuccess, 5*time.Second)
	if !done.Finished {
		t.Error("finished = false, want true")
	}
	if done.WaitUntil != nil {
		t.Errorf("wait_until = %v, want cleared", done.WaitUntil)
	}
	if string(done.Data) != `{"cursor":3}` {
		t.Errorf("final data = %s, want the resumed result", done.Data)
	}

	eng.Wait()
	if got := active.GetStatus(id); got != model.StatusUnknown {
		t.Errorf("live status after completion = %q, want unknown", got)
	}
}

func TestResumeRequiresWaiting(t *testing.T) {
	rn := &scriptRunner{}
	eng, _, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, s, id, model.StatusSuccess, 5*time.Second)

	if err := eng.Resume(context.Background(), id, engine.ResumeOptions{}); err == nil {
		t.Error("expected an error resuming a finished execution")
	}

	err = eng.Resume(context.Background(), "nope", engine.ResumeOptions{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
}

func TestStopWaitingExecution(t *testing.T) {
	wake := time.Now().UTC().Add(time.Hour)
	rn := &scriptRunner{script: []scriptStep{
		{result: &model.RunResult{Status: model.StatusWaiting, WaitUntil: &wake}},
	}}
	eng, active, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, s, id, model.StatusWaiting, 5*time.Second)
	waitForLiveStatus(t, active, id, model.StatusWaiting, 2*time.Second)

	if err := eng.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	canceled := waitForStatus(t, s, id, model.StatusCanceled, 5*time.Second)
	if !canceled.Finished {
		t.Error("finished = false, want true")
	}
	if canceled.WaitUntil != nil {
		t.Errorf("wait_until = %v, want cleared", canceled.WaitUntil)
	}
	if got := active.GetStatus(id); got != model.StatusUnknown {
		t.Errorf("live status after stop = %q, want unknown", got)
	}
}

func TestStopUnknownExecution(t *testing.T) {
	eng, _, _ := newTestEngine(t, &scriptRunner{})

	err := eng.Stop(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
}

func TestRetryFailedExecution(t *testing.T) {
	rn := &scriptRunner{script: []scriptStep{
		{result: &model.RunResult{Status: model.StatusError, Error: "first attempt failed"}},
		{result: &model.RunResult{Status: model.StatusSuccess}},
	}}
	eng, _, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	origID, err := eng.Launch(context.Background(), wf, model.ModeTrigger, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, s, origID, model.StatusError, 5*time.Second)

	retryID, err := eng.Retry(context.Background(), origID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retryID == origID {
		t.Fatal("retry reused the original execution id")
	}

	done := waitForStatus(t, s, retryID, model.StatusSuccess, 5*time.Second)
	if done.RetryOf != origID {
		t.Errorf("retry_of = %q, want %q", done.RetryOf, origID)
	}
	if done.Mode != model.ModeRetry {
		t.Errorf("mode = %q, want %q", done.Mode, model.ModeRetry)
	}
}

func TestRetryRejectsSuccessfulExecution(t *testing.T) {
	rn := &scriptRunner{}
	eng, _, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitForStatus(t, s, id, model.StatusSuccess, 5*time.Second)

	if _, err := eng.Retry(context.Background(), id); err == nil {
		t.Error("expected an error retrying a successful execution")
	}
}

func TestLaunchDeliversResponse(t *testing.T) {
	rn := &scriptRunner{script: []scriptStep{{
		respond: &model.WebhookResponse{StatusCode: 202, Body: json.RawMessage(`{"accepted":true}`)},
	}}}
	eng, _, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	rp := registry.NewResponsePromise()
	id, err := eng.Launch(context.Background(), wf, model.ModeWebhook, engine.LaunchOptions{
		Response: rp,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := rp.Wait(ctx)
	if err != nil {
		t.Fatalf("response promise: %v", err)
	}
	if resp.StatusCode != 202 {
		t.Errorf("status code = %d, want 202", resp.StatusCode)
	}
	if string(resp.Body) != `{"accepted":true}` {
		t.Errorf("body = %s, want %s", resp.Body, `{"accepted":true}`)
	}

	waitForStatus(t, s, id, model.StatusSuccess, 5*time.Second)
}

func TestShutdownCancelsRunningExecutions(t *testing.T) {
	rn := &scriptRunner{delay: 10 * time.Second}
	eng, active, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	ids := make([]string, 2)
	for i := range ids {
		id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
		if err != nil {
			t.Fatalf("Launch[%d]: %v", i, err)
		}
		ids[i] = id
		waitForLiveStatus(t, active, id, model.StatusRunning, 2*time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range ids {
		e, err := s.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status != model.StatusCanceled {
			t.Errorf("execution %s status = %q, want canceled", id, e.Status)
		}
		if got := active.GetStatus(id); got != model.StatusUnknown {
			t.Errorf("live status = %q, want unknown", got)
		}
	}
}

func TestBrokerStreamsLifecycleEvents(t *testing.T) {
	rn := &scriptRunner{delay: 150 * time.Millisecond}
	eng, _, s := newTestEngine(t, rn)
	wf := makeScriptedWorkflow(t, s)

	id, err := eng.Launch(context.Background(), wf, model.ModeManual, engine.LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	ch, unsub := eng.Broker().Subscribe(id)
	defer unsub()

	var last engine.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				if last.Type != engine.EventFinished {
					t.Fatalf("last event = %+v, want finished", last)
				}
				if last.Status != model.StatusSuccess {
					t.Errorf("final status = %q, want success", last.Status)
				}
				return
			}
			last = e
		case <-deadline:
			t.Fatal("event stream did not close")
		}
	}
}
