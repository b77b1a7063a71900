package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zigroninc/loom/internal/model"
	"github.com/zigroninc/loom/internal/runner"
)

func stepsWorkflow(def string) *model.Workflow {
	return &model.Workflow{
		ID:         "wf-1",
		Name:       "test workflow",
		Kind:       model.KindSteps,
		Definition: json.RawMessage(def),
	}
}

// wireState mirrors the persisted steps state for assertions.
type wireState struct {
	Cursor  int               `json:"cursor"`
	Outputs []json.RawMessage `json:"outputs"`
}

func decodeState(t *testing.T, data json.RawMessage) wireState {
	t.Helper()
	var st wireState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func TestStepsRunnerSuccess(t *testing.T) {
	r := runner.NewStepsRunner()
	wf := stepsWorkflow(`{"steps":[
		{"type":"output","value":{"a":1}},
		{"type":"output","value":{"b":2}}
	]}`)

	res, err := r.Run(context.Background(), runner.Job{
		ExecutionID: "exec-1",
		Workflow:    wf,
		Mode:        model.ModeManual,
		Payload:     json.RawMessage(`{"input":true}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != model.StatusSuccess {
		t.Errorf("Status = %q, want %q", res.Status, model.StatusSuccess)
	}
	st := decodeState(t, res.Data)
	if len(st.Outputs) != 3 {
		t.Fatalf("len(Outputs) = %d, want 3 (payload plus two steps)", len(st.Outputs))
	}
	if string(st.Outputs[0]) != `{"input":true}` {
		t.Errorf("first output = %s, want the trigger payload", st.Outputs[0])
	}
	if string(st.Outputs[2]) != `{"b":2}` {
		t.Errorf("last output = %s, want %s", st.Outputs[2], `{"b":2}`)
	}
}

func TestStepsRunnerRespondOnce(t *testing.T) {
	r := runner.NewStepsRunner()
	wf := stepsWorkflow(`{"steps":[
		{"type":"respond","status":201,"headers":{"X-Loom":"yes"},"body":{"ok":true}},
		{"type":"respond","status":500,"body":{"ok":false}}
	]}`)

	var responses []*model.WebhookResponse
	res, err := r.Run(context.Background(), runner.Job{
		Workflow: wf,
		Respond:  func(w *model.WebhookResponse) { responses = append(responses, w) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != model.StatusSuccess {
		t.Errorf("Status = %q, want %q", res.Status, model.StatusSuccess)
	}
	if len(responses) != 1 {
		t.Fatalf("respond called %d times, want 1", len(responses))
	}
	got := responses[0]
	if got.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want 201", got.StatusCode)
	}
	if got.Headers["X-Loom"] != "yes" {
		t.Errorf("Headers = %v, want X-Loom header", got.Headers)
	}
	if string(got.Body) != `{"ok":true}` {
		t.Errorf("Body = %s, want %s", got.Body, `{"ok":true}`)
	}
}

func TestStepsRunnerRespondDefaultStatus(t *testing.T) {
	r := runner.NewStepsRunner()
	wf := stepsWorkflow(`{"steps":[{"type":"respond","body":{}}]}`)

	var got *model.WebhookResponse
	if _, err := r.Run(context.Background(), runner.Job{
		Workflow: wf,
		Respond:  func(w *model.WebhookResponse) { got = w },
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got == nil || got.StatusCode != 200 {
		t.Errorf("got %+v, want default status 200", got)
	}
}

func TestStepsRunnerWaitAndResume(t *testing.T) {
	r := runner.NewStepsRunner()
	wf := stepsWorkflow(`{"steps":[
		{"type":"output","value":"before"},
		{"type":"wait","duration":"1h"},
		{"type":"output","value":"after"}
	]}`)

	before := time.Now()
	res, err := r.Run(context.Background(), runner.Job{Workflow: wf})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if res.Status != model.StatusWaiting {
		t.Fatalf("Status = %q, want %q", res.Status, model.StatusWaiting)
	}
	if res.WaitUntil == nil || res.WaitUntil.Before(before.Add(59*time.Minute)) {
		t.Errorf("WaitUntil = %v, want about an hour out", res.WaitUntil)
	}
	st := decodeState(t, res.Data)
	if st.Cursor != 2 {
		t.Errorf("Cursor = %d, want 2", st.Cursor)
	}
	if len(st.Outputs) != 1 || string(st.Outputs[0]) != `"before"` {
		t.Errorf("Outputs before wait = %v", st.Outputs)
	}

	resumed, err := r.Run(context.Background(), runner.Job{Workflow: wf, State: res.Data})
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if resumed.Status != model.StatusSuccess {
		t.Errorf("resumed Status = %q, want %q", resumed.Status, model.StatusSuccess)
	}
	final := decodeState(t, resumed.Data)
	if len(final.Outputs) != 2 || string(final.Outputs[1]) != `"after"` {
		t.Errorf("final Outputs = %v, want both halves", final.Outputs)
	}
}

func TestStepsRunnerFail(t *testing.T) {
	r := runner.NewStepsRunner()

	res, err := r.Run(context.Background(), runner.Job{
		Workflow: stepsWorkflow(`{"steps":[{"type":"fail","message":"boom"}]}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != model.StatusError {
		t.Errorf("Status = %q, want %q", res.Status, model.StatusError)
	}
	if res.Error != "boom" {
		t.Errorf("Error = %q, want %q", res.Error, "boom")
	}

	res, err = r.Run(context.Background(), runner.Job{
		Workflow: stepsWorkflow(`{"steps":[{"type":"fail"}]}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Error == "" {
		t.Error("expected a default failure message")
	}
}

func TestStepsRunnerCancellation(t *testing.T) {
	r := runner.NewStepsRunner()
	wf := stepsWorkflow(`{"steps":[{"type":"delay","duration":"10s"}]}`)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := r.Run(ctx, runner.Job{Workflow: wf})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if res != nil {
		t.Errorf("res = %+v, want nil on cancellation", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the delay")
	}
}

func TestStepsRunnerRejectsBadDefinitions(t *testing.T) {
	r := runner.NewStepsRunner()
	tests := []struct {
		name string
		wf   *model.Workflow
		want string
	}{
		{"nil workflow", nil, "no definition"},
		{"empty definition", stepsWorkflow(``), "no definition"},
		{"invalid json", stepsWorkflow(`{steps}`), "parse workflow definition"},
		{"unknown step", stepsWorkflow(`{"steps":[{"type":"teleport"}]}`), "unknown step type"},
		{"bad duration", stepsWorkflow(`{"steps":[{"type":"delay","duration":"soon"}]}`), "bad delay duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), runner.Job{Workflow: tt.wf})
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNoopRunner(t *testing.T) {
	r := &runner.NoopRunner{}

	res, err := r.Run(context.Background(), runner.Job{Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != model.StatusSuccess {
		t.Errorf("Status = %q, want %q", res.Status, model.StatusSuccess)
	}
	if string(res.Data) != `{"x":1}` {
		t.Errorf("Data = %s, want the payload echoed", res.Data)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx, runner.Job{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := runner.NewRegistry()

	for _, kind := range []string{model.KindSteps, model.KindNoop} {
		if _, err := reg.Lookup(kind); err != nil {
			t.Errorf("Lookup(%q): %v", kind, err)
		}
	}

	if _, err := reg.Lookup("mystery"); err == nil {
		t.Error("expected an error for an unregistered kind")
	}

	custom := &runner.NoopRunner{}
	reg.Register("custom", custom)
	got, err := reg.Lookup("custom")
	if err != nil {
		t.Fatalf("Lookup(custom): %v", err)
	}
	if got != custom {
		t.Error("Lookup returned a different runner than registered")
	}
}
