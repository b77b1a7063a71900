package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/zigroninc/loom/internal/model"
)

// Step definitions shared across handler tests.
const (
	quickDefinition   = `{"steps":[{"type":"output","value":{"ok":true}}]}`
	slowDefinition    = `{"steps":[{"type":"delay","duration":"10s"}]}`
	respondDefinition = `{"steps":[{"type":"respond","status":201,"headers":{"X-Workflow":"done"},"body":{"greeting":"hello"}},{"type":"output","value":1}]}`
	waitDefinition    = `{"steps":[{"type":"wait","duration":"1h"},{"type":"output","value":"resumed"}]}`
	failDefinition    = `{"steps":[{"type":"fail","message":"boom"}]}`
)

func seedWorkflow(t *testing.T, srv *Server, definition string, active bool) *model.Workflow {
	t.Helper()
	now := time.Now().UTC()
	wf := &model.Workflow{
		ID:         model.NewID(),
		Name:       "test workflow",
		Kind:       model.KindSteps,
		Active:     active,
		Definition: json.RawMessage(definition),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := srv.store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf
}

func seedExecution(t *testing.T, srv *Server, wfID string, status model.ExecutionStatus, finished bool) *model.Execution {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	started := now.Add(-2 * time.Second)
	exec := &model.Execution{
		WorkflowID: wfID,
		Status:     status,
		Mode:       model.ModeManual,
		Finished:   finished,
		CreatedAt:  now.Add(-3 * time.Second),
		StartedAt:  &started,
	}
	if finished {
		stopped := now
		exec.StoppedAt = &stopped
	}
	if status == model.StatusError {
		exec.Error = "workflow failed"
	}
	id, err := srv.store.CreateNewExecution(context.Background(), exec)
	if err != nil {
		t.Fatalf("CreateNewExecution: %v", err)
	}
	exec.ID = id
	return exec
}

// waitForRowStatus polls the store until the execution row reaches status.
func waitForRowStatus(t *testing.T, srv *Server, id string, status model.ExecutionStatus) *model.Execution {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		exec, err := srv.store.GetExecution(context.Background(), id)
		if err == nil && exec.Status == status {
			return exec
		}
		select {
		case <-deadline:
			t.Fatalf("execution %s never reached %s", id, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
