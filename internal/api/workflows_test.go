package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zigroninc/loom/internal/model"
)

func TestCreateWorkflowValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"name":"order sync","definition":{"steps":[{"type":"output","value":1}]}}`
	resp, err := http.Post(ts.URL+"/v1/workflows", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/workflows: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var wf model.Workflow
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(wf.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(wf.ID))
	}
	if wf.Name != "order sync" {
		t.Errorf("Name = %q, want %q", wf.Name, "order sync")
	}
	if wf.Kind != model.KindSteps {
		t.Errorf("Kind = %q, want %q", wf.Kind, model.KindSteps)
	}
	if wf.Active {
		t.Error("new workflow should be inactive by default")
	}
}

func TestCreateWorkflowValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"kind":"steps"}`},
		{"unknown kind", `{"name":"x","kind":"graph"}`},
		{"unknown project", `{"name":"x","project_id":"nope"}`},
		{"invalid json", `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/workflows", "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workflows/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateWorkflow(t *testing.T) {
	srv := newTestServer(t)
	wf := seedWorkflow(t, srv, quickDefinition, false)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"name":"renamed","active":true}`
	req, _ := http.NewRequest("PUT", ts.URL+"/v1/workflows/"+wf.ID, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got model.Workflow
	json.NewDecoder(resp.Body).Decode(&got)
	if got.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", got.Name)
	}
	if !got.Active {
		t.Error("workflow should be active after update")
	}
	if string(got.Definition) != quickDefinition {
		t.Errorf("Definition changed: %s", got.Definition)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Error("UpdatedAt not advanced")
	}
}

func TestDeleteWorkflow(t *testing.T) {
	srv := newTestServer(t)
	wf := seedWorkflow(t, srv, quickDefinition, false)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/workflows/"+wf.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/v1/workflows/" + wf.ID)
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", get.StatusCode)
	}
}

func TestListWorkflowsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 5; i++ {
		body := fmt.Sprintf(`{"name":"wf-%d"}`, i)
		resp, _ := http.Post(ts.URL+"/v1/workflows", "application/json", bytes.NewBufferString(body))
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/workflows?limit=2&offset=0")
	if err != nil {
		t.Fatalf("GET /v1/workflows: %v", err)
	}
	defer resp.Body.Close()

	var listResp listWorkflowsResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Total != 5 {
		t.Errorf("total = %d, want 5", listResp.Total)
	}
	if len(listResp.Workflows) != 2 {
		t.Errorf("workflows count = %d, want 2", len(listResp.Workflows))
	}
}

func TestRunWorkflowAsync(t *testing.T) {
	srv := newTestServer(t)
	wf := seedWorkflow(t, srv, quickDefinition, false)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/workflows/"+wf.ID+"/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var run runResponse
	json.NewDecoder(resp.Body).Decode(&run)
	if run.ExecutionID == "" {
		t.Fatal("no execution id in response")
	}

	exec := waitForRowStatus(t, srv, run.ExecutionID, model.StatusSuccess)
	if !exec.Finished {
		t.Error("execution not marked finished")
	}
	if exec.Mode != model.ModeManual {
		t.Errorf("mode = %q, want manual", exec.Mode)
	}
}

func TestRunWorkflowWait(t *testing.T) {
	srv := newTestServer(t)
	wf := seedWorkflow(t, srv, quickDefinition, false)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"payload":{"order":42}}`
	resp, err := http.Post(ts.URL+"/v1/workflows/"+wf.ID+"/run?wait=true", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST run?wait=true: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var run runResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if run.Status != model.StatusSuccess {
		t.Fatalf("status = %q, want success (error %q)", run.Status, run.Error)
	}
	if len(run.Data) == 0 {
		t.Error("no run data in response")
	}
}

func TestRunWorkflowWaitReportsFailure(t *testing.T) {
	srv := newTestServer(t)
	wf := seedWorkflow(t, srv, failDefinition, false)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/workflows/"+wf.ID+"/run?wait=true", "application/json", nil)
	if err != nil {
		t.Fatalf("POST run?wait=true: %v", err)
	}
	defer resp.Body.Close()

	var run runResponse
	json.NewDecoder(resp.Body).Decode(&run)
	if run.Status != model.StatusError {
		t.Fatalf("status = %q, want error", run.Status)
	}
	if run.Error != "boom" {
		t.Errorf("error = %q, want boom", run.Error)
	}
}

func TestRunWorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/workflows/nonexistent/run", "application/json", nil)
	if err != nil {
		t.Fatalf("POST run: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
