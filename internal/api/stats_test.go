package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zigroninc/loom/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	json.NewDecoder(resp.Body).Decode(&stats)
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.Last24h == nil {
		t.Error("last_24h missing from response")
	}
}

func TestGetStatsCountsPersistedAndActive(t *testing.T) {
	srv := newTestServer(t)
	wf := seedWorkflow(t, srv, slowDefinition, false)
	seedExecution(t, srv, wf.ID, model.StatusSuccess, true)
	seedExecution(t, srv, wf.ID, model.StatusError, true)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run, err := http.Post(ts.URL+"/v1/workflows/"+wf.ID+"/run", "application/json", nil)
	if err != nil {
		t.Fatalf("run workflow: %v", err)
	}
	run.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	json.NewDecoder(resp.Body).Decode(&stats)

	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus["success"] != 1 || stats.ByStatus["error"] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if stats.Active["running"] != 1 {
		t.Errorf("active = %v, want one running", stats.Active)
	}
}
