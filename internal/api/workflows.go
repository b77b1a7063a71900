package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zigroninc/loom/internal/engine"
	"github.com/zigroninc/loom/internal/model"
	"github.com/zigroninc/loom/internal/registry"
	"github.com/zigroninc/loom/internal/store"
)

// workflowRequest is the JSON body for creating and updating workflows.
type workflowRequest struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	ProjectID  string          `json:"project_id"`
	Active     *bool           `json:"active"`
	Definition json.RawMessage `json:"definition"`
}

// listWorkflowsResponse wraps the paginated list response.
type listWorkflowsResponse struct {
	Workflows []*model.Workflow `json:"workflows"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind == "" {
		req.Kind = model.KindSteps
	}
	if _, err := s.runners.Lookup(req.Kind); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProjectID != "" {
		if _, err := s.store.GetProject(r.Context(), req.ProjectID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusBadRequest, "project not found")
				return
			}
			s.logger.Error("get project for workflow", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create workflow")
			return
		}
	}

	now := time.Now().UTC()
	wf := &model.Workflow{
		ID:         model.NewID(),
		ProjectID:  req.ProjectID,
		Name:       req.Name,
		Kind:       req.Kind,
		Definition: req.Definition,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Active != nil {
		wf.Active = *req.Active
	}

	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		s.logger.Error("create workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}

	s.writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wf, err := s.store.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	workflows, total, err := s.store.ListWorkflows(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list workflows", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	if workflows == nil {
		workflows = []*model.Workflow{}
	}

	s.writeJSON(w, http.StatusOK, listWorkflowsResponse{
		Workflows: workflows,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wf, err := s.store.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow for update", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update workflow")
		return
	}

	var req workflowRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != "" {
		wf.Name = req.Name
	}
	if req.Kind != "" {
		if _, err := s.runners.Lookup(req.Kind); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		wf.Kind = req.Kind
	}
	if req.ProjectID != "" {
		wf.ProjectID = req.ProjectID
	}
	if req.Active != nil {
		wf.Active = *req.Active
	}
	if req.Definition != nil {
		wf.Definition = req.Definition
	}
	wf.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateWorkflow(r.Context(), wf); err != nil {
		s.logger.Error("update workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteWorkflow(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		s.logger.Error("delete workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete workflow")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// runRequest is the JSON body for POST /v1/workflows/{id}/run.
type runRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// runResponse reports the outcome of a synchronous run, or the accepted
// execution for an asynchronous one.
type runResponse struct {
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status,omitempty"`
	Data        json.RawMessage       `json:"data,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// handleRunWorkflow launches a manual execution. With ?wait=true the handler
// blocks on the post-execute promise and returns the final result.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wf, err := s.store.GetWorkflow(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow for run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run workflow")
		return
	}

	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	execID, err := s.engine.Launch(r.Context(), wf, model.ModeManual, engine.LaunchOptions{Payload: req.Payload})
	if err != nil {
		s.logger.Error("launch workflow", "workflow_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to launch execution")
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		s.writeJSON(w, http.StatusAccepted, runResponse{ExecutionID: execID})
		return
	}

	// The wait can outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for run wait", "error", err)
	}

	promise, err := s.active.PostExecutePromise(execID)
	if err != nil {
		// A fast execution can finalize before we ask for its promise; by
		// then the terminal row is already persisted.
		exec, getErr := s.store.GetExecution(r.Context(), execID)
		if getErr != nil {
			s.logger.Error("get finished execution", "execution_id", execID, "error", getErr)
			s.writeError(w, http.StatusInternalServerError, "failed to load execution result")
			return
		}
		s.writeJSON(w, http.StatusOK, runResponse{
			ExecutionID: execID,
			Status:      exec.Status,
			Data:        exec.Data,
			Error:       exec.Error,
		})
		return
	}

	res, err := promise.Wait(r.Context())
	switch {
	case registry.IsCanceled(err):
		s.writeJSON(w, http.StatusOK, runResponse{
			ExecutionID: execID,
			Status:      model.StatusCanceled,
			Error:       err.Error(),
		})
	case err != nil:
		s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for execution")
	default:
		s.writeJSON(w, http.StatusOK, runResponse{
			ExecutionID: execID,
			Status:      res.Status,
			Data:        res.Data,
			Error:       res.Error,
		})
	}
}
