package api

import (
	"context"
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

// handleWebhook launches a webhook-mode execution and relays the reply its
// respond step produces. Three outcomes are possible: the workflow responds
// (its reply is forwarded verbatim), it completes without responding (a run
// summary comes back), or it is still going when the hook timeout fires (202
// with the execution id, which the caller can poll).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")

	wf, err := s.store.GetWorkflow(r.Context(), workflowID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow for webhook", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to trigger workflow")
		return
	}
	if !wf.Active {
		s.writeError(w, http.StatusConflict, "workflow is not active")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(payload) == 0 {
		payload = nil
	}

	rp := registry.NewResponsePromise()
	execID, err := s.engine.Launch(r.Context(), wf, model.ModeWebhook, engine.LaunchOptions{
		Payload:  payload,
		Response: rp,
	})
	if err != nil {
		s.logger.Error("launch webhook execution", "workflow_id", workflowID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to trigger workflow")
		return
	}

	// The wait can outlast the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for webhook wait", "error", err)
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.hookTimeout)
	defer cancel()

	pp, ppErr := s.active.PostExecutePromise(execID)
	if ppErr != nil {
		// Already finalized. Any reply the workflow produced is sitting in
		// the settled response promise; otherwise the terminal row has it.
		select {
		case <-rp.Done():
			s.writeWebhookReply(w, execID, rp)
		default:
			s.writeFinishedExecution(r.Context(), w, execID)
		}
		return
	}

	select {
	case <-rp.Done():
		s.writeWebhookReply(w, execID, rp)
	case <-pp.Done():
		// A fast workflow can settle both promises at once; the reply wins.
		select {
		case <-rp.Done():
			s.writeWebhookReply(w, execID, rp)
			return
		default:
		}
		// Finished without a respond step.
		res, err := pp.Wait(waitCtx)
		if registry.IsCanceled(err) {
			s.writeJSON(w, http.StatusOK, runResponse{ExecutionID: execID, Status: model.StatusCanceled, Error: err.Error()})
			return
		}
		if err != nil {
			s.writeFinishedExecution(r.Context(), w, execID)
			return
		}
		s.writeJSON(w, http.StatusOK, runResponse{
			ExecutionID: execID,
			Status:      res.Status,
			Data:        res.Data,
			Error:       res.Error,
		})
	case <-waitCtx.Done():
		s.writeJSON(w, http.StatusAccepted, runResponse{ExecutionID: execID})
	}
}

// writeWebhookReply forwards a settled response promise to the HTTP caller.
func (s *Server) writeWebhookReply(w http.ResponseWriter, execID string, rp *registry.ResponsePromise) {
	resp, err := rp.Wait(context.Background())
	if registry.IsCanceled(err) {
		s.writeJSON(w, http.StatusConflict, runResponse{ExecutionID: execID, Status: model.StatusCanceled, Error: err.Error()})
		return
	}
	if err != nil || resp == nil {
		s.writeError(w, http.StatusInternalServerError, "execution produced no response")
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			s.logger.Error("write webhook reply", "execution_id", execID, "error", err)
		}
	}
}

// writeFinishedExecution answers with the persisted terminal row.
func (s *Server) writeFinishedExecution(ctx context.Context, w http.ResponseWriter, execID string) {
	exec, err := s.store.GetExecution(ctx, execID)
	if err != nil {
		s.logger.Error("get finished execution", "execution_id", execID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load execution result")
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{
		ExecutionID: execID,
		Status:      exec.Status,
		Data:        exec.Data,
		Error:       exec.Error,
	})
}

// handleResumeWaiting wakes a waiting execution, optionally handing it the
// caller's body as resume input.
func (s *Server) handleResumeWaiting(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(payload) == 0 {
		payload = nil
	}

	if err := s.engine.Resume(r.Context(), executionID, engine.ResumeOptions{Payload: payload}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID, "status": "resuming"})
}
