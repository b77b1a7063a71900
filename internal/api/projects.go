package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zigroninc/loom/internal/model"
	"github.com/zigroninc/loom/internal/store"
)

// projectRequest is the JSON body for creating and patching projects.
type projectRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type listProjectsResponse struct {
	Projects []*model.Project `json:"projects"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Type == "" {
		req.Type = model.ProjectTypePersonal
	}
	if !model.ValidProjectType(req.Type) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown project type %q", req.Type))
		return
	}

	now := time.Now().UTC()
	p := &model.Project{
		ID:        model.NewID(),
		Name:      req.Name,
		Type:      req.Type,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.logger.Error("create project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.logger.Error("list projects", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	if projects == nil {
		projects = []*model.Project{}
	}

	s.writeJSON(w, http.StatusOK, listProjectsResponse{Projects: projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("get project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get project")
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("get project for update", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update project")
		return
	}

	var req projectRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != "" {
		p.Name = req.Name
	}
	if req.Type != "" {
		if !model.ValidProjectType(req.Type) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown project type %q", req.Type))
			return
		}
		p.Type = req.Type
	}
	p.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateProject(r.Context(), p); err != nil {
		s.logger.Error("update project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update project")
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("delete project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
