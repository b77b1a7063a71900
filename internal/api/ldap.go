package api

import (
	"encoding/json"
	"net/http"

	"github.com/zigroninc/loom/internal/ldap"
)

func (s *Server) handleGetLDAPConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.ldap.GetConfig(r.Context())
	if err != nil {
		s.logger.Error("get ldap config", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load ldap config")
		return
	}

	// The bind secret never leaves the server.
	cfg.BindPassword = ""
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateLDAPConfig(w http.ResponseWriter, r *http.Request) {
	var cfg ldap.Config
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := cfg.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ldap.UpdateConfig(r.Context(), cfg); err != nil {
		s.logger.Error("update ldap config", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save ldap config")
		return
	}

	cfg.BindPassword = ""
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleTestLDAPConnection probes the configured directory. The outcome is
// part of the response body, not the status code: a failed bind is a useful
// answer, not a server error.
func (s *Server) handleTestLDAPConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.ldap.TestConnection(r.Context()); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
