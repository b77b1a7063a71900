package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/zigroninc/loom/internal/license"
)

type licenseResponse struct {
	Activated bool       `json:"activated"`
	Plan      string     `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func entitlementResponse(ent *license.Entitlement) licenseResponse {
	return licenseResponse{
		Activated: true,
		Plan:      ent.Plan,
		ExpiresAt: &ent.ExpiresAt,
	}
}

func (s *Server) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	ent, err := s.license.Current(r.Context())
	if errors.Is(err, license.ErrNotActivated) {
		s.writeJSON(w, http.StatusOK, licenseResponse{Activated: false})
		return
	}
	if err != nil {
		s.logger.Error("get license", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load license")
		return
	}

	s.writeJSON(w, http.StatusOK, entitlementResponse(ent))
}

type activateLicenseRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleActivateLicense(w http.ResponseWriter, r *http.Request) {
	var req activateLicenseRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	ent, err := s.license.Activate(r.Context(), req.Key)
	if err != nil {
		s.writeLicenseError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, entitlementResponse(ent))
}

func (s *Server) handleRenewLicense(w http.ResponseWriter, r *http.Request) {
	ent, err := s.license.Renew(r.Context())
	if errors.Is(err, license.ErrNotActivated) {
		s.writeError(w, http.StatusConflict, "no license to renew")
		return
	}
	if err != nil {
		s.writeLicenseError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, entitlementResponse(ent))
}

// writeLicenseError separates license server refusals, which the caller can
// act on, from transport failures.
func (s *Server) writeLicenseError(w http.ResponseWriter, err error) {
	var srvErr *license.ServerError
	if errors.As(err, &srvErr) {
		s.writeError(w, http.StatusBadRequest, srvErr.Error())
		return
	}
	s.logger.Error("license server call", "error", err)
	s.writeError(w, http.StatusBadGateway, "license server unreachable")
}
