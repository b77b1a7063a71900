package api

import (
	"net/http"
	"time"

	"github.com/zigroninc/loom/internal/insights"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int              `json:"total"`
	ByStatus      map[string]int   `json:"by_status"`
	ByMode        map[string]int   `json:"by_mode"`
	AvgDurationMS float64          `json:"avg_duration_ms"`
	Active        map[string]int   `json:"active"`
	Last24h       *insights.Totals `json:"last_24h,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	active := make(map[string]int)
	for status, n := range s.active.Counts() {
		active[string(status)] = n
	}

	resp := statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByMode:        stats.CountByMode,
		AvgDurationMS: stats.AvgDurationMS,
		Active:        active,
	}

	// Rollups are best-effort; stats still answer when Redis is down.
	totals, err := s.insights.Totals(r.Context(), "", time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		s.logger.Warn("insights totals unavailable", "error", err)
	} else {
		resp.Last24h = totals
	}

	s.writeJSON(w, http.StatusOK, resp)
}
