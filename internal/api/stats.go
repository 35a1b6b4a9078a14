package api

import (
	"net/http"

	"github.com/dallay/cvix-sub006/internal/engine"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int              `json:"total"`
	ByStatus      map[string]int   `json:"by_status"`
	ByErrorKind   map[string]int   `json:"by_error_kind"`
	ByEngine      map[string]int   `json:"by_engine"`
	AvgDurationMS float64          `json:"avg_duration_ms"`
	Capacity      engine.GateStats `json:"capacity"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get compilation stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByErrorKind:   stats.CountByKind,
		ByEngine:      stats.CountByEngine,
		AvgDurationMS: stats.AvgDurationMS,
		Capacity:      s.engine.Gate(),
	})
}
