package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByModality    map[string]int `json:"by_modality"`
	ByGPU         map[string]int `json:"by_gpu"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, model.KindInternal, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByModality:    stats.CountByModality,
		ByGPU:         stats.CountByGPU,
		AvgDurationMS: stats.AvgDurationMS,
		TotalCostUSD:  stats.TotalCostUSD,
	})
}
