package api

import "net/http"

// backendResponse is one entry of GET /v1/backends.
type backendResponse struct {
	GPUType     string  `json:"gpu_type"`
	Name        string  `json:"name"`
	Default     bool    `json:"default"`
	RateUSD     float64 `json:"rate_usd_per_second"`
	DefaultRate bool    `json:"default_rate,omitempty"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.List()
	out := make([]backendResponse, len(infos))
	for i, b := range infos {
		rate, ok := s.engine.Rate(b.GPUType)
		out[i] = backendResponse{
			GPUType:     b.GPUType,
			Name:        b.Name,
			Default:     b.Default,
			RateUSD:     rate,
			DefaultRate: !ok,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}
