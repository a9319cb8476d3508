package api

import (
	"context"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

type healthResponse struct {
	Status   string   `json:"status"`
	Store    string   `json:"store"`
	Backends []string `json:"backends"`
}

// handleHealthz reports whether the run ledger answers and which GPU types
// have a backend registered. Rendering backends are not contacted.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Backends: []string{}}
	for _, b := range s.registry.List() {
		resp.Backends = append(resp.Backends, b.GPUType)
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("healthz store ping", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
