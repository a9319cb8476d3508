package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/workflow"
)

// decodeRequest reads a generation request body. Unknown fields are rejected
// so that a misspelled parameter does not silently fall back to its default.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (workflow.Request, bool) {
	var req workflow.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, model.KindInvalidRequest, "invalid JSON body: "+err.Error())
		return workflow.Request{}, false
	}
	return req, true
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	modality := chi.URLParam(r, "modality")
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	res, err := s.engine.Generate(r.Context(), modality, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.Artifact.MediaType)
	h.Set("Content-Length", strconv.Itoa(len(res.Artifact.Data)))
	h.Set(HeaderRunID, res.Run.ID)
	h.Set(HeaderGPUType, res.Cost.GPUType())
	h.Set(HeaderCostUSD, strconv.FormatFloat(res.Cost.Total(), 'f', 6, 64))
	h.Set(HeaderExecutionTime, strconv.FormatFloat(res.Cost.Seconds(), 'f', 3, 64))
	h.Set(HeaderSeed, strconv.FormatInt(res.Run.Seed, 10))
	if res.Adapter != nil {
		h.Set(HeaderAdapterFilename, res.Adapter.Filename)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Artifact.Data); err != nil {
		s.logger.Warn("write artifact", "run_id", res.Run.ID, "error", err)
	}
}

func (s *Server) handleGenerateAsync(w http.ResponseWriter, r *http.Request) {
	modality := chi.URLParam(r, "modality")
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	run, err := s.engine.SubmitAsync(r.Context(), modality, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	w.Header().Set("Location", "/v1/runs/"+run.ID)
	s.writeJSON(w, http.StatusAccepted, run)
}
