package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/kiln/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Kind      model.ErrorKind  `json:"kind"`
	Error     string           `json:"error"`
	NodeError *model.NodeError `json:"node_error,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidRequest:
		return http.StatusBadRequest
	case model.KindResourceNotFound:
		return http.StatusNotFound
	case model.KindCapabilityUnavailable:
		return http.StatusServiceUnavailable
	case model.KindTransientBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response for a failure raised by the route
// layer itself.
func (s *Server) writeError(w http.ResponseWriter, kind model.ErrorKind, message string) {
	s.writeJSON(w, statusFor(kind), errorResponse{Kind: kind, Error: message})
}

// writeFailure writes a classified engine error, including the backend's
// node diagnostic when there is one.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var me *model.Error
	if !errors.As(err, &me) {
		s.logger.Error("unclassified failure", "error", err)
		s.writeError(w, model.KindInternal, "internal error")
		return
	}
	msg := me.Message
	if me.Err != nil {
		msg += ": " + me.Err.Error()
	}
	s.writeJSON(w, statusFor(me.Kind), errorResponse{
		Kind:      me.Kind,
		Error:     msg,
		NodeError: me.Node,
	})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
