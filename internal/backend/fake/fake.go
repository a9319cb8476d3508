// Package fake is an in-process rendering backend speaking the job-queue
// protocol. It backs local development and end-to-end tests; jobs do no real
// work and finish after configurable queue and run delays.
package fake

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/graph"
)

// DefaultFailMarker makes a job fail at its sampler when a prompt contains it.
const DefaultFailMarker = "[fail]"

// Config controls how the fake behaves.
type Config struct {
	// Ops are the operation types advertised by /object_info. Nil means every
	// operation the graph builder knows.
	Ops []string

	// QueueFor is how long a job waits in the pending queue.
	QueueFor time.Duration

	// RunFor is how long a job executes once it leaves the queue.
	RunFor time.Duration

	// FailMarker is a substring that, found in any text input, fails the job
	// with an execution error at the sampler node. Empty disables it.
	FailMarker string
}

type job struct {
	id        string
	number    int
	graph     graph.Raw
	submitted time.Time
	cancelled bool
	history   *backend.HistoryEntry
}

// Server is the fake backend. It is safe for concurrent use.
type Server struct {
	cfg    Config
	ops    map[string]bool
	logger *slog.Logger
	now    func() time.Time
	router *chi.Mux

	mu     sync.Mutex
	jobs   map[string]*job
	order  []string
	files  map[string][]byte
	number int
}

// New creates a fake backend.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.Ops == nil {
		cfg.Ops = graph.Catalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		ops:    make(map[string]bool, len(cfg.Ops)),
		logger: logger,
		now:    time.Now,
		router: chi.NewRouter(),
		jobs:   make(map[string]*job),
		files:  make(map[string][]byte),
	}
	for _, op := range cfg.Ops {
		if !graph.Known(op) {
			logger.Warn("advertising operation the graph builder never emits", "op", op)
		}
		s.ops[op] = true
	}

	s.router.Post("/prompt", s.handlePrompt)
	s.router.Get("/history/{id}", s.handleHistory)
	s.router.Get("/queue", s.handleQueue)
	s.router.Post("/queue", s.handleDelete)
	s.router.Post("/interrupt", s.handleInterrupt)
	s.router.Get("/object_info", s.handleObjectInfo)
	s.router.Get("/view", s.handleView)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Submissions returns how many jobs were accepted.
func (s *Server) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.number
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req backend.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.RejectBody{
			Error: backend.ValidationIssue{Type: "invalid_prompt", Message: "invalid prompt", Details: err.Error()},
		})
		return
	}
	if len(req.Prompt) == 0 {
		writeJSON(w, http.StatusBadRequest, backend.RejectBody{
			Error: backend.ValidationIssue{Type: "prompt_no_outputs", Message: "Prompt has no outputs"},
		})
		return
	}

	if err := graph.Validate(req.Prompt); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.RejectBody{
			Error: backend.ValidationIssue{Type: "invalid_prompt", Message: "invalid prompt", Details: err.Error()},
		})
		return
	}

	nodeErrors := make(map[string]backend.NodeValidation)
	for id, n := range req.Prompt {
		if !s.ops[n.ClassType] {
			nodeErrors[id] = backend.NodeValidation{
				ClassType: n.ClassType,
				Errors: []backend.ValidationIssue{{
					Type:    "invalid_prompt",
					Message: fmt.Sprintf("Cannot execute because node %s does not exist.", n.ClassType),
				}},
			}
		}
	}
	if len(nodeErrors) > 0 {
		writeJSON(w, http.StatusBadRequest, backend.RejectBody{
			Error:      backend.ValidationIssue{Type: "prompt_outputs_failed_validation", Message: "Prompt outputs failed validation"},
			NodeErrors: nodeErrors,
		})
		return
	}

	s.mu.Lock()
	s.number++
	j := &job{
		id:        uuid.NewString(),
		number:    s.number,
		graph:     req.Prompt,
		submitted: s.now(),
	}
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	s.mu.Unlock()

	s.logger.Info("job accepted", "job_id", j.id, "number", j.number, "nodes", len(req.Prompt))
	writeJSON(w, http.StatusOK, backend.SubmitResult{JobID: j.id, Number: j.number, NodeErrors: map[string]backend.NodeValidation{}})
}

// phase reports where a job is at now. Callers hold s.mu.
func (s *Server) phase(j *job, now time.Time) string {
	switch {
	case j.history != nil:
		return "done"
	case now.Before(j.submitted.Add(s.cfg.QueueFor)):
		return "pending"
	case now.Before(j.submitted.Add(s.cfg.QueueFor + s.cfg.RunFor)):
		return "running"
	}
	j.history = s.finish(j)
	return "done"
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]*backend.HistoryEntry{}
	if j, ok := s.jobs[id]; ok && !j.cancelled && s.phase(j, s.now()) == "done" {
		out[id] = j.history
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	running := [][]any{}
	pending := [][]any{}
	for _, id := range s.order {
		j := s.jobs[id]
		if j.cancelled {
			continue
		}
		item := []any{j.number, j.id, j.graph, map[string]any{}, []string{}}
		switch s.phase(j, now) {
		case "pending":
			pending = append(pending, item)
		case "running":
			running = append(running, item)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_running": running, "queue_pending": pending})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delete []string `json:"delete"`
		Clear  bool     `json:"clear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	now := s.now()
	for id, j := range s.jobs {
		if s.phase(j, now) != "pending" {
			continue
		}
		if body.Clear || slices.Contains(body.Delete, id) {
			j.cancelled = true
			s.logger.Info("job deleted from queue", "job_id", id)
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PromptID string `json:"prompt_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	now := s.now()
	for id, j := range s.jobs {
		if s.phase(j, now) != "running" || (body.PromptID != "" && body.PromptID != id) {
			continue
		}
		j.history = interrupted(j)
		s.logger.Info("job interrupted", "job_id", id)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectInfo(w http.ResponseWriter, _ *http.Request) {
	info := make(map[string]any, len(s.cfg.Ops))
	for _, op := range s.cfg.Ops {
		info[op] = map[string]any{"name": op, "display_name": op}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := path.Join(q.Get("type"), q.Get("subfolder"), q.Get("filename"))

	s.mu.Lock()
	data, ok := s.files[key]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	ct, ok := mediaTypes[path.Ext(key)]
	if !ok {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// failsAt returns the id of the node a job fails at, or "" when it succeeds.
func (s *Server) failsAt(g graph.Raw) string {
	if s.cfg.FailMarker == "" {
		return ""
	}
	triggered := false
	for _, n := range g {
		for _, v := range n.Inputs {
			if text, ok := v.(string); ok && strings.Contains(text, s.cfg.FailMarker) {
				triggered = true
			}
		}
	}
	if !triggered {
		return ""
	}
	ids := sortedIDs(g)
	for _, id := range ids {
		if g[id].ClassType == "KSampler" {
			return id
		}
	}
	return ids[len(ids)-1]
}

func sortedIDs(g graph.Raw) []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	backend.SortNodeIDs(ids)
	return ids
}
