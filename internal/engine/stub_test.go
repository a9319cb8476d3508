package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/graph"
)

// stubBackend is a scriptable in-memory rendering backend. Each job spends
// queuedChecks queue polls pending and runningChecks polls running, then
// finishes with whatever outcome returns (nil makes the job vanish).
type stubBackend struct {
	mu sync.Mutex

	ops       []string
	opsErr    error
	infoCalls int

	submitErrs    []error
	nodeErrors    map[string]backend.NodeValidation
	submits       int
	graphs        []graph.Raw
	jobIDs        []string
	queuedChecks  int
	runningChecks int

	outcome      func(jobID string, g graph.Raw) *backend.HistoryEntry
	historyErrs  int
	historyCalls int

	data      []byte
	mediaType string
	viewErr   error
	cancels   []string

	jobs map[string]*stubJob
}

type stubJob struct {
	graph  graph.Raw
	checks int
}

func newStubBackend(data []byte) *stubBackend {
	return &stubBackend{
		ops:       graph.Catalog(),
		jobIDs:    []string{"abc"},
		outcome:   succeedWith(graph.ArtifactImages, "7", "kiln_image_00001_.png"),
		data:      data,
		mediaType: "image/png",
		jobs:      make(map[string]*stubJob),
	}
}

func succeedWith(kind, nodeID, filename string) func(string, graph.Raw) *backend.HistoryEntry {
	return func(string, graph.Raw) *backend.HistoryEntry {
		return &backend.HistoryEntry{
			Status: backend.HistoryStatus{StatusStr: backend.StatusStrSuccess, Completed: true},
			Outputs: map[string]backend.NodeOutput{
				nodeID: outputOf(kind, backend.ArtifactRef{Filename: filename, Type: "output"}),
			},
		}
	}
}

func outputOf(kind string, refs ...backend.ArtifactRef) backend.NodeOutput {
	data, _ := json.Marshal(refs)
	return backend.NodeOutput{kind: data}
}

func message(typ string, data any) backend.Message {
	raw, _ := json.Marshal(data)
	return backend.Message{Type: typ, Data: raw}
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Submit(_ context.Context, g graph.Raw, _ string) (backend.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.submits
	s.submits++
	s.graphs = append(s.graphs, g)
	if call < len(s.submitErrs) && s.submitErrs[call] != nil {
		return backend.SubmitResult{}, s.submitErrs[call]
	}

	id := fmt.Sprintf("job-%d", call+1)
	if call < len(s.jobIDs) {
		id = s.jobIDs[call]
	}
	s.jobs[id] = &stubJob{graph: g}
	return backend.SubmitResult{JobID: id, Number: call, NodeErrors: s.nodeErrors}, nil
}

func (s *stubBackend) finished(j *stubJob) bool {
	return j.checks > s.queuedChecks+s.runningChecks
}

func (s *stubBackend) History(_ context.Context, jobID string) (*backend.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historyCalls++
	if s.historyCalls <= s.historyErrs {
		return nil, &backend.StatusError{Op: "history", Code: http.StatusBadGateway, Body: "gateway"}
	}
	j, ok := s.jobs[jobID]
	if !ok || !s.finished(j) {
		return nil, nil
	}
	return s.outcome(jobID, j.graph), nil
}

func (s *stubBackend) Queue(context.Context) (backend.QueueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var q backend.QueueSnapshot
	for id, j := range s.jobs {
		if s.finished(j) {
			continue
		}
		j.checks++
		switch {
		case s.finished(j):
		case j.checks > s.queuedChecks:
			q.Running = append(q.Running, id)
		default:
			q.Pending = append(q.Pending, id)
		}
	}
	return q, nil
}

func (s *stubBackend) ObjectInfo(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoCalls++
	return s.ops, s.opsErr
}

func (s *stubBackend) View(_ context.Context, ref backend.ArtifactRef) (backend.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewErr != nil {
		return backend.Artifact{}, s.viewErr
	}
	return backend.Artifact{Ref: ref, Data: s.data, MediaType: s.mediaType}, nil
}

func (s *stubBackend) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, jobID)
	return nil
}

func (s *stubBackend) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *stubBackend) lastGraph() graph.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.graphs) == 0 {
		return nil
	}
	return s.graphs[len(s.graphs)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
