package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
)

func newTestExecutor(cfg ExecutorConfig) *Executor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return NewExecutor(cfg, testLogger())
}

// recorder collects observed progress.
type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) observe(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) statuses() []model.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.JobStatus
	for _, p := range r.events {
		if p.Type == model.EventJobState {
			out = append(out, p.Status)
		}
	}
	return out
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.events {
		if p.Type == typ {
			n++
		}
	}
	return n
}

func TestExecutorRoundTrip(t *testing.T) {
	want := []byte("fake-image-bytes")
	b := newStubBackend(want)
	b.queuedChecks = 2
	b.runningChecks = 2
	rec := &recorder{}

	out, attempts, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, rec.observe)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(out.Artifact.Data, want) {
		t.Errorf("artifact = %q, want %q", out.Artifact.Data, want)
	}
	if out.JobID != "abc" || attempts != 1 || out.Attempts != 1 {
		t.Errorf("job=%q attempts=%d/%d, want abc 1", out.JobID, attempts, out.Attempts)
	}

	wantStates := []model.JobStatus{model.JobQueued, model.JobRunning, model.JobSucceeded}
	if got := rec.statuses(); !slices.Equal(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}
	if rec.count(model.EventSubmitted) != 1 {
		t.Errorf("submitted events = %d, want 1", rec.count(model.EventSubmitted))
	}
}

func TestExecutorRetryBound(t *testing.T) {
	unavailable := &backend.StatusError{Op: "submit", Code: http.StatusServiceUnavailable, Body: "busy"}
	rejected := &backend.RejectedError{
		Code:    http.StatusBadRequest,
		Message: "Prompt outputs failed validation",
		NodeErrors: map[string]backend.NodeValidation{
			"5": {ClassType: "KSampler", Errors: []backend.ValidationIssue{{Message: "bad sampler"}}},
		},
	}

	tests := []struct {
		name        string
		submitErrs  []error
		wantSubmits int
		wantKind    model.ErrorKind
	}{
		{"503 then success retries once", []error{unavailable}, 2, ""},
		{"400 never retried", []error{rejected}, 1, model.KindJobExecution},
		{"503 twice gives up after one retry", []error{unavailable, unavailable, unavailable}, 2, model.KindTransientBackend},
		{"network error retried", []error{context.DeadlineExceeded}, 2, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newStubBackend([]byte("img"))
			b.submitErrs = tt.submitErrs
			rec := &recorder{}

			out, attempts, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, rec.observe)
			if got := b.submitCount(); got != tt.wantSubmits {
				t.Errorf("submissions = %d, want %d", got, tt.wantSubmits)
			}
			if attempts != tt.wantSubmits {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantSubmits)
			}
			if rec.count(model.EventRetry) != tt.wantSubmits-1 {
				t.Errorf("retry events = %d, want %d", rec.count(model.EventRetry), tt.wantSubmits-1)
			}
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				if string(out.Artifact.Data) != "img" {
					t.Errorf("artifact = %q", out.Artifact.Data)
				}
				return
			}
			if model.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %q, want %q (err %v)", model.KindOf(err), tt.wantKind, err)
			}
		})
	}
}

func TestExecutorRejectionCarriesNodeError(t *testing.T) {
	b := newStubBackend(nil)
	b.submitErrs = []error{&backend.RejectedError{
		Code:    http.StatusBadRequest,
		Message: "Prompt outputs failed validation",
		NodeErrors: map[string]backend.NodeValidation{
			"5": {Errors: []backend.ValidationIssue{{Type: "value_not_in_list", Message: "Value not in list"}}},
		},
	}}

	_, _, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
	ne := model.NodeErrorOf(err)
	if ne == nil || ne.NodeID != "5" || ne.OpType != "KSampler" {
		t.Errorf("NodeError = %+v, want node 5 KSampler", ne)
	}
}

func TestExecutorAcceptedWithNodeErrors(t *testing.T) {
	b := newStubBackend([]byte("img"))
	b.nodeErrors = map[string]backend.NodeValidation{
		"5": {
			ClassType: "KSampler",
			Errors:    []backend.ValidationIssue{{Type: "value_not_in_list", Message: "bad sampler"}},
		},
	}

	out, _, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
	if err == nil {
		t.Fatalf("Run succeeded with artifact %q, want failure", out.Artifact.Data)
	}
	if model.KindOf(err) != model.KindJobExecution {
		t.Errorf("kind = %q, want job execution failure", model.KindOf(err))
	}
	if b.submitCount() != 1 {
		t.Errorf("submissions = %d, want 1", b.submitCount())
	}
	if ne := model.NodeErrorOf(err); ne == nil || ne.NodeID != "5" || ne.Message != "bad sampler" {
		t.Errorf("NodeError = %+v, want node 5 bad sampler", ne)
	}
}

func TestExecutorExecutionFailureNotRetried(t *testing.T) {
	b := newStubBackend(nil)
	b.outcome = func(string, graph.Raw) *backend.HistoryEntry {
		return &backend.HistoryEntry{Status: backend.HistoryStatus{
			StatusStr: backend.StatusStrError,
			Messages: []backend.Message{message(backend.MsgExecutionError, backend.ExecutionError{
				NodeID: "5", NodeType: "KSampler", ExceptionMessage: "CUDA out of memory",
			})},
		}}
	}

	_, _, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
	if model.KindOf(err) != model.KindJobExecution {
		t.Fatalf("kind = %q, want job execution failure", model.KindOf(err))
	}
	if b.submitCount() != 1 {
		t.Errorf("submissions = %d, want 1", b.submitCount())
	}
	if ne := model.NodeErrorOf(err); ne == nil || ne.Message != "CUDA out of memory" {
		t.Errorf("NodeError = %+v", ne)
	}
}

func TestExecutorEmptyResultNotRetried(t *testing.T) {
	b := newStubBackend([]byte("img"))
	b.outcome = func(string, graph.Raw) *backend.HistoryEntry {
		return &backend.HistoryEntry{Status: backend.HistoryStatus{StatusStr: backend.StatusStrSuccess, Completed: true}}
	}

	_, _, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
	if model.KindOf(err) != model.KindEmptyResult {
		t.Fatalf("kind = %q, want empty result anomaly", model.KindOf(err))
	}
	if b.submitCount() != 1 {
		t.Errorf("submissions = %d, want 1", b.submitCount())
	}
}

func TestExecutorEmptyArtifactBytes(t *testing.T) {
	b := newStubBackend([]byte{})
	_, _, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
	if model.KindOf(err) != model.KindEmptyResult {
		t.Errorf("kind = %q, want empty result anomaly", model.KindOf(err))
	}
}

func TestExecutorJobVanished(t *testing.T) {
	b := newStubBackend([]byte("img"))
	b.queuedChecks = 1
	b.outcome = func(string, graph.Raw) *backend.HistoryEntry { return nil }
	rec := &recorder{}

	_, _, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, rec.observe)
	if model.KindOf(err) != model.KindJobExecution {
		t.Fatalf("kind = %q, want job execution failure", model.KindOf(err))
	}
	if b.submitCount() != 1 {
		t.Errorf("submissions = %d, want 1", b.submitCount())
	}
	states := rec.statuses()
	if len(states) == 0 || states[len(states)-1] != model.JobNotFound {
		t.Errorf("states = %v, want ending in not_found", states)
	}
}

func TestExecutorPollErrorsTolerated(t *testing.T) {
	b := newStubBackend([]byte("img"))
	b.historyErrs = DefaultMaxPollErrors

	out, attempts, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts != 1 || string(out.Artifact.Data) != "img" {
		t.Errorf("attempts=%d artifact=%q", attempts, out.Artifact.Data)
	}
}

func TestExecutorTooManyPollErrorsIsTransient(t *testing.T) {
	b := newStubBackend([]byte("img"))
	b.historyErrs = DefaultMaxPollErrors + 1

	out, attempts, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The first attempt loses contact; the retry is a fresh submission.
	if attempts != 2 || b.submitCount() != 2 {
		t.Errorf("attempts=%d submissions=%d, want 2 and 2", attempts, b.submitCount())
	}
	if out.JobID != "job-2" {
		t.Errorf("JobID = %q, want the second submission", out.JobID)
	}
}

func TestExecutorTimeout(t *testing.T) {
	tests := []struct {
		name        string
		cancel      bool
		wantCancels int
	}{
		{"cancel on timeout", true, 2},
		{"abandon without cancel", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newStubBackend([]byte("img"))
			b.queuedChecks = 1 << 30
			x := newTestExecutor(ExecutorConfig{JobTimeout: 30 * time.Millisecond, CancelOnTimeout: tt.cancel})

			_, attempts, err := x.Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
			if !errors.Is(err, ErrJobTimedOut) {
				t.Fatalf("err = %v, want ErrJobTimedOut", err)
			}
			if model.KindOf(err) != model.KindTransientBackend {
				t.Errorf("kind = %q, want transient", model.KindOf(err))
			}
			if attempts != 2 {
				t.Errorf("attempts = %d, want 2", attempts)
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			if len(b.cancels) != tt.wantCancels {
				t.Errorf("cancels = %v, want %d", b.cancels, tt.wantCancels)
			}
		})
	}
}

func TestExecutorCallerCancellation(t *testing.T) {
	b := newStubBackend([]byte("img"))
	b.queuedChecks = 1 << 30
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, _, err := newTestExecutor(ExecutorConfig{}).Run(ctx, b, testGraph, graph.ArtifactImages, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if b.submitCount() != 1 {
			t.Errorf("submissions = %d, want 1", b.submitCount())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestExecutorViewFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind model.ErrorKind
		submits  int
	}{
		{"not found", &backend.StatusError{Op: "view", Code: http.StatusNotFound}, model.KindJobExecution, 1},
		{"server error", &backend.StatusError{Op: "view", Code: http.StatusInternalServerError}, model.KindTransientBackend, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newStubBackend([]byte("img"))
			b.viewErr = tt.err
			_, _, err := newTestExecutor(ExecutorConfig{}).Run(context.Background(), b, testGraph, graph.ArtifactImages, nil)
			if model.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %q, want %q", model.KindOf(err), tt.wantKind)
			}
			if b.submitCount() != tt.submits {
				t.Errorf("submissions = %d, want %d", b.submitCount(), tt.submits)
			}
		})
	}
}
