package fake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/backend/comfy"
	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/workflow"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFake(t *testing.T, cfg Config) (*Server, *comfy.Client, *clock) {
	t.Helper()
	s := New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = clk.now

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	c, err := comfy.New(comfy.Config{Name: "fake", BaseURL: ts.URL, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("comfy.New: %v", err)
	}
	return s, c, clk
}

func imageGraph(t *testing.T, prompt string) graph.Raw {
	t.Helper()
	plan, err := workflow.Build(model.ModalityTextToImage, workflow.Request{Prompt: prompt}, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return plan.Graph.Raw()
}

func TestRoundTripImage(t *testing.T) {
	s, c, _ := newFake(t, Config{})
	ctx := context.Background()

	res, err := c.Submit(ctx, imageGraph(t, "a red bicycle"), "client")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.JobID == "" || res.Number != 1 {
		t.Fatalf("SubmitResult = %+v", res)
	}

	entry, err := c.History(ctx, res.JobID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entry == nil {
		t.Fatal("History = nil, want entry")
	}
	if entry.Status.StatusStr != backend.StatusStrSuccess || !entry.Status.Completed {
		t.Errorf("status = %+v", entry.Status)
	}

	ids := entry.OutputNodeIDs()
	if len(ids) != 1 {
		t.Fatalf("output nodes = %v, want 1", ids)
	}
	refs := entry.Outputs[ids[0]].Artifacts(graph.ArtifactImages)
	if len(refs) != 1 {
		t.Fatalf("refs = %v", refs)
	}

	art, err := c.View(ctx, refs[0])
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if art.MediaType != "image/png" {
		t.Errorf("MediaType = %q, want image/png", art.MediaType)
	}
	if !bytes.HasPrefix(art.Data, []byte("\x89PNG")) {
		t.Errorf("data is not a PNG: %q", art.Data[:min(8, len(art.Data))])
	}
	if s.Submissions() != 1 {
		t.Errorf("Submissions = %d, want 1", s.Submissions())
	}
}

func TestRejectsUnknownOp(t *testing.T) {
	ops := []string{"CheckpointLoaderSimple", "CLIPTextEncode", "EmptyLatentImage", "VAEDecode", "SaveImage"}
	_, c, _ := newFake(t, Config{Ops: ops})

	_, err := c.Submit(context.Background(), imageGraph(t, "x"), "client")
	var rej *backend.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want *RejectedError", err)
	}
	if rej.Code != 400 {
		t.Errorf("Code = %d, want 400", rej.Code)
	}
	var found bool
	for _, nv := range rej.NodeErrors {
		if nv.ClassType == "KSampler" {
			found = true
		}
	}
	if !found {
		t.Errorf("NodeErrors = %+v, want KSampler entry", rej.NodeErrors)
	}
}

func TestObjectInfoDefaultsToCatalog(t *testing.T) {
	_, c, _ := newFake(t, Config{})
	names, err := c.ObjectInfo(context.Background())
	if err != nil {
		t.Fatalf("ObjectInfo: %v", err)
	}
	want := graph.Catalog()
	if len(names) != len(want) {
		t.Fatalf("ObjectInfo = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestFailMarker(t *testing.T) {
	_, c, _ := newFake(t, Config{FailMarker: DefaultFailMarker})
	ctx := context.Background()

	g := imageGraph(t, "a bicycle [fail]")
	res, err := c.Submit(ctx, g, "client")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	entry, err := c.History(ctx, res.JobID)
	if err != nil || entry == nil {
		t.Fatalf("History = %v, %v", entry, err)
	}
	if entry.Status.StatusStr != backend.StatusStrError {
		t.Errorf("status_str = %q, want error", entry.Status.StatusStr)
	}

	var ee backend.ExecutionError
	for _, m := range entry.Status.Messages {
		if m.Type == backend.MsgExecutionError {
			if err := json.Unmarshal(m.Data, &ee); err != nil {
				t.Fatalf("decode execution_error: %v", err)
			}
		}
	}
	if ee.NodeType != "KSampler" || g[ee.NodeID].ClassType != "KSampler" {
		t.Errorf("execution_error = %+v, want KSampler node", ee)
	}
	if ee.ExceptionMessage == "" {
		t.Error("ExceptionMessage is empty")
	}
}

func TestQueuePhases(t *testing.T) {
	_, c, clk := newFake(t, Config{QueueFor: 10 * time.Second, RunFor: 10 * time.Second})
	ctx := context.Background()

	res, err := c.Submit(ctx, imageGraph(t, "x"), "client")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	steps := []struct {
		advance          time.Duration
		running, pending bool
		done             bool
	}{
		{0, false, true, false},
		{12 * time.Second, true, false, false},
		{10 * time.Second, false, false, true},
	}
	for i, st := range steps {
		clk.advance(st.advance)
		q, err := c.Queue(ctx)
		if err != nil {
			t.Fatalf("step %d Queue: %v", i, err)
		}
		running, pending := q.Contains(res.JobID)
		if running != st.running || pending != st.pending {
			t.Errorf("step %d: running=%v pending=%v, want %v %v", i, running, pending, st.running, st.pending)
		}
		entry, err := c.History(ctx, res.JobID)
		if err != nil {
			t.Fatalf("step %d History: %v", i, err)
		}
		if (entry != nil) != st.done {
			t.Errorf("step %d: history present = %v, want %v", i, entry != nil, st.done)
		}
	}
}

func TestCancelPendingRemovesJob(t *testing.T) {
	_, c, clk := newFake(t, Config{QueueFor: time.Minute})
	ctx := context.Background()

	res, err := c.Submit(ctx, imageGraph(t, "x"), "client")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Cancel(ctx, res.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	clk.advance(2 * time.Minute)
	q, _ := c.Queue(ctx)
	if running, pending := q.Contains(res.JobID); running || pending {
		t.Errorf("job still queued after cancel")
	}
	entry, err := c.History(ctx, res.JobID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if entry != nil {
		t.Errorf("History = %+v, want nil for deleted job", entry)
	}
}

func TestCancelRunningInterrupts(t *testing.T) {
	_, c, clk := newFake(t, Config{RunFor: time.Minute})
	ctx := context.Background()

	res, err := c.Submit(ctx, imageGraph(t, "x"), "client")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	clk.advance(time.Second)
	if err := c.Cancel(ctx, res.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	entry, err := c.History(ctx, res.JobID)
	if err != nil || entry == nil {
		t.Fatalf("History = %v, %v", entry, err)
	}
	var sawInterrupt bool
	for _, m := range entry.Status.Messages {
		if m.Type == backend.MsgExecutionInterrupted {
			sawInterrupt = true
		}
	}
	if !sawInterrupt || entry.Status.StatusStr != backend.StatusStrError {
		t.Errorf("status = %+v, want interrupted error", entry.Status)
	}
}

func TestRejectsCyclicGraph(t *testing.T) {
	_, c, _ := newFake(t, Config{})

	g := graph.Raw{
		"1": {ClassType: "VAEDecode", Inputs: map[string]any{"samples": []any{"2", 0}}},
		"2": {ClassType: "KSampler", Inputs: map[string]any{"latent_image": []any{"1", 0}}},
	}
	_, err := c.Submit(context.Background(), g, "client")
	var rej *backend.RejectedError
	if !errors.As(err, &rej) || rej.Code != 400 {
		t.Fatalf("err = %v, want 400 rejection", err)
	}
}
