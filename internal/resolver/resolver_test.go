package resolver_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/resolver"
	"github.com/seantiz/kiln/internal/workflow"
)

// countingVisibility wraps the filesystem implementation and counts calls.
type countingVisibility struct {
	calls atomic.Int32
	inner resolver.FSVisibility
}

func (c *countingVisibility) Establish(src, dst string, m resolver.Method) error {
	c.calls.Add(1)
	return c.inner.Establish(src, dst, m)
}

type testDirs struct {
	local string
	tier1 string
	tier2 string
}

func newDirs(t *testing.T) testDirs {
	t.Helper()
	root := t.TempDir()
	d := testDirs{
		local: filepath.Join(root, "local"),
		tier1: filepath.Join(root, "tier1"),
		tier2: filepath.Join(root, "tier2"),
	}
	for _, dir := range []string{d.local, d.tier1, d.tier2} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	return d
}

func (d testDirs) config() resolver.Config {
	return resolver.Config{
		LocalDir: d.local,
		Tiers: []resolver.Tier{
			{Name: "tier1", Dir: d.tier1},
			{Name: "tier2", Dir: d.tier2},
		},
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newResolver(d testDirs, vis resolver.Visibility) *resolver.Resolver {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return resolver.New(d.config(), logger, resolver.WithVisibility(vis))
}

func TestResolveDurableTierTwoOnly(t *testing.T) {
	d := newDirs(t)
	writeFile(t, d.tier2, "char-42.safetensors", "weights")
	vis := &countingVisibility{}
	r := newResolver(d, vis)

	h, err := r.Resolve(context.Background(), resolver.Query{LogicalID: "char-42"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := vis.calls.Load(); got != 1 {
		t.Errorf("establish calls = %d, want 1", got)
	}
	if h.Tier != "tier2" {
		t.Errorf("Tier = %q, want tier2", h.Tier)
	}
	if h.Location != filepath.Join(d.local, "char-42.safetensors") {
		t.Errorf("Location = %q", h.Location)
	}

	info, err := os.Lstat(h.Location)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Errorf("safetensors adapter was not linked, mode = %v", info.Mode())
	}

	plan, err := workflow.Build(model.ModalityTextToImage, workflow.Request{Prompt: "hero", AdapterID: "char-42"}, h.Filename)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var loraName string
	for _, n := range plan.Graph.Nodes() {
		if l, ok := n.Op.(graph.LoraLoader); ok {
			loraName = l.LoraName
		}
	}
	if loraName != h.Filename {
		t.Errorf("graph lora_name = %q, handle filename = %q", loraName, h.Filename)
	}

	// A second resolve finds the now-visible local entry.
	h2, err := r.Resolve(context.Background(), resolver.Query{LogicalID: "char-42"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if h2.Tier != resolver.TierLocal {
		t.Errorf("second Tier = %q, want local", h2.Tier)
	}
	if got := vis.calls.Load(); got != 1 {
		t.Errorf("establish calls after second resolve = %d, want 1", got)
	}
}

func TestResolveSearchOrder(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, d testDirs)
		query    resolver.Query
		wantFile string
		wantTier string
	}{
		{
			name: "explicit filename beats logical id",
			setup: func(t *testing.T, d testDirs) {
				writeFile(t, d.local, "char-42.safetensors", "a")
				writeFile(t, d.local, "custom.safetensors", "b")
			},
			query:    resolver.Query{LogicalID: "char-42", Filename: "custom.safetensors"},
			wantFile: "custom.safetensors",
			wantTier: resolver.TierLocal,
		},
		{
			name: "canonical beats legacy",
			setup: func(t *testing.T, d testDirs) {
				writeFile(t, d.local, "char-42_lora.safetensors", "a")
				writeFile(t, d.tier2, "char-42.safetensors", "b")
			},
			query:    resolver.Query{LogicalID: "char-42"},
			wantFile: "char-42.safetensors",
			wantTier: "tier2",
		},
		{
			name: "legacy names in priority order",
			setup: func(t *testing.T, d testDirs) {
				writeFile(t, d.tier1, "lora_char-42.safetensors", "a")
				writeFile(t, d.tier1, "char-42_lora.safetensors", "b")
			},
			query:    resolver.Query{LogicalID: "char-42"},
			wantFile: "char-42_lora.safetensors",
			wantTier: "tier1",
		},
		{
			name: "local beats durable",
			setup: func(t *testing.T, d testDirs) {
				writeFile(t, d.local, "char-42.safetensors", "a")
				writeFile(t, d.tier1, "char-42.safetensors", "b")
			},
			query:    resolver.Query{LogicalID: "char-42"},
			wantFile: "char-42.safetensors",
			wantTier: resolver.TierLocal,
		},
		{
			name: "tier one beats tier two",
			setup: func(t *testing.T, d testDirs) {
				writeFile(t, d.tier1, "char-42.safetensors", "a")
				writeFile(t, d.tier2, "char-42.safetensors", "b")
			},
			query:    resolver.Query{LogicalID: "char-42"},
			wantFile: "char-42.safetensors",
			wantTier: "tier1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDirs(t)
			tt.setup(t, d)
			r := newResolver(d, resolver.FSVisibility{})

			h, err := r.Resolve(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if h.Filename != tt.wantFile || h.Tier != tt.wantTier {
				t.Errorf("got %s from %s, want %s from %s", h.Filename, h.Tier, tt.wantFile, tt.wantTier)
			}
		})
	}
}

func TestResolveNotFoundListsCandidates(t *testing.T) {
	d := newDirs(t)
	r := newResolver(d, resolver.FSVisibility{})

	_, err := r.Resolve(context.Background(), resolver.Query{LogicalID: "ghost"})
	var nf *resolver.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *NotFoundError", err)
	}
	want := resolver.Candidates(resolver.Query{LogicalID: "ghost"})
	if len(nf.Tried) != len(want) {
		t.Fatalf("Tried = %v, want %v", nf.Tried, want)
	}
	for i := range want {
		if nf.Tried[i] != want[i] {
			t.Errorf("Tried[%d] = %q, want %q", i, nf.Tried[i], want[i])
		}
	}
}

func TestResolveCopiesNonSafetensors(t *testing.T) {
	d := newDirs(t)
	writeFile(t, d.tier1, "style.pt", "pickled")
	r := newResolver(d, resolver.FSVisibility{})

	h, err := r.Resolve(context.Background(), resolver.Query{LogicalID: "style"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	info, err := os.Lstat(h.Location)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if !info.Mode().IsRegular() {
		t.Errorf("copied adapter mode = %v, want regular file", info.Mode())
	}
	data, _ := os.ReadFile(h.Location)
	if string(data) != "pickled" {
		t.Errorf("copied content = %q", data)
	}
}

func TestResolveReplacesDanglingLink(t *testing.T) {
	d := newDirs(t)
	writeFile(t, d.tier1, "char-7.safetensors", "w")
	if err := os.Symlink(filepath.Join(d.tier2, "gone.safetensors"), filepath.Join(d.local, "char-7.safetensors")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	r := newResolver(d, resolver.FSVisibility{})

	h, err := r.Resolve(context.Background(), resolver.Query{LogicalID: "char-7"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	target, err := os.Readlink(h.Location)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != filepath.Join(d.tier1, "char-7.safetensors") {
		t.Errorf("link target = %q", target)
	}
}

func TestResolveConcurrentSameID(t *testing.T) {
	for _, name := range []string{"char-42.safetensors", "char-42.pt"} {
		t.Run(name, func(t *testing.T) {
			d := newDirs(t)
			writeFile(t, d.tier2, name, "weights")

			// Separate resolvers share nothing but the filesystem, like
			// separate processes resolving the same adapter.
			const n = 16
			var wg sync.WaitGroup
			handles := make([]resolver.Handle, n)
			errs := make([]error, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r := newResolver(d, resolver.FSVisibility{})
					handles[i], errs[i] = r.Resolve(context.Background(), resolver.Query{LogicalID: "char-42"})
				}()
			}
			wg.Wait()

			for i := range n {
				if errs[i] != nil {
					t.Fatalf("Resolve[%d]: %v", i, errs[i])
				}
				if handles[i].Filename != name || handles[i].Location != filepath.Join(d.local, name) {
					t.Errorf("handle[%d] = %+v", i, handles[i])
				}
			}
			data, err := os.ReadFile(filepath.Join(d.local, name))
			if err != nil || string(data) != "weights" {
				t.Errorf("local content = %q, %v", data, err)
			}
		})
	}
}

func TestResolveSharedResolverCollapsesCalls(t *testing.T) {
	d := newDirs(t)
	writeFile(t, d.tier1, "char-9.safetensors", "w")
	vis := &countingVisibility{}
	r := newResolver(d, vis)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), resolver.Query{LogicalID: "char-9"}); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := vis.calls.Load(); got != 1 {
		t.Errorf("establish calls = %d, want 1", got)
	}
}

func TestResolveRejectsPathElements(t *testing.T) {
	d := newDirs(t)
	r := newResolver(d, resolver.FSVisibility{})
	for _, q := range []resolver.Query{
		{LogicalID: "../etc/passwd"},
		{Filename: "a/b.safetensors"},
		{},
	} {
		_, err := r.Resolve(context.Background(), q)
		if model.KindOf(err) != model.KindInvalidRequest {
			t.Errorf("Resolve(%+v) error = %v, want invalid request", q, err)
		}
	}
}

func TestResolveHonorsContext(t *testing.T) {
	d := newDirs(t)
	r := newResolver(d, resolver.FSVisibility{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The search may finish before the select sees the cancellation, so
	// either outcome is acceptable as long as nothing is found.
	_, err := r.Resolve(ctx, resolver.Query{LogicalID: "none"})
	var nf *resolver.NotFoundError
	if !errors.Is(err, context.Canceled) && !errors.As(err, &nf) {
		t.Errorf("error = %v, want context.Canceled or NotFoundError", err)
	}
}
