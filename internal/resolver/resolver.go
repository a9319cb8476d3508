package resolver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/kiln/internal/model"
)

// TierLocal names the backend-local directory in a Handle.
const TierLocal = "local"

// Tier is one durable storage location, searched in configured order.
type Tier struct {
	Name string
	Dir  string
}

// Config holds resolver search locations.
type Config struct {
	// LocalDir is where the backend loads adapters from.
	LocalDir string

	// Tiers are durable storage locations in priority order.
	Tiers []Tier
}

// Query names an adapter either by logical id or by explicit filename.
// An explicit filename wins when both are set.
type Query struct {
	LogicalID string
	Filename  string
}

func (q Query) key() string {
	if q.Filename != "" {
		return "file:" + q.Filename
	}
	return "id:" + q.LogicalID
}

// Handle is a resolved adapter. Filename is what the job graph references.
type Handle struct {
	LogicalID string `json:"logical_id,omitempty"`
	Filename  string `json:"filename"`
	Location  string `json:"location"`
	Tier      string `json:"tier"`
}

// NotFoundError reports every filename tried for a query.
type NotFoundError struct {
	Query Query
	Tried []string
}

func (e *NotFoundError) Error() string {
	name := e.Query.Filename
	if name == "" {
		name = e.Query.LogicalID
	}
	return fmt.Sprintf("adapter %q not found (tried %s)", name, strings.Join(e.Tried, ", "))
}

// Resolver finds adapters. It is safe for concurrent use.
type Resolver struct {
	cfg    Config
	vis    Visibility
	logger *slog.Logger
	group  singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithVisibility replaces the filesystem visibility implementation.
func WithVisibility(v Visibility) Option {
	return func(r *Resolver) { r.vis = v }
}

// New creates a resolver over cfg.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:    cfg,
		vis:    FSVisibility{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Candidates returns the filenames searched for q, in priority order.
func Candidates(q Query) []string {
	if q.Filename != "" {
		return []string{q.Filename}
	}
	id := q.LogicalID
	return []string{
		id + ".safetensors",
		id + "_lora.safetensors",
		"lora_" + id + ".safetensors",
		id + ".pt",
	}
}

// Resolve locates the adapter named by q. Concurrent calls for the same query
// share one search.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Handle, error) {
	if err := checkName(q); err != nil {
		return Handle{}, err
	}

	ch := r.group.DoChan(q.key(), func() (any, error) {
		return r.resolve(q)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		return res.Val.(Handle), nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}
}

func (r *Resolver) resolve(q Query) (Handle, error) {
	candidates := Candidates(q)
	for _, name := range candidates {
		local := filepath.Join(r.cfg.LocalDir, name)
		if present(local) {
			return Handle{LogicalID: q.LogicalID, Filename: name, Location: local, Tier: TierLocal}, nil
		}

		for _, tier := range r.cfg.Tiers {
			src := filepath.Join(tier.Dir, name)
			if !present(src) {
				continue
			}
			method := methodFor(name)
			if err := r.establish(src, local, method); err != nil {
				return Handle{}, fmt.Errorf("make %s visible from tier %s: %w", name, tier.Name, err)
			}
			visibilityTotal.WithLabelValues(string(method)).Inc()
			r.logger.Info("adapter made visible",
				"filename", name,
				"tier", tier.Name,
				"method", method,
			)
			return Handle{LogicalID: q.LogicalID, Filename: name, Location: local, Tier: tier.Name}, nil
		}
	}
	return Handle{}, &NotFoundError{Query: q, Tried: candidates}
}

func (r *Resolver) establish(src, dst string, method Method) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create local dir: %w", err)
	}
	err := r.vis.Establish(src, dst, method)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}
	// Something already occupies dst. A live entry means another request won
	// the race; a dangling link is stale and gets replaced once.
	if present(dst) {
		return nil
	}
	if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", dst, rmErr)
	}
	err = r.vis.Establish(src, dst, method)
	if errors.Is(err, fs.ErrExist) && present(dst) {
		return nil
	}
	return err
}

// present reports whether path names a regular file, following links.
func present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func checkName(q Query) error {
	name := q.Filename
	if name == "" {
		name = q.LogicalID
	}
	if name == "" {
		return model.Errorf(model.KindInvalidRequest, "adapter id or filename is required")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return model.Errorf(model.KindInvalidRequest, "adapter name %q must not contain path elements", name)
	}
	return nil
}
