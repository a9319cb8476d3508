package probe

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a successful introspection result is reused.
const DefaultTTL = 30 * time.Second

// Introspector lists the operation types a backend supports.
type Introspector interface {
	Name() string
	ObjectInfo(ctx context.Context) ([]string, error)
}

// Availability of one operation type.
type Availability string

// Availability values. Unknown means introspection failed.
const (
	Available   Availability = "available"
	Unavailable Availability = "unavailable"
	Unknown     Availability = "unknown"
)

// Report is the outcome of one pre-flight check.
type Report struct {
	Backend string                  `json:"backend"`
	Names   map[string]Availability `json:"names"`
	Err     error                   `json:"-"`
}

// Missing returns the names known to be unavailable, sorted. It is empty when
// introspection failed.
func (r Report) Missing() []string {
	var missing []string
	for name, a := range r.Names {
		if a == Unavailable {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Prober runs capability checks, caching successful introspection per
// backend for its TTL. Failures are never cached.
type Prober struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	names   map[string]struct{}
	fetched time.Time
}

// New creates a prober. A non-positive ttl disables caching.
func New(ttl time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cached),
	}
}

// Check reports the availability of each name on b.
func (p *Prober) Check(ctx context.Context, b Introspector, names []string) Report {
	report := Report{Backend: b.Name(), Names: make(map[string]Availability, len(names))}

	known, err := p.lookup(ctx, b)
	if err != nil {
		probeFailures.Inc()
		p.logger.Warn("capability probe failed, proceeding without it",
			"backend", b.Name(),
			"error", err,
		)
		for _, name := range names {
			report.Names[name] = Unknown
		}
		report.Err = err
		return report
	}

	for _, name := range names {
		if _, ok := known[name]; ok {
			report.Names[name] = Available
		} else {
			report.Names[name] = Unavailable
		}
	}
	return report
}

// Invalidate drops the cached result for the named backend.
func (p *Prober) Invalidate(backend string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, backend)
}

func (p *Prober) lookup(ctx context.Context, b Introspector) (map[string]struct{}, error) {
	key := b.Name()
	if p.ttl > 0 {
		p.mu.Lock()
		c, ok := p.cache[key]
		p.mu.Unlock()
		if ok && p.now().Sub(c.fetched) < p.ttl {
			return c.names, nil
		}
	}

	list, err := b.ObjectInfo(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(list))
	for _, n := range list {
		names[n] = struct{}{}
	}

	if p.ttl > 0 {
		p.mu.Lock()
		p.cache[key] = cached{names: names, fetched: p.now()}
		p.mu.Unlock()
	}
	return names, nil
}
