package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/cost"
	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/probe"
	"github.com/seantiz/kiln/internal/resolver"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/workflow"
)

// AdapterResolver locates adapter files and makes them visible to the backend.
type AdapterResolver interface {
	Resolve(ctx context.Context, q resolver.Query) (resolver.Handle, error)
}

// Deps are the collaborators of an Engine. Store and Registry are required.
// A nil Prober skips capability checks; a nil Resolver rejects adapter
// requests; nil Costs and Executor get defaults.
type Deps struct {
	Store    store.Store
	Registry *backend.Registry
	Resolver AdapterResolver
	Prober   *probe.Prober
	Costs    *cost.Attributor
	Executor *Executor
	Logger   *slog.Logger
}

// Result is a finished generation.
type Result struct {
	Run      *model.Run
	Artifact backend.Artifact
	Cost     cost.Record
	Adapter  *resolver.Handle
}

// Engine runs generation requests and records them in the run ledger.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	resolver AdapterResolver
	prober   *probe.Prober
	costs    *cost.Attributor
	exec     *Executor
	logger   *slog.Logger
	broker   *EventBroker
	wg       sync.WaitGroup
}

// NewEngine creates an engine.
func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Costs == nil {
		d.Costs = cost.NewAttributor(nil, nil)
	}
	if d.Executor == nil {
		d.Executor = NewExecutor(ExecutorConfig{}, d.Logger)
	}
	return &Engine{
		store:    d.Store,
		registry: d.Registry,
		resolver: d.Resolver,
		prober:   d.Prober,
		costs:    d.Costs,
		exec:     d.Executor,
		logger:   d.Logger,
		broker:   NewEventBroker(),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Generate runs a request to completion on the caller's goroutine.
func (e *Engine) Generate(ctx context.Context, modality string, req workflow.Request) (*Result, error) {
	run, b, err := e.admit(ctx, modality, req)
	if err != nil {
		return nil, err
	}
	defer e.broker.Close(run.ID)
	return e.execute(ctx, run, b, req)
}

// SubmitAsync records a pending run and executes it in the background. The
// request is validated before anything is recorded. The returned run is the
// pending record; the goroutine works on its own copy.
func (e *Engine) SubmitAsync(ctx context.Context, modality string, req workflow.Request) (*model.Run, error) {
	run, b, err := e.admit(ctx, modality, req)
	if err != nil {
		return nil, err
	}

	runCopy := *run
	e.wg.Go(func() {
		defer e.broker.Close(runCopy.ID)
		e.execute(context.Background(), &runCopy, b, req)
	})
	return run, nil
}

// Rate returns the price per second charged for gpuType and whether the rate
// table has an entry for it.
func (e *Engine) Rate(gpuType string) (float64, bool) {
	return e.costs.Rate(gpuType)
}

// Wait blocks until all background runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// admit validates the request, picks its backend and records a pending run.
func (e *Engine) admit(ctx context.Context, modality string, req workflow.Request) (*model.Run, backend.Backend, error) {
	label := modality
	if !slices.Contains(model.Modalities, modality) {
		label = "unknown"
	}
	if err := workflow.Validate(modality, req); err != nil {
		jobsTotal.WithLabelValues(label, string(model.KindInvalidRequest)).Inc()
		return nil, nil, err
	}
	gpuType, b, err := e.registry.Resolve(req.GPUType)
	if err != nil {
		jobsTotal.WithLabelValues(label, string(model.KindInvalidRequest)).Inc()
		return nil, nil, model.WrapError(model.KindInvalidRequest, "unknown gpu type", err)
	}

	seed := workflow.DefaultSeed
	if req.Seed != nil {
		seed = *req.Seed
	}
	run := &model.Run{
		ID:        model.NewID(),
		Modality:  modality,
		Status:    model.StatusPending,
		GPUType:   gpuType,
		Seed:      seed,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, nil, model.WrapError(model.KindInternal, "record run", err)
	}
	return run, b, nil
}

// execute runs the pipeline for one admitted run: resolve, build, probe,
// submit and poll, then attribute cost.
func (e *Engine) execute(ctx context.Context, run *model.Run, b backend.Backend, req workflow.Request) (*Result, error) {
	dbCtx := context.WithoutCancel(ctx)
	logger := e.logger.With("run_id", run.ID, "modality", run.Modality, "gpu_type", run.GPUType)
	var seq atomic.Int32
	emit := func(typ, format string, args ...any) {
		ev := model.RunEvent{
			RunID:     run.ID,
			Seq:       int(seq.Add(1) - 1),
			Type:      typ,
			Message:   fmt.Sprintf(format, args...),
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.InsertEvent(dbCtx, ev); err != nil {
			logger.Error("failed to persist run event", "seq", ev.Seq, "error", err)
		}
		e.broker.Publish(ev)
	}

	if err := e.store.UpdateRunStatus(dbCtx, run.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		return nil, e.fail(dbCtx, run, logger, emit, model.WrapError(model.KindInternal, "start run", err))
	}
	started := time.Now().UTC()
	run.Status = model.StatusRunning
	run.StartedAt = &started
	emit(model.EventStatus, "run %s", model.StatusRunning)

	var handle *resolver.Handle
	if req.WantsAdapter() {
		h, err := e.resolveAdapter(ctx, req)
		if err != nil {
			return nil, e.fail(dbCtx, run, logger, emit, err)
		}
		handle = &h
		run.AdapterFilename = h.Filename
		emit(model.EventAdapter, "adapter %s resolved from %s tier", h.Filename, h.Tier)
	}

	adapter := ""
	if handle != nil {
		adapter = handle.Filename
	}
	plan, err := workflow.Build(run.Modality, req, adapter)
	if err != nil {
		return nil, e.fail(dbCtx, run, logger, emit, err)
	}
	run.Seed = plan.Seed

	raw := plan.Graph.Raw()
	if err := graph.Validate(raw); err != nil {
		return nil, e.fail(dbCtx, run, logger, emit, model.WrapError(model.KindInternal, "job graph failed validation", err))
	}
	logger.Debug("job graph built", "nodes", plan.Graph.Len(), "seed", plan.Seed)

	if err := e.checkCapabilities(ctx, b, plan, logger, emit); err != nil {
		return nil, e.fail(dbCtx, run, logger, emit, err)
	}

	observe := func(p Progress) {
		switch p.Type {
		case model.EventSubmitted:
			run.JobID = p.JobID
			run.Attempts = p.Attempt
			if err := e.store.RecordAttempt(dbCtx, run.ID, p.JobID, p.Attempt); err != nil {
				logger.Error("failed to record attempt", "attempt", p.Attempt, "error", err)
			}
			emit(model.EventSubmitted, "attempt %d submitted as job %s", p.Attempt, p.JobID)
		case model.EventJobState:
			emit(model.EventJobState, "job %s %s", p.JobID, p.Status)
		case model.EventRetry:
			emit(model.EventRetry, "attempt %d failed, retrying in %s: %v", p.Attempt, p.Delay, p.Err)
		}
	}

	start := time.Now()
	out, attempts, err := e.exec.Run(ctx, b, raw, plan.ArtifactKind, observe)
	elapsed := time.Since(start)
	run.Attempts = attempts
	if err != nil {
		var rej *backend.RejectedError
		if errors.As(err, &rej) && e.prober != nil {
			// The backend's catalog may have changed under a cached probe.
			e.prober.Invalidate(b.Name())
		}
		return nil, e.fail(dbCtx, run, logger, emit, err)
	}

	rec := e.costs.Attribute(run.GPUType, elapsed)
	cost.Observe(rec)
	if rec.Fallback() {
		logger.Warn("no rate for gpu type, charged default rate", "rate", rec.Rate())
	}

	artifact := out.Artifact
	if artifact.MediaType == "" || strings.HasPrefix(artifact.MediaType, "application/octet-stream") {
		artifact.MediaType = plan.MediaType
	}

	now := time.Now().UTC()
	total, rate := rec.Total(), rec.Rate()
	durationMS := int(elapsed.Milliseconds())
	run.Status = model.StatusSucceeded
	run.JobID = out.JobID
	run.Artifact = artifact.Data
	run.ArtifactName = artifact.Ref.Filename
	run.MediaType = artifact.MediaType
	run.CostUSD = &total
	run.RatePerSecond = &rate
	run.DurationMS = &durationMS
	run.FinishedAt = &now
	if err := e.store.UpdateRun(dbCtx, run); err != nil {
		logger.Error("failed to update succeeded run", "error", err)
	}

	emit(model.EventCost, "%.6f USD for %.3fs on %s", total, rec.Seconds(), run.GPUType)
	emit(model.EventStatus, "run %s", model.StatusSucceeded)
	jobsTotal.WithLabelValues(run.Modality, outcomeSucceeded).Inc()
	jobDuration.WithLabelValues(run.Modality).Observe(elapsed.Seconds())
	logger.Info("run succeeded",
		"job_id", out.JobID,
		"attempts", attempts,
		"duration_ms", durationMS,
		"cost_usd", total,
	)

	return &Result{Run: run, Artifact: artifact, Cost: rec, Adapter: handle}, nil
}

func (e *Engine) resolveAdapter(ctx context.Context, req workflow.Request) (resolver.Handle, error) {
	if e.resolver == nil {
		return resolver.Handle{}, model.Errorf(model.KindCapabilityUnavailable, "adapter resolution is not configured")
	}
	h, err := e.resolver.Resolve(ctx, resolver.Query{LogicalID: req.AdapterID, Filename: req.AdapterFilename})
	if err == nil {
		return h, nil
	}
	var nf *resolver.NotFoundError
	var me *model.Error
	switch {
	case errors.As(err, &nf):
		return resolver.Handle{}, model.WrapError(model.KindResourceNotFound, "adapter not found", err)
	case errors.As(err, &me):
		return resolver.Handle{}, err
	}
	return resolver.Handle{}, model.WrapError(model.KindInternal, "resolve adapter", err)
}

// checkCapabilities fails when the backend is known to lack an operation the
// plan needs. An unreachable introspection endpoint only logs.
func (e *Engine) checkCapabilities(ctx context.Context, b backend.Backend, plan *workflow.Plan, logger *slog.Logger, emit func(string, string, ...any)) error {
	if e.prober == nil {
		return nil
	}
	report := e.prober.Check(ctx, b, plan.Graph.OpTypes())
	if report.Err != nil {
		emit(model.EventProbe, "capability probe skipped: %v", report.Err)
		return nil
	}
	if missing := report.Missing(); len(missing) > 0 {
		logger.Warn("backend lacks required operations", "missing", missing)
		return model.Errorf(model.KindCapabilityUnavailable,
			"backend %s cannot execute %s", b.Name(), strings.Join(missing, ", "))
	}
	return nil
}

// fail records err on the run and returns it as a classified error.
func (e *Engine) fail(ctx context.Context, run *model.Run, logger *slog.Logger, emit func(string, string, ...any), err error) error {
	var me *model.Error
	if !errors.As(err, &me) {
		err = model.WrapError(model.KindInternal, "run failed", err)
	}
	kind := model.KindOf(err)

	status := model.StatusFailed
	if errors.Is(err, ErrJobTimedOut) {
		status = model.StatusTimedOut
	}

	now := time.Now().UTC()
	run.Status = status
	run.ErrorKind = string(kind)
	run.Error = err.Error()
	run.NodeError = model.NodeErrorOf(err)
	run.FinishedAt = &now
	if run.StartedAt != nil {
		durationMS := int(now.Sub(*run.StartedAt).Milliseconds())
		run.DurationMS = &durationMS
	}
	if uerr := e.store.UpdateRun(ctx, run); uerr != nil {
		logger.Error("failed to update failed run", "error", uerr)
	}

	emit(model.EventError, "%v", err)
	emit(model.EventStatus, "run %s", status)
	jobsTotal.WithLabelValues(run.Modality, string(kind)).Inc()
	logger.Warn("run failed", "kind", kind, "attempts", run.Attempts, "error", err)
	return err
}
