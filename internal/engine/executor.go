package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
)

// Executor defaults.
const (
	DefaultPollInterval  = time.Second
	DefaultJobTimeout    = 10 * time.Minute
	DefaultRetryDelay    = 2 * time.Second
	DefaultMaxPollErrors = 3

	// cancelTimeout bounds the best-effort cancel sent for an abandoned job.
	cancelTimeout = 10 * time.Second
)

// ErrJobTimedOut marks a job abandoned because its polling budget ran out.
var ErrJobTimedOut = errors.New("job timed out")

// ExecutorConfig tunes submission and polling.
type ExecutorConfig struct {
	// PollInterval is the fixed wait between status checks.
	PollInterval time.Duration

	// JobTimeout is the polling budget of one attempt.
	JobTimeout time.Duration

	// RetryDelay is the wait before the single retry of a transient failure.
	RetryDelay time.Duration

	// MaxPollErrors is how many consecutive failed status checks are
	// tolerated before the attempt fails as transient.
	MaxPollErrors int

	// CancelOnTimeout asks the backend to drop a job the client abandons.
	CancelOnTimeout bool
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = DefaultMaxPollErrors
	}
	return c
}

// Job is one accepted submission.
type Job struct {
	ID          string
	SubmittedAt time.Time
	Graph       graph.Raw
	Status      model.JobStatus
}

// Progress is reported to an Observer as a job advances.
type Progress struct {
	Type    string
	Attempt int
	JobID   string
	Status  model.JobStatus
	Err     error
	Delay   time.Duration
}

// Observer receives progress. It is called from the executing goroutine.
type Observer func(Progress)

// Outcome is a successfully executed job.
type Outcome struct {
	JobID    string
	Attempts int
	Artifact backend.Artifact
}

// Executor submits job graphs and polls them to a terminal state.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg.withDefaults(), logger: logger}
}

// Run executes g on b and returns the first artifact of kind. A transient
// failure gets exactly one retry as a fresh submission; every other failure
// is returned immediately. The returned attempt count is valid on error too.
func (x *Executor) Run(ctx context.Context, b backend.Backend, g graph.Raw, kind string, obs Observer) (*Outcome, int, error) {
	if obs == nil {
		obs = func(Progress) {}
	}

	var (
		attempts int
		out      *Outcome
	)
	op := func() error {
		attempts++
		var err error
		out, err = x.attempt(ctx, b, g, kind, attempts, obs)
		switch {
		case err == nil:
			attemptsTotal.WithLabelValues(resultSucceeded).Inc()
			return nil
		case model.KindOf(err) == model.KindTransientBackend:
			attemptsTotal.WithLabelValues(resultTransient).Inc()
			return err
		default:
			attemptsTotal.WithLabelValues(resultFailed).Inc()
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(x.cfg.RetryDelay), 1),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		x.logger.Warn("transient backend failure, retrying with a fresh submission",
			"backend", b.Name(),
			"attempt", attempts,
			"delay", d,
			"error", err,
		)
		obs(Progress{Type: model.EventRetry, Attempt: attempts, Err: err, Delay: d})
	})
	if err != nil {
		var me *model.Error
		if !errors.As(err, &me) {
			err = model.WrapError(model.KindInternal, "job execution interrupted", err)
		}
		return nil, attempts, err
	}
	out.Attempts = attempts
	return out, attempts, nil
}

// attempt performs one submit, poll and fetch cycle.
func (x *Executor) attempt(ctx context.Context, b backend.Backend, g graph.Raw, kind string, n int, obs Observer) (*Outcome, error) {
	job, err := x.submit(ctx, b, g)
	if err != nil {
		return nil, err
	}
	logger := x.logger.With("backend", b.Name(), "job_id", job.ID, "attempt", n)
	logger.Info("job submitted")
	obs(Progress{Type: model.EventSubmitted, Attempt: n, JobID: job.ID, Status: job.Status})

	entry, err := x.poll(ctx, b, job, logger, func(s model.JobStatus) {
		obs(Progress{Type: model.EventJobState, Attempt: n, JobID: job.ID, Status: s})
	})
	if err != nil {
		return nil, err
	}

	status, ref, err := classify(entry, g, kind)
	x.transition(job, status, logger)
	obs(Progress{Type: model.EventJobState, Attempt: n, JobID: job.ID, Status: status, Err: err})
	if err != nil {
		logger.Warn("job failed", "error", err)
		return nil, err
	}

	artifact, err := b.View(ctx, ref)
	if err != nil {
		if backend.IsTransient(err) {
			return nil, model.WrapError(model.KindTransientBackend, "fetch artifact "+ref.Filename, err)
		}
		return nil, model.WrapError(model.KindJobExecution, "fetch artifact "+ref.Filename, err)
	}
	if len(artifact.Data) == 0 {
		return nil, model.Errorf(model.KindEmptyResult, "artifact %s is empty", ref.Filename)
	}
	logger.Info("job succeeded", "artifact", ref.Filename, "bytes", len(artifact.Data))
	return &Outcome{JobID: job.ID, Artifact: artifact}, nil
}

func (x *Executor) submit(ctx context.Context, b backend.Backend, g graph.Raw) (*Job, error) {
	res, err := b.Submit(ctx, g, uuid.NewString())
	if err != nil {
		var rej *backend.RejectedError
		switch {
		case backend.IsTransient(err):
			return nil, model.WrapError(model.KindTransientBackend, "submit job", err)
		case errors.As(err, &rej):
			return nil, rejectionError(rej, g)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, model.WrapError(model.KindJobExecution, "submit job", err)
	}
	if len(res.NodeErrors) > 0 {
		x.logger.Warn("backend accepted job with node errors",
			"job_id", res.JobID,
			"nodes", len(res.NodeErrors),
		)
		return nil, rejectionError(&backend.RejectedError{
			Code:       http.StatusOK,
			Message:    "job accepted with node errors",
			NodeErrors: res.NodeErrors,
		}, g)
	}
	return &Job{
		ID:          res.JobID,
		SubmittedAt: time.Now(),
		Graph:       g,
		Status:      model.JobSubmitted,
	}, nil
}

// poll checks the job at a fixed interval until the backend holds a terminal
// record for it. Running out of budget, losing the job, or too many
// consecutive failed checks end polling with an error.
func (x *Executor) poll(ctx context.Context, b backend.Backend, job *Job, logger *slog.Logger, onChange func(model.JobStatus)) (*backend.HistoryEntry, error) {
	pollCtx, cancel := context.WithTimeout(ctx, x.cfg.JobTimeout)
	defer cancel()

	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()

	var consecutive int
	for {
		status, entry, err := x.check(pollCtx, b, job.ID)
		switch {
		case pollCtx.Err() != nil:
			return nil, x.abandon(ctx, b, job, logger)
		case err != nil:
			consecutive++
			logger.Warn("status check failed", "consecutive", consecutive, "error", err)
			if consecutive > x.cfg.MaxPollErrors {
				return nil, model.WrapError(model.KindTransientBackend,
					fmt.Sprintf("lost contact with backend while polling job %s", job.ID), err)
			}
		case entry != nil:
			return entry, nil
		case status == model.JobNotFound:
			x.transition(job, status, logger)
			onChange(status)
			return nil, model.Errorf(model.KindJobExecution,
				"job %s vanished from the backend queue and history", job.ID)
		default:
			consecutive = 0
			if x.transition(job, status, logger) {
				onChange(status)
			}
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			return nil, x.abandon(ctx, b, job, logger)
		}
	}
}

// check returns the job's terminal entry, or its queue position when it has
// none. A job in neither place gets one more history lookup before it is
// declared lost, since it may have finished between the two calls.
func (x *Executor) check(ctx context.Context, b backend.Backend, jobID string) (model.JobStatus, *backend.HistoryEntry, error) {
	entry, err := b.History(ctx, jobID)
	if err != nil {
		return "", nil, err
	}
	if entry != nil {
		return "", entry, nil
	}

	q, err := b.Queue(ctx)
	if err != nil {
		return "", nil, err
	}
	running, pending := q.Contains(jobID)
	switch {
	case running:
		return model.JobRunning, nil, nil
	case pending:
		return model.JobQueued, nil, nil
	}

	entry, err = b.History(ctx, jobID)
	if err != nil {
		return "", nil, err
	}
	if entry != nil {
		return "", entry, nil
	}
	return model.JobNotFound, nil, nil
}

// transition moves job to status if the job state machine allows it and
// reports whether the status changed.
func (x *Executor) transition(job *Job, status model.JobStatus, logger *slog.Logger) bool {
	if job.Status == status || !model.ValidJobTransition(job.Status, status) {
		return false
	}
	logger.Debug("job status changed", "from", job.Status, "to", status)
	job.Status = status
	return true
}

// abandon handles an expired polling budget or a cancelled caller. The
// backend job is cancelled on a best-effort basis when configured.
func (x *Executor) abandon(ctx context.Context, b backend.Backend, job *Job, logger *slog.Logger) error {
	x.transition(job, model.JobTimedOut, logger)
	if x.cfg.CancelOnTimeout {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		defer cancel()
		if err := b.Cancel(cctx, job.ID); err != nil {
			logger.Warn("cancel abandoned job failed", "error", err)
		} else {
			logger.Info("cancelled abandoned job")
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return model.WrapError(model.KindTransientBackend,
		fmt.Sprintf("job %s did not finish within %s", job.ID, x.cfg.JobTimeout), ErrJobTimedOut)
}
