package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/seantiz/kiln/internal/graph"
)

// Backend is the job-queue protocol of the rendering backend. History returns
// (nil, nil) when the backend holds no terminal record for the job.
type Backend interface {
	// Name identifies the backend instance in logs and listings.
	Name() string

	// Submit enqueues a graph and returns the backend-issued job id.
	Submit(ctx context.Context, g graph.Raw, clientID string) (SubmitResult, error)

	// History returns the terminal record for a job, if one exists.
	History(ctx context.Context, jobID string) (*HistoryEntry, error)

	// Queue lists job ids currently running and pending.
	Queue(ctx context.Context) (QueueSnapshot, error)

	// ObjectInfo lists the operation types the backend can execute.
	ObjectInfo(ctx context.Context) ([]string, error)

	// View fetches the bytes of one declared artifact.
	View(ctx context.Context, ref ArtifactRef) (Artifact, error)

	// Cancel removes a pending job or interrupts it if running.
	Cancel(ctx context.Context, jobID string) error
}

// StatusError is returned for an unexpected HTTP status from the backend.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.Code, e.Body)
}

// RejectedError is returned when the backend refuses to enqueue a graph.
type RejectedError struct {
	Code       int
	Message    string
	NodeErrors map[string]NodeValidation
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("job rejected (%d): %s", e.Code, e.Message)
}

// IsTransient reports whether err is worth a fresh submission: 5xx, 429,
// timeouts and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Code >= http.StatusInternalServerError || rejected.Code == http.StatusTooManyRequests
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
