package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate generation statistics.
type RunStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByModality map[string]int `json:"count_by_modality"`
	CountByGPU      map[string]int `json:"count_by_gpu"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
}

// Artifact is the stored output of a succeeded run.
type Artifact struct {
	Data      []byte
	Name      string
	MediaType string
}

// Store defines the persistence operations for the run ledger.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	RecordAttempt(ctx context.Context, id, jobID string, attempt int) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertEvent(ctx context.Context, e model.RunEvent) error
	GetEvents(ctx context.Context, runID string) ([]model.RunEvent, error)
	Ping(ctx context.Context) error
	Close() error
}
