package model

import "time"

// Run status constants. A run is one logical generation request; it may span
// up to two backend job submissions.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Modality constants.
const (
	ModalityTextToImage = "text-to-image"
	ModalityTextToVideo = "text-to-video"
	ModalityTextToAudio = "text-to-audio"
)

// Modalities lists every supported generation modality.
var Modalities = []string{ModalityTextToImage, ModalityTextToVideo, ModalityTextToAudio}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:  true,
		StatusFailed:   true,
		StatusTimedOut: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a run status is final.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusTimedOut
}

// Run represents one generation request tracked in the ledger.
type Run struct {
	ID              string     `json:"id"`
	Modality        string     `json:"modality"`
	Status          string     `json:"status"`
	GPUType         string     `json:"gpu_type"`
	JobID           string     `json:"job_id,omitempty"`
	Attempts        int        `json:"attempts"`
	Seed            int64      `json:"seed"`
	AdapterFilename string     `json:"adapter_filename,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	Error           string     `json:"error,omitempty"`
	NodeError       *NodeError `json:"node_error,omitempty"`
	Artifact        []byte     `json:"-"`
	ArtifactName    string     `json:"artifact_name,omitempty"`
	MediaType       string     `json:"media_type,omitempty"`
	CostUSD         *float64   `json:"cost_usd,omitempty"`
	RatePerSecond   *float64   `json:"rate_per_second,omitempty"`
	DurationMS      *int       `json:"duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
