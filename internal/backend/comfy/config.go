package comfy

import "time"

// Defaults for the HTTP client.
const (
	DefaultRequestTimeout = 30 * time.Second

	// MaxArtifactSize bounds a single fetched artifact (512 MiB).
	MaxArtifactSize = 512 << 20

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// Endpoint paths of the job-queue protocol.
const (
	pathPrompt     = "/prompt"
	pathHistory    = "/history/"
	pathQueue      = "/queue"
	pathObjectInfo = "/object_info"
	pathView       = "/view"
	pathInterrupt  = "/interrupt"
)

// Config holds the connection settings for one backend instance.
type Config struct {
	// Name identifies the instance in logs and listings.
	Name string

	// BaseURL is the backend's HTTP root, e.g. http://127.0.0.1:8188.
	BaseURL string

	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Name == "" {
		c.Name = c.BaseURL
	}
	return c
}
