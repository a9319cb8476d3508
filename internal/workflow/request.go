package workflow

import (
	"strings"

	"github.com/seantiz/kiln/internal/model"
)

// Request carries the user-facing generation parameters. Pointer fields are
// optional; nil means "use the modality default".
type Request struct {
	Prompt          string   `json:"prompt"`
	NegativePrompt  *string  `json:"negative_prompt,omitempty"`
	Width           *int     `json:"width,omitempty"`
	Height          *int     `json:"height,omitempty"`
	Steps           *int     `json:"steps,omitempty"`
	GuidanceScale   *float64 `json:"guidance_scale,omitempty"`
	Seed            *int64   `json:"seed,omitempty"`
	Sampler         *string  `json:"sampler,omitempty"`
	Scheduler       *string  `json:"scheduler,omitempty"`
	Checkpoint      *string  `json:"checkpoint,omitempty"`
	Frames          *int     `json:"frames,omitempty"`
	FPS             *float64 `json:"fps,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	AdapterID       string   `json:"adapter_id,omitempty"`
	AdapterFilename string   `json:"adapter_filename,omitempty"`
	AdapterStrength *float64 `json:"adapter_strength,omitempty"`
	GPUType         string   `json:"gpu_type,omitempty"`
}

// WantsAdapter reports whether the request names an adapter to resolve.
func (r Request) WantsAdapter() bool {
	return r.AdapterID != "" || r.AdapterFilename != ""
}

// Validate performs the cheap checks that must fail before any resolution or
// network work.
func Validate(modality string, r Request) error {
	d, ok := defaultsFor[modality]
	if !ok {
		return model.Errorf(model.KindInvalidRequest, "unsupported modality %q", modality)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return model.Errorf(model.KindInvalidRequest, "prompt is required")
	}
	if r.WantsAdapter() && !d.adapters {
		return model.Errorf(model.KindInvalidRequest, "%s does not accept adapters", modality)
	}

	checks := []struct {
		name     string
		set      bool
		value    float64
		min, max float64
	}{
		{"width", r.Width != nil, derefInt(r.Width), minDimension, maxDimension},
		{"height", r.Height != nil, derefInt(r.Height), minDimension, maxDimension},
		{"steps", r.Steps != nil, derefInt(r.Steps), 1, maxSteps},
		{"guidance_scale", r.GuidanceScale != nil, derefFloat(r.GuidanceScale), 0, maxGuidance},
		{"frames", r.Frames != nil, derefInt(r.Frames), 1, maxFrames},
		{"fps", r.FPS != nil, derefFloat(r.FPS), 1, maxFPS},
		{"duration_seconds", r.DurationSeconds != nil, derefFloat(r.DurationSeconds), 1, maxAudioSeconds},
		{"adapter_strength", r.AdapterStrength != nil, derefFloat(r.AdapterStrength), 0, maxAdapterStrength},
	}
	for _, c := range checks {
		if c.set && (c.value < c.min || c.value > c.max) {
			return model.Errorf(model.KindInvalidRequest, "%s must be between %g and %g", c.name, c.min, c.max)
		}
	}
	for _, dim := range []*int{r.Width, r.Height} {
		if dim != nil && *dim%8 != 0 {
			return model.Errorf(model.KindInvalidRequest, "width and height must be multiples of 8")
		}
	}
	if r.Seed != nil && *r.Seed < 0 {
		return model.Errorf(model.KindInvalidRequest, "seed must be non-negative")
	}
	return nil
}

func derefInt(p *int) float64 {
	if p == nil {
		return 0
	}
	return float64(*p)
}

func derefFloat(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
