package workflow

import (
	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
)

// Parameter bounds.
const (
	minDimension       = 64
	maxDimension       = 2048
	maxSteps           = 150
	maxGuidance        = 30
	maxFrames          = 120
	maxFPS             = 60
	maxAudioSeconds    = 47
	maxAdapterStrength = 2
)

// DefaultSeed is used when a request omits its seed.
const DefaultSeed int64 = 0

// defaults holds the modality-specific values applied to omitted fields.
type defaults struct {
	checkpoint     string
	negativePrompt string
	width          int
	height         int
	steps          int
	guidance       float64
	sampler        string
	scheduler      string
	frames         int
	fps            float64
	seconds        float64
	adapterWeight  float64
	filenamePrefix string
	artifactKind   string
	mediaType      string
	adapters       bool
}

var defaultsFor = map[string]defaults{
	model.ModalityTextToImage: {
		checkpoint:     "sd_xl_base_1.0.safetensors",
		width:          1024,
		height:         1024,
		steps:          25,
		guidance:       7.0,
		sampler:        "euler",
		scheduler:      "normal",
		adapterWeight:  1.0,
		filenamePrefix: "kiln_image",
		artifactKind:   graph.ArtifactImages,
		mediaType:      "image/png",
		adapters:       true,
	},
	model.ModalityTextToVideo: {
		checkpoint:     "sd15_motion.safetensors",
		width:          512,
		height:         512,
		steps:          20,
		guidance:       7.5,
		sampler:        "euler_ancestral",
		scheduler:      "normal",
		frames:         16,
		fps:            8,
		adapterWeight:  0.8,
		filenamePrefix: "kiln_video",
		artifactKind:   graph.ArtifactImages,
		mediaType:      "image/webp",
		adapters:       true,
	},
	model.ModalityTextToAudio: {
		checkpoint:     "stable_audio_open_1.0.safetensors",
		steps:          50,
		guidance:       5.0,
		sampler:        "dpmpp_3m_sde_gpu",
		scheduler:      "exponential",
		seconds:        10,
		filenamePrefix: "kiln_audio",
		artifactKind:   graph.ArtifactAudio,
		mediaType:      "audio/flac",
	},
}

// params is a request with every default applied.
type params struct {
	checkpoint     string
	prompt         string
	negativePrompt string
	width          int
	height         int
	steps          int
	guidance       float64
	seed           int64
	sampler        string
	scheduler      string
	frames         int
	fps            float64
	seconds        float64
	adapter        string
	adapterWeight  float64
}

func applyDefaults(d defaults, r Request, adapter string) params {
	return params{
		checkpoint:     orString(r.Checkpoint, d.checkpoint),
		prompt:         r.Prompt,
		negativePrompt: orString(r.NegativePrompt, d.negativePrompt),
		width:          orInt(r.Width, d.width),
		height:         orInt(r.Height, d.height),
		steps:          orInt(r.Steps, d.steps),
		guidance:       orFloat(r.GuidanceScale, d.guidance),
		seed:           orInt64(r.Seed, DefaultSeed),
		sampler:        orString(r.Sampler, d.sampler),
		scheduler:      orString(r.Scheduler, d.scheduler),
		frames:         orInt(r.Frames, d.frames),
		fps:            orFloat(r.FPS, d.fps),
		seconds:        orFloat(r.DurationSeconds, d.seconds),
		adapter:        adapter,
		adapterWeight:  orFloat(r.AdapterStrength, d.adapterWeight),
	}
}

func orString(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func orInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func orInt64(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

func orFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
