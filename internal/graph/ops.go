package graph

import "sort"

// Kind is the data type carried by a node output slot.
type Kind string

// Slot kinds understood by the backend.
const (
	KindModel        Kind = "MODEL"
	KindClip         Kind = "CLIP"
	KindVAE          Kind = "VAE"
	KindConditioning Kind = "CONDITIONING"
	KindLatent       Kind = "LATENT"
	KindImage        Kind = "IMAGE"
	KindAudio        Kind = "AUDIO"
)

// Artifact kinds as they appear in the backend's declared outputs.
const (
	ArtifactImages = "images"
	ArtifactAudio  = "audio"
)

// Op is one operation variant. Inputs are returned in a stable order.
type Op interface {
	OpType() string
	Inputs() []Input
	Outputs() []Kind
}

// Sink is an Op that writes an artifact the backend declares in its outputs.
type Sink interface {
	Op
	ArtifactKind() string
}

// Input binds one named parameter to either a literal or a reference.
type Input struct {
	Name    string
	Literal any
	Ref     *Ref
	Want    Kind
}

func lit(name string, v any) Input { return Input{Name: name, Literal: v} }

func ref(name string, r Ref, want Kind) Input {
	return Input{Name: name, Ref: &r, Want: want}
}

// CheckpointLoader loads a base model checkpoint.
type CheckpointLoader struct {
	CkptName string
}

func (CheckpointLoader) OpType() string  { return "CheckpointLoaderSimple" }
func (CheckpointLoader) Outputs() []Kind { return []Kind{KindModel, KindClip, KindVAE} }
func (o CheckpointLoader) Inputs() []Input {
	return []Input{lit("ckpt_name", o.CkptName)}
}

// LoraLoader patches a model and its text encoder with an adapter.
type LoraLoader struct {
	Model         Ref
	Clip          Ref
	LoraName      string
	StrengthModel float64
	StrengthClip  float64
}

func (LoraLoader) OpType() string  { return "LoraLoader" }
func (LoraLoader) Outputs() []Kind { return []Kind{KindModel, KindClip} }
func (o LoraLoader) Inputs() []Input {
	return []Input{
		ref("model", o.Model, KindModel),
		ref("clip", o.Clip, KindClip),
		lit("lora_name", o.LoraName),
		lit("strength_model", o.StrengthModel),
		lit("strength_clip", o.StrengthClip),
	}
}

// CLIPTextEncode turns a prompt into conditioning.
type CLIPTextEncode struct {
	Clip Ref
	Text string
}

func (CLIPTextEncode) OpType() string  { return "CLIPTextEncode" }
func (CLIPTextEncode) Outputs() []Kind { return []Kind{KindConditioning} }
func (o CLIPTextEncode) Inputs() []Input {
	return []Input{ref("clip", o.Clip, KindClip), lit("text", o.Text)}
}

// EmptyLatentImage allocates a blank latent batch.
type EmptyLatentImage struct {
	Width     int
	Height    int
	BatchSize int
}

func (EmptyLatentImage) OpType() string  { return "EmptyLatentImage" }
func (EmptyLatentImage) Outputs() []Kind { return []Kind{KindLatent} }
func (o EmptyLatentImage) Inputs() []Input {
	return []Input{
		lit("width", o.Width),
		lit("height", o.Height),
		lit("batch_size", o.BatchSize),
	}
}

// EmptyLatentAudio allocates a blank audio latent.
type EmptyLatentAudio struct {
	Seconds   float64
	BatchSize int
}

func (EmptyLatentAudio) OpType() string  { return "EmptyLatentAudio" }
func (EmptyLatentAudio) Outputs() []Kind { return []Kind{KindLatent} }
func (o EmptyLatentAudio) Inputs() []Input {
	return []Input{lit("seconds", o.Seconds), lit("batch_size", o.BatchSize)}
}

// KSampler denoises a latent.
type KSampler struct {
	Model       Ref
	Positive    Ref
	Negative    Ref
	LatentImage Ref
	Seed        int64
	Steps       int
	CFG         float64
	SamplerName string
	Scheduler   string
	Denoise     float64
}

func (KSampler) OpType() string  { return "KSampler" }
func (KSampler) Outputs() []Kind { return []Kind{KindLatent} }
func (o KSampler) Inputs() []Input {
	return []Input{
		ref("model", o.Model, KindModel),
		ref("positive", o.Positive, KindConditioning),
		ref("negative", o.Negative, KindConditioning),
		ref("latent_image", o.LatentImage, KindLatent),
		lit("seed", o.Seed),
		lit("steps", o.Steps),
		lit("cfg", o.CFG),
		lit("sampler_name", o.SamplerName),
		lit("scheduler", o.Scheduler),
		lit("denoise", o.Denoise),
	}
}

// VAEDecode decodes a latent into images.
type VAEDecode struct {
	Samples Ref
	VAE     Ref
}

func (VAEDecode) OpType() string  { return "VAEDecode" }
func (VAEDecode) Outputs() []Kind { return []Kind{KindImage} }
func (o VAEDecode) Inputs() []Input {
	return []Input{ref("samples", o.Samples, KindLatent), ref("vae", o.VAE, KindVAE)}
}

// VAEDecodeAudio decodes a latent into a waveform.
type VAEDecodeAudio struct {
	Samples Ref
	VAE     Ref
}

func (VAEDecodeAudio) OpType() string  { return "VAEDecodeAudio" }
func (VAEDecodeAudio) Outputs() []Kind { return []Kind{KindAudio} }
func (o VAEDecodeAudio) Inputs() []Input {
	return []Input{ref("samples", o.Samples, KindLatent), ref("vae", o.VAE, KindVAE)}
}

// SaveImage writes decoded images to the backend's output storage.
type SaveImage struct {
	Images         Ref
	FilenamePrefix string
}

func (SaveImage) OpType() string       { return "SaveImage" }
func (SaveImage) Outputs() []Kind      { return nil }
func (SaveImage) ArtifactKind() string { return ArtifactImages }
func (o SaveImage) Inputs() []Input {
	return []Input{ref("images", o.Images, KindImage), lit("filename_prefix", o.FilenamePrefix)}
}

// SaveAnimatedWEBP writes an image batch as one animated webp.
type SaveAnimatedWEBP struct {
	Images         Ref
	FilenamePrefix string
	FPS            float64
	Lossless       bool
	Quality        int
	Method         string
}

func (SaveAnimatedWEBP) OpType() string       { return "SaveAnimatedWEBP" }
func (SaveAnimatedWEBP) Outputs() []Kind      { return nil }
func (SaveAnimatedWEBP) ArtifactKind() string { return ArtifactImages }
func (o SaveAnimatedWEBP) Inputs() []Input {
	return []Input{
		ref("images", o.Images, KindImage),
		lit("filename_prefix", o.FilenamePrefix),
		lit("fps", o.FPS),
		lit("lossless", o.Lossless),
		lit("quality", o.Quality),
		lit("method", o.Method),
	}
}

// SaveAudio writes a waveform as flac.
type SaveAudio struct {
	Audio          Ref
	FilenamePrefix string
}

func (SaveAudio) OpType() string       { return "SaveAudio" }
func (SaveAudio) Outputs() []Kind      { return nil }
func (SaveAudio) ArtifactKind() string { return ArtifactAudio }
func (o SaveAudio) Inputs() []Input {
	return []Input{ref("audio", o.Audio, KindAudio), lit("filename_prefix", o.FilenamePrefix)}
}

// catalog holds a zero value of every known variant, keyed by operation type.
var catalog = func() map[string]Op {
	ops := []Op{
		CheckpointLoader{}, LoraLoader{}, CLIPTextEncode{}, EmptyLatentImage{},
		EmptyLatentAudio{}, KSampler{}, VAEDecode{}, VAEDecodeAudio{},
		SaveImage{}, SaveAnimatedWEBP{}, SaveAudio{},
	}
	m := make(map[string]Op, len(ops))
	for _, op := range ops {
		m[op.OpType()] = op
	}
	return m
}()

// Known reports whether opType is one of the supported variants.
func Known(opType string) bool {
	_, ok := catalog[opType]
	return ok
}

// Catalog returns every supported operation type, sorted.
func Catalog() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
