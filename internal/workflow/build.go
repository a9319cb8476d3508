package workflow

import (
	"fmt"

	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
)

// Plan is a built job graph together with what the caller should expect back.
type Plan struct {
	Modality     string
	Graph        *graph.Graph
	ArtifactKind string
	MediaType    string
	Seed         int64
	Adapter      string
}

// Build returns the job graph for modality. adapter is an already-resolved
// adapter filename, or "" for none.
func Build(modality string, r Request, adapter string) (*Plan, error) {
	if err := Validate(modality, r); err != nil {
		return nil, err
	}
	d := defaultsFor[modality]
	if adapter != "" && !d.adapters {
		return nil, model.Errorf(model.KindInvalidRequest, "%s does not accept adapters", modality)
	}
	p := applyDefaults(d, r, adapter)

	var (
		g   *graph.Graph
		err error
	)
	switch modality {
	case model.ModalityTextToImage:
		g, err = buildImage(p, d)
	case model.ModalityTextToVideo:
		g, err = buildVideo(p, d)
	case model.ModalityTextToAudio:
		g, err = buildAudio(p, d)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s graph: %w", modality, err)
	}
	if !writes(g, d.artifactKind) {
		return nil, fmt.Errorf("build %s graph: no node writes %s", modality, d.artifactKind)
	}

	return &Plan{
		Modality:     modality,
		Graph:        g,
		ArtifactKind: d.artifactKind,
		MediaType:    d.mediaType,
		Seed:         p.seed,
		Adapter:      adapter,
	}, nil
}

// writes reports whether some sink in g declares artifacts of kind.
func writes(g *graph.Graph, kind string) bool {
	for _, n := range g.Sinks() {
		if n.Op.(graph.Sink).ArtifactKind() == kind {
			return true
		}
	}
	return false
}

// loadModel adds the checkpoint loader and, when an adapter is set, the
// LoraLoader spliced between it and every model/clip consumer.
func loadModel(b *graph.Builder, p params) (modelOut, clipOut, vaeOut graph.Ref) {
	ckpt := b.Add(graph.CheckpointLoader{CkptName: p.checkpoint})
	modelOut = graph.Ref{Node: ckpt, Slot: 0}
	clipOut = graph.Ref{Node: ckpt, Slot: 1}
	vaeOut = graph.Ref{Node: ckpt, Slot: 2}

	if p.adapter == "" {
		return modelOut, clipOut, vaeOut
	}
	lora := b.Add(graph.LoraLoader{
		Model:         modelOut,
		Clip:          clipOut,
		LoraName:      p.adapter,
		StrengthModel: p.adapterWeight,
		StrengthClip:  p.adapterWeight,
	})
	return graph.Ref{Node: lora, Slot: 0}, graph.Ref{Node: lora, Slot: 1}, vaeOut
}

// sample adds prompt encoding and the sampler over latent.
func sample(b *graph.Builder, p params, modelOut, clipOut graph.Ref, latent graph.NodeID) graph.NodeID {
	pos := b.Add(graph.CLIPTextEncode{Clip: clipOut, Text: p.prompt})
	neg := b.Add(graph.CLIPTextEncode{Clip: clipOut, Text: p.negativePrompt})
	return b.Add(graph.KSampler{
		Model:       modelOut,
		Positive:    graph.Ref{Node: pos},
		Negative:    graph.Ref{Node: neg},
		LatentImage: graph.Ref{Node: latent},
		Seed:        p.seed,
		Steps:       p.steps,
		CFG:         p.guidance,
		SamplerName: p.sampler,
		Scheduler:   p.scheduler,
		Denoise:     1.0,
	})
}

func buildImage(p params, d defaults) (*graph.Graph, error) {
	b := graph.NewBuilder()
	modelOut, clipOut, vaeOut := loadModel(b, p)
	latent := b.Add(graph.EmptyLatentImage{Width: p.width, Height: p.height, BatchSize: 1})
	sampled := sample(b, p, modelOut, clipOut, latent)
	decoded := b.Add(graph.VAEDecode{Samples: graph.Ref{Node: sampled}, VAE: vaeOut})
	b.Add(graph.SaveImage{Images: graph.Ref{Node: decoded}, FilenamePrefix: d.filenamePrefix})
	return b.Graph()
}

func buildVideo(p params, d defaults) (*graph.Graph, error) {
	b := graph.NewBuilder()
	modelOut, clipOut, vaeOut := loadModel(b, p)
	latent := b.Add(graph.EmptyLatentImage{Width: p.width, Height: p.height, BatchSize: p.frames})
	sampled := sample(b, p, modelOut, clipOut, latent)
	decoded := b.Add(graph.VAEDecode{Samples: graph.Ref{Node: sampled}, VAE: vaeOut})
	b.Add(graph.SaveAnimatedWEBP{
		Images:         graph.Ref{Node: decoded},
		FilenamePrefix: d.filenamePrefix,
		FPS:            p.fps,
		Lossless:       false,
		Quality:        85,
		Method:         "default",
	})
	return b.Graph()
}

func buildAudio(p params, d defaults) (*graph.Graph, error) {
	b := graph.NewBuilder()
	modelOut, clipOut, vaeOut := loadModel(b, p)
	latent := b.Add(graph.EmptyLatentAudio{Seconds: p.seconds, BatchSize: 1})
	sampled := sample(b, p, modelOut, clipOut, latent)
	decoded := b.Add(graph.VAEDecodeAudio{Samples: graph.Ref{Node: sampled}, VAE: vaeOut})
	b.Add(graph.SaveAudio{Audio: graph.Ref{Node: decoded}, FilenamePrefix: d.filenamePrefix})
	return b.Graph()
}
