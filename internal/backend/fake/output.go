package fake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/graph"
)

const outputType = "output"

// sink describes how a saving operation names and fills its artifact.
type sink struct {
	kind string
	ext  string
}

var sinks = map[string]sink{
	"SaveImage":        {kind: graph.ArtifactImages, ext: ".png"},
	"SaveAnimatedWEBP": {kind: graph.ArtifactImages, ext: ".webp"},
	"SaveAudio":        {kind: graph.ArtifactAudio, ext: ".flac"},
}

var mediaTypes = map[string]string{
	".png":  "image/png",
	".webp": "image/webp",
	".flac": "audio/flac",
}

// finish builds the terminal record of a job that ran to completion and
// stores the files it declares. Callers hold s.mu.
func (s *Server) finish(j *job) *backend.HistoryEntry {
	msgs := []backend.Message{
		message(backend.MsgExecutionStart, map[string]any{"prompt_id": j.id}),
		message(backend.MsgExecutionCached, map[string]any{"prompt_id": j.id, "nodes": []string{}}),
	}

	if nodeID := s.failsAt(j.graph); nodeID != "" {
		n := j.graph[nodeID]
		msgs = append(msgs, message(backend.MsgExecutionError, backend.ExecutionError{
			PromptID:         j.id,
			NodeID:           nodeID,
			NodeType:         n.ClassType,
			ExceptionType:    "RuntimeError",
			ExceptionMessage: "simulated failure requested by prompt",
			Traceback:        []string{"fake backend: simulated failure\n"},
			CurrentInputs:    n.Inputs,
		}))
		s.logger.Info("job failed", "job_id", j.id, "node_id", nodeID)
		return &backend.HistoryEntry{
			Status:  backend.HistoryStatus{StatusStr: backend.StatusStrError, Completed: false, Messages: msgs},
			Outputs: map[string]backend.NodeOutput{},
		}
	}

	outputs := make(map[string]backend.NodeOutput)
	for _, id := range sortedIDs(j.graph) {
		n := j.graph[id]
		sk, ok := sinks[n.ClassType]
		if !ok {
			continue
		}
		prefix, _ := n.Inputs["filename_prefix"].(string)
		if prefix == "" {
			prefix = "kiln"
		}
		ref := backend.ArtifactRef{
			Filename: fmt.Sprintf("%s_%05d_%s", prefix, j.number, sk.ext),
			Type:     outputType,
		}
		s.files[path.Join(ref.Type, ref.Subfolder, ref.Filename)] = content(sk.ext, j)

		refs, _ := json.Marshal([]backend.ArtifactRef{ref})
		outputs[id] = backend.NodeOutput{sk.kind: refs}
	}

	msgs = append(msgs, message(backend.MsgExecutionSuccess, map[string]any{"prompt_id": j.id}))
	s.logger.Info("job succeeded", "job_id", j.id, "outputs", len(outputs))
	return &backend.HistoryEntry{
		Status:  backend.HistoryStatus{StatusStr: backend.StatusStrSuccess, Completed: true, Messages: msgs},
		Outputs: outputs,
	}
}

// interrupted is the terminal record of a job stopped while running.
func interrupted(j *job) *backend.HistoryEntry {
	var nodeID, nodeType string
	for _, id := range sortedIDs(j.graph) {
		if j.graph[id].ClassType == "KSampler" {
			nodeID, nodeType = id, "KSampler"
			break
		}
	}
	return &backend.HistoryEntry{
		Status: backend.HistoryStatus{
			StatusStr: backend.StatusStrError,
			Messages: []backend.Message{
				message(backend.MsgExecutionStart, map[string]any{"prompt_id": j.id}),
				message(backend.MsgExecutionInterrupted, backend.ExecutionInterrupted{
					PromptID: j.id,
					NodeID:   nodeID,
					NodeType: nodeType,
				}),
			},
		},
		Outputs: map[string]backend.NodeOutput{},
	}
}

func message(typ string, data any) backend.Message {
	raw, _ := json.Marshal(data)
	return backend.Message{Type: typ, Data: raw}
}

// content returns placeholder bytes for an artifact. Images are a real PNG
// tinted by the job number; other formats carry a short text payload.
func content(ext string, j *job) []byte {
	if ext != ".png" {
		return []byte(fmt.Sprintf("fake %s artifact for job %s", ext, j.id))
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	tint := color.RGBA{R: uint8(j.number * 40), G: 96, B: 160, A: 255}
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, tint)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}
