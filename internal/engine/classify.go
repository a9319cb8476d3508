package engine

import (
	"encoding/json"
	"fmt"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/graph"
	"github.com/seantiz/kiln/internal/model"
)

// noDetail is reported when a job failed without saying why.
const noDetail = "job failed with no diagnostic detail"

// classify decides the outcome of a job from its history entry. The HTTP
// status of the history call carries no information; only the entry does.
// On success it returns the first artifact of kind, in output-node order.
func classify(entry *backend.HistoryEntry, g graph.Raw, kind string) (model.JobStatus, backend.ArtifactRef, error) {
	if ne := extractNodeError(entry, g); ne != nil {
		return model.JobFailed, backend.ArtifactRef{}, &model.Error{
			Kind:    model.KindJobExecution,
			Message: failureMessage(ne),
			Node:    ne,
		}
	}

	for _, id := range entry.OutputNodeIDs() {
		if refs := entry.Outputs[id].Artifacts(kind); len(refs) > 0 {
			return model.JobSucceeded, refs[0], nil
		}
	}
	return model.JobFailed, backend.ArtifactRef{}, model.Errorf(model.KindEmptyResult,
		"backend reported completion but declared no %s output", kind)
}

// failed reports whether any channel of the entry signals failure.
func failed(entry *backend.HistoryEntry) bool {
	if entry.Status.StatusStr == backend.StatusStrError || entry.Status.Error != nil {
		return true
	}
	for _, m := range entry.Status.Messages {
		if m.Type == backend.MsgExecutionError || m.Type == backend.MsgExecutionInterrupted {
			return true
		}
	}
	return false
}

// extractNodeError collects the failure diagnostic of a failed entry, or nil
// when the entry does not signal failure. The typed execution_error message
// wins over the status error object; fields it leaves empty are filled from
// the status object. A failure with neither yields a synthesized error.
func extractNodeError(entry *backend.HistoryEntry, g graph.Raw) *model.NodeError {
	if !failed(entry) {
		return nil
	}

	ne := &model.NodeError{}
	typed := false
	for _, m := range entry.Status.Messages {
		switch m.Type {
		case backend.MsgExecutionError:
			var ee backend.ExecutionError
			if err := json.Unmarshal(m.Data, &ee); err != nil {
				continue
			}
			ne = &model.NodeError{
				NodeID:           ee.NodeID,
				OpType:           ee.NodeType,
				Message:          ee.ExceptionMessage,
				ExceptionType:    ee.ExceptionType,
				ExceptionMessage: ee.ExceptionMessage,
				Inputs:           ee.CurrentInputs,
				Traceback:        ee.Traceback,
			}
			typed = true
		case backend.MsgExecutionInterrupted:
			if typed {
				continue
			}
			var ei backend.ExecutionInterrupted
			if err := json.Unmarshal(m.Data, &ei); err != nil {
				continue
			}
			ne = &model.NodeError{
				NodeID:  ei.NodeID,
				OpType:  ei.NodeType,
				Message: "execution interrupted",
			}
		}
		if typed {
			break
		}
	}

	if sd := entry.Status.Error; sd != nil {
		fill(&ne.NodeID, sd.NodeID)
		fill(&ne.OpType, sd.NodeType)
		fill(&ne.ExceptionType, sd.ExceptionType)
		fill(&ne.ExceptionMessage, sd.ExceptionMessage)
		fill(&ne.Message, sd.Message)
		fill(&ne.Message, sd.ExceptionMessage)
	}

	if ne.OpType == "" && ne.NodeID != "" {
		if n, ok := g[ne.NodeID]; ok {
			ne.OpType = n.ClassType
		}
	}
	fill(&ne.Message, noDetail)
	return ne
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func failureMessage(ne *model.NodeError) string {
	switch {
	case ne.NodeID != "" && ne.OpType != "":
		return fmt.Sprintf("node %s (%s) failed: %s", ne.NodeID, ne.OpType, ne.Message)
	case ne.NodeID != "":
		return fmt.Sprintf("node %s failed: %s", ne.NodeID, ne.Message)
	}
	return ne.Message
}

// rejectionError converts a refused submission into a job execution failure
// carrying the first node's validation issue.
func rejectionError(rej *backend.RejectedError, g graph.Raw) *model.Error {
	e := &model.Error{
		Kind:    model.KindJobExecution,
		Message: "backend rejected job: " + rej.Message,
		Err:     rej,
	}
	if len(rej.NodeErrors) == 0 {
		return e
	}

	ids := make([]string, 0, len(rej.NodeErrors))
	for id := range rej.NodeErrors {
		ids = append(ids, id)
	}
	backend.SortNodeIDs(ids)
	id := ids[0]
	nv := rej.NodeErrors[id]

	ne := &model.NodeError{NodeID: id, OpType: nv.ClassType}
	if len(nv.Errors) > 0 {
		issue := nv.Errors[0]
		ne.Message = issue.Message
		if issue.Details != "" {
			ne.Message += ": " + issue.Details
		}
		ne.ExceptionType = issue.Type
	}
	if ne.OpType == "" {
		if n, ok := g[id]; ok {
			ne.OpType = n.ClassType
		}
	}
	fill(&ne.Message, rej.Message)
	e.Node = ne
	return e
}
