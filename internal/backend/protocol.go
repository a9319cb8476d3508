package backend

import (
	"encoding/json"
	"sort"

	"github.com/seantiz/kiln/internal/graph"
)

// Message types that appear in a job's status message log.
const (
	MsgExecutionStart       = "execution_start"
	MsgExecutionCached      = "execution_cached"
	MsgExecutionSuccess     = "execution_success"
	MsgExecutionError       = "execution_error"
	MsgExecutionInterrupted = "execution_interrupted"
)

// Values of HistoryStatus.StatusStr.
const (
	StatusStrSuccess = "success"
	StatusStrError   = "error"
)

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	Prompt   graph.Raw `json:"prompt"`
	ClientID string    `json:"client_id,omitempty"`
}

// SubmitResult is the backend's answer to an accepted submission.
type SubmitResult struct {
	JobID      string                    `json:"prompt_id"`
	Number     int                       `json:"number"`
	NodeErrors map[string]NodeValidation `json:"node_errors,omitempty"`
}

// ValidationIssue is one problem the backend found in a node before running it.
type ValidationIssue struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// NodeValidation groups validation issues for one node.
type NodeValidation struct {
	Errors    []ValidationIssue `json:"errors"`
	ClassType string            `json:"class_type"`
}

// RejectBody is the body returned with a 4xx submission response.
type RejectBody struct {
	Error      ValidationIssue           `json:"error"`
	NodeErrors map[string]NodeValidation `json:"node_errors"`
}

// StatusDetail is an error some backend builds attach to the status object.
type StatusDetail struct {
	Message          string `json:"message"`
	NodeID           string `json:"node_id,omitempty"`
	NodeType         string `json:"node_type,omitempty"`
	ExceptionType    string `json:"exception_type,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`
}

// HistoryStatus is the status sub-object of a history entry.
type HistoryStatus struct {
	StatusStr string        `json:"status_str"`
	Completed bool          `json:"completed"`
	Messages  []Message     `json:"messages"`
	Error     *StatusDetail `json:"error,omitempty"`
}

// HistoryEntry is a job's terminal record.
type HistoryEntry struct {
	Status  HistoryStatus         `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// Message is one [type, data] entry from the status message log.
type Message struct {
	Type string
	Data json.RawMessage
}

// UnmarshalJSON decodes the two-element array form. Entries that are not in
// that form decode to a Message with an empty Type so one bad entry does not
// hide the rest of the log.
func (m *Message) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil || len(pair) == 0 {
		return nil
	}
	var typ string
	if err := json.Unmarshal(pair[0], &typ); err != nil {
		return nil
	}
	m.Type = typ
	if len(pair) > 1 {
		m.Data = pair[1]
	}
	return nil
}

// MarshalJSON encodes the two-element array form.
func (m Message) MarshalJSON() ([]byte, error) {
	data := m.Data
	if data == nil {
		data = json.RawMessage("{}")
	}
	return json.Marshal([]any{m.Type, data})
}

// ExecutionError is the data of an execution_error message.
type ExecutionError struct {
	PromptID         string         `json:"prompt_id"`
	NodeID           string         `json:"node_id"`
	NodeType         string         `json:"node_type"`
	ExceptionMessage string         `json:"exception_message"`
	ExceptionType    string         `json:"exception_type"`
	Traceback        []string       `json:"traceback"`
	CurrentInputs    map[string]any `json:"current_inputs"`
}

// ExecutionInterrupted is the data of an execution_interrupted message.
type ExecutionInterrupted struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
}

// ArtifactRef addresses one output file at the backend.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput is one node's declared outputs keyed by artifact kind. Values
// stay raw because not every key holds artifact references.
type NodeOutput map[string]json.RawMessage

// Artifacts decodes the references declared under kind. A key holding
// something other than references yields none.
func (o NodeOutput) Artifacts(kind string) []ArtifactRef {
	raw, ok := o[kind]
	if !ok {
		return nil
	}
	var refs []ArtifactRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil
	}
	out := refs[:0]
	for _, r := range refs {
		if r.Filename != "" {
			out = append(out, r)
		}
	}
	return out
}

// OutputNodeIDs returns the ids of nodes with declared outputs, sorted
// numerically where possible.
func (h *HistoryEntry) OutputNodeIDs() []string {
	ids := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		ids = append(ids, id)
	}
	SortNodeIDs(ids)
	return ids
}

// SortNodeIDs sorts node ids numerically where possible: shorter ids first,
// then lexically.
func SortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
}

// QueueSnapshot lists job ids by queue position.
type QueueSnapshot struct {
	Running []string
	Pending []string
}

// Contains reports where jobID sits in the queue.
func (q QueueSnapshot) Contains(jobID string) (running, pending bool) {
	for _, id := range q.Running {
		if id == jobID {
			running = true
		}
	}
	for _, id := range q.Pending {
		if id == jobID {
			pending = true
		}
	}
	return running, pending
}

// Artifact is fetched output bytes with their declared media type.
type Artifact struct {
	Ref       ArtifactRef
	Data      []byte
	MediaType string
}
