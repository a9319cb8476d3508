package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed generation request.
type ErrorKind string

// Error kinds.
const (
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindResourceNotFound      ErrorKind = "resource_not_found"
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"
	KindTransientBackend      ErrorKind = "transient_backend_failure"
	KindJobExecution          ErrorKind = "job_execution_failure"
	KindEmptyResult           ErrorKind = "empty_result_anomaly"
	KindInternal              ErrorKind = "internal"
)

// NodeError is the structured diagnostic the backend reports for a failed node.
type NodeError struct {
	NodeID           string         `json:"node_id,omitempty"`
	OpType           string         `json:"op_type,omitempty"`
	Message          string         `json:"message"`
	ExceptionType    string         `json:"exception_type,omitempty"`
	ExceptionMessage string         `json:"exception_message,omitempty"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	Traceback        []string       `json:"traceback,omitempty"`
}

// Error is a classified failure. Node is set when the backend reported which
// node failed.
type Error struct {
	Kind    ErrorKind
	Message string
	Node    *NodeError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind, keeping it reachable through errors.Is/As.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// NodeErrorOf returns the node diagnostic carried by err, if any.
func NodeErrorOf(err error) *NodeError {
	var e *Error
	if errors.As(err, &e) {
		return e.Node
	}
	return nil
}
