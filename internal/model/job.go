package model

// JobStatus is the state of a single backend job as observed by the poller.
type JobStatus string

// Job status constants. TimedOut is synthesized by the client when its polling
// budget runs out; the backend never reports it.
const (
	JobSubmitted JobStatus = "submitted"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobNotFound  JobStatus = "not_found"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether polling stops at this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobNotFound, JobTimedOut:
		return true
	}
	return false
}

var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobSubmitted: {JobQueued: true, JobRunning: true, JobSucceeded: true, JobFailed: true, JobNotFound: true, JobTimedOut: true},
	JobQueued:    {JobRunning: true, JobSucceeded: true, JobFailed: true, JobNotFound: true, JobTimedOut: true},
	JobRunning:   {JobSucceeded: true, JobFailed: true, JobNotFound: true, JobTimedOut: true},
}

// ValidJobTransition reports whether the poller may move a job from one
// status to another. Staying in the same non-terminal status is allowed.
func ValidJobTransition(from, to JobStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	return jobTransitions[from][to]
}
