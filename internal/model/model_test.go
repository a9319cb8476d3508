package model

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusSucceeded, false},
		{StatusPending, StatusSucceeded, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobSucceeded, JobFailed, JobNotFound, JobTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	for _, s := range []JobStatus{JobSubmitted, JobQueued, JobRunning} {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}

func TestValidJobTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobSubmitted, JobQueued, true},
		{JobQueued, JobRunning, true},
		{JobQueued, JobQueued, true},
		{JobRunning, JobSucceeded, true},
		{JobRunning, JobQueued, false},
		{JobRunning, JobTimedOut, true},
		{JobQueued, JobNotFound, true},
		{JobSucceeded, JobSucceeded, false},
		{JobFailed, JobRunning, false},
	}
	for _, tt := range tests {
		if got := ValidJobTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidJobTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	base := Errorf(KindResourceNotFound, "adapter %q not found", "x")
	wrapped := fmt.Errorf("resolve: %w", base)

	if got := KindOf(wrapped); got != KindResourceNotFound {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindResourceNotFound)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %q, want %q", got, KindInternal)
	}
}

func TestNodeErrorOf(t *testing.T) {
	ne := &NodeError{NodeID: "5", OpType: "KSampler", Message: "boom"}
	err := fmt.Errorf("poll: %w", &Error{Kind: KindJobExecution, Message: "job failed", Node: ne})

	if got := NodeErrorOf(err); got != ne {
		t.Errorf("NodeErrorOf = %v, want %v", got, ne)
	}
	if got := NodeErrorOf(errors.New("plain")); got != nil {
		t.Errorf("NodeErrorOf(plain) = %v, want nil", got)
	}
}

func TestWrapErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindTransientBackend, "submit job", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if err.Error() != "transient_backend_failure: submit job: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}
