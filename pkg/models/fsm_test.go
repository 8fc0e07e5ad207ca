package models

import (
	"testing"
	"time"
)

// TestValidateTransition_HappyPath tests the normal job lifecycle
func TestValidateTransition_HappyPath(t *testing.T) {
	path := []JobStatus{JobStatusQueued, JobStatusAssigned, JobStatusRunning, JobStatusCompleted}
	for i := 0; i < len(path)-1; i++ {
		if err := ValidateTransition(path[i], path[i+1]); err != nil {
			t.Errorf("Expected %s -> %s to be valid: %v", path[i], path[i+1], err)
		}
	}
}

// TestValidateTransition_Invalid tests rejected transitions
func TestValidateTransition_Invalid(t *testing.T) {
	cases := []struct{ from, to JobStatus }{
		{JobStatusQueued, JobStatusRunning},   // must go through assigned
		{JobStatusCompleted, JobStatusQueued}, // terminal
		{JobStatusCanceled, JobStatusRunning}, // terminal
		{JobStatusQueued, JobStatusCompleted},
	}
	for _, c := range cases {
		if err := ValidateTransition(c.from, c.to); err == nil {
			t.Errorf("Expected %s -> %s to be invalid", c.from, c.to)
		}
	}
}

// TestValidateTransition_WalltimeAndRetry tests the timeout and retry paths
func TestValidateTransition_WalltimeAndRetry(t *testing.T) {
	if err := ValidateTransition(JobStatusRunning, JobStatusTimedOut); err != nil {
		t.Errorf("Expected running -> timed_out to be valid: %v", err)
	}
	if err := ValidateTransition(JobStatusTimedOut, JobStatusRetrying); err != nil {
		t.Errorf("Expected timed_out -> retrying to be valid: %v", err)
	}
	if err := ValidateTransition(JobStatusRetrying, JobStatusQueued); err != nil {
		t.Errorf("Expected retrying -> queued to be valid: %v", err)
	}
}

// TestIsTerminalState tests terminal state classification
func TestIsTerminalState(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
		if !IsTerminalState(s) {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusTimedOut, JobStatusRetrying} {
		if IsTerminalState(s) {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}

// TestCalculateBackoff tests exponential backoff with cap
func TestCalculateBackoff(t *testing.T) {
	rp := DefaultRetryPolicy()

	if got := rp.CalculateBackoff(0); got != 5*time.Second {
		t.Errorf("Expected initial backoff 5s, got %v", got)
	}
	if got := rp.CalculateBackoff(1); got != 10*time.Second {
		t.Errorf("Expected 10s backoff after first retry, got %v", got)
	}
	if got := rp.CalculateBackoff(2); got != 20*time.Second {
		t.Errorf("Expected 20s backoff after second retry, got %v", got)
	}
	if got := rp.CalculateBackoff(100); got != rp.MaxBackoff {
		t.Errorf("Expected backoff capped at %v, got %v", rp.MaxBackoff, got)
	}
}

// TestShouldRetry tests retry eligibility
func TestShouldRetry(t *testing.T) {
	rp := DefaultRetryPolicy()

	failed := &Job{Status: JobStatusFailed, RetryCount: 0}
	if !rp.ShouldRetry(failed, "") {
		t.Error("Expected failed job with no retries to be retryable")
	}

	exhausted := &Job{Status: JobStatusFailed, RetryCount: rp.MaxRetries}
	if rp.ShouldRetry(exhausted, "") {
		t.Error("Expected job at max retries not to be retryable")
	}

	canceled := &Job{Status: JobStatusCanceled, RetryCount: 0}
	if rp.ShouldRetry(canceled, "node_died") {
		t.Error("Expected canceled job not to be retryable even on node death")
	}

	running := &Job{Status: JobStatusRunning, RetryCount: 1}
	if !rp.ShouldRetry(running, "node_died") {
		t.Error("Expected running job on a dead node to be retryable")
	}
}
