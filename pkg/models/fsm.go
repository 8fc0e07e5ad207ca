package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusAssigned: true, // scheduler dispatches the job
		JobStatusCanceled: true, // user cancels before dispatch
	},
	JobStatusAssigned: {
		JobStatusRunning:  true, // runner started the process
		JobStatusFailed:   true, // runner could not start the process
		JobStatusRetrying: true, // node died before starting
		JobStatusCanceled: true,
		JobStatusTimedOut: true, // stuck in assigned state
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // exit code 0
		JobStatusFailed:    true, // non-zero exit
		JobStatusTimedOut:  true, // walltime exceeded
		JobStatusRetrying:  true, // node died mid-execution
		JobStatusCanceled:  true,
	},
	JobStatusRetrying: {
		JobStatusQueued:   true, // backoff elapsed, requeue
		JobStatusFailed:   true, // max retries exceeded
		JobStatusCanceled: true,
	},
	JobStatusTimedOut: {
		JobStatusRetrying: true,
		JobStatusFailed:   true,
	},
	// Terminal states. Failed jobs may still be requeued by an explicit
	// retry request.
	JobStatusCompleted: {},
	JobStatusFailed: {
		JobStatusRetrying: true,
	},
	JobStatusCanceled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are allowed
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCanceled
}

// IsActiveState returns true if the job is dispatched or executing
func IsActiveState(state JobStatus) bool {
	return state == JobStatusAssigned || state == JobStatusRunning
}

// CanRetry returns true if the job can be retried from this state
func CanRetry(state JobStatus) bool {
	return state == JobStatusFailed || state == JobStatusTimedOut
}

// RetryReasonManual marks a retry requested explicitly by a user. The
// scheduler requeues such jobs even when the automatic retry budget is
// spent.
const RetryReasonManual = "manual retry"

// RetryPolicy defines retry behavior for failed or timed out jobs
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry count
func (rp *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return rp.InitialBackoff
	}

	backoff := float64(rp.InitialBackoff)
	for i := 0; i < retryCount; i++ {
		backoff *= rp.BackoffMultiplier
	}

	duration := time.Duration(backoff)
	if duration > rp.MaxBackoff {
		return rp.MaxBackoff
	}
	return duration
}

// ShouldRetry determines if a job should be retried
func (rp *RetryPolicy) ShouldRetry(job *Job, reason string) bool {
	if job.RetryCount >= rp.MaxRetries {
		return false
	}
	if job.Status == JobStatusCanceled {
		return false
	}
	return CanRetry(job.Status) || reason == "node_died" || reason == "node_timeout"
}
