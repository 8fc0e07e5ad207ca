package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a batch job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"    // In queue, not yet assigned
	JobStatusAssigned  JobStatus = "assigned"  // Assigned to a node, not yet running
	JobStatusRunning   JobStatus = "running"   // Actively running
	JobStatusCompleted JobStatus = "completed" // Finished with exit code 0
	JobStatusFailed    JobStatus = "failed"    // Finished with non-zero exit or runner error
	JobStatusTimedOut  JobStatus = "timed_out" // Killed after exceeding walltime
	JobStatusRetrying  JobStatus = "retrying"  // Waiting for backoff before requeue
	JobStatusCanceled  JobStatus = "canceled"  // Explicitly canceled by user
)

// NotifyPolicy controls when job completion notifications are emitted
type NotifyPolicy string

const (
	NotifyNone NotifyPolicy = "none"
	NotifyEnd  NotifyPolicy = "end"
	NotifyFail NotifyPolicy = "fail"
	NotifyAll  NotifyPolicy = "all"
)

// Directives are the resource and metadata requests attached to a job,
// parsed from #BATCH comment lines in the submitted script or supplied
// directly at submit time. Memory and walltime are enforced by the
// scheduler and the OS, never by the job script itself.
type Directives struct {
	JobName          string        `json:"job_name,omitempty"`
	MemoryLimitBytes uint64        `json:"memory_limit_bytes,omitempty"`
	Walltime         time.Duration `json:"walltime,omitempty"`
	NotifyPolicy     NotifyPolicy  `json:"notify_policy,omitempty"`
	NotifyAddress    string        `json:"notify_address,omitempty"`
	StdoutPath       string        `json:"stdout_path,omitempty"`
	StderrPath       string        `json:"stderr_path,omitempty"`
	Queue            string        `json:"queue,omitempty"`    // "interactive", "default", "batch"
	Priority         string        `json:"priority,omitempty"` // "high", "medium", "low"
	Ranks            int           `json:"ranks,omitempty"`    // process count, rank 0 is the coordinator
	EnvModules       []string      `json:"env_modules,omitempty"`
}

// Job represents a batch job submitted for execution
type Job struct {
	ID               string            `json:"id"`
	SequenceNumber   int               `json:"sequence_number,omitempty"`
	Script           string            `json:"script"` // absolute path to the job script
	WorkDir          string            `json:"work_dir,omitempty"`
	Directives       Directives        `json:"directives"`
	Status           JobStatus         `json:"status"`
	NodeID           string            `json:"node_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	LastActivityAt   *time.Time        `json:"last_activity_at,omitempty"`
	RetryCount       int               `json:"retry_count"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	Error            string            `json:"error,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// JobRequest represents a request to submit a new job
type JobRequest struct {
	Script     string     `json:"script"`
	WorkDir    string     `json:"work_dir,omitempty"`
	Directives Directives `json:"directives"`
}

// JobResult captures the outcome of a finished job. The exit code is
// recorded as observed; the runner itself never fails on a non-zero
// exit, that interpretation belongs to the scheduler.
type JobResult struct {
	JobID       string        `json:"job_id"`
	NodeID      string        `json:"node_id"`
	Status      JobStatus     `json:"status"`
	ExitCode    int           `json:"exit_code"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	OOMKilled   bool          `json:"oom_killed,omitempty"`
	WalltimeHit bool          `json:"walltime_hit,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Name returns the effective job name
func (j *Job) Name() string {
	return j.Directives.JobName
}
