package store

import (
	"sync"
	"time"

	"github.com/psantana5/batchd/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store, used by
// tests and as the default for single-run invocations. Reads return
// copies and writes store copies, so callers never share memory with
// the store and encoding a returned job cannot race a transition.
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[string]*models.Node
	jobs    map[string]*models.Job
	nextSeq int
}

func cloneJob(job *models.Job) *models.Job {
	c := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.LastActivityAt != nil {
		t := *job.LastActivityAt
		c.LastActivityAt = &t
	}
	if job.ExitCode != nil {
		code := *job.ExitCode
		c.ExitCode = &code
	}
	if len(job.Directives.EnvModules) > 0 {
		c.Directives.EnvModules = append([]string(nil), job.Directives.EnvModules...)
	}
	if len(job.StateTransitions) > 0 {
		c.StateTransitions = append([]models.StateTransition(nil), job.StateTransitions...)
	}
	return &c
}

func cloneNode(node *models.Node) *models.Node {
	c := *node
	if len(node.CurrentJobIDs) > 0 {
		c.CurrentJobIDs = append([]string(nil), node.CurrentJobIDs...)
	}
	if len(node.Labels) > 0 {
		c.Labels = make(map[string]string, len(node.Labels))
		for k, v := range node.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*models.Node),
		jobs:    make(map[string]*models.Job),
		nextSeq: 1,
	}
}

// Node operations

// RegisterNode adds or updates a node in the store
func (s *MemoryStore) RegisterNode(node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node.ID] = cloneNode(node)
	return nil
}

// GetNode retrieves a node by ID
func (s *MemoryStore) GetNode(id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return cloneNode(node), nil
}

// GetAllNodes returns all registered nodes
func (s *MemoryStore) GetAllNodes() []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*models.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, cloneNode(node))
	}
	return nodes
}

// UpdateNode replaces a stored node
func (s *MemoryStore) UpdateNode(node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.ID]; !ok {
		return ErrNodeNotFound
	}
	s.nodes[node.ID] = cloneNode(node)
	return nil
}

// UpdateNodeStatus updates the status of a node
func (s *MemoryStore) UpdateNodeStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.Status = status
	node.LastHeartbeat = time.Now()
	return nil
}

// UpdateNodeHeartbeat updates the last heartbeat time for a node
func (s *MemoryStore) UpdateNodeHeartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.LastHeartbeat = time.Now()
	return nil
}

// Job operations

// CreateJob adds a new job to the store and assigns its sequence number
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.SequenceNumber == 0 {
		job.SequenceNumber = s.nextSeq
		s.nextSeq++
	} else if job.SequenceNumber >= s.nextSeq {
		s.nextSeq = job.SequenceNumber + 1
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// GetJobBySequenceNumber retrieves a job by its sequence number
func (s *MemoryStore) GetJobBySequenceNumber(seq int) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.SequenceNumber == seq {
			return cloneJob(job), nil
		}
	}
	return nil, ErrJobNotFound
}

// GetAllJobs returns all jobs
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs
}

// GetJobsInState returns all jobs in the given state
func (s *MemoryStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status == state {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

// GetQueuedJobs returns all jobs waiting for dispatch
func (s *MemoryStore) GetQueuedJobs() []*models.Job {
	jobs, _ := s.GetJobsInState(models.JobStatusQueued)
	return jobs
}

// UpdateJob replaces a stored job
func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// TransitionJobState validates and applies a state transition
func (s *MemoryStore) TransitionJobState(jobID string, to models.JobStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	if err := models.ValidateTransition(job.Status, to); err != nil {
		return err
	}

	applyTransition(job, to, reason)
	return nil
}

// applyTransition records the transition and maintains timestamps.
// Caller holds the lock.
func applyTransition(job *models.Job, to models.JobStatus, reason string) {
	now := time.Now()
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      job.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	job.Status = to

	switch {
	case to == models.JobStatusRunning:
		job.StartedAt = &now
	case models.IsTerminalState(to) || to == models.JobStatusTimedOut:
		job.CompletedAt = &now
	}
	if reason != "" && (to == models.JobStatusFailed || to == models.JobStatusTimedOut) {
		job.Error = reason
	}
}

// SetJobResult records the outcome of a finished job
func (s *MemoryStore) SetJobResult(jobID string, result *models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	code := result.ExitCode
	job.ExitCode = &code
	if result.Error != "" {
		job.Error = result.Error
	}
	started := result.StartedAt
	ended := result.EndedAt
	job.StartedAt = &started
	job.CompletedAt = &ended
	return nil
}

// CancelJob cancels a job if it is not already terminal
func (s *MemoryStore) CancelJob(id string) error {
	return s.TransitionJobState(id, models.JobStatusCanceled, "canceled by user")
}

// RetryJob moves a failed or timed out job back through retrying
func (s *MemoryStore) RetryJob(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	if err := models.ValidateTransition(job.Status, models.JobStatusRetrying); err != nil {
		return err
	}

	applyTransition(job, models.JobStatusRetrying, errMsg)
	job.RetryCount++
	job.NodeID = ""
	job.ExitCode = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	return nil
}

// GetJobMetrics returns aggregated job statistics
func (s *MemoryStore) GetJobMetrics() (*JobMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := &JobMetrics{
		JobsByState:     make(map[models.JobStatus]int),
		QueueByPriority: make(map[string]int),
	}

	var totalDuration float64
	var completed int
	for _, job := range s.jobs {
		metrics.TotalJobs++
		metrics.JobsByState[job.Status]++

		if models.IsActiveState(job.Status) {
			metrics.ActiveJobs++
		}
		if job.Status == models.JobStatusQueued {
			metrics.QueueLength++
			priority := job.Directives.Priority
			if priority == "" {
				priority = "medium"
			}
			metrics.QueueByPriority[priority]++
		}
		if job.Status == models.JobStatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			totalDuration += job.CompletedAt.Sub(*job.StartedAt).Seconds()
			completed++
		}
	}
	if completed > 0 {
		metrics.AvgDuration = totalDuration / float64(completed)
	}

	return metrics, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck is a no-op for the memory store
func (s *MemoryStore) HealthCheck() error { return nil }
