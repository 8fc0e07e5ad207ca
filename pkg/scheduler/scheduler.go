// Package scheduler owns job dispatch and resource enforcement: it
// picks queued jobs in priority order, runs them on the local node
// through the runner, and kills jobs that exceed their wall-clock
// limit. Limits are enforced here and by the OS, never inside the job
// script.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/batchd/pkg/envmod"
	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/runner"
	"github.com/psantana5/batchd/pkg/store"
	"github.com/psantana5/batchd/pkg/tracing"
)

// Notifier delivers job completion notifications per the job's
// --mail-type directive
type Notifier interface {
	Notify(job *models.Job, result *models.JobResult)
}

// LogNotifier writes notifications to the process log
type LogNotifier struct{}

// Notify emits a log line for the job outcome
func (LogNotifier) Notify(job *models.Job, result *models.JobResult) {
	addr := job.Directives.NotifyAddress
	if addr == "" {
		addr = "(no address)"
	}
	log.Printf("notify %s: job %d (%s) finished status=%s exit=%d duration=%.1fs",
		addr, job.SequenceNumber, job.Name(), result.Status, result.ExitCode,
		result.Duration.Seconds())
}

// Options configures a Scheduler
type Options struct {
	CheckInterval   time.Duration
	AssignedTimeout time.Duration // max time a job may sit in assigned state
	RetryPolicy     *models.RetryPolicy
	Catalog         *envmod.Catalog // module catalog for job environments
	Notifier        Notifier
	Tracing         *tracing.Provider
	OnJobFinished   func(job *models.Job, result *models.JobResult) // metrics hook
}

// Scheduler manages job dispatch on a single node
type Scheduler struct {
	store store.Store
	node  *models.Node
	opts  Options

	mu      sync.Mutex
	running map[string]context.CancelFunc // jobID -> walltime cancel

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler executing jobs on the given node
func New(st store.Store, node *models.Node, opts Options) *Scheduler {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.AssignedTimeout <= 0 {
		opts.AssignedTimeout = 5 * time.Minute
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = models.DefaultRetryPolicy()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.Tracing == nil {
		opts.Tracing = tracing.Noop()
	}

	return &Scheduler{
		store:   st,
		node:    node,
		opts:    opts,
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the background scheduling loop
func (s *Scheduler) Start() {
	log.Printf("scheduler started (check interval: %v, node: %s)", s.opts.CheckInterval, s.node.Name)
	s.wg.Add(1)
	go s.run()
}

// Stop stops the loop and waits for in-flight jobs to be accounted for
func (s *Scheduler) Stop() {
	log.Println("scheduler stopping...")
	close(s.stopCh)
	s.wg.Wait()
	log.Println("scheduler stopped")
}

// Drain cancels all running jobs. Used on shutdown when jobs should not
// outlive the daemon.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, cancel := range s.running {
		log.Printf("scheduler: canceling running job %s", jobID)
		cancel()
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.promoteRetrying()
			s.checkStaleAssigned()
			s.dispatch()
		case <-s.stopCh:
			return
		}
	}
}

// dispatch starts queued jobs while the node has free slots
func (s *Scheduler) dispatch() {
	for {
		node, err := s.store.GetNode(s.node.ID)
		if err != nil {
			log.Printf("scheduler: failed to load node %s: %v", s.node.ID, err)
			return
		}
		if !node.HasCapacity() {
			return
		}

		queued := s.store.GetQueuedJobs()
		if len(queued) == 0 {
			return
		}

		job := SortJobsByPriority(queued)[0]
		if err := s.assign(node, job); err != nil {
			log.Printf("scheduler: failed to assign job %s: %v", job.ID, err)
			return
		}

		s.wg.Add(1)
		go s.execute(job)
	}
}

func (s *Scheduler) assign(node *models.Node, job *models.Job) error {
	if err := s.store.TransitionJobState(job.ID, models.JobStatusAssigned, "dispatched"); err != nil {
		return err
	}
	// Re-read after the transition so the update does not clobber the
	// transition record just written.
	stored, err := s.store.GetJob(job.ID)
	if err != nil {
		return err
	}
	stored.NodeID = node.ID
	if err := s.store.UpdateJob(stored); err != nil {
		return err
	}
	job.Status = models.JobStatusAssigned
	job.NodeID = node.ID

	node.CurrentJobIDs = append(node.CurrentJobIDs, job.ID)
	if len(node.CurrentJobIDs) >= node.Slots {
		node.Status = "busy"
	}
	return s.store.UpdateNode(node)
}

// execute runs one job to completion and records the outcome
func (s *Scheduler) execute(job *models.Job) {
	defer s.wg.Done()
	defer s.releaseSlot(job.ID)

	mods, err := s.resolveModules(job)
	if err != nil {
		log.Printf("scheduler: job %s module resolution failed: %v", job.ID, err)
		s.transition(job.ID, models.JobStatusFailed, err.Error())
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if job.Directives.Walltime > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), job.Directives.Walltime)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	ctx, span := s.opts.Tracing.StartSpan(ctx, "job.execute",
		attribute.String("job.id", job.ID),
		attribute.Int("job.sequence", job.SequenceNumber),
		attribute.String("job.queue", job.Directives.Queue),
	)
	defer span.End()

	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	s.transition(job.ID, models.JobStatusRunning, "")

	r := runner.New(job, runner.Options{
		Node:    s.node,
		Modules: mods,
	})
	result, err := r.Run(ctx)
	if err != nil {
		// The job never started; this is a launch failure, not a job
		// exit status.
		tracing.RecordError(span, err)
		s.transition(job.ID, models.JobStatusFailed, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("job.status", string(result.Status)),
		attribute.Int("job.exit_code", result.ExitCode),
	)

	if err := s.store.SetJobResult(job.ID, result); err != nil {
		log.Printf("scheduler: failed to record result for job %s: %v", job.ID, err)
	}

	reason := result.Error
	if result.WalltimeHit {
		reason = "walltime exceeded"
	}
	s.transition(job.ID, result.Status, reason)

	s.notify(job, result)
	if s.opts.OnJobFinished != nil {
		s.opts.OnJobFinished(job, result)
	}
}

func (s *Scheduler) resolveModules(job *models.Job) ([]envmod.Module, error) {
	if s.opts.Catalog == nil || len(job.Directives.EnvModules) == 0 {
		return nil, nil
	}
	return s.opts.Catalog.Resolve(job.Directives.EnvModules)
}

func (s *Scheduler) notify(job *models.Job, result *models.JobResult) {
	policy := job.Directives.NotifyPolicy
	failed := result.Status != models.JobStatusCompleted

	switch policy {
	case models.NotifyAll:
	case models.NotifyEnd:
		// fires for every completion, success or not
	case models.NotifyFail:
		if !failed {
			return
		}
	default:
		return
	}

	s.opts.Notifier.Notify(job, result)
}

func (s *Scheduler) releaseSlot(jobID string) {
	node, err := s.store.GetNode(s.node.ID)
	if err != nil {
		return
	}

	ids := node.CurrentJobIDs[:0]
	for _, id := range node.CurrentJobIDs {
		if id != jobID {
			ids = append(ids, id)
		}
	}
	node.CurrentJobIDs = ids
	if len(node.CurrentJobIDs) < node.Slots && node.Status == "busy" {
		node.Status = "available"
	}
	if err := s.store.UpdateNode(node); err != nil {
		log.Printf("scheduler: failed to release slot for job %s: %v", jobID, err)
	}
}

// promoteRetrying requeues retrying jobs whose backoff has elapsed
func (s *Scheduler) promoteRetrying() {
	jobs, err := s.store.GetJobsInState(models.JobStatusRetrying)
	if err != nil {
		return
	}

	now := time.Now()
	for _, job := range jobs {
		// A retry requested explicitly by a user runs even when the
		// automatic retry budget is spent.
		if job.RetryCount > s.opts.RetryPolicy.MaxRetries && !manualRetry(job) {
			s.transition(job.ID, models.JobStatusFailed, "max retries exceeded")
			continue
		}

		backoff := s.opts.RetryPolicy.CalculateBackoff(job.RetryCount - 1)
		since := now.Sub(lastTransitionAt(job, job.CreatedAt))
		if since >= backoff {
			log.Printf("scheduler: requeueing job %d after retry backoff", job.SequenceNumber)
			s.transition(job.ID, models.JobStatusQueued, "retry backoff elapsed")
		}
	}
}

// checkStaleAssigned fails jobs stuck in assigned state, which means
// the executor goroutine died without transitioning them
func (s *Scheduler) checkStaleAssigned() {
	jobs, err := s.store.GetJobsInState(models.JobStatusAssigned)
	if err != nil {
		return
	}

	now := time.Now()
	for _, job := range jobs {
		assignedAt := lastTransitionAt(job, job.CreatedAt)
		if now.Sub(assignedAt) > s.opts.AssignedTimeout {
			log.Printf("scheduler: job %d stale in assigned state for %v", job.SequenceNumber, now.Sub(assignedAt))
			s.transition(job.ID, models.JobStatusTimedOut, "stuck in assigned state")
		}
	}
}

func (s *Scheduler) transition(jobID string, to models.JobStatus, reason string) {
	if err := s.store.TransitionJobState(jobID, to, reason); err != nil {
		log.Printf("scheduler: transition of job %s to %s failed: %v", jobID, to, err)
	}
}

func lastTransitionAt(job *models.Job, fallback time.Time) time.Time {
	if n := len(job.StateTransitions); n > 0 {
		return job.StateTransitions[n-1].Timestamp
	}
	return fallback
}

// manualRetry reports whether the job entered retrying through an
// explicit user request rather than the automatic retry path
func manualRetry(job *models.Job) bool {
	if n := len(job.StateTransitions); n > 0 {
		last := job.StateTransitions[n-1]
		return last.To == models.JobStatusRetrying && last.Reason == models.RetryReasonManual
	}
	return false
}
