package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/store"
)

func newTestNode(st *store.MemoryStore, slots int) *models.Node {
	node := &models.Node{
		ID:     "node-1",
		Name:   "testhost",
		Slots:  slots,
		Status: "available",
	}
	st.RegisterNode(node)
	return node
}

func queuedJob(t *testing.T, st *store.MemoryStore, id, script string) *models.Job {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "job.sh")
	if err := os.WriteFile(path, []byte(script), 0700); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	job := &models.Job{
		ID:      id,
		Script:  path,
		WorkDir: dir,
		Directives: models.Directives{
			JobName:  id,
			Queue:    "default",
			Priority: "medium",
		},
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now(),
	}
	st.CreateJob(job)
	return job
}

// TestSortJobsByPriority tests queue and priority ordering with FIFO
// tiebreak
func TestSortJobsByPriority(t *testing.T) {
	now := time.Now()
	jobs := []*models.Job{
		{ID: "batch-low", Directives: models.Directives{Queue: "batch", Priority: "low"}, CreatedAt: now},
		{ID: "interactive", Directives: models.Directives{Queue: "interactive", Priority: "low"}, CreatedAt: now},
		{ID: "default-high", Directives: models.Directives{Queue: "default", Priority: "high"}, CreatedAt: now},
		{ID: "default-high-older", Directives: models.Directives{Queue: "default", Priority: "high"}, CreatedAt: now.Add(-time.Hour)},
	}

	sorted := SortJobsByPriority(jobs)

	want := []string{"interactive", "default-high-older", "default-high", "batch-low"}
	for i, id := range want {
		if sorted[i].ID != id {
			t.Errorf("Expected position %d to be %s, got %s", i, id, sorted[i].ID)
		}
	}
}

// TestDispatch_RunsQueuedJob tests one full dispatch through execution
func TestDispatch_RunsQueuedJob(t *testing.T) {
	st := store.NewMemoryStore()
	node := newTestNode(st, 1)
	job := queuedJob(t, st, "job-1", "#!/bin/sh\nexit 0\n")

	done := make(chan struct{})
	sched := New(st, node, Options{
		CheckInterval: time.Hour, // dispatch driven manually
		OnJobFinished: func(*models.Job, *models.JobResult) { close(done) },
	})

	sched.dispatch()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for job to finish")
	}

	updated, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if updated.Status != models.JobStatusCompleted {
		t.Errorf("Expected completed status, got %s", updated.Status)
	}
	if updated.ExitCode == nil || *updated.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", updated.ExitCode)
	}
}

// TestDispatch_NonZeroExitMarksFailed tests that a failing job ends up
// failed with its exit code recorded
func TestDispatch_NonZeroExitMarksFailed(t *testing.T) {
	st := store.NewMemoryStore()
	node := newTestNode(st, 1)
	job := queuedJob(t, st, "job-1", "#!/bin/sh\nexit 5\n")

	done := make(chan struct{})
	sched := New(st, node, Options{
		CheckInterval: time.Hour,
		OnJobFinished: func(*models.Job, *models.JobResult) { close(done) },
	})

	sched.dispatch()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for job to finish")
	}

	updated, _ := st.GetJob(job.ID)
	if updated.Status != models.JobStatusFailed {
		t.Errorf("Expected failed status, got %s", updated.Status)
	}
	if updated.ExitCode == nil || *updated.ExitCode != 5 {
		t.Errorf("Expected exit code 5, got %v", updated.ExitCode)
	}
}

// TestDispatch_RespectsCapacity tests that a full node gets no new jobs
func TestDispatch_RespectsCapacity(t *testing.T) {
	st := store.NewMemoryStore()
	node := newTestNode(st, 1)
	node.CurrentJobIDs = []string{"occupying-job"}
	node.Status = "busy"
	st.UpdateNode(node)

	job := queuedJob(t, st, "job-1", "#!/bin/sh\nexit 0\n")

	sched := New(st, node, Options{CheckInterval: time.Hour})
	sched.dispatch()

	updated, _ := st.GetJob(job.ID)
	if updated.Status != models.JobStatusQueued {
		t.Errorf("Expected job to stay queued on a full node, got %s", updated.Status)
	}
}

// TestCheckStaleAssigned tests that jobs stuck in assigned state time out
func TestCheckStaleAssigned(t *testing.T) {
	st := store.NewMemoryStore()
	node := newTestNode(st, 1)

	stale := queuedJob(t, st, "stale-job", "#!/bin/sh\ntrue\n")
	st.TransitionJobState(stale.ID, models.JobStatusAssigned, "dispatched")
	aged, _ := st.GetJob(stale.ID)
	aged.StateTransitions[len(aged.StateTransitions)-1].Timestamp = time.Now().Add(-10 * time.Minute)
	st.UpdateJob(aged)

	fresh := queuedJob(t, st, "fresh-job", "#!/bin/sh\ntrue\n")
	st.TransitionJobState(fresh.ID, models.JobStatusAssigned, "dispatched")

	sched := New(st, node, Options{AssignedTimeout: 5 * time.Minute})
	sched.checkStaleAssigned()

	updatedStale, _ := st.GetJob(stale.ID)
	if updatedStale.Status != models.JobStatusTimedOut {
		t.Errorf("Expected stale assigned job to be timed out, got %s", updatedStale.Status)
	}

	updatedFresh, _ := st.GetJob(fresh.ID)
	if updatedFresh.Status != models.JobStatusAssigned {
		t.Errorf("Expected fresh assigned job untouched, got %s", updatedFresh.Status)
	}
}

// TestPromoteRetrying tests backoff-gated requeueing
func TestPromoteRetrying(t *testing.T) {
	st := store.NewMemoryStore()
	node := newTestNode(st, 1)

	job := queuedJob(t, st, "retry-job", "#!/bin/sh\ntrue\n")
	st.TransitionJobState(job.ID, models.JobStatusAssigned, "")
	st.TransitionJobState(job.ID, models.JobStatusRunning, "")
	st.TransitionJobState(job.ID, models.JobStatusFailed, "exited with code 1")
	st.RetryJob(job.ID, models.RetryReasonManual)

	sched := New(st, node, Options{})

	// Backoff has not elapsed yet
	sched.promoteRetrying()
	updated, _ := st.GetJob(job.ID)
	if updated.Status != models.JobStatusRetrying {
		t.Errorf("Expected job to wait out its backoff, got %s", updated.Status)
	}

	// Age the retry transition past the backoff window
	updated.StateTransitions[len(updated.StateTransitions)-1].Timestamp = time.Now().Add(-time.Minute)
	st.UpdateJob(updated)
	sched.promoteRetrying()

	updated, _ = st.GetJob(job.ID)
	if updated.Status != models.JobStatusQueued {
		t.Errorf("Expected job requeued after backoff, got %s", updated.Status)
	}
}

// TestPromoteRetrying_MaxRetriesExceeded tests permanent failure after
// the retry budget is spent
func TestPromoteRetrying_MaxRetriesExceeded(t *testing.T) {
	st := store.NewMemoryStore()
	node := newTestNode(st, 1)

	job := queuedJob(t, st, "spent-job", "#!/bin/sh\ntrue\n")
	st.TransitionJobState(job.ID, models.JobStatusAssigned, "")
	st.TransitionJobState(job.ID, models.JobStatusRunning, "")
	st.TransitionJobState(job.ID, models.JobStatusFailed, "exited with code 1")
	st.RetryJob(job.ID, "")
	spent, _ := st.GetJob(job.ID)
	spent.RetryCount = 10
	st.UpdateJob(spent)

	sched := New(st, node, Options{})
	sched.promoteRetrying()

	updated, _ := st.GetJob(job.ID)
	if updated.Status != models.JobStatusFailed {
		t.Errorf("Expected job failed after exhausting retries, got %s", updated.Status)
	}
}

// TestPromoteRetrying_ManualRetryOverBudget tests that a user-requested
// retry is requeued even after the automatic budget is spent
func TestPromoteRetrying_ManualRetryOverBudget(t *testing.T) {
	st := store.NewMemoryStore()
	node := newTestNode(st, 1)

	job := queuedJob(t, st, "requeued-job", "#!/bin/sh\ntrue\n")
	st.TransitionJobState(job.ID, models.JobStatusAssigned, "")
	st.TransitionJobState(job.ID, models.JobStatusRunning, "")
	st.TransitionJobState(job.ID, models.JobStatusFailed, "exited with code 1")
	st.RetryJob(job.ID, models.RetryReasonManual)

	spent, _ := st.GetJob(job.ID)
	spent.RetryCount = 10
	spent.StateTransitions[len(spent.StateTransitions)-1].Timestamp = time.Now().Add(-10 * time.Minute)
	st.UpdateJob(spent)

	sched := New(st, node, Options{})
	sched.promoteRetrying()

	updated, _ := st.GetJob(job.ID)
	if updated.Status != models.JobStatusQueued {
		t.Errorf("Expected manually retried job to requeue, got %s", updated.Status)
	}
}

// TestNotifyPolicy tests which outcomes trigger a notification
func TestNotifyPolicy(t *testing.T) {
	cases := []struct {
		policy models.NotifyPolicy
		status models.JobStatus
		want   bool
	}{
		{models.NotifyNone, models.JobStatusCompleted, false},
		{models.NotifyNone, models.JobStatusFailed, false},
		{models.NotifyEnd, models.JobStatusCompleted, true},
		{models.NotifyEnd, models.JobStatusFailed, true},
		{models.NotifyFail, models.JobStatusCompleted, false},
		{models.NotifyFail, models.JobStatusFailed, true},
		{models.NotifyAll, models.JobStatusCompleted, true},
		{models.NotifyAll, models.JobStatusTimedOut, true},
	}

	for _, c := range cases {
		st := store.NewMemoryStore()
		node := newTestNode(st, 1)

		fired := false
		sched := New(st, node, Options{Notifier: notifierFunc(func(*models.Job, *models.JobResult) {
			fired = true
		})})

		job := &models.Job{
			ID:         "notify-job",
			Directives: models.Directives{NotifyPolicy: c.policy},
		}
		sched.notify(job, &models.JobResult{Status: c.status})

		if fired != c.want {
			t.Errorf("Policy %s with status %s: expected notify=%v, got %v", c.policy, c.status, c.want, fired)
		}
	}
}

type notifierFunc func(*models.Job, *models.JobResult)

func (f notifierFunc) Notify(job *models.Job, result *models.JobResult) { f(job, result) }
