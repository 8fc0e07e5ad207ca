package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psantana5/batchd/pkg/models"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// TestSQLite_JobRoundTrip tests that a job survives the directive and
// transition JSON columns intact
func TestSQLite_JobRoundTrip(t *testing.T) {
	st := newSQLiteTestStore(t)

	job := &models.Job{
		ID:      "sqlite-job",
		Script:  "/data/job.sh",
		WorkDir: "/data",
		Directives: models.Directives{
			JobName:          "voidfinder",
			MemoryLimitBytes: 400 << 30,
			Walltime:         8 * time.Hour,
			NotifyPolicy:     models.NotifyAll,
			Queue:            "batch",
			Priority:         "high",
			EnvModules:       []string{"python3.7"},
		},
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateJob(job))
	require.Equal(t, 1, job.SequenceNumber)

	got, err := st.GetJob("sqlite-job")
	require.NoError(t, err)
	require.Equal(t, "voidfinder", got.Name())
	require.Equal(t, uint64(400<<30), got.Directives.MemoryLimitBytes)
	require.Equal(t, 8*time.Hour, got.Directives.Walltime)
	require.Equal(t, []string{"python3.7"}, got.Directives.EnvModules)

	bySeq, err := st.GetJobBySequenceNumber(1)
	require.NoError(t, err)
	require.Equal(t, "sqlite-job", bySeq.ID)
}

// TestSQLite_SequenceNumbersPersist tests monotonic sequence allocation
func TestSQLite_SequenceNumbersPersist(t *testing.T) {
	st := newSQLiteTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		job := &models.Job{ID: id, Script: "/tmp/" + id + ".sh", Status: models.JobStatusQueued, CreatedAt: time.Now()}
		require.NoError(t, st.CreateJob(job))
		require.Equal(t, i+1, job.SequenceNumber)
	}
}

// TestSQLite_Transitions tests FSM enforcement through the SQL layer
func TestSQLite_Transitions(t *testing.T) {
	st := newSQLiteTestStore(t)

	job := &models.Job{ID: "t-job", Script: "/tmp/t.sh", Status: models.JobStatusQueued, CreatedAt: time.Now()}
	require.NoError(t, st.CreateJob(job))

	require.Error(t, st.TransitionJobState("t-job", models.JobStatusRunning, ""), "queued -> running must be rejected")

	require.NoError(t, st.TransitionJobState("t-job", models.JobStatusAssigned, "dispatched"))
	require.NoError(t, st.TransitionJobState("t-job", models.JobStatusRunning, ""))
	require.NoError(t, st.TransitionJobState("t-job", models.JobStatusCompleted, ""))

	got, err := st.GetJob("t-job")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.StateTransitions, 3)
}

// TestSQLite_SetJobResult tests exit code persistence
func TestSQLite_SetJobResult(t *testing.T) {
	st := newSQLiteTestStore(t)

	job := &models.Job{ID: "r-job", Script: "/tmp/r.sh", Status: models.JobStatusQueued, CreatedAt: time.Now()}
	require.NoError(t, st.CreateJob(job))

	started := time.Now().Add(-time.Minute)
	require.NoError(t, st.SetJobResult("r-job", &models.JobResult{
		JobID:     "r-job",
		ExitCode:  2,
		StartedAt: started,
		EndedAt:   time.Now(),
		Error:     "exited with code 2",
	}))

	got, err := st.GetJob("r-job")
	require.NoError(t, err)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 2, *got.ExitCode)
	require.Equal(t, "exited with code 2", got.Error)
}

// TestSQLite_NodeRoundTrip tests node persistence including labels and
// job id lists
func TestSQLite_NodeRoundTrip(t *testing.T) {
	st := newSQLiteTestStore(t)

	node := &models.Node{
		ID:            "n1",
		Name:          "host1",
		CPUThreads:    16,
		RAMTotalBytes: 64 << 30,
		Slots:         2,
		Labels:        map[string]string{"arch": "amd64"},
		Status:        "available",
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
		CurrentJobIDs: []string{"j1"},
	}
	require.NoError(t, st.RegisterNode(node))

	got, err := st.GetNode("n1")
	require.NoError(t, err)
	require.Equal(t, "host1", got.Name)
	require.Equal(t, map[string]string{"arch": "amd64"}, got.Labels)
	require.Equal(t, []string{"j1"}, got.CurrentJobIDs)

	_, err = st.GetNode("missing")
	require.ErrorIs(t, err, ErrNodeNotFound)
}

// TestSQLite_GetJobMetrics tests the SQL aggregate query
func TestSQLite_GetJobMetrics(t *testing.T) {
	st := newSQLiteTestStore(t)

	for _, id := range []string{"q1", "q2"} {
		require.NoError(t, st.CreateJob(&models.Job{
			ID: id, Script: "/tmp/q.sh", Status: models.JobStatusQueued, CreatedAt: time.Now(),
			Directives: models.Directives{Priority: "high"},
		}))
	}

	m, err := st.GetJobMetrics()
	require.NoError(t, err)
	require.Equal(t, 2, m.TotalJobs)
	require.Equal(t, 2, m.QueueLength)
	require.Equal(t, 2, m.QueueByPriority["high"])
}
