package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/batchd/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the data store,
// for deployments where several batchd instances share one database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := config.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := config.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT,
		ram_total_bytes BIGINT NOT NULL,
		slots INTEGER NOT NULL DEFAULT 1,
		labels JSONB,
		status TEXT NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		current_job_ids JSONB
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		sequence_number INTEGER NOT NULL UNIQUE,
		script TEXT NOT NULL,
		work_dir TEXT,
		directives JSONB NOT NULL,
		status TEXT NOT NULL,
		node_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		error TEXT,
		state_transitions JSONB
	);

	CREATE SEQUENCE IF NOT EXISTS jobs_seq;
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Node operations

// RegisterNode adds or updates a node in the store
func (s *PostgresStore) RegisterNode(node *models.Node) error {
	labels, err := json.Marshal(node.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	jobIDs, err := json.Marshal(node.CurrentJobIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal current_job_ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO nodes
		(id, name, address, cpu_threads, cpu_model, ram_total_bytes, slots, labels,
		 status, last_heartbeat, registered_at, current_job_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, address = EXCLUDED.address,
			cpu_threads = EXCLUDED.cpu_threads, cpu_model = EXCLUDED.cpu_model,
			ram_total_bytes = EXCLUDED.ram_total_bytes, slots = EXCLUDED.slots,
			labels = EXCLUDED.labels, status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			current_job_ids = EXCLUDED.current_job_ids
	`, node.ID, node.Name, node.Address, node.CPUThreads, node.CPUModel,
		node.RAMTotalBytes, node.Slots, string(labels), node.Status,
		node.LastHeartbeat, node.RegisteredAt, string(jobIDs))

	return err
}

// GetNode retrieves a node by ID
func (s *PostgresStore) GetNode(id string) (*models.Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	return node, err
}

// GetAllNodes returns all registered nodes
func (s *PostgresStore) GetAllNodes() []*models.Node {
	rows, err := s.db.Query(`SELECT ` + nodeColumns + ` FROM nodes`)
	if err != nil {
		return []*models.Node{}
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// UpdateNode replaces a stored node
func (s *PostgresStore) UpdateNode(node *models.Node) error {
	labels, _ := json.Marshal(node.Labels)
	jobIDs, _ := json.Marshal(node.CurrentJobIDs)

	res, err := s.db.Exec(`
		UPDATE nodes SET name = $1, address = $2, cpu_threads = $3, cpu_model = $4,
			ram_total_bytes = $5, slots = $6, labels = $7, status = $8,
			last_heartbeat = $9, current_job_ids = $10
		WHERE id = $11
	`, node.Name, node.Address, node.CPUThreads, node.CPUModel,
		node.RAMTotalBytes, node.Slots, string(labels), node.Status,
		node.LastHeartbeat, string(jobIDs), node.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNodeNotFound)
}

// UpdateNodeStatus updates the status of a node
func (s *PostgresStore) UpdateNodeStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE nodes SET status = $1, last_heartbeat = $2 WHERE id = $3`,
		status, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNodeNotFound)
}

// UpdateNodeHeartbeat updates the last heartbeat time for a node
func (s *PostgresStore) UpdateNodeHeartbeat(id string) error {
	res, err := s.db.Exec(`UPDATE nodes SET last_heartbeat = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNodeNotFound)
}

// Job operations

// CreateJob inserts a new job, assigning the next sequence number
func (s *PostgresStore) CreateJob(job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	directives, err := json.Marshal(job.Directives)
	if err != nil {
		return fmt.Errorf("failed to marshal directives: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	if job.SequenceNumber == 0 {
		if err := s.db.QueryRow(`SELECT nextval('jobs_seq')`).Scan(&job.SequenceNumber); err != nil {
			return fmt.Errorf("failed to allocate sequence number: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, sequence_number, script, work_dir, directives, status, node_id,
		 created_at, started_at, completed_at, retry_count, exit_code, error, state_transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.ID, job.SequenceNumber, job.Script, job.WorkDir, string(directives),
		job.Status, job.NodeID, job.CreatedAt, job.StartedAt, job.CompletedAt,
		job.RetryCount, job.ExitCode, job.Error, string(transitions))

	return err
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobBySequenceNumber retrieves a job by its sequence number
func (s *PostgresStore) GetJobBySequenceNumber(seq int) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE sequence_number = $1`, seq)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetAllJobs returns all jobs
func (s *PostgresStore) GetAllJobs() []*models.Job {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs ORDER BY sequence_number`)
}

// GetJobsInState returns all jobs in the given state
func (s *PostgresStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY sequence_number`, state), nil
}

// GetQueuedJobs returns all jobs waiting for dispatch
func (s *PostgresStore) GetQueuedJobs() []*models.Job {
	jobs, _ := s.GetJobsInState(models.JobStatusQueued)
	return jobs
}

func (s *PostgresStore) queryJobs(query string, args ...interface{}) []*models.Job {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return []*models.Job{}
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// UpdateJob replaces a stored job
func (s *PostgresStore) UpdateJob(job *models.Job) error {
	directives, err := json.Marshal(job.Directives)
	if err != nil {
		return fmt.Errorf("failed to marshal directives: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET script = $1, work_dir = $2, directives = $3, status = $4,
			node_id = $5, started_at = $6, completed_at = $7, retry_count = $8,
			exit_code = $9, error = $10, state_transitions = $11
		WHERE id = $12
	`, job.Script, job.WorkDir, string(directives), job.Status, job.NodeID,
		job.StartedAt, job.CompletedAt, job.RetryCount, job.ExitCode, job.Error,
		string(transitions), job.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrJobNotFound)
}

// TransitionJobState validates and applies a state transition
func (s *PostgresStore) TransitionJobState(jobID string, to models.JobStatus, reason string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	if err := models.ValidateTransition(job.Status, to); err != nil {
		return err
	}
	applyTransition(job, to, reason)
	return s.UpdateJob(job)
}

// SetJobResult records the outcome of a finished job
func (s *PostgresStore) SetJobResult(jobID string, result *models.JobResult) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
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
	return s.UpdateJob(job)
}

// CancelJob cancels a job if it is not already terminal
func (s *PostgresStore) CancelJob(id string) error {
	return s.TransitionJobState(id, models.JobStatusCanceled, "canceled by user")
}

// RetryJob moves a failed or timed out job back through retrying
func (s *PostgresStore) RetryJob(id string, errMsg string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
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
	return s.UpdateJob(job)
}

// GetJobMetrics returns aggregated job statistics
func (s *PostgresStore) GetJobMetrics() (*JobMetrics, error) {
	metrics := &JobMetrics{
		JobsByState:     make(map[models.JobStatus]int),
		QueueByPriority: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		metrics.JobsByState[status] = count
		metrics.TotalJobs += count
		if models.IsActiveState(status) {
			metrics.ActiveJobs += count
		}
		if status == models.JobStatusQueued {
			metrics.QueueLength = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.db.Query(`
		SELECT COALESCE(NULLIF(directives->>'priority', ''), 'medium'), COUNT(*)
		FROM jobs WHERE status = $1 GROUP BY 1
	`, models.JobStatusQueued)
	if err == nil {
		defer prows.Close()
		for prows.Next() {
			var priority string
			var count int
			if err := prows.Scan(&priority, &count); err == nil {
				metrics.QueueByPriority[priority] = count
			}
		}
	}

	row := s.db.QueryRow(`
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at)), 0)
		FROM jobs
		WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`, models.JobStatusCompleted)
	if err := row.Scan(&metrics.AvgDuration); err != nil {
		return nil, err
	}

	return metrics, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}
