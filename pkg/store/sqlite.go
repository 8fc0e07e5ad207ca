package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/batchd/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// WAL mode plus a busy timeout keeps the scheduler loop and the API
// from tripping over each other on a single file database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT,
		ram_total_bytes INTEGER NOT NULL,
		slots INTEGER NOT NULL DEFAULT 1,
		labels TEXT,
		status TEXT NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		registered_at DATETIME NOT NULL,
		current_job_ids TEXT
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		sequence_number INTEGER NOT NULL,
		script TEXT NOT NULL,
		work_dir TEXT,
		directives TEXT NOT NULL,
		status TEXT NOT NULL,
		node_id TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		error TEXT,
		state_transitions TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_seq ON jobs(sequence_number);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Node operations

// RegisterNode adds or updates a node in the store
func (s *SQLiteStore) RegisterNode(node *models.Node) error {
	labels, err := json.Marshal(node.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	jobIDs, err := json.Marshal(node.CurrentJobIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal current_job_ids: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO nodes
		(id, name, address, cpu_threads, cpu_model, ram_total_bytes, slots, labels,
		 status, last_heartbeat, registered_at, current_job_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, node.ID, node.Name, node.Address, node.CPUThreads, node.CPUModel,
		node.RAMTotalBytes, node.Slots, string(labels), node.Status,
		node.LastHeartbeat, node.RegisteredAt, string(jobIDs))

	return err
}

const nodeColumns = `id, name, address, cpu_threads, cpu_model, ram_total_bytes, slots,
	labels, status, last_heartbeat, registered_at, current_job_ids`

func scanNode(row interface{ Scan(...interface{}) error }) (*models.Node, error) {
	var node models.Node
	var labelsJSON, jobIDsJSON sql.NullString

	err := row.Scan(&node.ID, &node.Name, &node.Address, &node.CPUThreads,
		&node.CPUModel, &node.RAMTotalBytes, &node.Slots, &labelsJSON,
		&node.Status, &node.LastHeartbeat, &node.RegisteredAt, &jobIDsJSON)
	if err != nil {
		return nil, err
	}

	if labelsJSON.Valid && labelsJSON.String != "" && labelsJSON.String != "null" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &node.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if jobIDsJSON.Valid && jobIDsJSON.String != "" && jobIDsJSON.String != "null" {
		if err := json.Unmarshal([]byte(jobIDsJSON.String), &node.CurrentJobIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current_job_ids: %w", err)
		}
	}

	return &node, nil
}

// GetNode retrieves a node by ID
func (s *SQLiteStore) GetNode(id string) (*models.Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	return node, err
}

// GetAllNodes returns all registered nodes
func (s *SQLiteStore) GetAllNodes() []*models.Node {
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
func (s *SQLiteStore) UpdateNode(node *models.Node) error {
	labels, _ := json.Marshal(node.Labels)
	jobIDs, _ := json.Marshal(node.CurrentJobIDs)

	res, err := s.db.Exec(`
		UPDATE nodes SET name = ?, address = ?, cpu_threads = ?, cpu_model = ?,
			ram_total_bytes = ?, slots = ?, labels = ?, status = ?,
			last_heartbeat = ?, current_job_ids = ?
		WHERE id = ?
	`, node.Name, node.Address, node.CPUThreads, node.CPUModel,
		node.RAMTotalBytes, node.Slots, string(labels), node.Status,
		node.LastHeartbeat, string(jobIDs), node.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNodeNotFound)
}

// UpdateNodeStatus updates the status of a node
func (s *SQLiteStore) UpdateNodeStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE nodes SET status = ?, last_heartbeat = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNodeNotFound)
}

// UpdateNodeHeartbeat updates the last heartbeat time for a node
func (s *SQLiteStore) UpdateNodeHeartbeat(id string) error {
	res, err := s.db.Exec(`UPDATE nodes SET last_heartbeat = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNodeNotFound)
}

// Job operations

// CreateJob inserts a new job, assigning the next sequence number
func (s *SQLiteStore) CreateJob(job *models.Job) error {
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

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if job.SequenceNumber == 0 {
		row := tx.QueryRow(`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM jobs`)
		if err := row.Scan(&job.SequenceNumber); err != nil {
			return fmt.Errorf("failed to allocate sequence number: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO jobs
		(id, sequence_number, script, work_dir, directives, status, node_id,
		 created_at, started_at, completed_at, retry_count, exit_code, error, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.SequenceNumber, job.Script, job.WorkDir, string(directives),
		job.Status, job.NodeID, job.CreatedAt, job.StartedAt, job.CompletedAt,
		job.RetryCount, job.ExitCode, job.Error, string(transitions))
	if err != nil {
		return err
	}

	return tx.Commit()
}

const jobColumns = `id, sequence_number, script, work_dir, directives, status, node_id,
	created_at, started_at, completed_at, retry_count, exit_code, error, state_transitions`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var job models.Job
	var directivesJSON, transitionsJSON string
	var workDir, nodeID, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(&job.ID, &job.SequenceNumber, &job.Script, &workDir,
		&directivesJSON, &job.Status, &nodeID, &job.CreatedAt, &startedAt,
		&completedAt, &job.RetryCount, &exitCode, &errMsg, &transitionsJSON)
	if err != nil {
		return nil, err
	}

	job.WorkDir = workDir.String
	job.NodeID = nodeID.String
	job.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}

	if err := json.Unmarshal([]byte(directivesJSON), &job.Directives); err != nil {
		return nil, fmt.Errorf("failed to unmarshal directives: %w", err)
	}
	if transitionsJSON != "" && transitionsJSON != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}

	return &job, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobBySequenceNumber retrieves a job by its sequence number
func (s *SQLiteStore) GetJobBySequenceNumber(seq int) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE sequence_number = ?`, seq)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetAllJobs returns all jobs
func (s *SQLiteStore) GetAllJobs() []*models.Job {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs ORDER BY sequence_number`)
}

// GetJobsInState returns all jobs in the given state
func (s *SQLiteStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY sequence_number`, state), nil
}

// GetQueuedJobs returns all jobs waiting for dispatch
func (s *SQLiteStore) GetQueuedJobs() []*models.Job {
	jobs, _ := s.GetJobsInState(models.JobStatusQueued)
	return jobs
}

func (s *SQLiteStore) queryJobs(query string, args ...interface{}) []*models.Job {
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
func (s *SQLiteStore) UpdateJob(job *models.Job) error {
	directives, err := json.Marshal(job.Directives)
	if err != nil {
		return fmt.Errorf("failed to marshal directives: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET script = ?, work_dir = ?, directives = ?, status = ?,
			node_id = ?, started_at = ?, completed_at = ?, retry_count = ?,
			exit_code = ?, error = ?, state_transitions = ?
		WHERE id = ?
	`, job.Script, job.WorkDir, string(directives), job.Status, job.NodeID,
		job.StartedAt, job.CompletedAt, job.RetryCount, job.ExitCode, job.Error,
		string(transitions), job.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrJobNotFound)
}

// TransitionJobState validates and applies a state transition
func (s *SQLiteStore) TransitionJobState(jobID string, to models.JobStatus, reason string) error {
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
func (s *SQLiteStore) SetJobResult(jobID string, result *models.JobResult) error {
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
func (s *SQLiteStore) CancelJob(id string) error {
	return s.TransitionJobState(id, models.JobStatusCanceled, "canceled by user")
}

// RetryJob moves a failed or timed out job back through retrying
func (s *SQLiteStore) RetryJob(id string, errMsg string) error {
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

// GetJobMetrics returns aggregated job statistics computed in SQL so
// large job tables are not loaded into memory.
func (s *SQLiteStore) GetJobMetrics() (*JobMetrics, error) {
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
		SELECT COALESCE(NULLIF(json_extract(directives, '$.priority'), ''), 'medium'), COUNT(*)
		FROM jobs WHERE status = ? GROUP BY 1
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
		SELECT COALESCE(AVG((julianday(completed_at) - julianday(started_at)) * 86400.0), 0)
		FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`, models.JobStatusCompleted)
	if err := row.Scan(&metrics.AvgDuration); err != nil {
		return nil, err
	}

	return metrics, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
