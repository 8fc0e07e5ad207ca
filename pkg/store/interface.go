package store

import (
	"errors"
	"time"

	"github.com/psantana5/batchd/pkg/models"
)

var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store defines the interface for job and node persistence.
// Memory, SQLite and PostgreSQL implementations all satisfy it.
type Store interface {
	// Node operations
	RegisterNode(node *models.Node) error
	GetNode(id string) (*models.Node, error)
	GetAllNodes() []*models.Node
	UpdateNode(node *models.Node) error
	UpdateNodeStatus(id, status string) error
	UpdateNodeHeartbeat(id string) error

	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetJobBySequenceNumber(seq int) (*models.Job, error)
	GetAllJobs() []*models.Job
	GetJobsInState(state models.JobStatus) ([]*models.Job, error)
	GetQueuedJobs() []*models.Job
	UpdateJob(job *models.Job) error

	// State management. TransitionJobState validates the move against
	// the job FSM, records the transition, and maintains the started/
	// completed timestamps.
	TransitionJobState(jobID string, to models.JobStatus, reason string) error
	SetJobResult(jobID string, result *models.JobResult) error
	CancelJob(id string) error
	RetryJob(id string, errMsg string) error

	// Aggregates
	GetJobMetrics() (*JobMetrics, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// JobMetrics contains aggregated job statistics for the metrics endpoint
type JobMetrics struct {
	JobsByState     map[models.JobStatus]int
	QueueByPriority map[string]int
	ActiveJobs      int
	QueueLength     int
	AvgDuration     float64 // seconds, completed jobs only
	TotalJobs       int
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // connection string (postgres) or file path (sqlite)

	// PostgreSQL pool tuning
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "batchd.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
