// Package submit turns a job script into a queued job: it parses the
// #BATCH directive header, applies defaults and overrides, validates
// environment modules against the catalog, and persists the job.
package submit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/batchd/pkg/envmod"
	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/script"
	"github.com/psantana5/batchd/pkg/store"
)

// Service validates and enqueues jobs
type Service struct {
	store   store.Store
	catalog *envmod.Catalog
}

// NewService creates a submit service. The catalog may be nil, in which
// case --module directives are rejected.
func NewService(st store.Store, catalog *envmod.Catalog) *Service {
	return &Service{store: st, catalog: catalog}
}

// SubmitScript parses a job script and enqueues it. Overrides take
// precedence over the script's own directives, matching flag-over-file
// precedence on the CLI.
func (s *Service) SubmitScript(path string, overrides models.Directives) (*models.Job, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve script path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("script not accessible: %w", err)
	}

	directives, err := script.ParseFile(abs)
	if err != nil {
		return nil, err
	}
	merge(&directives, overrides)

	return s.Submit(&models.JobRequest{
		Script:     abs,
		WorkDir:    filepath.Dir(abs),
		Directives: directives,
	})
}

// Submit validates a job request and enqueues it
func (s *Service) Submit(req *models.JobRequest) (*models.Job, error) {
	if req.Script == "" {
		return nil, fmt.Errorf("job script is required")
	}

	d := req.Directives
	applyDefaults(&d, req.Script)

	// Module validation fails the submission, not the job hours later
	if len(d.EnvModules) > 0 {
		if s.catalog == nil {
			return nil, fmt.Errorf("no module catalog configured, cannot load modules %v", d.EnvModules)
		}
		if _, err := s.catalog.Resolve(d.EnvModules); err != nil {
			return nil, err
		}
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		Script:     req.Script,
		WorkDir:    req.WorkDir,
		Directives: d,
		Status:     models.JobStatusQueued,
		CreatedAt:  time.Now(),
	}

	if err := s.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	// Log path placeholders need the sequence number the store just
	// assigned.
	expanded := false
	if strings.ContainsAny(job.Directives.StdoutPath, "%") {
		job.Directives.StdoutPath = script.ExpandLogPath(job.Directives.StdoutPath, job.SequenceNumber, job.Name())
		expanded = true
	}
	if strings.ContainsAny(job.Directives.StderrPath, "%") {
		job.Directives.StderrPath = script.ExpandLogPath(job.Directives.StderrPath, job.SequenceNumber, job.Name())
		expanded = true
	}
	if expanded {
		if err := s.store.UpdateJob(job); err != nil {
			return nil, fmt.Errorf("failed to update job log paths: %w", err)
		}
	}

	return job, nil
}

// UpdateScriptPath persists a changed script location, used by spool
// submission after the script is archived.
func (s *Service) UpdateScriptPath(job *models.Job) error {
	return s.store.UpdateJob(job)
}

func applyDefaults(d *models.Directives, scriptPath string) {
	if d.JobName == "" {
		base := filepath.Base(scriptPath)
		d.JobName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if d.Queue == "" {
		d.Queue = "default"
	}
	if d.Priority == "" {
		d.Priority = "medium"
	}
	if d.NotifyPolicy == "" {
		d.NotifyPolicy = models.NotifyNone
	}
	if d.Ranks <= 0 {
		d.Ranks = 1
	}
}

// merge overlays non-zero override fields onto the parsed directives
func merge(d *models.Directives, o models.Directives) {
	if o.JobName != "" {
		d.JobName = o.JobName
	}
	if o.MemoryLimitBytes > 0 {
		d.MemoryLimitBytes = o.MemoryLimitBytes
	}
	if o.Walltime > 0 {
		d.Walltime = o.Walltime
	}
	if o.NotifyPolicy != "" {
		d.NotifyPolicy = o.NotifyPolicy
	}
	if o.NotifyAddress != "" {
		d.NotifyAddress = o.NotifyAddress
	}
	if o.StdoutPath != "" {
		d.StdoutPath = o.StdoutPath
	}
	if o.StderrPath != "" {
		d.StderrPath = o.StderrPath
	}
	if o.Queue != "" {
		d.Queue = o.Queue
	}
	if o.Priority != "" {
		d.Priority = o.Priority
	}
	if o.Ranks > 0 {
		d.Ranks = o.Ranks
	}
	if len(o.EnvModules) > 0 {
		d.EnvModules = append(d.EnvModules, o.EnvModules...)
	}
}
