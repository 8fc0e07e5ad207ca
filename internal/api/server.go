// Package api exposes the daemon's HTTP surface: job submission and
// lifecycle endpoints, node listing, health and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/store"
	"github.com/psantana5/batchd/pkg/submit"
	"github.com/psantana5/batchd/pkg/tracing"
)

// SubmitRequest is the POST /jobs payload. Either ScriptPath (a path
// visible to the daemon) or ScriptBody (inline script text) must be
// set; directive overrides win over the script's #BATCH header.
type SubmitRequest struct {
	ScriptPath string            `json:"script_path,omitempty"`
	ScriptBody string            `json:"script_body,omitempty"`
	Directives models.Directives `json:"directives,omitempty"`
}

// Server wires the HTTP handlers
type Server struct {
	store     store.Store
	submitter *submit.Service
	metrics   *Metrics
	tracer    *tracing.Provider
	scriptDir string // where inline-submitted scripts are written
	router    *mux.Router
}

// NewServer creates the API server. scriptDir receives scripts
// submitted inline over HTTP. tracer may be nil when tracing is not
// wired in.
func NewServer(st store.Store, submitter *submit.Service, metrics *Metrics, scriptDir string, tracer *tracing.Provider) *Server {
	s := &Server{
		store:     st,
		submitter: submitter,
		metrics:   metrics,
		tracer:    tracer,
		scriptDir: scriptDir,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	if s.tracer != nil {
		r.Use(tracing.HTTPMiddleware(s.tracer))
	}
	r.Use(loggingMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/logs", s.handleJobLogs).Methods("GET")
	api.HandleFunc("/nodes", s.handleListNodes).Methods("GET")

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}

	return r
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	scriptPath := req.ScriptPath
	if scriptPath == "" {
		if req.ScriptBody == "" {
			writeError(w, http.StatusBadRequest, errors.New("script_path or script_body is required"))
			return
		}
		path, err := s.writeInlineScript(req.ScriptBody)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		scriptPath = path
	}

	job, err := s.submitter.SubmitScript(scriptPath, req.Directives)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// writeInlineScript persists an inline script body so the runner can
// execute it later
func (s *Server) writeInlineScript(body string) (string, error) {
	if err := os.MkdirAll(s.scriptDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create script dir: %w", err)
	}
	name := fmt.Sprintf("inline-%d.sh", time.Now().UnixNano())
	path := filepath.Join(s.scriptDir, name)
	if err := os.WriteFile(path, []byte(body), 0700); err != nil {
		return "", fmt.Errorf("failed to write script: %w", err)
	}
	return path, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if state := r.URL.Query().Get("state"); state != "" {
		jobs, err := s.store.GetJobsInState(models.JobStatus(state))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetAllJobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, jobErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, jobErrorStatus(err), err)
		return
	}

	if err := s.store.CancelJob(job.ID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	job, _ = s.store.GetJob(job.ID)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, jobErrorStatus(err), err)
		return
	}

	if err := s.store.RetryJob(job.ID, models.RetryReasonManual); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	job, _ = s.store.GetJob(job.ID)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, jobErrorStatus(err), err)
		return
	}

	path := job.Directives.StdoutPath
	if r.URL.Query().Get("stream") == "stderr" {
		path = job.Directives.StderrPath
	}
	if path == "" {
		writeError(w, http.StatusNotFound, errors.New("job has no log file yet"))
		return
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(job.WorkDir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("log file not readable: %w", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, f)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetAllNodes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookupJob resolves a job by UUID or by sequence number
func (s *Server) lookupJob(ref string) (*models.Job, error) {
	if seq, err := strconv.Atoi(ref); err == nil {
		return s.store.GetJobBySequenceNumber(seq)
	}
	return s.store.GetJob(ref)
}

func jobErrorStatus(err error) int {
	if errors.Is(err, store.ErrJobNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("api: %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}
