package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/store"
	"github.com/psantana5/batchd/pkg/submit"
	"github.com/psantana5/batchd/pkg/tracing"
)

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	submitter := submit.NewService(st, nil)
	return NewServer(st, submitter, NewMetrics(st), t.TempDir(), nil), st
}

func doJSON(t *testing.T, srv *Server, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal payload: %v", err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

// TestSubmitJob_Inline tests inline script submission
func TestSubmitJob_Inline(t *testing.T) {
	srv, st := newTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{
		ScriptBody: "#!/bin/sh\n#BATCH --job-name=inline-test\ntrue\n",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if job.Name() != "inline-test" {
		t.Errorf("Expected directive parsing on inline script, got name %q", job.Name())
	}
	if job.SequenceNumber != 1 {
		t.Errorf("Expected sequence number 1, got %d", job.SequenceNumber)
	}

	if len(st.GetAllJobs()) != 1 {
		t.Error("Expected job persisted in the store")
	}
}

// TestSubmitJob_Empty tests rejection of an empty submission
func TestSubmitJob_Empty(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty submission, got %d", rr.Code)
	}
}

// TestGetJob_BySequenceNumber tests lookup by both identifiers
func TestGetJob_BySequenceNumber(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{ScriptBody: "true\n"})
	var created models.Job
	json.Unmarshal(rr.Body.Bytes(), &created)

	bySeq := doJSON(t, srv, "GET", "/api/v1/jobs/1", nil)
	if bySeq.Code != http.StatusOK {
		t.Fatalf("Expected 200 for sequence lookup, got %d", bySeq.Code)
	}

	byID := doJSON(t, srv, "GET", "/api/v1/jobs/"+created.ID, nil)
	if byID.Code != http.StatusOK {
		t.Fatalf("Expected 200 for UUID lookup, got %d", byID.Code)
	}

	missing := doJSON(t, srv, "GET", "/api/v1/jobs/9999", nil)
	if missing.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown job, got %d", missing.Code)
	}
}

// TestCancelJob tests cancellation over the API
func TestCancelJob(t *testing.T) {
	srv, st := newTestServer(t)

	doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{ScriptBody: "true\n"})

	rr := doJSON(t, srv, "POST", "/api/v1/jobs/1/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	job, _ := st.GetJobBySequenceNumber(1)
	if job.Status != models.JobStatusCanceled {
		t.Errorf("Expected canceled status, got %s", job.Status)
	}

	// Second cancel is an invalid transition
	again := doJSON(t, srv, "POST", "/api/v1/jobs/1/cancel", nil)
	if again.Code != http.StatusConflict {
		t.Errorf("Expected 409 for double cancel, got %d", again.Code)
	}
}

// TestRetryJob tests manual retry over the API
func TestRetryJob(t *testing.T) {
	srv, st := newTestServer(t)

	doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{ScriptBody: "true\n"})
	job, _ := st.GetJobBySequenceNumber(1)
	st.TransitionJobState(job.ID, models.JobStatusAssigned, "")
	st.TransitionJobState(job.ID, models.JobStatusRunning, "")
	st.TransitionJobState(job.ID, models.JobStatusFailed, "exited with code 1")

	rr := doJSON(t, srv, "POST", "/api/v1/jobs/1/retry", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	updated, _ := st.GetJobBySequenceNumber(1)
	if updated.Status != models.JobStatusRetrying {
		t.Errorf("Expected retrying status, got %s", updated.Status)
	}
	if updated.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", updated.RetryCount)
	}
}

// TestListJobs_StateFilter tests the state query parameter
func TestListJobs_StateFilter(t *testing.T) {
	srv, st := newTestServer(t)

	doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{ScriptBody: "true\n"})
	doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{ScriptBody: "true\n"})
	job, _ := st.GetJobBySequenceNumber(1)
	st.CancelJob(job.ID)

	rr := doJSON(t, srv, "GET", "/api/v1/jobs?state=queued", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	var jobs []*models.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("Expected 1 queued job, got %d", len(jobs))
	}
}

// TestTracedRouter tests that requests pass through the tracing
// middleware when a provider is configured
func TestTracedRouter(t *testing.T) {
	st := store.NewMemoryStore()
	tracer, err := tracing.New(tracing.Config{ServiceName: "batchd-test"})
	if err != nil {
		t.Fatalf("Failed to init tracing: %v", err)
	}
	srv := NewServer(st, submit.NewService(st, nil), NewMetrics(st), t.TempDir(), tracer)

	rr := doJSON(t, srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 through the traced router, got %d", rr.Code)
	}
	if rr.Header().Get("traceparent") == "" {
		t.Error("Expected traceparent header on the response")
	}
}

// TestHealthz tests the health endpoint
func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 from healthz, got %d", rr.Code)
	}
}

// TestMetricsEndpoint tests the Prometheus scrape output
func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	doJSON(t, srv, "POST", "/api/v1/jobs", SubmitRequest{ScriptBody: "true\n"})

	rr := doJSON(t, srv, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 from metrics, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "batchd_queue_length") {
		t.Errorf("Expected batchd_queue_length in scrape output, got:\n%s", body)
	}
	if !strings.Contains(body, `batchd_jobs_by_state{state="queued"} 1`) {
		t.Errorf("Expected queued gauge of 1 in scrape output, got:\n%s", body)
	}
}

// TestListNodes tests node listing
func TestListNodes(t *testing.T) {
	srv, st := newTestServer(t)
	st.RegisterNode(&models.Node{ID: "n1", Name: "host1", Slots: 2, Status: "available"})

	rr := doJSON(t, srv, "GET", "/api/v1/nodes", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	var nodes []*models.Node
	if err := json.Unmarshal(rr.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "host1" {
		t.Errorf("Expected one node host1, got %v", nodes)
	}
}
