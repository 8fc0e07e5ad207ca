package cmd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	old := serverURL
	serverURL = srv.URL
	t.Cleanup(func() { serverURL = old })
}

// TestAPICall_NoRetryOnClientError tests that a 4xx response is
// returned immediately without further attempts
func TestAPICall_NoRetryOnClientError(t *testing.T) {
	var calls int32
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"job not found"}`))
	})

	_, err := apiCall("POST", "/api/v1/jobs/9999/cancel", nil)
	if err == nil {
		t.Fatal("Expected an error for a 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("Expected the server's message in the error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected exactly 1 attempt for a 404, got %d", n)
	}
}

// TestAPICall_RetriesServerError tests that 5xx responses are retried
// until the server recovers
func TestAPICall_RetriesServerError(t *testing.T) {
	var calls int32
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	})

	body, err := apiCall("GET", "/api/v1/jobs", nil)
	if err != nil {
		t.Fatalf("Expected recovery after retries, got %v", err)
	}
	if string(body) != `[]` {
		t.Errorf("Expected response body from the final attempt, got %q", body)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

// TestAPICall_SubmitNotRetried tests that job submission gets exactly
// one attempt even on a retryable status
func TestAPICall_SubmitNotRetried(t *testing.T) {
	var calls int32
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := apiCall("POST", "/api/v1/jobs", map[string]string{"script_body": "true\n"})
	if err == nil {
		t.Fatal("Expected an error for a failed submit")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected a single submit attempt, got %d", n)
	}
}
