package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// TestDisabledProvider tests that a disabled provider still produces
// usable spans and shuts down cleanly
func TestDisabledProvider(t *testing.T) {
	p, err := New(Config{ServiceName: "batchd-test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, span := p.StartSpan(context.Background(), "test.op")
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Error("Expected a valid span context even with export disabled")
	}
	span.End()

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

// TestHTTPMiddleware tests status passthrough and trace context
// injection into the response
func TestHTTPMiddleware(t *testing.T) {
	p, err := New(Config{ServiceName: "batchd-test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !trace.SpanFromContext(r.Context()).SpanContext().IsValid() {
			t.Error("Expected handler to see the request span")
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/jobs/9999", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 passed through the middleware, got %d", rr.Code)
	}
	if rr.Header().Get("traceparent") == "" {
		t.Error("Expected traceparent header injected into the response")
	}
}
