package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hermesbo/bufferorganizer/internal/dispatch"
)

func TestHTTPHandlerServesRegisteredMetrics(t *testing.T) {
	queue := dispatch.New(1, dispatch.DefaultCapacity)
	t.Cleanup(queue.Shutdown)

	c := New(queue)
	c.RecordTask("move", nil)
	c.ObserveOutstandingFlushes("vbkt1", 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	c.HTTPHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "bo_tasks_total") {
		t.Error("expected bo_tasks_total in exposition output")
	}
	if !strings.Contains(body, "bo_outstanding_flushes") {
		t.Error("expected bo_outstanding_flushes in exposition output")
	}
}

func TestWrapHTTPCountsRequestsByStatusCode(t *testing.T) {
	queue := dispatch.New(1, dispatch.DefaultCapacity)
	t.Cleanup(queue.Shutdown)

	c := New(queue)

	handler := c.WrapHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/rpc/Whatever", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	c.HTTPHandler().ServeHTTP(metricsRec, metricsReq)

	body := metricsRec.Body.String()
	if !strings.Contains(body, `bo_http_requests_total{code="418",method="POST"}`) {
		t.Errorf("expected a counted 418/POST request, got:\n%s", body)
	}
}
