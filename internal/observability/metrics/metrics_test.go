package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestNormalizesPaths(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/sessions/scheduled-show-1770000000", http.StatusOK, 25*time.Millisecond)

	var out strings.Builder
	recorder.Write(&out)

	if !strings.Contains(out.String(), `streamloop_http_requests_total{method="GET",path="/api/sessions/:id",status="200"} 1`) {
		t.Fatalf("expected normalized request counter, got:\n%s", out.String())
	}
}

func TestSessionGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()
	recorder.SessionStopped()
	recorder.SessionDemoted()
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("expected gauge to floor at zero, got %d", got)
	}

	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionStopped()
	if got := recorder.ActiveSessions(); got != 1 {
		t.Fatalf("expected gauge of 1, got %d", got)
	}
}

func TestSupervisorCounts(t *testing.T) {
	recorder := New()
	recorder.ObserveSupervisorAttempt("start")
	recorder.ObserveSupervisorAttempt("start")
	recorder.ObserveSupervisorAttempt("stop")
	recorder.ObserveSupervisorFailure("stop")

	attempts, failures := recorder.SupervisorCounts()
	if attempts["start"] != 2 || attempts["stop"] != 1 {
		t.Fatalf("unexpected attempts: %v", attempts)
	}
	if failures["stop"] != 1 || failures["start"] != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
}

func TestWriteRendersSweepOutcomes(t *testing.T) {
	recorder := New()
	recorder.ObserveSweep("recovered", 2)
	recorder.ObserveSweep("demoted", 1)
	recorder.ObserveSweep("errors", 0)

	var out strings.Builder
	recorder.Write(&out)
	rendered := out.String()

	if !strings.Contains(rendered, `streamloop_reconciliation_total{kind="recovered"} 2`) {
		t.Fatalf("missing recovered counter:\n%s", rendered)
	}
	if !strings.Contains(rendered, `streamloop_reconciliation_total{kind="demoted"} 1`) {
		t.Fatalf("missing demoted counter:\n%s", rendered)
	}
	if strings.Contains(rendered, `kind="errors"`) {
		t.Fatalf("zero-count sweep outcome should not be rendered:\n%s", rendered)
	}
}

func TestHandlerSetsContentType(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(resp, req)

	if got := resp.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(resp.Body.String(), "streamloop_active_sessions 1") {
		t.Fatalf("expected active sessions gauge in body:\n%s", resp.Body.String())
	}
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `status="404"`) {
		t.Fatalf("expected 404 label in output:\n%s", out.String())
	}
}
