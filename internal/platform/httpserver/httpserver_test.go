package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingObserver struct {
	routes []string
}

func (o *recordingObserver) ObserveRequest(method, route, status string, _ float64) {
	o.routes = append(o.routes, method+" "+route+" "+status)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrap_SetsRequestIDHeader_WhenMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(testLogger(), "testsvc", nil, mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
}

func TestWrap_PreservesRequestIDHeader_WhenProvided(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		id, _ := RequestIDFromContext(r.Context())
		_, _ = io.WriteString(w, id)
	})
	h := Wrap(testLogger(), "testsvc", nil, mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
	if rec.Body.String() != "rid-123" {
		t.Fatalf("context request id=%q", rec.Body.String())
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(testLogger(), "testsvc", nil, mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestWrap_ObservesRoutePattern(t *testing.T) {
	obs := &recordingObserver{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /revisions/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Wrap(testLogger(), "testsvc", obs, mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/revisions/abc", nil))

	if len(obs.routes) != 1 || obs.routes[0] != "GET GET /revisions/{id} 204" {
		t.Fatalf("observed=%v", obs.routes)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadyzWithChecks("testsvc", ReadinessCheck{Name: "ok", Check: func(context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "\"status\":\"ready\"") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	fail := ReadyzWithChecks("testsvc", ReadinessCheck{Name: "fail", Check: func(context.Context) error { return context.Canceled }})
	rec = httptest.NewRecorder()
	fail.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "\"status\":\"not_ready\"") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
