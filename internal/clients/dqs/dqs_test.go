package dqs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

// fakeDQS stores uploaded archives and serves them back as reports.
type fakeDQS struct {
	srv        *httptest.Server
	mu         sync.Mutex
	archives   map[string][]byte
	exitCode   *int
	statusFail atomic.Int32
}

func newFakeDQS(t *testing.T) *fakeDQS {
	t.Helper()
	f := &fakeDQS{archives: map[string][]byte{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /uploadurl", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"uuid": "job-1", "presigned_url": f.srv.URL + "/objects/job-1"})
	})
	mux.HandleFunc("PUT /objects/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.archives[r.PathValue("id")] = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /objects/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body, ok := f.archives[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if f.statusFail.Load() > 0 {
			f.statusFail.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"uuid": r.URL.Query().Get("uuid"), "job_exitcode": f.exitCode, "job_status": "RUNNING"})
	})
	mux.HandleFunc("GET /downloadurl", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"presigned_url": f.srv.URL + "/objects/" + r.URL.Query().Get("uuid")})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Timeout: time.Second, MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return c
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	f := newFakeDQS(t)
	c := newTestClient(t, f.srv.URL)
	original := []byte("PK\x03\x04binary payload \x00\xff with every byte kept")

	id, err := c.Upload(context.Background(), "revision.zip", bytes.NewReader(original))
	if err != nil {
		t.Fatalf("Upload() err=%v", err)
	}
	if id != "job-1" {
		t.Fatalf("task id=%q", id)
	}
	got, err := c.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download() err=%v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("round trip mismatch: %q vs %q", got, original)
	}
}

func TestStatus_ExitCodes(t *testing.T) {
	f := newFakeDQS(t)
	c := newTestClient(t, f.srv.URL)
	f.statusFail.Store(2)

	st, err := c.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Status() err=%v", err)
	}
	if st.State() != domain.RemotePending {
		t.Fatalf("null exit code must be pending, got %q", st.State())
	}

	for code, want := range map[int]domain.RemoteTaskStatus{0: domain.RemoteSuccess, 1: domain.RemoteFailure, 2: domain.RemotePending} {
		st := Status{ExitCode: &code}
		if st.State() != want {
			t.Fatalf("exit %d -> %q, want %q", code, st.State(), want)
		}
	}
}

func TestStatus_InvalidJSONExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"uuid":"job-1"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Status(context.Background(), "job-1")
	var pe *domain.PipelineError
	if !errors.As(err, &pe) || pe.Code != domain.ErrDataQuality {
		t.Fatalf("err=%v, want DataQualityError", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d, want 3", calls.Load())
	}
}

func tarGz(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		_ = tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: 2, Typeflag: tar.TypeReg})
		_, _ = tw.Write([]byte("{}"))
	}
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}

func TestDownload_RequiresSingleFile(t *testing.T) {
	for _, members := range [][]string{{}, {"a.json", "b.json"}} {
		archive := tarGz(t, members...)
		mux := http.NewServeMux()
		srv := httptest.NewServer(mux)
		mux.HandleFunc("GET /downloadurl", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"presigned_url": srv.URL + "/report"})
		})
		mux.HandleFunc("GET /report", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(archive)
		})

		_, err := newTestClient(t, srv.URL).Download(context.Background(), "job-1")
		srv.Close()
		var pe *domain.PipelineError
		if !errors.As(err, &pe) || pe.Code != domain.ErrDataQuality || !strings.Contains(pe.Info, "single file") {
			t.Fatalf("members=%v err=%v", members, err)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{BaseURL: "dqs.local", Timeout: time.Second, MaxAttempts: 1}).Validate(); err == nil {
		t.Fatalf("Validate() expected error for relative url")
	}
}
