package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/pipeline"
	"github.com/animus-labs/transit-ingest/internal/platform/auth"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
	"github.com/animus-labs/transit-ingest/internal/repo/memory"
)

type stubTasks struct {
	task  domain.TaskResult
	ok    bool
	reads int
}

func (s *stubTasks) Get(_ context.Context, taskID string) (domain.TaskResult, bool, error) {
	s.reads++
	if !s.ok || s.task.TaskID != taskID {
		return domain.TaskResult{}, false, nil
	}
	return s.task, true, nil
}

type testServer struct {
	t       *testing.T
	store   *memory.Store
	objects *objectstore.MemoryStore
	tasks   *stubTasks
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	objects := objectstore.NewMemoryStore()
	orch, err := pipeline.New(pipeline.Deps{Store: store, Objects: objects})
	if err != nil {
		t.Fatalf("pipeline.New() err=%v", err)
	}
	publisher, err := pipeline.NewPublisher(store, nil, nil)
	if err != nil {
		t.Fatalf("NewPublisher() err=%v", err)
	}
	tasks := &stubTasks{}
	api := newRevisionRegistryAPI(slog.New(slog.NewTextHandler(io.Discard, nil)), store, objects, "revisions", orch, publisher, tasks)
	mux := http.NewServeMux()
	api.register(mux)
	handler := auth.Middleware{
		Authenticator: auth.StaticAuthenticator{Identity: auth.Identity{Subject: "alice", Roles: []string{auth.RoleAdmin}}},
		Authorize:     auth.MethodRoleAuthorizer(),
	}.Wrap(mux)
	return &testServer{t: t, store: store, objects: objects, tasks: tasks, handler: handler}
}

func (s *testServer) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, "http://example.test"+path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Request-Id", "rid-1")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(method, path, body string) *httptest.ResponseRecorder {
	return s.do(method, path, strings.NewReader(body), "application/json")
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (s *testServer) createDataset(kind string) dataset {
	s.t.Helper()
	rec := s.doJSON(http.MethodPost, "/datasets", `{"organisation_id":"org-1","kind":"`+kind+`","name":"City buses"}`)
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("create dataset status=%d body=%s", rec.Code, rec.Body.String())
	}
	var d dataset
	decodeBody(s.t, rec, &d)
	return d
}

func (s *testServer) submitURL(datasetID string) revision {
	s.t.Helper()
	rec := s.doJSON(http.MethodPost, "/datasets/"+datasetID+"/revisions", `{"url_link":"https://operator.example.test/tt.zip","url_password":"secret"}`)
	if rec.Code != http.StatusAccepted {
		s.t.Fatalf("submit status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Revision revision   `json:"revision"`
		Task     taskResult `json:"task"`
	}
	decodeBody(s.t, rec, &out)
	if out.Task.TaskID == "" {
		s.t.Fatalf("missing task in %s", rec.Body.String())
	}
	return out.Revision
}

// finish moves an indexing revision to status as a pipeline run would.
func (s *testServer) finish(id string, status domain.RevisionStatus) {
	s.t.Helper()
	if err := s.store.TransitionRevision(context.Background(), id, domain.RevisionIndexing, status); err != nil {
		s.t.Fatalf("TransitionRevision() err=%v", err)
	}
}

func TestCreateDataset(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("timetable")
	if d.DatasetID == "" || d.Kind != "timetable" || d.CreatedBy != "alice" {
		t.Fatalf("dataset=%+v", d)
	}
	if audits := s.store.AuditEvents(); len(audits) != 1 || audits[0].Action != "dataset.create" || audits[0].RequestID != "rid-1" {
		t.Fatalf("audits=%+v", audits)
	}

	rec := s.do(http.MethodGet, "/datasets/"+d.DatasetID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d", rec.Code)
	}

	rec = s.doJSON(http.MethodPost, "/datasets", `{"organisation_id":"org-1","kind":"ferry","name":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid kind status=%d", rec.Code)
	}
	rec = s.do(http.MethodGet, "/datasets/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing dataset status=%d", rec.Code)
	}
}

func TestSubmitURLRevisionStartsPipeline(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("fares")
	rev := s.submitURL(d.DatasetID)
	if rev.Status != string(domain.RevisionIndexing) || rev.Kind != "fares" {
		t.Fatalf("revision=%+v", rev)
	}
	if strings.Contains(s.do(http.MethodGet, "/revisions/"+rev.RevisionID, nil, "").Body.String(), "secret") {
		t.Fatalf("revision response leaks url password")
	}
	if msgs := s.store.OutboxMessages(); len(msgs) != 1 {
		t.Fatalf("outbox=%d, want first stage enqueued", len(msgs))
	}

	rec := s.doJSON(http.MethodPost, "/datasets/"+d.DatasetID+"/revisions", `{"url_link":"https://operator.example.test/tt2.zip"}`)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "draft_exists") {
		t.Fatalf("second draft status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = s.doJSON(http.MethodPost, "/datasets/"+d.DatasetID+"/revisions", `{"url_link":"ftp://operator.example.test/tt.zip"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ftp url status=%d", rec.Code)
	}
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("comment", "weekday timetable"); err != nil {
		t.Fatalf("WriteField() err=%v", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() err=%v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("Write() err=%v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestSubmitUploadStoresPayload(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("timetable")
	data := []byte("PK\x03\x04 not really a zip")
	body, ct := multipartBody(t, "../timetables.zip", data)

	rec := s.do(http.MethodPost, "/datasets/"+d.DatasetID+"/revisions", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Revision revision `json:"revision"`
	}
	decodeBody(t, rec, &out)
	sum := sha256.Sum256(data)
	if out.Revision.ContentSHA256 != hex.EncodeToString(sum[:]) || out.Revision.SizeBytes != int64(len(data)) {
		t.Fatalf("revision=%+v", out.Revision)
	}
	if out.Revision.Comment != "weekday timetable" {
		t.Fatalf("comment=%q", out.Revision.Comment)
	}
	stored, err := s.store.GetRevision(context.Background(), out.Revision.RevisionID)
	if err != nil {
		t.Fatalf("GetRevision() err=%v", err)
	}
	if !strings.HasSuffix(stored.ObjectKey, "-timetables.zip") {
		t.Fatalf("object key=%q", stored.ObjectKey)
	}
	if _, err := s.objects.Stat(context.Background(), "revisions", stored.ObjectKey); err != nil {
		t.Fatalf("payload not stored: %v", err)
	}

	replacement, ct := multipartBody(t, "replacement.zip", []byte("PK\x03\x04 other"))
	rec = s.do(http.MethodPost, "/revisions/"+out.Revision.RevisionID+"/resubmit", replacement, ct)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "invalid_transition") {
		t.Fatalf("resubmit while indexing status=%d body=%s", rec.Code, rec.Body.String())
	}
	if again, _ := s.store.GetRevision(context.Background(), out.Revision.RevisionID); again.ObjectKey != stored.ObjectKey {
		t.Fatalf("payload replaced during indexing: %q", again.ObjectKey)
	}

	empty, ct := multipartBody(t, "empty.zip", nil)
	s.finish(out.Revision.RevisionID, domain.RevisionError)
	rec = s.do(http.MethodPost, "/revisions/"+out.Revision.RevisionID+"/resubmit", empty, ct)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "file_empty") {
		t.Fatalf("empty resubmit status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestResubmitRestartsFailedDraft(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("timetable")
	rev := s.submitURL(d.DatasetID)

	rec := s.do(http.MethodPost, "/revisions/"+rev.RevisionID+"/resubmit", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("resubmit while indexing status=%d", rec.Code)
	}

	s.finish(rev.RevisionID, domain.RevisionError)
	rec = s.do(http.MethodPost, "/revisions/"+rev.RevisionID+"/resubmit", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("resubmit status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/revisions/"+rev.RevisionID+"/tasks", nil, "")
	var out struct {
		Tasks []taskResult `json:"tasks"`
	}
	decodeBody(t, rec, &out)
	if len(out.Tasks) != 2 {
		t.Fatalf("tasks=%+v", out.Tasks)
	}
}

func TestListTasksPrefersFresherCache(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("timetable")
	rev := s.submitURL(d.DatasetID)

	latest, err := s.store.LatestTaskResult(context.Background(), rev.RevisionID)
	if err != nil {
		t.Fatalf("LatestTaskResult() err=%v", err)
	}
	s.tasks.ok = true
	s.tasks.task = domain.TaskResult{TaskID: latest.TaskID, Status: domain.TaskStarted, Progress: 40, Stage: "antivirus"}

	rec := s.do(http.MethodGet, "/revisions/"+rev.RevisionID+"/tasks", nil, "")
	var out struct {
		Tasks []taskResult `json:"tasks"`
	}
	decodeBody(t, rec, &out)
	if len(out.Tasks) != 1 || out.Tasks[0].Progress != 40 || out.Tasks[0].RevisionID != rev.RevisionID {
		t.Fatalf("tasks=%+v", out.Tasks)
	}
}

func TestGetTaskServesCacheFirst(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("timetable")
	rev := s.submitURL(d.DatasetID)
	latest, err := s.store.LatestTaskResult(context.Background(), rev.RevisionID)
	if err != nil {
		t.Fatalf("LatestTaskResult() err=%v", err)
	}

	// Miss: the database row answers.
	rec := s.do(http.MethodGet, "/tasks/"+latest.TaskID, nil, "")
	var got taskResult
	decodeBody(t, rec, &got)
	if rec.Code != http.StatusOK || got.Status != string(domain.TaskPending) || s.tasks.reads != 1 {
		t.Fatalf("miss status=%d task=%+v reads=%d", rec.Code, got, s.tasks.reads)
	}

	// Hit: the running stage is only known to the cache.
	s.tasks.ok = true
	s.tasks.task = domain.TaskResult{TaskID: latest.TaskID, RevisionID: rev.RevisionID, Status: domain.TaskStarted, Stage: "structural", Progress: 10}
	rec = s.do(http.MethodGet, "/tasks/"+latest.TaskID, nil, "")
	decodeBody(t, rec, &got)
	if got.Stage != "structural" || got.Status != string(domain.TaskStarted) {
		t.Fatalf("hit task=%+v", got)
	}

	rec = s.do(http.MethodGet, "/tasks/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task status=%d", rec.Code)
	}
}

func TestListViolations(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("timetable")
	rev := s.submitURL(d.DatasetID)
	ctx := context.Background()
	_ = s.store.ReplaceViolations(ctx, rev.RevisionID, domain.CategorySchema, []domain.Violation{
		{Filename: "a.xml", Line: 3, Details: "element Foo not expected"},
	})
	_ = s.store.ReplaceViolations(ctx, rev.RevisionID, domain.CategoryPTI, []domain.Violation{
		{Filename: "a.xml", Line: 9, Details: "missing OperatingPeriod", Reference: "PTI 2.1"},
		{Filename: "b.xml", Details: "no timing links"},
	})

	var out struct {
		Violations []violation `json:"violations"`
	}
	decodeBody(t, s.do(http.MethodGet, "/revisions/"+rev.RevisionID+"/violations", nil, ""), &out)
	if len(out.Violations) != 3 || out.Violations[0].Category != "schema" {
		t.Fatalf("violations=%+v", out.Violations)
	}

	out.Violations = nil
	decodeBody(t, s.do(http.MethodGet, "/revisions/"+rev.RevisionID+"/violations?category=pti", nil, ""), &out)
	if len(out.Violations) != 2 || out.Violations[0].Reference != "PTI 2.1" {
		t.Fatalf("pti violations=%+v", out.Violations)
	}

	rec := s.do(http.MethodGet, "/revisions/"+rev.RevisionID+"/violations?category=style", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown category status=%d", rec.Code)
	}
}

func TestPublishAndDeactivate(t *testing.T) {
	s := newTestServer(t)
	d := s.createDataset("timetable")
	rev := s.submitURL(d.DatasetID)

	rec := s.do(http.MethodPost, "/revisions/"+rev.RevisionID+"/publish", nil, "")
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "invalid_transition") {
		t.Fatalf("publish while indexing status=%d body=%s", rec.Code, rec.Body.String())
	}

	s.finish(rev.RevisionID, domain.RevisionError)
	rec = s.do(http.MethodPost, "/revisions/"+rev.RevisionID+"/publish", nil, "")
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "consent_required") {
		t.Fatalf("publish without consent status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = s.doJSON(http.MethodPost, "/revisions/"+rev.RevisionID+"/publish", `{"consent":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status=%d body=%s", rec.Code, rec.Body.String())
	}
	var live revision
	decodeBody(t, rec, &live)
	if live.Status != string(domain.RevisionLive) || !live.IsPublished || live.PublishedBy != "alice" {
		t.Fatalf("live=%+v", live)
	}
	var ds dataset
	decodeBody(t, s.do(http.MethodGet, "/datasets/"+d.DatasetID, nil, ""), &ds)
	if ds.LiveRevisionID != rev.RevisionID {
		t.Fatalf("dataset live revision=%q", ds.LiveRevisionID)
	}

	rec = s.do(http.MethodPost, "/revisions/"+rev.RevisionID+"/deactivate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodPost, "/revisions/"+rev.RevisionID+"/deactivate", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second deactivate status=%d", rec.Code)
	}
}

func TestUnknownRevisionIsNotFound(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/revisions/nope", "/revisions/nope/tasks", "/revisions/nope/violations"} {
		if rec := s.do(http.MethodGet, path, nil, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("GET %s status=%d", path, rec.Code)
		}
	}
	if rec := s.do(http.MethodPost, "/revisions/nope/publish", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("publish unknown status=%d", rec.Code)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename(""); got != "upload.zip" {
		t.Fatalf("sanitizeFilename(\"\")=%q, want upload.zip", got)
	}
	if got := sanitizeFilename("../evil.zip"); got != "evil.zip" {
		t.Fatalf("sanitizeFilename(\"../evil.zip\")=%q, want evil.zip", got)
	}
	if got := sanitizeFilename("/tmp/data.xml"); got != "data.xml" {
		t.Fatalf("sanitizeFilename(\"/tmp/data.xml\")=%q, want data.xml", got)
	}
}

func TestDecodeJSON_RejectsExtraValue(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader("{\"name\":\"a\"} {\"name\":\"b\"}"))
	var dst createDatasetRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeJSON_DisallowUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader("{\"name\":\"a\",\"extra\":1}"))
	var dst createDatasetRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}
