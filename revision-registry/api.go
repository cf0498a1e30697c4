package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/pipeline"
	"github.com/animus-labs/transit-ingest/internal/platform/auth"
	"github.com/animus-labs/transit-ingest/internal/platform/httpserver"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

type pipelineStarter interface {
	Start(ctx context.Context, revisionID, actor, requestID string) (domain.TaskResult, error)
}

type revisionPublisher interface {
	Publish(ctx context.Context, req pipeline.PublishRequest) (domain.DatasetRevision, error)
	Deactivate(ctx context.Context, revisionID, actor, requestID string) (domain.DatasetRevision, error)
}

// taskReader is the progress cache; it may lag or miss entries.
type taskReader interface {
	Get(ctx context.Context, taskID string) (domain.TaskResult, bool, error)
}

type revisionRegistryAPI struct {
	logger         *slog.Logger
	store          repo.Store
	objects        objectstore.Store
	bucket         string
	starter        pipelineStarter
	publisher      revisionPublisher
	tasks          taskReader
	uploadMaxBytes int64
	uploadTimeout  time.Duration
	now            func() time.Time
}

func newRevisionRegistryAPI(logger *slog.Logger, store repo.Store, objects objectstore.Store, bucket string, starter pipelineStarter, publisher revisionPublisher, tasks taskReader) *revisionRegistryAPI {
	return &revisionRegistryAPI{
		logger:         logger,
		store:          store,
		objects:        objects,
		bucket:         bucket,
		starter:        starter,
		publisher:      publisher,
		tasks:          tasks,
		uploadMaxBytes: 250 << 20, // 250 MiB
		uploadTimeout:  10 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (api *revisionRegistryAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /datasets", api.handleCreateDataset)
	mux.HandleFunc("GET /datasets/{dataset_id}", api.handleGetDataset)
	mux.HandleFunc("GET /datasets/{dataset_id}/revisions", api.handleListRevisions)
	mux.HandleFunc("POST /datasets/{dataset_id}/revisions", api.handleSubmitRevision)

	mux.HandleFunc("GET /revisions/{revision_id}", api.handleGetRevision)
	mux.HandleFunc("POST /revisions/{revision_id}/resubmit", api.handleResubmitRevision)
	mux.HandleFunc("GET /revisions/{revision_id}/tasks", api.handleListTasks)
	mux.HandleFunc("GET /revisions/{revision_id}/violations", api.handleListViolations)
	mux.HandleFunc("GET /tasks/{task_id}", api.handleGetTask)
	mux.HandleFunc("POST /revisions/{revision_id}/publish", api.handlePublish)
	mux.HandleFunc("POST /revisions/{revision_id}/deactivate", api.handleDeactivate)
}

type dataset struct {
	DatasetID      string    `json:"dataset_id"`
	OrganisationID string    `json:"organisation_id"`
	Kind           string    `json:"kind"`
	Name           string    `json:"name"`
	LiveRevisionID string    `json:"live_revision_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
}

type revision struct {
	RevisionID    string     `json:"revision_id"`
	DatasetID     string     `json:"dataset_id"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	IsPublished   bool       `json:"is_published"`
	URLLink       string     `json:"url_link,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	ContentSHA256 string     `json:"content_sha256,omitempty"`
	SizeBytes     int64      `json:"size_bytes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ModifiedAt    time.Time  `json:"modified_at"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	PublishedBy   string     `json:"published_by,omitempty"`
}

type taskResult struct {
	TaskID         string     `json:"task_id"`
	RevisionID     string     `json:"revision_id"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	Stage          string     `json:"stage,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	AdditionalInfo string     `json:"additional_info,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

type violation struct {
	Category  string `json:"category"`
	Filename  string `json:"filename"`
	Line      int    `json:"line,omitempty"`
	Details   string `json:"details"`
	Reference string `json:"reference,omitempty"`
}

type createDatasetRequest struct {
	OrganisationID string `json:"organisation_id"`
	Kind           string `json:"kind"`
	Name           string `json:"name"`
}

type submitURLRequest struct {
	URLLink     string `json:"url_link"`
	URLUsername string `json:"url_username,omitempty"`
	URLPassword string `json:"url_password,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type publishRequest struct {
	Consent bool `json:"consent"`
}

func (api *revisionRegistryAPI) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	d := domain.Dataset{
		ID:             uuid.NewString(),
		OrganisationID: strings.TrimSpace(req.OrganisationID),
		Kind:           domain.DatasetKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Name:           strings.TrimSpace(req.Name),
		CreatedAt:      api.now(),
		CreatedBy:      actorFromRequest(r),
	}
	if err := d.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_dataset")
		return
	}

	err := api.store.WithinTx(r.Context(), func(tx repo.Repositories) error {
		if err := tx.Datasets().CreateDataset(r.Context(), d); err != nil {
			return err
		}
		_, err := tx.Events().AppendAudit(r.Context(), domain.AuditEvent{
			OccurredAt:   d.CreatedAt,
			Actor:        d.CreatedBy,
			Action:       "dataset.create",
			ResourceType: "dataset",
			ResourceID:   d.ID,
			RequestID:    requestID(r),
			Payload: domain.Metadata{
				"organisation_id": d.OrganisationID,
				"kind":            string(d.Kind),
				"name":            d.Name,
			},
		})
		return err
	})
	if err != nil {
		api.writeStoreError(w, r, "create dataset failed", err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toDataset(d))
}

func (api *revisionRegistryAPI) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	d, err := api.store.Datasets().GetDataset(r.Context(), r.PathValue("dataset_id"))
	if err != nil {
		api.writeStoreError(w, r, "get dataset failed", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toDataset(d))
}

func (api *revisionRegistryAPI) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	datasetID := strings.TrimSpace(r.PathValue("dataset_id"))
	if _, err := api.store.Datasets().GetDataset(r.Context(), datasetID); err != nil {
		api.writeStoreError(w, r, "get dataset failed", err)
		return
	}
	filter := repo.RevisionFilter{DatasetID: datasetID}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		filter.Status = domain.NormalizeRevisionStatus(raw)
		if filter.Status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
	}
	revs, err := api.store.Revisions().ListRevisions(r.Context(), filter)
	if err != nil {
		api.writeStoreError(w, r, "list revisions failed", err)
		return
	}
	out := make([]revision, 0, len(revs))
	for _, rev := range revs {
		out = append(out, toRevision(rev))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"revisions": out})
}

// handleSubmitRevision accepts either a multipart upload with a "file" part
// or a JSON body naming a remote URL.
func (api *revisionRegistryAPI) handleSubmitRevision(w http.ResponseWriter, r *http.Request) {
	d, err := api.store.Datasets().GetDataset(r.Context(), r.PathValue("dataset_id"))
	if err != nil {
		api.writeStoreError(w, r, "get dataset failed", err)
		return
	}
	rev := domain.DatasetRevision{
		ID:        uuid.NewString(),
		DatasetID: d.ID,
		Kind:      d.Kind,
		Status:    domain.RevisionDraftPending,
		CreatedAt: api.now(),
	}

	if isMultipart(r) {
		up, status, code := api.receiveUpload(w, r, rev.DatasetID, rev.ID)
		if code != "" {
			api.writeError(w, r, status, code)
			return
		}
		rev.ObjectKey = up.key
		rev.ContentSHA256 = up.sha256
		rev.SizeBytes = up.size
		rev.Comment = up.comment
	} else {
		var req submitURLRequest
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		rev.URLLink = strings.TrimSpace(req.URLLink)
		rev.URLUsername = strings.TrimSpace(req.URLUsername)
		rev.URLPassword = req.URLPassword
		rev.Comment = strings.TrimSpace(req.Comment)
		if !validURL(rev.URLLink) {
			api.writeError(w, r, http.StatusBadRequest, "url_link_invalid")
			return
		}
	}
	rev.ModifiedAt = rev.CreatedAt
	if err := rev.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_revision")
		return
	}

	if err := api.store.Revisions().CreateRevision(r.Context(), rev); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			api.writeError(w, r, http.StatusConflict, "draft_exists")
			return
		}
		api.writeStoreError(w, r, "create revision failed", err)
		return
	}

	task, err := api.starter.Start(r.Context(), rev.ID, actorFromRequest(r), requestID(r))
	if err != nil {
		api.writeStoreError(w, r, "start pipeline failed", err)
		return
	}
	stored, err := api.store.Revisions().GetRevision(r.Context(), rev.ID)
	if err != nil {
		api.writeStoreError(w, r, "get revision failed", err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"revision": toRevision(stored),
		"task":     toTaskResult(task),
	})
}

// handleResubmitRevision re-runs the pipeline on an unpublished revision,
// optionally replacing its uploaded payload first.
func (api *revisionRegistryAPI) handleResubmitRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := api.store.Revisions().GetRevision(r.Context(), r.PathValue("revision_id"))
	if err != nil {
		api.writeStoreError(w, r, "get revision failed", err)
		return
	}
	if !domain.CanRestartPipeline(rev) {
		api.writeError(w, r, http.StatusConflict, "invalid_transition")
		return
	}
	if isMultipart(r) {
		if rev.URLLink != "" {
			api.writeError(w, r, http.StatusBadRequest, "revision_is_url_backed")
			return
		}
		up, status, code := api.receiveUpload(w, r, rev.DatasetID, rev.ID)
		if code != "" {
			api.writeError(w, r, status, code)
			return
		}
		if err := api.store.Revisions().UpdatePayload(r.Context(), rev.ID, up.key, up.sha256, up.size); err != nil {
			if delErr := api.objects.Delete(r.Context(), api.bucket, up.key); delErr != nil {
				api.logger.Warn("orphaned upload not removed", "object_key", up.key, "error", delErr)
			}
			api.writeStoreError(w, r, "update payload failed", err)
			return
		}
	}

	task, err := api.starter.Start(r.Context(), rev.ID, actorFromRequest(r), requestID(r))
	if err != nil {
		api.writeStoreError(w, r, "start pipeline failed", err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, toTaskResult(task))
}

func (api *revisionRegistryAPI) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := api.store.Revisions().GetRevision(r.Context(), r.PathValue("revision_id"))
	if err != nil {
		api.writeStoreError(w, r, "get revision failed", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRevision(rev))
}

func (api *revisionRegistryAPI) handleListTasks(w http.ResponseWriter, r *http.Request) {
	revisionID := strings.TrimSpace(r.PathValue("revision_id"))
	if _, err := api.store.Revisions().GetRevision(r.Context(), revisionID); err != nil {
		api.writeStoreError(w, r, "get revision failed", err)
		return
	}
	tasks, err := api.store.TaskResults().ListTaskResults(r.Context(), revisionID)
	if err != nil {
		api.writeStoreError(w, r, "list tasks failed", err)
		return
	}
	// The cache sees the running stage before the database row does.
	if len(tasks) > 0 && api.tasks != nil && !tasks[0].Status.Terminal() {
		cached, ok, err := api.tasks.Get(r.Context(), tasks[0].TaskID)
		switch {
		case err != nil:
			api.logger.Warn("task cache read failed", "task_id", tasks[0].TaskID, "error", err)
		case ok && cached.Progress >= tasks[0].Progress:
			cached.RevisionID = tasks[0].RevisionID
			cached.CreatedAt = tasks[0].CreatedAt
			tasks[0] = cached
		}
	}
	out := make([]taskResult, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toTaskResult(task))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// handleGetTask answers status polls from the task cache and reads the
// database only on a miss.
func (api *revisionRegistryAPI) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.PathValue("task_id"))
	if api.tasks != nil {
		cached, ok, err := api.tasks.Get(r.Context(), taskID)
		switch {
		case err != nil:
			api.logger.Warn("task cache read failed", "task_id", taskID, "error", err)
		case ok:
			api.writeJSON(w, http.StatusOK, toTaskResult(cached))
			return
		}
	}
	task, err := api.store.TaskResults().GetTaskResult(r.Context(), taskID)
	if err != nil {
		api.writeStoreError(w, r, "get task failed", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toTaskResult(task))
}

var violationCategories = []domain.ViolationCategory{
	domain.CategorySchema,
	domain.CategoryPTI,
	domain.CategoryPostSchema,
	domain.CategoryCrossRevision,
	domain.CategoryDataQuality,
}

func (api *revisionRegistryAPI) handleListViolations(w http.ResponseWriter, r *http.Request) {
	revisionID := strings.TrimSpace(r.PathValue("revision_id"))
	if _, err := api.store.Revisions().GetRevision(r.Context(), revisionID); err != nil {
		api.writeStoreError(w, r, "get revision failed", err)
		return
	}
	categories := violationCategories
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		category := domain.ViolationCategory(strings.ToLower(raw))
		if !knownCategory(category) {
			api.writeError(w, r, http.StatusBadRequest, "invalid_category")
			return
		}
		categories = []domain.ViolationCategory{category}
	}
	out := make([]violation, 0)
	for _, category := range categories {
		rows, err := api.store.Violations().ListViolations(r.Context(), revisionID, category)
		if err != nil {
			api.writeStoreError(w, r, "list violations failed", err)
			return
		}
		for _, row := range rows {
			out = append(out, violation{
				Category:  string(category),
				Filename:  row.Filename,
				Line:      row.Line,
				Details:   row.Details,
				Reference: row.Reference,
			})
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"violations": out})
}

func (api *revisionRegistryAPI) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	rev, err := api.publisher.Publish(r.Context(), pipeline.PublishRequest{
		RevisionID: r.PathValue("revision_id"),
		Actor:      actorFromRequest(r),
		RequestID:  requestID(r),
		Consent:    req.Consent,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrConsentRequired) {
			api.writeError(w, r, http.StatusConflict, "consent_required")
			return
		}
		api.writeStoreError(w, r, "publish failed", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRevision(rev))
}

func (api *revisionRegistryAPI) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	rev, err := api.publisher.Deactivate(r.Context(), r.PathValue("revision_id"), actorFromRequest(r), requestID(r))
	if err != nil {
		api.writeStoreError(w, r, "deactivate failed", err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRevision(rev))
}

type upload struct {
	key     string
	sha256  string
	size    int64
	comment string
}

// receiveUpload streams the "file" part into the revisions bucket while
// hashing it. A non-empty code reports a client error.
func (api *revisionRegistryAPI) receiveUpload(w http.ResponseWriter, r *http.Request, datasetID, revisionID string) (upload, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, api.uploadMaxBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		return upload{}, http.StatusBadRequest, "invalid_multipart"
	}

	var up upload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return upload{}, http.StatusBadRequest, "invalid_multipart"
		}
		switch part.FormName() {
		case "comment":
			raw, err := io.ReadAll(io.LimitReader(part, 4096))
			_ = part.Close()
			if err != nil {
				return upload{}, http.StatusBadRequest, "invalid_comment"
			}
			up.comment = strings.TrimSpace(string(raw))
		case "file":
			if up.key != "" {
				_ = part.Close()
				return upload{}, http.StatusBadRequest, "multiple_files_not_supported"
			}
			filename := sanitizeFilename(part.FileName())
			contentType := strings.TrimSpace(part.Header.Get("Content-Type"))
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			key := fmt.Sprintf("%s/%s/%d-%s", datasetID, revisionID, api.now().UnixNano(), filename)
			hasher := sha256.New()
			counter := &countingWriter{}
			reader := io.TeeReader(part, io.MultiWriter(hasher, counter))

			uploadCtx, cancel := context.WithTimeout(r.Context(), api.uploadTimeout)
			_, putErr := api.objects.Put(uploadCtx, api.bucket, key, reader, -1, contentType)
			cancel()
			_ = part.Close()
			if putErr != nil {
				api.logger.Warn("upload failed", "revision_id", revisionID, "error", putErr)
				return upload{}, http.StatusBadRequest, "upload_failed"
			}
			up.key = key
			up.sha256 = hex.EncodeToString(hasher.Sum(nil))
			up.size = counter.n
		default:
			_ = part.Close()
		}
	}
	if up.key == "" {
		return upload{}, http.StatusBadRequest, "file_required"
	}
	if up.size == 0 {
		return upload{}, http.StatusBadRequest, "file_empty"
	}
	return up, 0, ""
}

func toDataset(d domain.Dataset) dataset {
	return dataset{
		DatasetID:      d.ID,
		OrganisationID: d.OrganisationID,
		Kind:           string(d.Kind),
		Name:           d.Name,
		LiveRevisionID: d.LiveRevisionID,
		CreatedAt:      d.CreatedAt,
		CreatedBy:      d.CreatedBy,
	}
}

// toRevision never exposes URL credentials.
func toRevision(rev domain.DatasetRevision) revision {
	return revision{
		RevisionID:    rev.ID,
		DatasetID:     rev.DatasetID,
		Kind:          string(rev.Kind),
		Status:        string(rev.Status),
		IsPublished:   rev.IsPublished,
		URLLink:       rev.URLLink,
		Comment:       rev.Comment,
		ContentSHA256: rev.ContentSHA256,
		SizeBytes:     rev.SizeBytes,
		CreatedAt:     rev.CreatedAt,
		ModifiedAt:    rev.ModifiedAt,
		PublishedAt:   rev.PublishedAt,
		PublishedBy:   rev.PublishedBy,
	}
}

func toTaskResult(task domain.TaskResult) taskResult {
	return taskResult{
		TaskID:         task.TaskID,
		RevisionID:     task.RevisionID,
		Status:         string(task.Status),
		Progress:       task.Progress,
		Stage:          task.Stage,
		ErrorCode:      string(task.ErrorCode),
		AdditionalInfo: task.AdditionalInfo,
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
		CompletedAt:    task.CompletedAt,
	}
}

func knownCategory(c domain.ViolationCategory) bool {
	for _, known := range violationCategories {
		if c == known {
			return true
		}
	}
	return false
}

func actorFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Subject) != "" {
		return identity.Subject
	}
	return "anonymous"
}

func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return strings.TrimSpace(r.Header.Get("X-Request-Id"))
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/")
}

func validURL(raw string) bool {
	if raw == "" {
		return false
	}
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *revisionRegistryAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *revisionRegistryAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID(r),
	})
}

// writeStoreError maps repository sentinels onto HTTP statuses and logs
// anything unexpected.
func (api *revisionRegistryAPI) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrInvalidTransition):
		api.writeError(w, r, http.StatusConflict, "invalid_transition")
	case errors.Is(err, repo.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "conflict")
	default:
		api.logger.Error(msg, "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func sanitizeFilename(name string) string {
	base := path.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == "/" {
		return "upload.zip"
	}
	return base
}
