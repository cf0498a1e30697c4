package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
)

type RevisionFilter struct {
	DatasetID string
	Status    domain.RevisionStatus
	Limit     int
}

// DatasetRepository manages the dataset containers revisions belong to.
type DatasetRepository interface {
	CreateDataset(ctx context.Context, dataset domain.Dataset) error
	GetDataset(ctx context.Context, id string) (domain.Dataset, error)
	// LockDataset reads the dataset row and holds a row lock until the
	// surrounding transaction ends.
	LockDataset(ctx context.Context, id string) (domain.Dataset, error)
	SetLiveRevision(ctx context.Context, datasetID, revisionID string) error
}

// RevisionRepository manages revisions and their lifecycle status.
type RevisionRepository interface {
	CreateRevision(ctx context.Context, rev domain.DatasetRevision) error
	GetRevision(ctx context.Context, id string) (domain.DatasetRevision, error)
	ListRevisions(ctx context.Context, filter RevisionFilter) ([]domain.DatasetRevision, error)
	GetDraft(ctx context.Context, datasetID string) (domain.DatasetRevision, error)
	GetLiveRevision(ctx context.Context, datasetID string) (domain.DatasetRevision, error)
	// UpdatePayload replaces the payload of an unpublished revision that is
	// not indexing; a running revision yields ErrInvalidTransition.
	UpdatePayload(ctx context.Context, id string, objectKey string, sha256 string, size int64) error
	// RecordRetrievedPayload is UpdatePayload for the retrieve stage and
	// only applies while the revision is indexing.
	RecordRetrievedPayload(ctx context.Context, id string, objectKey string, sha256 string, size int64) error
	// TransitionRevision moves id from one status to another and returns
	// ErrInvalidTransition when the stored status is not from or the edge is illegal.
	TransitionRevision(ctx context.Context, id string, from, to domain.RevisionStatus) error
	MarkPublished(ctx context.Context, id string, actor string, at time.Time) error
	ListLiveURLRevisions(ctx context.Context, limit int) ([]domain.DatasetRevision, error)
}

// TaskResultRepository manages per-run bookkeeping.
type TaskResultRepository interface {
	CreateTaskResult(ctx context.Context, task domain.TaskResult) error
	GetTaskResult(ctx context.Context, taskID string) (domain.TaskResult, error)
	LatestTaskResult(ctx context.Context, revisionID string) (domain.TaskResult, error)
	ListTaskResults(ctx context.Context, revisionID string) ([]domain.TaskResult, error)
	// UpdateTaskResult applies u unless the stored result is terminal and
	// reports whether a row changed.
	UpdateTaskResult(ctx context.Context, taskID string, u domain.TaskUpdate) (bool, error)
}

// ViolationRepository stores defect rows grouped by category.
type ViolationRepository interface {
	ReplaceViolations(ctx context.Context, revisionID string, category domain.ViolationCategory, rows []domain.Violation) error
	ListViolations(ctx context.Context, revisionID string, category domain.ViolationCategory) ([]domain.Violation, error)
	CountViolations(ctx context.Context, revisionID string, category domain.ViolationCategory) (int, error)
}

// FileAttributeRepository stores extracted metadata per data file.
type FileAttributeRepository interface {
	ReplaceFileAttributes(ctx context.Context, revisionID string, attrs []domain.FileAttributes) error
	ListFileAttributes(ctx context.Context, revisionID string) ([]domain.FileAttributes, error)
}

// RemoteTaskRepository tracks jobs on external validators.
type RemoteTaskRepository interface {
	UpsertRemoteTask(ctx context.Context, task domain.RemoteTask) (domain.RemoteTask, error)
	GetRemoteTask(ctx context.Context, revisionID string, service domain.RemoteService) (domain.RemoteTask, error)
	ListPendingRemoteTasks(ctx context.Context, service domain.RemoteService, limit int) ([]domain.RemoteTask, error)
	UpdateRemoteTaskStatus(ctx context.Context, id string, status domain.RemoteTaskStatus, message string, reportKey string) (bool, error)
}

// OutboxMessage is a unit of work committed alongside the state change that produced it.
type OutboxMessage struct {
	ID           string
	Subject      string
	Payload      []byte
	CreatedAt    time.Time
	DispatchedAt *time.Time
	Attempts     int
}

// OutboxRepository is the transactional outbox feeding the work queue.
type OutboxRepository interface {
	ClaimPending(ctx context.Context, limit int, fn func(msg OutboxMessage) error) (int, error)
}

// OutboxWriter enqueues work inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, subject string, payload []byte) (string, error)
}

// EventAppender writes append-only audit and lineage records.
type EventAppender interface {
	AppendAudit(ctx context.Context, event domain.AuditEvent) (int64, error)
	AppendLineage(ctx context.Context, edge domain.LineageEdge) error
}

// Repositories bundles every repository bound to one connection or transaction.
type Repositories interface {
	Datasets() DatasetRepository
	Revisions() RevisionRepository
	TaskResults() TaskResultRepository
	Violations() ViolationRepository
	FileAttributes() FileAttributeRepository
	RemoteTasks() RemoteTaskRepository
	Outbox() OutboxWriter
	Events() EventAppender
}

// Store exposes repositories and runs groups of writes atomically.
type Store interface {
	Repositories
	Relay() OutboxRepository
	WithinTx(ctx context.Context, fn func(tx Repositories) error) error
}
