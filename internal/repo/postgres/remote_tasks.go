package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

const (
	remoteTaskColumns = `remote_task_id, revision_id, service, remote_id, status, COALESCE(message, ''), COALESCE(report_key, ''), created_at, updated_at`

	// A resubmission replaces the previous job for the same revision and service.
	upsertRemoteTaskQuery = `INSERT INTO remote_tasks (
		remote_task_id,
		revision_id,
		service,
		remote_id,
		status,
		message,
		report_key,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	ON CONFLICT (revision_id, service) DO UPDATE SET
		remote_id = EXCLUDED.remote_id,
		status = EXCLUDED.status,
		message = EXCLUDED.message,
		report_key = EXCLUDED.report_key,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + remoteTaskColumns

	selectRemoteTaskQuery = `SELECT ` + remoteTaskColumns + ` FROM remote_tasks WHERE revision_id = $1 AND service = $2`

	listPendingRemoteTasksQuery = `SELECT ` + remoteTaskColumns + ` FROM remote_tasks
	 WHERE service = $1 AND status = 'pending'
	 ORDER BY created_at ASC
	 LIMIT $2`

	updateRemoteTaskStatusQuery = `UPDATE remote_tasks
	 SET status = $2, message = COALESCE($3, message), report_key = COALESCE($4, report_key), updated_at = $5
	 WHERE remote_task_id = $1 AND (status = 'pending' OR status = $2)`
)

type RemoteTaskStore struct {
	db DB
}

func NewRemoteTaskStore(db DB) *RemoteTaskStore {
	if db == nil {
		return nil
	}
	return &RemoteTaskStore{db: db}
}

func (s *RemoteTaskStore) UpsertRemoteTask(ctx context.Context, task domain.RemoteTask) (domain.RemoteTask, error) {
	if s == nil || s.db == nil {
		return domain.RemoteTask{}, fmt.Errorf("remote task store not initialized")
	}
	if strings.TrimSpace(task.RevisionID) == "" {
		return domain.RemoteTask{}, fmt.Errorf("revision id is required")
	}
	if task.Service == "" {
		return domain.RemoteTask{}, fmt.Errorf("service is required")
	}
	if strings.TrimSpace(task.RemoteID) == "" {
		return domain.RemoteTask{}, fmt.Errorf("remote id is required")
	}
	id := strings.TrimSpace(task.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := task.Status
	if status == "" {
		status = domain.RemotePending
	}
	row := s.db.QueryRowContext(
		ctx,
		upsertRemoteTaskQuery,
		id,
		strings.TrimSpace(task.RevisionID),
		string(task.Service),
		strings.TrimSpace(task.RemoteID),
		string(status),
		nullIfEmpty(task.Message),
		nullIfEmpty(task.ReportKey),
		normalizeTime(task.CreatedAt),
	)
	out, err := scanRemoteTask(row)
	if err != nil {
		return domain.RemoteTask{}, fmt.Errorf("upsert remote task: %w", err)
	}
	return out, nil
}

func (s *RemoteTaskStore) GetRemoteTask(ctx context.Context, revisionID string, service domain.RemoteService) (domain.RemoteTask, error) {
	if s == nil || s.db == nil {
		return domain.RemoteTask{}, fmt.Errorf("remote task store not initialized")
	}
	return scanRemoteTask(s.db.QueryRowContext(ctx, selectRemoteTaskQuery, strings.TrimSpace(revisionID), string(service)))
}

func (s *RemoteTaskStore) ListPendingRemoteTasks(ctx context.Context, service domain.RemoteService, limit int) ([]domain.RemoteTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("remote task store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listPendingRemoteTasksQuery, string(service), limit)
	if err != nil {
		return nil, fmt.Errorf("list remote tasks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RemoteTask, 0)
	for rows.Next() {
		task, err := scanRemoteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list remote tasks: %w", err)
	}
	return out, nil
}

func (s *RemoteTaskStore) UpdateRemoteTaskStatus(ctx context.Context, id string, status domain.RemoteTaskStatus, message string, reportKey string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("remote task store not initialized")
	}
	if !domain.CanTransitionRemoteTask(domain.RemotePending, status) {
		return false, fmt.Errorf("%w: pending -> %s", repo.ErrInvalidTransition, status)
	}
	res, err := s.db.ExecContext(ctx, updateRemoteTaskStatusQuery, strings.TrimSpace(id), string(status), nullIfEmpty(message), nullIfEmpty(reportKey), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update remote task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update remote task: %w", err)
	}
	return n > 0, nil
}

func scanRemoteTask(scanner rowScanner) (domain.RemoteTask, error) {
	var task domain.RemoteTask
	var service, status string
	err := scanner.Scan(&task.ID, &task.RevisionID, &service, &task.RemoteID, &status, &task.Message, &task.ReportKey, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RemoteTask{}, repo.ErrNotFound
		}
		return domain.RemoteTask{}, err
	}
	task.Service = domain.RemoteService(service)
	task.Status = domain.RemoteTaskStatus(status)
	return task, nil
}
