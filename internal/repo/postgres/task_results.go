package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

const (
	taskResultColumns = `task_id, revision_id, pipeline, status, progress, COALESCE(stage, ''), COALESCE(error_code, ''),
		COALESCE(additional_info, ''), created_at, updated_at, completed_at`

	insertTaskResultQuery = `INSERT INTO task_results (
		task_id,
		revision_id,
		pipeline,
		status,
		progress,
		stage,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`

	selectTaskResultQuery = `SELECT ` + taskResultColumns + ` FROM task_results WHERE task_id = $1`

	latestTaskResultQuery = `SELECT ` + taskResultColumns + ` FROM task_results
	 WHERE revision_id = $1
	 ORDER BY created_at DESC
	 LIMIT 1`

	listTaskResultsQuery = `SELECT ` + taskResultColumns + ` FROM task_results
	 WHERE revision_id = $1
	 ORDER BY created_at DESC`

	// Terminal rows are never rewritten and progress only moves forward.
	updateTaskResultQuery = `UPDATE task_results SET
		status = COALESCE(NULLIF($2::text, ''), status),
		progress = CASE WHEN $2::text = 'success' THEN 100 ELSE GREATEST(progress, $3::int) END,
		stage = COALESCE(NULLIF($4::text, ''), stage),
		error_code = COALESCE(NULLIF($5::text, ''), error_code),
		additional_info = COALESCE(NULLIF($6::text, ''), additional_info),
		updated_at = $7,
		completed_at = CASE WHEN $2::text IN ('success','failure') THEN $7 ELSE completed_at END
	 WHERE task_id = $1 AND status NOT IN ('success','failure')`
)

type TaskResultStore struct {
	db DB
}

func NewTaskResultStore(db DB) *TaskResultStore {
	if db == nil {
		return nil
	}
	return &TaskResultStore{db: db}
}

func (s *TaskResultStore) CreateTaskResult(ctx context.Context, task domain.TaskResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task result store not initialized")
	}
	if strings.TrimSpace(task.TaskID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(task.RevisionID) == "" {
		return fmt.Errorf("revision id is required")
	}
	status := task.Status
	if status == "" {
		status = domain.TaskPending
	}
	_, err := s.db.ExecContext(
		ctx,
		insertTaskResultQuery,
		strings.TrimSpace(task.TaskID),
		strings.TrimSpace(task.RevisionID),
		strings.TrimSpace(task.Pipeline),
		string(status),
		domain.ClampProgress(task.Progress),
		nullIfEmpty(task.Stage),
		normalizeTime(task.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert task result: %w", err)
	}
	return nil
}

func (s *TaskResultStore) GetTaskResult(ctx context.Context, taskID string) (domain.TaskResult, error) {
	if s == nil || s.db == nil {
		return domain.TaskResult{}, fmt.Errorf("task result store not initialized")
	}
	return scanTaskResult(s.db.QueryRowContext(ctx, selectTaskResultQuery, strings.TrimSpace(taskID)))
}

func (s *TaskResultStore) LatestTaskResult(ctx context.Context, revisionID string) (domain.TaskResult, error) {
	if s == nil || s.db == nil {
		return domain.TaskResult{}, fmt.Errorf("task result store not initialized")
	}
	return scanTaskResult(s.db.QueryRowContext(ctx, latestTaskResultQuery, strings.TrimSpace(revisionID)))
}

func (s *TaskResultStore) ListTaskResults(ctx context.Context, revisionID string) ([]domain.TaskResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task result store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listTaskResultsQuery, strings.TrimSpace(revisionID))
	if err != nil {
		return nil, fmt.Errorf("list task results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TaskResult, 0)
	for rows.Next() {
		task, err := scanTaskResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task results: %w", err)
	}
	return out, nil
}

func (s *TaskResultStore) UpdateTaskResult(ctx context.Context, taskID string, u domain.TaskUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("task result store not initialized")
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(
		ctx,
		updateTaskResultQuery,
		strings.TrimSpace(taskID),
		string(u.Status),
		domain.ClampProgress(u.Progress),
		strings.TrimSpace(u.Stage),
		string(u.ErrorCode),
		strings.TrimSpace(u.AdditionalInfo),
		at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("update task result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task result: %w", err)
	}
	return n > 0, nil
}

func scanTaskResult(scanner rowScanner) (domain.TaskResult, error) {
	var task domain.TaskResult
	var status, code string
	var completedAt sql.NullTime
	err := scanner.Scan(
		&task.TaskID,
		&task.RevisionID,
		&task.Pipeline,
		&status,
		&task.Progress,
		&task.Stage,
		&code,
		&task.AdditionalInfo,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskResult{}, repo.ErrNotFound
		}
		return domain.TaskResult{}, err
	}
	task.Status = domain.TaskStatus(status)
	task.ErrorCode = domain.ErrorCode(code)
	task.CompletedAt = timePtr(completedAt)
	return task, nil
}
