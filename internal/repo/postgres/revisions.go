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
	revisionColumns = `revision_id, dataset_id, kind, is_published, status,
		COALESCE(object_key, ''), COALESCE(url_link, ''), COALESCE(url_username, ''), COALESCE(url_password, ''),
		COALESCE(comment, ''), COALESCE(content_sha256, ''), size_bytes, created_at, modified_at, published_at, COALESCE(published_by, '')`

	insertRevisionQuery = `INSERT INTO revisions (
		revision_id,
		dataset_id,
		kind,
		is_published,
		status,
		object_key,
		url_link,
		url_username,
		url_password,
		comment,
		content_sha256,
		size_bytes,
		created_at,
		modified_at
	) VALUES ($1,$2,$3,FALSE,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`

	selectRevisionQuery = `SELECT ` + revisionColumns + ` FROM revisions WHERE revision_id = $1`

	selectDraftQuery = `SELECT ` + revisionColumns + ` FROM revisions
	 WHERE dataset_id = $1 AND NOT is_published`

	selectLiveRevisionQuery = `SELECT ` + revisionColumns + ` FROM revisions
	 WHERE dataset_id = $1 AND status = 'live'`

	listLiveURLRevisionsQuery = `SELECT ` + revisionColumns + ` FROM revisions
	 WHERE status = 'live' AND COALESCE(url_link, '') <> ''
	 ORDER BY modified_at ASC
	 LIMIT $1`

	updatePayloadQuery = `UPDATE revisions
	 SET object_key = $2, content_sha256 = $3, size_bytes = $4, modified_at = $5
	 WHERE revision_id = $1 AND NOT is_published AND status <> 'indexing'`

	recordRetrievedPayloadQuery = `UPDATE revisions
	 SET object_key = $2, content_sha256 = $3, size_bytes = $4, modified_at = $5
	 WHERE revision_id = $1 AND NOT is_published AND status = 'indexing'`

	transitionRevisionQuery = `UPDATE revisions
	 SET status = $3, modified_at = $4
	 WHERE revision_id = $1 AND status = $2`

	markPublishedQuery = `UPDATE revisions
	 SET is_published = TRUE, published_at = $2, published_by = $3, modified_at = $2
	 WHERE revision_id = $1 AND NOT is_published`

	revisionExistsQuery = `SELECT status FROM revisions WHERE revision_id = $1`
)

type RevisionStore struct {
	db  DB
	now func() time.Time
}

func NewRevisionStore(db DB) *RevisionStore {
	if db == nil {
		return nil
	}
	return &RevisionStore{db: db, now: time.Now}
}

func (s *RevisionStore) CreateRevision(ctx context.Context, rev domain.DatasetRevision) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("revision store not initialized")
	}
	if err := rev.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertRevisionQuery,
		strings.TrimSpace(rev.ID),
		strings.TrimSpace(rev.DatasetID),
		string(rev.Kind),
		string(rev.Status),
		nullIfEmpty(rev.ObjectKey),
		nullIfEmpty(rev.URLLink),
		nullIfEmpty(rev.URLUsername),
		nullIfEmpty(rev.URLPassword),
		nullIfEmpty(rev.Comment),
		nullIfEmpty(rev.ContentSHA256),
		rev.SizeBytes,
		normalizeTime(rev.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *RevisionStore) GetRevision(ctx context.Context, id string) (domain.DatasetRevision, error) {
	if s == nil || s.db == nil {
		return domain.DatasetRevision{}, fmt.Errorf("revision store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.DatasetRevision{}, fmt.Errorf("revision id is required")
	}
	return scanRevision(s.db.QueryRowContext(ctx, selectRevisionQuery, id))
}

func (s *RevisionStore) GetDraft(ctx context.Context, datasetID string) (domain.DatasetRevision, error) {
	if s == nil || s.db == nil {
		return domain.DatasetRevision{}, fmt.Errorf("revision store not initialized")
	}
	return scanRevision(s.db.QueryRowContext(ctx, selectDraftQuery, strings.TrimSpace(datasetID)))
}

func (s *RevisionStore) GetLiveRevision(ctx context.Context, datasetID string) (domain.DatasetRevision, error) {
	if s == nil || s.db == nil {
		return domain.DatasetRevision{}, fmt.Errorf("revision store not initialized")
	}
	return scanRevision(s.db.QueryRowContext(ctx, selectLiveRevisionQuery, strings.TrimSpace(datasetID)))
}

func (s *RevisionStore) ListRevisions(ctx context.Context, filter repo.RevisionFilter) ([]domain.DatasetRevision, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("revision store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.DatasetID) != "" {
		args = append(args, strings.TrimSpace(filter.DatasetID))
		clauses = append(clauses, fmt.Sprintf("dataset_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + revisionColumns + ` FROM revisions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.listRevisions(ctx, query, args...)
}

func (s *RevisionStore) ListLiveURLRevisions(ctx context.Context, limit int) ([]domain.DatasetRevision, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("revision store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.listRevisions(ctx, listLiveURLRevisionsQuery, limit)
}

// UpdatePayload replaces the payload of a draft that is not being indexed.
func (s *RevisionStore) UpdatePayload(ctx context.Context, id string, objectKey string, sha256 string, size int64) error {
	return s.setPayload(ctx, updatePayloadQuery, id, objectKey, sha256, size)
}

// RecordRetrievedPayload stores the payload fetched by the running pipeline.
func (s *RevisionStore) RecordRetrievedPayload(ctx context.Context, id string, objectKey string, sha256 string, size int64) error {
	return s.setPayload(ctx, recordRetrievedPayloadQuery, id, objectKey, sha256, size)
}

func (s *RevisionStore) setPayload(ctx context.Context, query string, id string, objectKey string, sha256 string, size int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("revision store not initialized")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(ctx, query, id, nullIfEmpty(objectKey), nullIfEmpty(sha256), size, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update payload: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var current string
	if err := s.db.QueryRowContext(ctx, revisionExistsQuery, id).Scan(&current); err != nil {
		return handleNotFound(err)
	}
	return fmt.Errorf("%w: payload of a %s revision cannot change", repo.ErrInvalidTransition, current)
}

func (s *RevisionStore) TransitionRevision(ctx context.Context, id string, from, to domain.RevisionStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("revision store not initialized")
	}
	if !domain.CanTransitionRevision(from, to) {
		return fmt.Errorf("%w: %s -> %s", repo.ErrInvalidTransition, from, to)
	}
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(ctx, transitionRevisionQuery, id, string(from), string(to), s.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("transition revision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition revision: %w", err)
	}
	if n > 0 {
		return nil
	}
	var current string
	if err := s.db.QueryRowContext(ctx, revisionExistsQuery, id).Scan(&current); err != nil {
		return handleNotFound(err)
	}
	return fmt.Errorf("%w: revision is %s, not %s", repo.ErrInvalidTransition, current, from)
}

func (s *RevisionStore) MarkPublished(ctx context.Context, id string, actor string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("revision store not initialized")
	}
	res, err := s.db.ExecContext(ctx, markPublishedQuery, strings.TrimSpace(id), normalizeTime(at), nullIfEmpty(actor))
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *RevisionStore) listRevisions(ctx context.Context, query string, args ...any) ([]domain.DatasetRevision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DatasetRevision, 0)
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	return out, nil
}

func scanRevision(scanner rowScanner) (domain.DatasetRevision, error) {
	var rev domain.DatasetRevision
	var kind, status string
	var publishedAt sql.NullTime
	err := scanner.Scan(
		&rev.ID,
		&rev.DatasetID,
		&kind,
		&rev.IsPublished,
		&status,
		&rev.ObjectKey,
		&rev.URLLink,
		&rev.URLUsername,
		&rev.URLPassword,
		&rev.Comment,
		&rev.ContentSHA256,
		&rev.SizeBytes,
		&rev.CreatedAt,
		&rev.ModifiedAt,
		&publishedAt,
		&rev.PublishedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DatasetRevision{}, repo.ErrNotFound
		}
		return domain.DatasetRevision{}, err
	}
	rev.Kind = domain.DatasetKind(kind)
	rev.Status = domain.RevisionStatus(status)
	rev.PublishedAt = timePtr(publishedAt)
	return rev, nil
}
