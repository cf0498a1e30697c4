package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

const (
	deleteViolationsQuery = `DELETE FROM violations WHERE revision_id = $1 AND category = $2`

	insertViolationQuery = `INSERT INTO violations (
		revision_id,
		category,
		filename,
		line,
		details,
		reference,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	listViolationsQuery = `SELECT violation_id, revision_id, category, filename, line, details, COALESCE(reference, ''), created_at
	 FROM violations
	 WHERE revision_id = $1 AND ($2 = '' OR category = $2)
	 ORDER BY filename ASC, line ASC, violation_id ASC`

	countViolationsQuery = `SELECT COUNT(*) FROM violations WHERE revision_id = $1 AND ($2 = '' OR category = $2)`
)

// ViolationStore replaces defect rows one category at a time. Callers run
// ReplaceViolations inside a transaction so readers never observe a partial set.
type ViolationStore struct {
	db DB
}

func NewViolationStore(db DB) *ViolationStore {
	if db == nil {
		return nil
	}
	return &ViolationStore{db: db}
}

func (s *ViolationStore) ReplaceViolations(ctx context.Context, revisionID string, category domain.ViolationCategory, rows []domain.Violation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("violation store not initialized")
	}
	revisionID = strings.TrimSpace(revisionID)
	if revisionID == "" {
		return fmt.Errorf("revision id is required")
	}
	if category == "" {
		return fmt.Errorf("category is required")
	}
	if _, err := s.db.ExecContext(ctx, deleteViolationsQuery, revisionID, string(category)); err != nil {
		return fmt.Errorf("delete violations: %w", err)
	}
	now := time.Now().UTC()
	for _, v := range rows {
		createdAt := v.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := s.db.ExecContext(
			ctx,
			insertViolationQuery,
			revisionID,
			string(category),
			strings.TrimSpace(v.Filename),
			v.Line,
			v.Details,
			nullIfEmpty(v.Reference),
			createdAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}
	return nil
}

func (s *ViolationStore) ListViolations(ctx context.Context, revisionID string, category domain.ViolationCategory) ([]domain.Violation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("violation store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listViolationsQuery, strings.TrimSpace(revisionID), string(category))
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Violation, 0)
	for rows.Next() {
		var v domain.Violation
		var cat string
		if err := rows.Scan(&v.ID, &v.RevisionID, &cat, &v.Filename, &v.Line, &v.Details, &v.Reference, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Category = domain.ViolationCategory(cat)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	return out, nil
}

func (s *ViolationStore) CountViolations(ctx context.Context, revisionID string, category domain.ViolationCategory) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("violation store not initialized")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, countViolationsQuery, strings.TrimSpace(revisionID), string(category)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}
