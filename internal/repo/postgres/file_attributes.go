package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

const (
	deleteFileAttributesQuery = `DELETE FROM file_attributes WHERE revision_id = $1`

	insertFileAttributesQuery = `INSERT INTO file_attributes (
		revision_id,
		filename,
		schema_version,
		service_code,
		line_names,
		operator_codes,
		start_date,
		end_date,
		creation_datetime,
		modification_datetime,
		revision_number,
		modification,
		extra
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	listFileAttributesQuery = `SELECT filename, COALESCE(schema_version, ''), COALESCE(service_code, ''), line_names, operator_codes,
		start_date, end_date, creation_datetime, modification_datetime, revision_number, COALESCE(modification, ''), extra
	 FROM file_attributes
	 WHERE revision_id = $1
	 ORDER BY filename ASC`
)

type FileAttributeStore struct {
	db DB
}

func NewFileAttributeStore(db DB) *FileAttributeStore {
	if db == nil {
		return nil
	}
	return &FileAttributeStore{db: db}
}

func (s *FileAttributeStore) ReplaceFileAttributes(ctx context.Context, revisionID string, attrs []domain.FileAttributes) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("file attribute store not initialized")
	}
	revisionID = strings.TrimSpace(revisionID)
	if revisionID == "" {
		return fmt.Errorf("revision id is required")
	}
	if _, err := s.db.ExecContext(ctx, deleteFileAttributesQuery, revisionID); err != nil {
		return fmt.Errorf("delete file attributes: %w", err)
	}
	for _, a := range attrs {
		lines, err := encodeStrings(a.LineNames)
		if err != nil {
			return fmt.Errorf("encode line names: %w", err)
		}
		operators, err := encodeStrings(a.OperatorCodes)
		if err != nil {
			return fmt.Errorf("encode operator codes: %w", err)
		}
		extra, err := encodeMetadata(a.Extra)
		if err != nil {
			return fmt.Errorf("encode extra: %w", err)
		}
		_, err = s.db.ExecContext(
			ctx,
			insertFileAttributesQuery,
			revisionID,
			strings.TrimSpace(a.Filename),
			nullIfEmpty(a.SchemaVersion),
			nullIfEmpty(a.ServiceCode),
			lines,
			operators,
			nullTime(a.StartDate),
			nullTime(a.EndDate),
			nullTime(a.CreationDateTime),
			nullTime(a.ModificationDateTime),
			a.RevisionNumber,
			nullIfEmpty(a.Modification),
			extra,
		)
		if err != nil {
			return fmt.Errorf("insert file attributes: %w", err)
		}
	}
	return nil
}

func (s *FileAttributeStore) ListFileAttributes(ctx context.Context, revisionID string) ([]domain.FileAttributes, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("file attribute store not initialized")
	}
	revisionID = strings.TrimSpace(revisionID)
	rows, err := s.db.QueryContext(ctx, listFileAttributesQuery, revisionID)
	if err != nil {
		return nil, fmt.Errorf("list file attributes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.FileAttributes, 0)
	for rows.Next() {
		a := domain.FileAttributes{RevisionID: revisionID}
		var lines, operators, extra []byte
		var start, end, created, modified sql.NullTime
		if err := rows.Scan(&a.Filename, &a.SchemaVersion, &a.ServiceCode, &lines, &operators, &start, &end, &created, &modified, &a.RevisionNumber, &a.Modification, &extra); err != nil {
			return nil, fmt.Errorf("scan file attributes: %w", err)
		}
		if a.LineNames, err = decodeStrings(lines); err != nil {
			return nil, fmt.Errorf("decode line names: %w", err)
		}
		if a.OperatorCodes, err = decodeStrings(operators); err != nil {
			return nil, fmt.Errorf("decode operator codes: %w", err)
		}
		if a.Extra, err = decodeMetadata(extra); err != nil {
			return nil, fmt.Errorf("decode extra: %w", err)
		}
		a.StartDate = timePtr(start)
		a.EndDate = timePtr(end)
		a.CreationDateTime = timePtr(created)
		a.ModificationDateTime = timePtr(modified)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list file attributes: %w", err)
	}
	return out, nil
}
