package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

const (
	datasetColumns = `dataset_id, organisation_id, kind, name, COALESCE(live_revision_id, ''), created_at, created_by`

	insertDatasetQuery = `INSERT INTO datasets (
		dataset_id,
		organisation_id,
		kind,
		name,
		created_at,
		created_by
	) VALUES ($1,$2,$3,$4,$5,$6)`

	selectDatasetQuery   = `SELECT ` + datasetColumns + ` FROM datasets WHERE dataset_id = $1`
	lockDatasetQuery     = selectDatasetQuery + ` FOR UPDATE`
	setLiveRevisionQuery = `UPDATE datasets SET live_revision_id = $2 WHERE dataset_id = $1`
)

type DatasetStore struct {
	db DB
}

func NewDatasetStore(db DB) *DatasetStore {
	if db == nil {
		return nil
	}
	return &DatasetStore{db: db}
}

func (s *DatasetStore) CreateDataset(ctx context.Context, dataset domain.Dataset) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	if err := dataset.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertDatasetQuery,
		strings.TrimSpace(dataset.ID),
		strings.TrimSpace(dataset.OrganisationID),
		string(dataset.Kind),
		strings.TrimSpace(dataset.Name),
		normalizeTime(dataset.CreatedAt),
		strings.TrimSpace(dataset.CreatedBy),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

func (s *DatasetStore) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	return s.getDataset(ctx, selectDatasetQuery, id)
}

func (s *DatasetStore) LockDataset(ctx context.Context, id string) (domain.Dataset, error) {
	return s.getDataset(ctx, lockDatasetQuery, id)
}

func (s *DatasetStore) SetLiveRevision(ctx context.Context, datasetID, revisionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("dataset store not initialized")
	}
	res, err := s.db.ExecContext(ctx, setLiveRevisionQuery, strings.TrimSpace(datasetID), nullIfEmpty(revisionID))
	if err != nil {
		return fmt.Errorf("set live revision: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *DatasetStore) getDataset(ctx context.Context, query, id string) (domain.Dataset, error) {
	if s == nil || s.db == nil {
		return domain.Dataset{}, fmt.Errorf("dataset store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Dataset{}, fmt.Errorf("dataset id is required")
	}
	var dataset domain.Dataset
	var kind string
	row := s.db.QueryRowContext(ctx, query, id)
	if err := row.Scan(&dataset.ID, &dataset.OrganisationID, &kind, &dataset.Name, &dataset.LiveRevisionID, &dataset.CreatedAt, &dataset.CreatedBy); err != nil {
		return domain.Dataset{}, handleNotFound(err)
	}
	dataset.Kind = domain.DatasetKind(kind)
	return dataset, nil
}
