package postgres

import (
	"context"
	"database/sql"
	"errors"

	platformpg "github.com/animus-labs/transit-ingest/internal/platform/postgres"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

// repositories binds every repository to one DB handle, either the pool or a
// single transaction.
type repositories struct {
	datasets       *DatasetStore
	revisions      *RevisionStore
	taskResults    *TaskResultStore
	violations     *ViolationStore
	fileAttributes *FileAttributeStore
	remoteTasks    *RemoteTaskStore
	outbox         *OutboxWriter
	events         *EventAppender
}

func newRepositories(db DB) repositories {
	return repositories{
		datasets:       NewDatasetStore(db),
		revisions:      NewRevisionStore(db),
		taskResults:    NewTaskResultStore(db),
		violations:     NewViolationStore(db),
		fileAttributes: NewFileAttributeStore(db),
		remoteTasks:    NewRemoteTaskStore(db),
		outbox:         NewOutboxWriter(db),
		events:         NewEventAppender(db),
	}
}

func (r repositories) Datasets() repo.DatasetRepository             { return r.datasets }
func (r repositories) Revisions() repo.RevisionRepository           { return r.revisions }
func (r repositories) TaskResults() repo.TaskResultRepository       { return r.taskResults }
func (r repositories) Violations() repo.ViolationRepository         { return r.violations }
func (r repositories) FileAttributes() repo.FileAttributeRepository { return r.fileAttributes }
func (r repositories) RemoteTasks() repo.RemoteTaskRepository       { return r.remoteTasks }
func (r repositories) Outbox() repo.OutboxWriter                    { return r.outbox }
func (r repositories) Events() repo.EventAppender                   { return r.events }

// Store is the Postgres implementation of repo.Store.
type Store struct {
	repositories
	db    *sql.DB
	relay *OutboxRelayStore
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		repositories: newRepositories(db),
		db:           db,
		relay:        NewOutboxRelayStore(db),
	}
}

func (s *Store) Relay() repo.OutboxRepository {
	return s.relay
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx repo.Repositories) error) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return platformpg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		return fn(newRepositories(tx))
	})
}

var _ repo.Store = (*Store)(nil)
