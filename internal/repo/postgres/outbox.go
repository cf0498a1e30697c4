package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	platformpg "github.com/animus-labs/transit-ingest/internal/platform/postgres"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

const (
	insertOutboxQuery = `INSERT INTO outbox (message_id, subject, payload, created_at) VALUES ($1,$2,$3,$4)`

	claimOutboxQuery = `SELECT message_id, subject, payload, created_at, attempts
	 FROM outbox
	 WHERE dispatched_at IS NULL
	 ORDER BY created_at ASC
	 LIMIT $1
	 FOR UPDATE SKIP LOCKED`

	markOutboxDispatchedQuery = `UPDATE outbox SET dispatched_at = $2, attempts = attempts + 1, last_error = NULL WHERE message_id = $1`

	markOutboxFailedQuery = `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE message_id = $1`
)

// OutboxWriter appends messages through whatever DB handle it wraps, so a
// message is only visible once the enclosing transaction commits.
type OutboxWriter struct {
	db DB
}

func NewOutboxWriter(db DB) *OutboxWriter {
	if db == nil {
		return nil
	}
	return &OutboxWriter{db: db}
}

func (w *OutboxWriter) Enqueue(ctx context.Context, subject string, payload []byte) (string, error) {
	if w == nil || w.db == nil {
		return "", fmt.Errorf("outbox not initialized")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	id := uuid.NewString()
	if _, err := w.db.ExecContext(ctx, insertOutboxQuery, id, subject, payload, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("insert outbox message: %w", err)
	}
	return id, nil
}

// OutboxRelayStore claims undispatched messages for the relay loop. Rows are
// locked with SKIP LOCKED so concurrent relays never publish the same batch.
type OutboxRelayStore struct {
	db *sql.DB
}

func NewOutboxRelayStore(db *sql.DB) *OutboxRelayStore {
	if db == nil {
		return nil
	}
	return &OutboxRelayStore{db: db}
}

func (s *OutboxRelayStore) ClaimPending(ctx context.Context, limit int, fn func(msg repo.OutboxMessage) error) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("outbox relay not initialized")
	}
	if fn == nil {
		return 0, fmt.Errorf("dispatch func is required")
	}
	if limit <= 0 {
		limit = 100
	}

	dispatched := 0
	err := platformpg.InTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, claimOutboxQuery, limit)
		if err != nil {
			return fmt.Errorf("claim outbox: %w", err)
		}
		batch := make([]repo.OutboxMessage, 0, limit)
		for rows.Next() {
			var msg repo.OutboxMessage
			if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.CreatedAt, &msg.Attempts); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox: %w", err)
			}
			batch = append(batch, msg)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("claim outbox: %w", err)
		}
		rows.Close()

		for _, msg := range batch {
			if sendErr := fn(msg); sendErr != nil {
				if _, err := tx.ExecContext(ctx, markOutboxFailedQuery, msg.ID, sendErr.Error()); err != nil {
					return fmt.Errorf("mark outbox failed: %w", err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, markOutboxDispatchedQuery, msg.ID, time.Now().UTC()); err != nil {
				return fmt.Errorf("mark outbox dispatched: %w", err)
			}
			dispatched++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return dispatched, nil
}
