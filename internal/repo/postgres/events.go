package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/platform/auditlog"
	"github.com/animus-labs/transit-ingest/internal/platform/lineageevent"
)

type EventAppender struct {
	db  DB
	now func() time.Time
}

func NewEventAppender(db DB) *EventAppender {
	if db == nil {
		return nil
	}
	return &EventAppender{db: db, now: time.Now}
}

func (a *EventAppender) AppendAudit(ctx context.Context, event domain.AuditEvent) (int64, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("event appender not initialized")
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now().UTC()
	}
	payload := event.Payload
	if payload == nil {
		payload = domain.Metadata{}
	}
	id, err := auditlog.Insert(ctx, a.db, auditlog.Event{
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		Payload:      payload,
	})
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return id, nil
}

func (a *EventAppender) AppendLineage(ctx context.Context, edge domain.LineageEdge) error {
	if a == nil || a.db == nil {
		return errors.New("event appender not initialized")
	}
	if edge.OccurredAt.IsZero() {
		edge.OccurredAt = a.now().UTC()
	}
	metadata := edge.Metadata
	if metadata == nil {
		metadata = domain.Metadata{}
	}
	_, err := lineageevent.Insert(ctx, a.db, lineageevent.Event{
		OccurredAt:  edge.OccurredAt,
		Actor:       edge.Actor,
		SubjectType: "revision",
		SubjectID:   edge.SubjectID,
		Predicate:   edge.Predicate,
		ObjectType:  "revision",
		ObjectID:    edge.ObjectID,
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("append lineage event: %w", err)
	}
	return nil
}
