package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/metrics"
)

// Transition describes a committed revision status change.
type Transition struct {
	Revision  domain.DatasetRevision
	From      domain.RevisionStatus
	To        domain.RevisionStatus
	Task      *domain.TaskResult
	Actor     string
	RequestID string
	At        time.Time
}

// Observer is notified after a transition has been committed. Observers
// cannot veto or roll back the change.
type Observer interface {
	RevisionTransitioned(ctx context.Context, t Transition)
}

type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) RevisionTransitioned(ctx context.Context, t Transition) {
	f(ctx, t)
}

type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) RevisionTransitioned(_ context.Context, t Transition) {
	if o.Logger == nil {
		return
	}
	attrs := []any{
		"component", "pipeline",
		"revision_id", t.Revision.ID,
		"dataset_id", t.Revision.DatasetID,
		"kind", string(t.Revision.Kind),
		"from", string(t.From),
		"to", string(t.To),
		"actor", t.Actor,
	}
	if t.Task != nil {
		attrs = append(attrs, "task_id", t.Task.TaskID)
		if t.Task.ErrorCode != "" {
			attrs = append(attrs, "error_code", string(t.Task.ErrorCode), "stage", t.Task.Stage)
		}
	}
	if t.To == domain.RevisionError {
		o.Logger.Warn("revision transitioned", attrs...)
		return
	}
	o.Logger.Info("revision transitioned", attrs...)
}

// RevisionEvent is published on revision.events.<status>.
type RevisionEvent struct {
	RevisionID     string    `json:"revision_id"`
	DatasetID      string    `json:"dataset_id"`
	Kind           string    `json:"kind"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	TaskID         string    `json:"task_id,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	AdditionalInfo string    `json:"additional_info,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NotifyObserver publishes every transition to the event bus. Publish
// failures are logged; the transition has already been committed.
type NotifyObserver struct {
	Publisher bus.Publisher
	Logger    *slog.Logger
}

func (o NotifyObserver) RevisionTransitioned(ctx context.Context, t Transition) {
	if o.Publisher == nil {
		return
	}
	event := RevisionEvent{
		RevisionID: t.Revision.ID,
		DatasetID:  t.Revision.DatasetID,
		Kind:       string(t.Revision.Kind),
		From:       string(t.From),
		To:         string(t.To),
		Actor:      t.Actor,
		OccurredAt: t.At.UTC(),
	}
	if t.Task != nil {
		event.TaskID = t.Task.TaskID
		event.ErrorCode = string(t.Task.ErrorCode)
		event.AdditionalInfo = t.Task.AdditionalInfo
	}
	data, err := json.Marshal(event)
	if err != nil {
		o.log("marshal revision event failed", "revision_id", t.Revision.ID, "error", err)
		return
	}
	msgID := fmt.Sprintf("%s:%s:%d", t.Revision.ID, t.To, t.At.UnixNano())
	if err := o.Publisher.Publish(ctx, bus.EventSubject(string(t.To)), data, msgID); err != nil {
		o.log("publish revision event failed", "revision_id", t.Revision.ID, "status", string(t.To), "error", err)
	}
}

func (o NotifyObserver) log(msg string, args ...any) {
	if o.Logger == nil {
		return
	}
	o.Logger.Warn(msg, append([]any{"component", "notify"}, args...)...)
}

type MetricsObserver struct {
	Metrics metrics.Pipeline
}

func (o MetricsObserver) RevisionTransitioned(_ context.Context, t Transition) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.IncRevisionTransition(string(t.To))
	switch t.To {
	case domain.RevisionSuccess, domain.RevisionError:
		o.Metrics.IncPipelineCompleted(string(t.Revision.Kind), string(t.To))
	}
}
