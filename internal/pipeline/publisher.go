package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

// ErrConsentRequired is returned when publishing a revision that failed
// validation without the publisher's explicit consent.
var ErrConsentRequired = errors.New("publishing a failed revision requires consent")

// Publisher moves validated revisions into and out of the live state.
type Publisher struct {
	store     repo.Store
	observers []Observer
	now       func() time.Time
}

func NewPublisher(store repo.Store, observers []Observer, now func() time.Time) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Publisher{store: store, observers: observers, now: now}, nil
}

type PublishRequest struct {
	RevisionID string
	Actor      string
	RequestID  string
	Consent    bool
}

// Publish makes a revision the dataset's live revision. The previous live
// revision is demoted to inactive in the same transaction, so a dataset
// never has two live revisions.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (domain.DatasetRevision, error) {
	actor := actorOrSystem(req.Actor)
	var (
		published   domain.DatasetRevision
		transitions []Transition
	)
	err := p.store.WithinTx(ctx, func(tx repo.Repositories) error {
		transitions = transitions[:0]
		rev, err := tx.Revisions().GetRevision(ctx, req.RevisionID)
		if err != nil {
			return err
		}
		if rev.IsPublished {
			return fmt.Errorf("%w: revision %s is already published", repo.ErrInvalidTransition, rev.ID)
		}
		if !domain.CanTransitionRevision(rev.Status, domain.RevisionLive) {
			return fmt.Errorf("%w: revision %s is %s", repo.ErrInvalidTransition, rev.ID, rev.Status)
		}
		if domain.PublishRequiresConsent(rev.Status) && !req.Consent {
			return ErrConsentRequired
		}
		dataset, err := tx.Datasets().LockDataset(ctx, rev.DatasetID)
		if err != nil {
			return err
		}
		now := p.now()

		previous, err := tx.Revisions().GetLiveRevision(ctx, dataset.ID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := tx.Revisions().TransitionRevision(ctx, previous.ID, domain.RevisionLive, domain.RevisionInactive); err != nil {
				return err
			}
			demoted := Transition{Revision: previous, From: domain.RevisionLive, To: domain.RevisionInactive, Actor: actor, RequestID: req.RequestID, At: now}
			demoted.Revision.Status = domain.RevisionInactive
			if err := appendTransitionAudit(ctx, tx, demoted); err != nil {
				return err
			}
			if err := tx.Events().AppendLineage(ctx, domain.LineageEdge{
				OccurredAt: now,
				Actor:      actor,
				SubjectID:  rev.ID,
				Predicate:  domain.PredicateSupersedes,
				ObjectID:   previous.ID,
				Metadata:   domain.Metadata{"dataset_id": dataset.ID},
			}); err != nil {
				return err
			}
			transitions = append(transitions, demoted)
		}

		if err := tx.Revisions().MarkPublished(ctx, rev.ID, actor, now); err != nil {
			return err
		}
		if err := tx.Revisions().TransitionRevision(ctx, rev.ID, rev.Status, domain.RevisionLive); err != nil {
			return err
		}
		if err := tx.Datasets().SetLiveRevision(ctx, dataset.ID, rev.ID); err != nil {
			return err
		}
		live := Transition{Revision: rev, From: rev.Status, To: domain.RevisionLive, Actor: actor, RequestID: req.RequestID, At: now}
		live.Revision.Status = domain.RevisionLive
		live.Revision.IsPublished = true
		live.Revision.PublishedAt = &now
		live.Revision.PublishedBy = actor
		if err := appendTransitionAudit(ctx, tx, live); err != nil {
			return err
		}
		transitions = append(transitions, live)
		published = live.Revision
		return nil
	})
	if err != nil {
		return domain.DatasetRevision{}, err
	}
	p.notify(ctx, transitions)
	return published, nil
}

// Deactivate withdraws a live revision; the dataset is left without a live
// revision until another is published.
func (p *Publisher) Deactivate(ctx context.Context, revisionID, actor, requestID string) (domain.DatasetRevision, error) {
	return p.retire(ctx, revisionID, domain.RevisionInactive, actor, requestID, "")
}

// Expire retires a live revision whose source can no longer be retrieved.
func (p *Publisher) Expire(ctx context.Context, revisionID, reason string) (domain.DatasetRevision, error) {
	return p.retire(ctx, revisionID, domain.RevisionExpired, "system", "", reason)
}

func (p *Publisher) retire(ctx context.Context, revisionID string, to domain.RevisionStatus, actor, requestID, reason string) (domain.DatasetRevision, error) {
	actor = actorOrSystem(actor)
	var trans Transition
	err := p.store.WithinTx(ctx, func(tx repo.Repositories) error {
		rev, err := tx.Revisions().GetRevision(ctx, revisionID)
		if err != nil {
			return err
		}
		if rev.Status != domain.RevisionLive {
			return fmt.Errorf("%w: revision %s is %s", repo.ErrInvalidTransition, rev.ID, rev.Status)
		}
		dataset, err := tx.Datasets().LockDataset(ctx, rev.DatasetID)
		if err != nil {
			return err
		}
		if err := tx.Revisions().TransitionRevision(ctx, rev.ID, domain.RevisionLive, to); err != nil {
			return err
		}
		if dataset.LiveRevisionID == rev.ID {
			if err := tx.Datasets().SetLiveRevision(ctx, dataset.ID, ""); err != nil {
				return err
			}
		}
		trans = Transition{Revision: rev, From: domain.RevisionLive, To: to, Actor: actor, RequestID: requestID, At: p.now()}
		trans.Revision.Status = to
		if strings.TrimSpace(reason) != "" {
			trans.Task = &domain.TaskResult{AdditionalInfo: reason}
		}
		return appendTransitionAudit(ctx, tx, trans)
	})
	if err != nil {
		return domain.DatasetRevision{}, err
	}
	p.notify(ctx, []Transition{trans})
	return trans.Revision, nil
}

func (p *Publisher) notify(ctx context.Context, transitions []Transition) {
	for _, t := range transitions {
		for _, obs := range p.observers {
			if obs != nil {
				obs.RevisionTransitioned(ctx, t)
			}
		}
	}
}
