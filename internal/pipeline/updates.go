package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

type Fingerprinter interface {
	Fingerprint(ctx context.Context, url, username, password string) (string, error)
}

type PipelineStarter interface {
	Start(ctx context.Context, revisionID, actor, requestID string) (domain.TaskResult, error)
}

type Expirer interface {
	Expire(ctx context.Context, revisionID, reason string) (domain.DatasetRevision, error)
}

// FailureCounter counts consecutive fetch failures per revision.
type FailureCounter interface {
	Incr(ctx context.Context, subject string) (int64, error)
	Reset(ctx context.Context, subject string) error
}

type UpdateCheckerConfig struct {
	Interval            time.Duration
	ExpireAfterFailures int
	Batch               int
}

// UpdateChecker re-fetches live URL-backed revisions. Changed content becomes
// a new draft revision; a source that keeps failing expires its revision.
type UpdateChecker struct {
	store    repo.Store
	fetcher  Fingerprinter
	starter  PipelineStarter
	expirer  Expirer
	failures FailureCounter
	leader   Locker
	cfg      UpdateCheckerConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewUpdateChecker(store repo.Store, fetcher Fingerprinter, starter PipelineStarter, expirer Expirer, failures FailureCounter, leader Locker, cfg UpdateCheckerConfig, logger *slog.Logger) *UpdateChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ExpireAfterFailures <= 0 {
		cfg.ExpireAfterFailures = 3
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &UpdateChecker{
		store:    store,
		fetcher:  fetcher,
		starter:  starter,
		expirer:  expirer,
		failures: failures,
		leader:   leader,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (u *UpdateChecker) Run(ctx context.Context) {
	if u.store == nil || u.fetcher == nil || u.starter == nil {
		return
	}
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := asLeader(ctx, u.leader, "update-checker", u.cfg.Interval, u.RunOnce); err != nil {
				u.log("leader lock failed", "error", err)
			}
		}
	}
}

// RunOnce checks one batch of live URL revisions.
func (u *UpdateChecker) RunOnce(ctx context.Context) {
	revs, err := u.store.Revisions().ListLiveURLRevisions(ctx, u.cfg.Batch)
	if err != nil {
		u.log("list live revisions failed", "error", err)
		return
	}
	for _, rev := range revs {
		if ctx.Err() != nil {
			return
		}
		u.check(ctx, rev)
	}
}

func (u *UpdateChecker) check(ctx context.Context, rev domain.DatasetRevision) {
	sha, err := u.fetcher.Fingerprint(ctx, rev.URLLink, rev.URLUsername, rev.URLPassword)
	if err != nil {
		u.recordFailure(ctx, rev, err)
		return
	}
	if u.failures != nil {
		if err := u.failures.Reset(ctx, rev.ID); err != nil {
			u.log("reset failure counter failed", "revision_id", rev.ID, "error", err)
		}
	}
	if sha == rev.ContentSHA256 {
		return
	}

	draft := domain.DatasetRevision{
		ID:          uuid.NewString(),
		DatasetID:   rev.DatasetID,
		Kind:        rev.Kind,
		Status:      domain.RevisionDraftPending,
		URLLink:     rev.URLLink,
		URLUsername: rev.URLUsername,
		URLPassword: rev.URLPassword,
		Comment:     "Automatically detected change in data set",
		CreatedAt:   u.now(),
		ModifiedAt:  u.now(),
	}
	if err := u.store.Revisions().CreateRevision(ctx, draft); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// An unpublished draft already exists for the dataset.
			return
		}
		u.log("create draft failed", "dataset_id", rev.DatasetID, "error", err)
		return
	}
	if _, err := u.starter.Start(ctx, draft.ID, "system", ""); err != nil {
		u.log("start pipeline failed", "revision_id", draft.ID, "error", err)
		return
	}
	if u.logger != nil {
		u.logger.Info("remote change detected", "component", "update_checker", "dataset_id", rev.DatasetID, "live_revision_id", rev.ID, "revision_id", draft.ID)
	}
}

func (u *UpdateChecker) recordFailure(ctx context.Context, rev domain.DatasetRevision, cause error) {
	if u.failures == nil || u.expirer == nil {
		u.log("fetch failed", "revision_id", rev.ID, "error", cause)
		return
	}
	n, err := u.failures.Incr(ctx, rev.ID)
	if err != nil {
		u.log("count failure failed", "revision_id", rev.ID, "error", err)
		return
	}
	u.log("fetch failed", "revision_id", rev.ID, "failures", n, "error", cause)
	if n < int64(u.cfg.ExpireAfterFailures) {
		return
	}
	reason := fmt.Sprintf("source unreachable after %d attempts", n)
	if _, err := u.expirer.Expire(ctx, rev.ID, reason); err != nil {
		u.log("expire revision failed", "revision_id", rev.ID, "error", err)
		return
	}
	if err := u.failures.Reset(ctx, rev.ID); err != nil {
		u.log("reset failure counter failed", "revision_id", rev.ID, "error", err)
	}
}

func (u *UpdateChecker) log(msg string, attrs ...any) {
	warnLoop(u.logger, "update_checker", msg, attrs...)
}
