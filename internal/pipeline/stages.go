package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/animus-labs/transit-ingest/internal/clients/avl"
	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

// stageOutcome holds what a stage produced. Violations replace the stored
// rows of their category so reruns never accumulate duplicates.
type stageOutcome struct {
	violations map[domain.ViolationCategory][]domain.Violation
	attributes []domain.FileAttributes
	remote     *domain.RemoteTask
}

func (s *stageOutcome) record(category domain.ViolationCategory, rows []domain.Violation) {
	if s.violations == nil {
		s.violations = map[domain.ViolationCategory][]domain.Violation{}
	}
	s.violations[category] = rows
}

func (s stageOutcome) persist(ctx context.Context, tx repo.Repositories, revisionID string) error {
	categories := make([]string, 0, len(s.violations))
	for c := range s.violations {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	for _, c := range categories {
		category := domain.ViolationCategory(c)
		if err := tx.Violations().ReplaceViolations(ctx, revisionID, category, s.violations[category]); err != nil {
			return fmt.Errorf("replace %s violations: %w", category, err)
		}
	}
	if s.attributes != nil {
		if err := tx.FileAttributes().ReplaceFileAttributes(ctx, revisionID, s.attributes); err != nil {
			return fmt.Errorf("replace file attributes: %w", err)
		}
	}
	if s.remote != nil {
		if _, err := tx.RemoteTasks().UpsertRemoteTask(ctx, *s.remote); err != nil {
			return fmt.Errorf("upsert remote task: %w", err)
		}
	}
	return nil
}

func notConfigured(what string) error {
	return domain.NewPipelineError(domain.ErrSystem, what+" is not configured", nil)
}

func (o *Orchestrator) stage(ctx context.Context, strategy KindStrategy, rev domain.DatasetRevision, stage string) (stageOutcome, error) {
	var out stageOutcome
	switch stage {
	case StageRetrieve:
		if o.Retriever == nil {
			return out, notConfigured("retriever")
		}
		_, err := o.Retriever.Retrieve(ctx, rev)
		return out, err

	case StageStructural:
		if o.Structural == nil {
			return out, notConfigured("structural validator")
		}
		return out, o.withPayload(ctx, rev, func(p *payload.Payload) error {
			return o.Structural.Validate(ctx, p)
		})

	case StageAntivirus:
		if o.Antivirus == nil {
			return out, notConfigured("antivirus scanner")
		}
		return out, o.withPayload(ctx, rev, func(p *payload.Payload) error {
			res, err := o.Antivirus.Scan(ctx, p)
			if err != nil {
				return err
			}
			if !res.Clean {
				return domain.NewPipelineError(domain.ErrSuspiciousFile, res.Signature, nil)
			}
			return nil
		})

	case StageSchema:
		if o.Schema == nil {
			return out, notConfigured("schema validator")
		}
		err := o.withPayload(ctx, rev, func(p *payload.Payload) error {
			rows, err := o.Schema.Validate(ctx, p, strategy.Family)
			if err != nil {
				return err
			}
			out.record(domain.CategorySchema, rows)
			if len(rows) > 0 {
				return domain.NewPipelineError(domain.ErrSchema, countInfo(len(rows), "schema violation"), nil)
			}
			return nil
		})
		return out, err

	case StagePTI:
		if o.Schema == nil {
			return out, notConfigured("schema validator")
		}
		err := o.withPayload(ctx, rev, func(p *payload.Payload) error {
			rows, err := o.Schema.CheckPTI(ctx, p, strategy.Family)
			if err != nil {
				return err
			}
			out.record(domain.CategoryPTI, rows)
			return nil
		})
		return out, err

	case StagePostSchema:
		if o.Schema == nil {
			return out, notConfigured("schema validator")
		}
		err := o.withPayload(ctx, rev, func(p *payload.Payload) error {
			rows, err := o.Schema.CheckPostSchema(ctx, p, strategy.Family)
			if err != nil {
				return err
			}
			out.record(domain.CategoryPostSchema, rows)
			if len(rows) > 0 {
				return domain.NewPipelineError(domain.ErrPostSchema, rows[0].Details, nil)
			}
			return nil
		})
		return out, err

	case StageMetadata:
		if strategy.Extractor == nil {
			return out, notConfigured("metadata extractor")
		}
		err := o.withPayload(ctx, rev, func(p *payload.Payload) error {
			attrs, err := strategy.Extractor.Extract(ctx, p)
			if err != nil {
				return err
			}
			if attrs == nil {
				attrs = []domain.FileAttributes{}
			}
			out.attributes = attrs
			return nil
		})
		return out, err

	case StageCrossRevision:
		return o.crossRevision(ctx, rev)

	case StageDQSUpload:
		return o.uploadDataQuality(ctx, rev)

	case StageAVLSchema:
		return o.avlSchema(ctx, rev)

	case StageAVLValidate:
		return o.avlValidate(ctx, rev)

	case StageFinalise:
		return out, nil
	}
	return out, domain.NewPipelineError(domain.ErrSystem, fmt.Sprintf("unknown stage %q", stage), nil)
}

// withPayload fetches the stored payload into a local temporary file for
// the duration of fn.
func (o *Orchestrator) withPayload(ctx context.Context, rev domain.DatasetRevision, fn func(p *payload.Payload) error) error {
	if o.Objects == nil {
		return notConfigured("object store")
	}
	if strings.TrimSpace(rev.ObjectKey) == "" {
		return domain.NewPipelineError(domain.ErrDownload, "revision has no stored payload", nil)
	}
	p, err := payload.Fetch(ctx, o.Objects, o.Bucket, rev.ObjectKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return domain.NewPipelineError(domain.ErrDownload, "stored payload is missing", err)
	}
	if err != nil {
		return fmt.Errorf("fetch payload: %w", err)
	}
	defer p.Close()
	return fn(p)
}

func (o *Orchestrator) crossRevision(ctx context.Context, rev domain.DatasetRevision) (stageOutcome, error) {
	var out stageOutcome
	if o.CrossRevision == nil {
		return out, notConfigured("cross revision validator")
	}
	live, err := o.Store.Revisions().GetLiveRevision(ctx, rev.DatasetID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && live.ID == rev.ID) {
		out.record(domain.CategoryCrossRevision, nil)
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("load live revision: %w", err)
	}
	draftAttrs, err := o.Store.FileAttributes().ListFileAttributes(ctx, rev.ID)
	if err != nil {
		return out, fmt.Errorf("load draft attributes: %w", err)
	}
	liveAttrs, err := o.Store.FileAttributes().ListFileAttributes(ctx, live.ID)
	if err != nil {
		return out, fmt.Errorf("load live attributes: %w", err)
	}
	out.record(domain.CategoryCrossRevision, o.CrossRevision.Validate(draftAttrs, liveAttrs))
	return out, nil
}

func (o *Orchestrator) uploadDataQuality(ctx context.Context, rev domain.DatasetRevision) (stageOutcome, error) {
	var out stageOutcome
	if o.DQS == nil {
		o.log(slog.LevelInfo, "data quality upload skipped", "revision_id", rev.ID)
		return out, nil
	}
	err := o.withPayload(ctx, rev, func(p *payload.Payload) error {
		body, err := p.Open()
		if err != nil {
			return fmt.Errorf("open payload: %w", err)
		}
		defer body.Close()
		remoteID, err := o.DQS.Upload(ctx, path.Base(rev.ObjectKey), body)
		if err != nil {
			return err
		}
		out.remote = &domain.RemoteTask{
			RevisionID: rev.ID,
			Service:    domain.ServiceDataQuality,
			RemoteID:   remoteID,
			Status:     domain.RemotePending,
		}
		return nil
	})
	if err == nil {
		o.Metrics.IncRemoteTask(string(domain.ServiceDataQuality), string(domain.RemotePending))
	}
	return out, err
}

// avlFeedID identifies a revision's feed on the AVL service. Feeds are
// registered per dataset.
func avlFeedID(rev domain.DatasetRevision) string {
	return rev.DatasetID
}

func (o *Orchestrator) avlSchema(ctx context.Context, rev domain.DatasetRevision) (stageOutcome, error) {
	var out stageOutcome
	if o.AVL == nil {
		return out, notConfigured("avl client")
	}
	errs, err := o.AVL.Schema(ctx, avlFeedID(rev))
	if err != nil {
		return out, err
	}
	rows := make([]domain.Violation, 0, len(errs))
	for _, e := range errs {
		rows = append(rows, domain.Violation{
			Filename:  "feed",
			Line:      e.Line,
			Details:   strings.TrimSpace(e.Path + " " + e.Message),
			Reference: "SIRI-VM",
		})
	}
	out.record(domain.CategorySchema, rows)
	if len(rows) > 0 {
		return out, domain.NewPipelineError(domain.ErrAVLValidation, countInfo(len(rows), "feed schema error"), nil)
	}
	return out, nil
}

func (o *Orchestrator) avlValidate(ctx context.Context, rev domain.DatasetRevision) (stageOutcome, error) {
	var out stageOutcome
	if o.AVL == nil {
		return out, notConfigured("avl client")
	}
	feedID := avlFeedID(rev)
	report, err := o.AVL.Validate(ctx, feedID, o.AVL.SampleSize())
	if err != nil {
		return out, err
	}
	if report == nil {
		out.record(domain.CategoryDataQuality, nil)
		return out, nil
	}
	rows := make([]domain.Violation, 0, len(report.Errors))
	for _, e := range report.Errors {
		details := e.Message
		if e.Count > 1 {
			details = fmt.Sprintf("%s (%d occurrences)", e.Message, e.Count)
		}
		rows = append(rows, domain.Violation{Filename: "feed", Details: details, Reference: e.Reference})
	}
	out.record(domain.CategoryDataQuality, rows)

	key := fmt.Sprintf("avl/%s/%d.json", rev.ID, o.Now().Unix())
	if err := o.storeReport(ctx, key, report); err != nil {
		return out, err
	}
	out.remote = &domain.RemoteTask{
		RevisionID: rev.ID,
		Service:    domain.ServiceAVL,
		RemoteID:   feedID,
		Status:     domain.RemoteSuccess,
		Message:    fmt.Sprintf("%d packets, %d errors", report.PacketCount, report.ErrorCount),
		ReportKey:  key,
	}
	o.Metrics.IncRemoteTask(string(domain.ServiceAVL), string(domain.RemoteSuccess))
	return out, nil
}

func (o *Orchestrator) storeReport(ctx context.Context, key string, report *avl.Report) error {
	if o.Objects == nil {
		return notConfigured("object store")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal avl report: %w", err)
	}
	if _, err := o.Objects.Put(ctx, o.ReportBucket, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("store avl report: %w", err)
	}
	return nil
}

func countInfo(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
