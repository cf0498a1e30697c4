// Package pipeline drives dataset revisions through their validation stages.
// Each stage runs as one bus message; the follow-on stage is enqueued in the
// same transaction that records the stage's result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/transit-ingest/internal/clients/avl"
	"github.com/animus-labs/transit-ingest/internal/clients/dqs"
	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/antivirus"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/ingest/schema"
	"github.com/animus-labs/transit-ingest/internal/platform/auditlog"
	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/metrics"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

type Retriever interface {
	Retrieve(ctx context.Context, rev domain.DatasetRevision) (domain.DatasetRevision, error)
}

type StructuralValidator interface {
	Validate(ctx context.Context, p *payload.Payload) error
}

type Scanner interface {
	Scan(ctx context.Context, src payload.Opener) (antivirus.Result, error)
}

type SchemaValidator interface {
	Validate(ctx context.Context, p *payload.Payload, family schema.Family) ([]domain.Violation, error)
	CheckPTI(ctx context.Context, p *payload.Payload, family schema.Family) ([]domain.Violation, error)
	CheckPostSchema(ctx context.Context, p *payload.Payload, family schema.Family) ([]domain.Violation, error)
}

type CrossRevisionValidator interface {
	Validate(draft, live []domain.FileAttributes) []domain.Violation
}

type DataQualityClient interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
	Status(ctx context.Context, taskID string) (dqs.Status, error)
	Download(ctx context.Context, taskID string) ([]byte, error)
}

type AVLClient interface {
	Schema(ctx context.Context, feedID string) ([]avl.SchemaError, error)
	Validate(ctx context.Context, feedID string, sampleSize int) (*avl.Report, error)
	SampleSize() int
}

// ProgressCache serves task polls. It is written when a stage begins, before
// the stage's row is committed, so it can be ahead of the database. Cache
// failures never affect the pipeline.
type ProgressCache interface {
	Seed(ctx context.Context, task domain.TaskResult) error
	Apply(ctx context.Context, taskID string, u domain.TaskUpdate) (bool, error)
}

// Deps carries every collaborator of the orchestrator. Only Store is
// required; a stage whose collaborator is missing fails with SystemError,
// except dqs_upload which is skipped.
type Deps struct {
	Store         repo.Store
	Objects       objectstore.Store
	Bucket        string
	ReportBucket  string
	Retriever     Retriever
	Structural    StructuralValidator
	Antivirus     Scanner
	Schema        SchemaValidator
	CrossRevision CrossRevisionValidator
	DQS           DataQualityClient
	AVL           AVLClient
	Progress      ProgressCache
	Strategies    map[domain.DatasetKind]KindStrategy
	Observers     []Observer
	Metrics       metrics.Pipeline
	Logger        *slog.Logger
	Now           func() time.Time
}

type Orchestrator struct {
	Deps
}

// errSuperseded aborts a stage commit when another delivery already moved
// the task on.
var errSuperseded = errors.New("task superseded")

func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Strategies == nil {
		deps.Strategies = DefaultStrategies()
	}
	for kind, s := range deps.Strategies {
		if s.Kind != kind {
			return nil, fmt.Errorf("strategy registered as %s describes %s", kind, s.Kind)
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if strings.TrimSpace(deps.Bucket) == "" {
		deps.Bucket = "revisions"
	}
	if strings.TrimSpace(deps.ReportBucket) == "" {
		deps.ReportBucket = "quality-reports"
	}
	return &Orchestrator{Deps: deps}, nil
}

func (o *Orchestrator) strategy(kind domain.DatasetKind) (KindStrategy, bool) {
	s, ok := o.Strategies[kind]
	return s, ok
}

// Start moves a draft revision into indexing, records a fresh task result and
// enqueues the first stage. A revision that is already indexing with an open
// task returns that task unchanged.
func (o *Orchestrator) Start(ctx context.Context, revisionID, actor, requestID string) (domain.TaskResult, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "system"
	}
	var (
		task    domain.TaskResult
		created bool
		trans   Transition
	)
	err := o.Store.WithinTx(ctx, func(tx repo.Repositories) error {
		rev, err := tx.Revisions().GetRevision(ctx, revisionID)
		if err != nil {
			return err
		}
		if rev.Status == domain.RevisionIndexing {
			latest, err := tx.TaskResults().LatestTaskResult(ctx, rev.ID)
			if err == nil && !latest.Status.Terminal() {
				task = latest
				return nil
			}
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
		}
		if !domain.CanRestartPipeline(rev) {
			return fmt.Errorf("%w: revision %s is %s", repo.ErrInvalidTransition, rev.ID, rev.Status)
		}
		strategy, ok := o.strategy(rev.Kind)
		if !ok {
			return fmt.Errorf("no pipeline for dataset kind %q", rev.Kind)
		}
		now := o.Now()
		if err := tx.Revisions().TransitionRevision(ctx, rev.ID, rev.Status, domain.RevisionIndexing); err != nil {
			return err
		}
		for _, category := range []domain.ViolationCategory{
			domain.CategorySchema,
			domain.CategoryPTI,
			domain.CategoryPostSchema,
			domain.CategoryCrossRevision,
			domain.CategoryDataQuality,
		} {
			if err := tx.Violations().ReplaceViolations(ctx, rev.ID, category, nil); err != nil {
				return err
			}
		}
		if err := tx.FileAttributes().ReplaceFileAttributes(ctx, rev.ID, nil); err != nil {
			return err
		}
		task = domain.TaskResult{
			TaskID:     uuid.NewString(),
			RevisionID: rev.ID,
			Pipeline:   string(rev.Kind),
			Status:     domain.TaskPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.TaskResults().CreateTaskResult(ctx, task); err != nil {
			return err
		}
		msg := StageMessage{TaskID: task.TaskID, RevisionID: rev.ID, Stage: strategy.First(), Actor: actor, RequestID: requestID}
		if err := enqueueStage(ctx, tx, msg); err != nil {
			return err
		}
		trans = Transition{Revision: rev, From: rev.Status, To: domain.RevisionIndexing, Task: &task, Actor: actor, RequestID: requestID, At: now}
		trans.Revision.Status = domain.RevisionIndexing
		if err := appendTransitionAudit(ctx, tx, trans); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.TaskResult{}, err
	}
	if created {
		o.seedProgress(ctx, task)
		o.Metrics.IncPipelineStarted(task.Pipeline)
		o.notify(ctx, trans)
	}
	return task, nil
}

// HandleStage executes one stage message. The returned error is non-nil only
// when the outcome could not be recorded and the message should be
// redelivered; stage failures are recorded and reported as nil.
func (o *Orchestrator) HandleStage(ctx context.Context, msg StageMessage) error {
	if msg.Stage == StageDQSReport {
		return o.handleReport(ctx, msg)
	}
	task, err := o.Store.TaskResults().GetTaskResult(ctx, msg.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		o.log(slog.LevelWarn, "stage for unknown task dropped", "task_id", msg.TaskID, "stage", msg.Stage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	rev, err := o.Store.Revisions().GetRevision(ctx, msg.RevisionID)
	if errors.Is(err, repo.ErrNotFound) {
		o.log(slog.LevelWarn, "stage for unknown revision dropped", "revision_id", msg.RevisionID, "stage", msg.Stage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load revision: %w", err)
	}
	strategy, ok := o.strategy(rev.Kind)
	if task.Status.Terminal() || rev.Status != domain.RevisionIndexing || (ok && strategy.Passed(task.Stage, msg.Stage)) {
		o.log(slog.LevelDebug, "stale stage acknowledged", "task_id", task.TaskID, "stage", msg.Stage, "task_status", string(task.Status))
		return nil
	}
	if !ok {
		return o.fail(ctx, KindStrategy{Kind: rev.Kind}, rev, task, msg, stageOutcome{},
			domain.NewPipelineError(domain.ErrSystem, fmt.Sprintf("no pipeline for dataset kind %q", rev.Kind), nil))
	}
	expected := strategy.First()
	if task.Stage != "" {
		expected = strategy.Next(task.Stage)
	}
	if msg.Stage != expected {
		o.log(slog.LevelWarn, "out of order stage acknowledged", "task_id", task.TaskID, "stage", msg.Stage, "expected", expected)
		return nil
	}

	// Rows only record finished stages; the cache also knows the running one.
	o.applyProgress(ctx, task.TaskID, domain.TaskUpdate{Status: domain.TaskStarted, Stage: msg.Stage, At: o.Now()})

	started := time.Now()
	outcome, stageErr := o.runStage(ctx, strategy, rev, msg.Stage)
	elapsed := time.Since(started).Seconds()
	if stageErr != nil {
		o.Metrics.ObserveStageDuration(msg.Stage, "failure", elapsed)
		return o.fail(ctx, strategy, rev, task, msg, outcome, domain.AsPipelineError(msg.Stage, stageErr))
	}
	o.Metrics.ObserveStageDuration(msg.Stage, "success", elapsed)
	return o.advance(ctx, strategy, rev, task, msg, outcome)
}

// runStage converts panics into SystemError so a broken stage fails the
// revision instead of the worker.
func (o *Orchestrator) runStage(ctx context.Context, strategy KindStrategy, rev domain.DatasetRevision, stage string) (out stageOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.PanicError(stage, r)
		}
	}()
	return o.stage(ctx, strategy, rev, stage)
}

func (o *Orchestrator) advance(ctx context.Context, strategy KindStrategy, rev domain.DatasetRevision, task domain.TaskResult, msg StageMessage, out stageOutcome) error {
	now := o.Now()
	update := domain.TaskUpdate{Status: domain.TaskStarted, Progress: strategy.Progress(msg.Stage), Stage: msg.Stage, At: now}
	final := msg.Stage == StageFinalise
	if final {
		update.Status = domain.TaskSuccess
	}
	var trans Transition
	err := o.Store.WithinTx(ctx, func(tx repo.Repositories) error {
		if err := out.persist(ctx, tx, rev.ID); err != nil {
			return err
		}
		changed, err := tx.TaskResults().UpdateTaskResult(ctx, task.TaskID, update)
		if err != nil {
			return err
		}
		if !changed {
			return errSuperseded
		}
		if !final {
			next := StageMessage{TaskID: task.TaskID, RevisionID: rev.ID, Stage: strategy.Next(msg.Stage), Actor: msg.Actor, RequestID: msg.RequestID}
			return enqueueStage(ctx, tx, next)
		}
		if err := tx.Revisions().TransitionRevision(ctx, rev.ID, domain.RevisionIndexing, domain.RevisionSuccess); err != nil {
			return err
		}
		done := task
		done.Apply(update)
		trans = Transition{Revision: rev, From: domain.RevisionIndexing, To: domain.RevisionSuccess, Task: &done, Actor: actorOrSystem(msg.Actor), RequestID: msg.RequestID, At: now}
		trans.Revision.Status = domain.RevisionSuccess
		return appendTransitionAudit(ctx, tx, trans)
	})
	if errors.Is(err, errSuperseded) {
		o.log(slog.LevelDebug, "stage result discarded", "task_id", task.TaskID, "stage", msg.Stage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record stage %s: %w", msg.Stage, err)
	}
	o.applyProgress(ctx, task.TaskID, update)
	if final {
		o.notify(ctx, trans)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, strategy KindStrategy, rev domain.DatasetRevision, task domain.TaskResult, msg StageMessage, out stageOutcome, perr *domain.PipelineError) error {
	now := o.Now()
	info := perr.Info
	if info == "" && perr.Err != nil {
		info = perr.Err.Error()
	}
	update := domain.TaskUpdate{Status: domain.TaskFailure, Stage: msg.Stage, ErrorCode: perr.Code, AdditionalInfo: info, At: now}
	level := slog.LevelInfo
	if perr.Code.Kind() == domain.FaultSystem {
		level = slog.LevelError
	}
	o.log(level, "stage failed",
		"revision_id", rev.ID,
		"task_id", task.TaskID,
		"kind", string(strategy.Kind),
		"stage", msg.Stage,
		"error_code", string(perr.Code),
		"error", perr,
	)
	o.Metrics.IncStageFailure(msg.Stage, string(perr.Code))

	// Only violations survive a failed stage; extracted attributes and
	// remote jobs belong to a successful run.
	out.attributes, out.remote = nil, nil
	var trans Transition
	err := o.Store.WithinTx(ctx, func(tx repo.Repositories) error {
		if err := out.persist(ctx, tx, rev.ID); err != nil {
			return err
		}
		changed, err := tx.TaskResults().UpdateTaskResult(ctx, task.TaskID, update)
		if err != nil {
			return err
		}
		if !changed {
			return errSuperseded
		}
		if err := tx.Revisions().TransitionRevision(ctx, rev.ID, domain.RevisionIndexing, domain.RevisionError); err != nil {
			return err
		}
		done := task
		done.Apply(update)
		trans = Transition{Revision: rev, From: domain.RevisionIndexing, To: domain.RevisionError, Task: &done, Actor: actorOrSystem(msg.Actor), RequestID: msg.RequestID, At: now}
		trans.Revision.Status = domain.RevisionError
		return appendTransitionAudit(ctx, tx, trans)
	})
	if errors.Is(err, errSuperseded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record stage failure %s: %w", msg.Stage, err)
	}
	o.applyProgress(ctx, task.TaskID, update)
	o.notify(ctx, trans)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, t Transition) {
	for _, obs := range o.Observers {
		if obs != nil {
			obs.RevisionTransitioned(ctx, t)
		}
	}
}

func (o *Orchestrator) seedProgress(ctx context.Context, task domain.TaskResult) {
	if o.Progress == nil {
		return
	}
	if err := o.Progress.Seed(ctx, task); err != nil {
		o.log(slog.LevelWarn, "seed task cache failed", "task_id", task.TaskID, "error", err)
	}
}

func (o *Orchestrator) applyProgress(ctx context.Context, taskID string, u domain.TaskUpdate) {
	if o.Progress == nil {
		return
	}
	if _, err := o.Progress.Apply(ctx, taskID, u); err != nil {
		o.log(slog.LevelWarn, "update task cache failed", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) log(level slog.Level, msg string, args ...any) {
	o.Logger.Log(context.Background(), level, msg, append([]any{"component", "pipeline"}, args...)...)
}

func enqueueStage(ctx context.Context, tx repo.Repositories, msg StageMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stage message: %w", err)
	}
	if _, err := tx.Outbox().Enqueue(ctx, bus.StageSubject(msg.Stage), data); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.Stage, err)
	}
	return nil
}

func appendTransitionAudit(ctx context.Context, tx repo.Repositories, t Transition) error {
	payload := domain.Metadata{
		"dataset_id": t.Revision.DatasetID,
		"kind":       string(t.Revision.Kind),
		"from":       string(t.From),
		"to":         string(t.To),
	}
	if t.Task != nil {
		if t.Task.TaskID != "" {
			payload["task_id"] = t.Task.TaskID
		}
		if t.Task.ErrorCode != "" {
			payload["error_code"] = string(t.Task.ErrorCode)
			payload["stage"] = t.Task.Stage
		}
		if t.Task.AdditionalInfo != "" {
			payload["info"] = t.Task.AdditionalInfo
		}
	}
	_, err := tx.Events().AppendAudit(ctx, domain.AuditEvent{
		OccurredAt:   t.At,
		Actor:        actorOrSystem(t.Actor),
		Action:       auditlog.RevisionAction(string(t.To)),
		ResourceType: "revision",
		ResourceID:   t.Revision.ID,
		RequestID:    t.RequestID,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "system"
	}
	return strings.TrimSpace(actor)
}
