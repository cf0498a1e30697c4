package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/fixtures"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/repo"
)

func validArchive() []byte {
	return fixtures.Zip(map[string][]byte{
		"a.xml": fixtures.TXC{}.XML(),
		"b.xml": fixtures.TXC{ServiceCode: "PB0000002:1"}.XML(),
	})
}

func TestPipeline_TwoValidFilesSucceed(t *testing.T) {
	h := newHarness(t)
	id := h.upload(validArchive())

	task := h.run(id)
	if task.Status != domain.TaskSuccess || task.Progress != 100 || task.Stage != StageFinalise {
		t.Fatalf("task=%+v", task)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected CompletedAt on success")
	}
	if rev := h.revision(id); rev.Status != domain.RevisionSuccess || rev.IsPublished {
		t.Fatalf("revision=%+v", rev)
	}
	for _, c := range []domain.ViolationCategory{domain.CategorySchema, domain.CategoryPTI, domain.CategoryPostSchema, domain.CategoryCrossRevision} {
		if rows := h.violations(id, c); len(rows) != 0 {
			t.Fatalf("%s violations=%+v", c, rows)
		}
	}
	attrs, err := h.store.ListFileAttributes(h.ctx, id)
	if err != nil || len(attrs) != 2 {
		t.Fatalf("attributes=%+v err=%v", attrs, err)
	}
	remote, err := h.store.GetRemoteTask(h.ctx, id, domain.ServiceDataQuality)
	if err != nil || remote.Status != domain.RemotePending || remote.RemoteID != "job-1" {
		t.Fatalf("remote task=%+v err=%v", remote, err)
	}
	got := h.statuses()
	if len(got) != 2 || got[0] != domain.RevisionIndexing || got[1] != domain.RevisionSuccess {
		t.Fatalf("transitions=%v", got)
	}
	audit := h.store.AuditEvents()
	if len(audit) != 2 || audit[1].Action != "revision.success" || audit[1].RequestID != "req-1" {
		t.Fatalf("audit=%+v", audit)
	}
}

// progressLog is an in-memory ProgressCache that remembers the database
// status of the task at the time of each write.
type progressLog struct {
	h       *harness
	task    domain.TaskResult
	stageDB map[string]domain.TaskStatus
}

func (p *progressLog) Seed(_ context.Context, task domain.TaskResult) error {
	p.task = task
	return nil
}

func (p *progressLog) Apply(ctx context.Context, taskID string, u domain.TaskUpdate) (bool, error) {
	if u.Status == domain.TaskStarted && u.Progress == 0 {
		row, err := p.h.store.GetTaskResult(ctx, taskID)
		if err != nil {
			return false, err
		}
		if row.Stage == u.Stage {
			p.h.t.Errorf("row already records running stage %s", u.Stage)
		}
		p.stageDB[u.Stage] = row.Status
	}
	return p.task.Apply(u), nil
}

func TestPipeline_CacheSeesRunningStageFirst(t *testing.T) {
	h := newHarness(t)
	cache := &progressLog{h: h, stageDB: map[string]domain.TaskStatus{}}
	h.orch.Progress = cache
	id := h.upload(validArchive())

	task := h.run(id)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("task=%+v", task)
	}
	if got := cache.stageDB[StageRetrieve]; got != domain.TaskPending {
		t.Fatalf("row status while retrieve ran=%q, want pending", got)
	}
	if len(cache.stageDB) != len(DefaultStrategies()[domain.KindTimetable].Stages) {
		t.Fatalf("running stages seen=%v", cache.stageDB)
	}
	if cache.task.Status != domain.TaskSuccess || cache.task.Progress != 100 || cache.task.Stage != StageFinalise {
		t.Fatalf("cached task=%+v", cache.task)
	}
}

func TestPipeline_MalformedXMLStopsBeforeSchema(t *testing.T) {
	h := newHarness(t)
	id := h.upload(fixtures.Zip(map[string][]byte{
		"a.xml": []byte(`<TransXChange><Services></TransXChange>`),
	}))

	task := h.run(id)
	if task.Status != domain.TaskFailure || task.ErrorCode != domain.ErrXMLSyntax || task.Stage != StageStructural {
		t.Fatalf("task=%+v", task)
	}
	if !strings.Contains(task.AdditionalInfo, "a.xml") {
		t.Fatalf("AdditionalInfo=%q, want file name", task.AdditionalInfo)
	}
	if h.schema.Calls() != 0 {
		t.Fatalf("schema validation ran %d times", h.schema.Calls())
	}
	if h.dqs.uploadCount() != 0 {
		t.Fatalf("failed revision must not reach the data quality service")
	}
	if rev := h.revision(id); rev.Status != domain.RevisionError {
		t.Fatalf("status=%q", rev.Status)
	}
}

func TestPipeline_SchemaViolationsAreEachRecorded(t *testing.T) {
	h := newHarness(t)
	id := h.upload(fixtures.Zip(map[string][]byte{"bad.xml": invalidTXC()}))

	task := h.run(id)
	if task.Status != domain.TaskFailure || task.ErrorCode != domain.ErrSchema {
		t.Fatalf("task=%+v", task)
	}
	rows := h.violations(id, domain.CategorySchema)
	if len(rows) != 3 {
		t.Fatalf("schema violations=%d, want 3: %+v", len(rows), rows)
	}
	for _, v := range rows {
		if v.Filename != "bad.xml" {
			t.Fatalf("violation filename=%q", v.Filename)
		}
	}
	audit := h.store.AuditEvents()
	last := audit[len(audit)-1]
	if last.Action != "revision.error" || last.Payload["error_code"] != string(domain.ErrSchema) {
		t.Fatalf("last audit=%+v", last)
	}
}

func invalidTXC() []byte {
	return fixtures.TXC{
		CreationDateTime: "yesterday",
		ModificationTime: "2024-01-01T09:00:00",
		Modification:     "bogus",
		OmitStartDate:    true,
	}.XML()
}

func TestPipeline_ResubmissionReplacesViolations(t *testing.T) {
	h := newHarness(t)
	id := h.upload(fixtures.Zip(map[string][]byte{"bad.xml": invalidTXC()}))
	if task := h.run(id); task.Status != domain.TaskFailure {
		t.Fatalf("first run=%+v", task)
	}

	h.putObject(h.revision(id).ObjectKey, validArchive())
	task := h.run(id)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("second run=%+v", task)
	}
	if rows := h.violations(id, domain.CategorySchema); len(rows) != 0 {
		t.Fatalf("stale schema violations survived: %+v", rows)
	}
	tasks, err := h.store.ListTaskResults(h.ctx, id)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("tasks=%+v err=%v", tasks, err)
	}
	if tasks[0].TaskID != task.TaskID {
		t.Fatalf("latest task=%s, want %s", tasks[0].TaskID, task.TaskID)
	}
}

func TestPipeline_ChangedCreationTimeIsAdvisory(t *testing.T) {
	h := newHarness(t)
	first := h.upload(fixtures.Zip(map[string][]byte{"service.xml": fixtures.TXC{}.XML()}))
	if task := h.run(first); task.Status != domain.TaskSuccess {
		t.Fatalf("first run=%+v", task)
	}
	if _, err := h.publish(first, false); err != nil {
		t.Fatalf("Publish(first) err=%v", err)
	}

	second := h.upload(fixtures.Zip(map[string][]byte{"service.xml": fixtures.TXC{
		CreationDateTime: "2024-03-01T09:00:00",
		ModificationTime: "2024-01-01T09:00:00",
	}.XML()}))
	task := h.run(second)
	if task.Status != domain.TaskSuccess {
		t.Fatalf("second run=%+v", task)
	}
	rows := h.violations(second, domain.CategoryCrossRevision)
	if len(rows) != 1 || !strings.Contains(rows[0].Details, "CreationDateTime") {
		t.Fatalf("cross revision violations=%+v", rows)
	}

	live, err := h.publish(second, false)
	if err != nil {
		t.Fatalf("Publish(second) err=%v", err)
	}
	if live.Status != domain.RevisionLive || !live.IsPublished || live.PublishedBy != "publisher@example.test" {
		t.Fatalf("published=%+v", live)
	}
	if prev := h.revision(first); prev.Status != domain.RevisionInactive {
		t.Fatalf("previous live status=%q, want inactive", prev.Status)
	}
	ds, err := h.store.GetDataset(h.ctx, testDataset)
	if err != nil || ds.LiveRevisionID != second {
		t.Fatalf("dataset=%+v err=%v", ds, err)
	}
	edges := h.store.LineageEdges()
	if len(edges) != 1 || edges[0].SubjectID != second || edges[0].ObjectID != first || edges[0].Predicate != domain.PredicateSupersedes {
		t.Fatalf("lineage=%+v", edges)
	}
}

func TestPublish_FailedRevisionRequiresConsent(t *testing.T) {
	h := newHarness(t)
	id := h.upload(fixtures.Zip(map[string][]byte{"bad.xml": invalidTXC()}))
	h.run(id)

	if _, err := h.publish(id, false); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("Publish() err=%v, want ErrConsentRequired", err)
	}
	if rev := h.revision(id); rev.Status != domain.RevisionError || rev.IsPublished {
		t.Fatalf("revision changed without consent: %+v", rev)
	}
	if _, err := h.publish(id, true); err != nil {
		t.Fatalf("Publish(consent) err=%v", err)
	}
	if rev := h.revision(id); rev.Status != domain.RevisionLive {
		t.Fatalf("status=%q", rev.Status)
	}
}

func TestPublish_RejectsIndexingAndPublished(t *testing.T) {
	h := newHarness(t)
	id := h.upload(validArchive())
	if _, err := h.orch.Start(h.ctx, id, "", ""); err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	if _, err := h.publish(id, true); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("Publish(indexing) err=%v", err)
	}
	h.drain()
	if _, err := h.publish(id, false); err != nil {
		t.Fatalf("Publish() err=%v", err)
	}
	if _, err := h.publish(id, false); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("second Publish() err=%v", err)
	}
	if _, err := h.orch.Start(h.ctx, id, "", ""); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("Start(published) err=%v", err)
	}
}

func TestDeactivate_ClearsLiveRevision(t *testing.T) {
	h := newHarness(t)
	id := h.upload(validArchive())
	h.run(id)
	if _, err := h.publish(id, false); err != nil {
		t.Fatalf("Publish() err=%v", err)
	}
	rev, err := h.publisher.Deactivate(h.ctx, id, "admin@example.test", "req-9")
	if err != nil || rev.Status != domain.RevisionInactive {
		t.Fatalf("Deactivate()=%+v err=%v", rev, err)
	}
	ds, _ := h.store.GetDataset(h.ctx, testDataset)
	if ds.LiveRevisionID != "" {
		t.Fatalf("LiveRevisionID=%q, want empty", ds.LiveRevisionID)
	}
	if _, err := h.publisher.Deactivate(h.ctx, id, "admin@example.test", ""); !errors.Is(err, repo.ErrInvalidTransition) {
		t.Fatalf("second Deactivate() err=%v", err)
	}
}

func TestStart_IdempotentWhileIndexing(t *testing.T) {
	h := newHarness(t)
	id := h.upload(validArchive())
	a, err := h.orch.Start(h.ctx, id, "", "")
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	b, err := h.orch.Start(h.ctx, id, "", "")
	if err != nil {
		t.Fatalf("second Start() err=%v", err)
	}
	if a.TaskID != b.TaskID {
		t.Fatalf("Start() created a second task: %s vs %s", a.TaskID, b.TaskID)
	}
	if n := len(h.store.OutboxMessages()); n != 1 {
		t.Fatalf("outbox rows=%d, want 1", n)
	}
}

func TestHandleStage_DuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	id := h.upload(validArchive())
	task := h.run(id)
	before := len(h.store.AuditEvents())

	for _, stage := range []string{StageStructural, StageFinalise} {
		msg := StageMessage{TaskID: task.TaskID, RevisionID: id, Stage: stage}
		if err := h.orch.HandleStage(h.ctx, msg); err != nil {
			t.Fatalf("HandleStage(%s) err=%v", stage, err)
		}
	}
	if after := len(h.store.AuditEvents()); after != before {
		t.Fatalf("duplicate delivery wrote audit rows: %d -> %d", before, after)
	}
	got, _ := h.store.GetTaskResult(h.ctx, task.TaskID)
	if got.Status != domain.TaskSuccess || !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Fatalf("task mutated: %+v", got)
	}
}

func TestHandleStage_OutOfOrderStageIsIgnored(t *testing.T) {
	h := newHarness(t)
	id := h.upload(validArchive())
	task, err := h.orch.Start(h.ctx, id, "", "")
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	if err := h.orch.HandleStage(h.ctx, StageMessage{TaskID: task.TaskID, RevisionID: id, Stage: StageSchema}); err != nil {
		t.Fatalf("HandleStage() err=%v", err)
	}
	if h.schema.Calls() != 0 {
		t.Fatalf("schema ran before retrieval")
	}
}

type panickingStructural struct{}

func (panickingStructural) Validate(context.Context, *payload.Payload) error {
	panic("index out of range")
}

func TestHandleStage_PanicBecomesSystemError(t *testing.T) {
	h := newHarness(t)
	h.orch.Structural = panickingStructural{}
	id := h.upload(validArchive())

	task := h.run(id)
	if task.Status != domain.TaskFailure || task.ErrorCode != domain.ErrSystem || task.Stage != StageStructural {
		t.Fatalf("task=%+v", task)
	}
	if h.revision(id).Status != domain.RevisionError {
		t.Fatalf("revision must move to error after a panic")
	}
}

func TestPipeline_InfectedPayloadIsSuspicious(t *testing.T) {
	h := newHarness(t)
	h.scanner.signature = "Eicar-Test-Signature"
	id := h.upload(validArchive())

	task := h.run(id)
	if task.ErrorCode != domain.ErrSuspiciousFile || task.AdditionalInfo != "Eicar-Test-Signature" {
		t.Fatalf("task=%+v", task)
	}
	if h.schema.Calls() != 0 {
		t.Fatalf("schema ran on an infected payload")
	}
}

func TestPipeline_MissingUploadIsDownloadError(t *testing.T) {
	h := newHarness(t)
	id := h.upload(validArchive())
	if err := h.objects.Delete(h.ctx, "revisions", h.revision(id).ObjectKey); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	task := h.run(id)
	if task.ErrorCode != domain.ErrDownload || task.Stage != StageRetrieve {
		t.Fatalf("task=%+v", task)
	}
}

func TestPipeline_WithoutDataQualityClientSkipsUpload(t *testing.T) {
	h := newHarness(t)
	h.orch.DQS = nil
	id := h.upload(validArchive())
	if task := h.run(id); task.Status != domain.TaskSuccess {
		t.Fatalf("task=%+v", task)
	}
	if _, err := h.store.GetRemoteTask(h.ctx, id, domain.ServiceDataQuality); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("GetRemoteTask() err=%v, want ErrNotFound", err)
	}
}
