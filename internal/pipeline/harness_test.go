package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/transit-ingest/internal/clients/avl"
	"github.com/animus-labs/transit-ingest/internal/clients/dqs"
	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/antivirus"
	"github.com/animus-labs/transit-ingest/internal/ingest/crossrevision"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/ingest/retriever"
	"github.com/animus-labs/transit-ingest/internal/ingest/schema"
	"github.com/animus-labs/transit-ingest/internal/ingest/structural"
	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
	"github.com/animus-labs/transit-ingest/internal/repo/memory"
)

const testDataset = "ds-1"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type countingSchema struct {
	*schema.Validator
	mu    sync.Mutex
	calls int
}

func (c *countingSchema) Validate(ctx context.Context, p *payload.Payload, family schema.Family) ([]domain.Violation, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Validator.Validate(ctx, p, family)
}

func (c *countingSchema) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeScanner struct {
	signature string
}

func (s *fakeScanner) Scan(_ context.Context, src payload.Opener) (antivirus.Result, error) {
	r, err := src.Open()
	if err != nil {
		return antivirus.Result{}, err
	}
	defer r.Close()
	if _, err := io.Copy(io.Discard, r); err != nil {
		return antivirus.Result{}, err
	}
	if s.signature != "" {
		return antivirus.Result{Signature: s.signature}, nil
	}
	return antivirus.Result{Clean: true}, nil
}

type fakeDQS struct {
	mu      sync.Mutex
	uploads map[string][]byte
	exit    map[string]int
	reports map[string][]byte
}

func newFakeDQS() *fakeDQS {
	return &fakeDQS{uploads: map[string][]byte{}, exit: map[string]int{}, reports: map[string][]byte{}}
}

func (f *fakeDQS) Upload(_ context.Context, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("job-%d", len(f.uploads)+1)
	f.uploads[id] = data
	return id, nil
}

func (f *fakeDQS) Status(_ context.Context, taskID string) (dqs.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := dqs.Status{TaskID: taskID, JobStatus: "RUNNING"}
	if code, ok := f.exit[taskID]; ok {
		st.ExitCode = &code
		st.JobStatus = "DONE"
	}
	return st, nil
}

func (f *fakeDQS) Download(_ context.Context, taskID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[taskID]
	if !ok {
		return nil, domain.NewPipelineError(domain.ErrDataQuality, "no report", nil)
	}
	return report, nil
}

func (f *fakeDQS) finish(taskID string, report string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exit[taskID] = 0
	f.reports[taskID] = []byte(report)
}

func (f *fakeDQS) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type fakeAVL struct {
	schemaErrors []avl.SchemaError
	report       *avl.Report
}

func (f *fakeAVL) Schema(context.Context, string) ([]avl.SchemaError, error) {
	return f.schemaErrors, nil
}

func (f *fakeAVL) Validate(_ context.Context, feedID string, _ int) (*avl.Report, error) {
	if f.report == nil {
		return nil, nil
	}
	r := *f.report
	r.FeedID = feedID
	return &r, nil
}

func (f *fakeAVL) SampleSize() int { return 10 }

type harness struct {
	t           *testing.T
	ctx         context.Context
	store       *memory.Store
	objects     *objectstore.MemoryStore
	bus         *bus.MemoryBus
	clock       *clock
	schema      *countingSchema
	scanner     *fakeScanner
	dqs         *fakeDQS
	avl         *fakeAVL
	orch        *Orchestrator
	relay       *Relay
	publisher   *Publisher
	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	reg, err := schema.LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry() err=%v", err)
	}
	h := &harness{
		t:       t,
		ctx:     ctx,
		store:   memory.NewStore(),
		objects: objectstore.NewMemoryStore(),
		bus:     bus.NewMemoryBus(),
		clock:   &clock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		schema:  &countingSchema{Validator: schema.New(reg)},
		scanner: &fakeScanner{},
		dqs:     newFakeDQS(),
		avl:     &fakeAVL{},
	}
	ret, err := retriever.New(retriever.Config{Timeout: time.Second, MaxBytes: 1 << 20}, h.objects, "revisions", h.store.Revisions())
	if err != nil {
		t.Fatalf("retriever.New() err=%v", err)
	}
	record := ObserverFunc(func(_ context.Context, tr Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.transitions = append(h.transitions, tr)
	})
	h.orch, err = New(Deps{
		Store:         h.store,
		Objects:       h.objects,
		Retriever:     ret,
		Structural:    structural.New(structural.Config{MaxFileSize: 1 << 20}),
		Antivirus:     h.scanner,
		Schema:        h.schema,
		CrossRevision: crossrevision.Validator{},
		DQS:           h.dqs,
		AVL:           h.avl,
		Observers:     []Observer{record},
		Now:           h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if err := NewWorker(h.orch, nil, WorkerConfig{}, nil).Subscribe(h.bus); err != nil {
		t.Fatalf("Subscribe() err=%v", err)
	}
	h.relay = NewRelay(h.store.Relay(), h.bus, nil, nil, nil, time.Second)
	h.publisher, err = NewPublisher(h.store, []Observer{record}, h.clock.Now)
	if err != nil {
		t.Fatalf("NewPublisher() err=%v", err)
	}
	h.createDataset(testDataset, domain.KindTimetable)
	return h
}

func (h *harness) createDataset(id string, kind domain.DatasetKind) {
	h.t.Helper()
	err := h.store.CreateDataset(h.ctx, domain.Dataset{ID: id, OrganisationID: "org-1", Kind: kind, Name: "Dataset " + id, CreatedBy: "tester"})
	if err != nil {
		h.t.Fatalf("CreateDataset() err=%v", err)
	}
}

// upload stores data as a new draft revision of the test dataset.
func (h *harness) upload(data []byte) string {
	h.t.Helper()
	id := uuid.NewString()
	key := fmt.Sprintf("revisions/%s/upload.zip", id)
	h.putObject(key, data)
	err := h.store.CreateRevision(h.ctx, domain.DatasetRevision{
		ID:        id,
		DatasetID: testDataset,
		Kind:      domain.KindTimetable,
		Status:    domain.RevisionDraftPending,
		ObjectKey: key,
		CreatedAt: h.clock.Now(),
	})
	if err != nil {
		h.t.Fatalf("CreateRevision() err=%v", err)
	}
	return id
}

func (h *harness) putObject(key string, data []byte) {
	h.t.Helper()
	if _, err := h.objects.Put(h.ctx, "revisions", key, bytes.NewReader(data), int64(len(data)), "application/zip"); err != nil {
		h.t.Fatalf("Put() err=%v", err)
	}
}

// run starts the pipeline for revisionID and relays stage messages until
// the chain stops.
func (h *harness) run(revisionID string) domain.TaskResult {
	h.t.Helper()
	task, err := h.orch.Start(h.ctx, revisionID, "publisher@example.test", "req-1")
	if err != nil {
		h.t.Fatalf("Start() err=%v", err)
	}
	h.drain()
	got, err := h.store.GetTaskResult(h.ctx, task.TaskID)
	if err != nil {
		h.t.Fatalf("GetTaskResult() err=%v", err)
	}
	return got
}

func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		n, err := h.relay.RunOnce(h.ctx)
		if err != nil {
			h.t.Fatalf("RunOnce() err=%v", err)
		}
		if n == 0 {
			if retries := h.bus.Retries(); len(retries) > 0 {
				h.t.Fatalf("unexpected redelivery requests: %+v", retries)
			}
			return
		}
	}
	h.t.Fatalf("outbox never drained")
}

func (h *harness) revision(id string) domain.DatasetRevision {
	h.t.Helper()
	rev, err := h.store.GetRevision(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetRevision() err=%v", err)
	}
	return rev
}

func (h *harness) violations(id string, category domain.ViolationCategory) []domain.Violation {
	h.t.Helper()
	rows, err := h.store.ListViolations(h.ctx, id, category)
	if err != nil {
		h.t.Fatalf("ListViolations() err=%v", err)
	}
	return rows
}

func (h *harness) statuses() []domain.RevisionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.RevisionStatus, 0, len(h.transitions))
	for _, tr := range h.transitions {
		out = append(out, tr.To)
	}
	return out
}

func (h *harness) publish(id string, consent bool) (domain.DatasetRevision, error) {
	return h.publisher.Publish(h.ctx, PublishRequest{RevisionID: id, Actor: "publisher@example.test", Consent: consent})
}

var errBoom = errors.New("boom")
