package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/platform/bus"
	"github.com/animus-labs/transit-ingest/internal/platform/metrics"
)

func TestDefaultStrategiesAreValid(t *testing.T) {
	strategies := DefaultStrategies()
	for _, kind := range []domain.DatasetKind{domain.KindTimetable, domain.KindFares, domain.KindAVL} {
		s, ok := strategies[kind]
		if !ok {
			t.Fatalf("missing strategy for %s", kind)
		}
		if err := s.validate(); err != nil {
			t.Fatalf("strategy %s: %v", kind, err)
		}
	}
	if got := strategies[domain.KindTimetable].First(); got != StageRetrieve {
		t.Fatalf("timetable first stage=%q", got)
	}
	if got := strategies[domain.KindAVL].First(); got != StageAVLSchema {
		t.Fatalf("avl first stage=%q", got)
	}
}

func TestStrategyValidateRejects(t *testing.T) {
	cases := map[string]KindStrategy{
		"bad kind":     {Kind: "ferry", Stages: []string{StageFinalise}},
		"no stages":    {Kind: domain.KindFares},
		"no finalise":  {Kind: domain.KindFares, Stages: []string{StageRetrieve}},
		"repeat stage": {Kind: domain.KindFares, Stages: []string{StageRetrieve, StageRetrieve, StageFinalise}},
	}
	for name, s := range cases {
		if err := s.validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestStrategyOrdering(t *testing.T) {
	s := KindStrategy{Kind: domain.KindAVL, Stages: []string{StageAVLSchema, StageAVLValidate, StageFinalise}}

	if got := s.Next(StageAVLSchema); got != StageAVLValidate {
		t.Fatalf("Next(avl_schema)=%q", got)
	}
	if got := s.Next(StageFinalise); got != "" {
		t.Fatalf("Next(finalise)=%q, want empty", got)
	}
	if got := s.Next(StageRetrieve); got != "" {
		t.Fatalf("Next(unknown)=%q, want empty", got)
	}

	if got := s.Progress(StageAVLSchema); got != 33 {
		t.Fatalf("Progress(avl_schema)=%d", got)
	}
	if got := s.Progress(StageFinalise); got != 100 {
		t.Fatalf("Progress(finalise)=%d", got)
	}
	if got := s.Progress(StageRetrieve); got != 0 {
		t.Fatalf("Progress(unknown)=%d", got)
	}

	if s.Passed("", StageAVLSchema) {
		t.Fatalf("nothing done cannot pass a stage")
	}
	if !s.Passed(StageAVLValidate, StageAVLSchema) || !s.Passed(StageAVLValidate, StageAVLValidate) {
		t.Fatalf("expected earlier stages to be passed")
	}
	if s.Passed(StageAVLSchema, StageFinalise) {
		t.Fatalf("later stage reported as passed")
	}
}

func TestDecodeStageMessage(t *testing.T) {
	msg, err := DecodeStageMessage([]byte(`{"task_id":"t-1","revision_id":"r-1","stage":"schema"}`))
	if err != nil {
		t.Fatalf("DecodeStageMessage() err=%v", err)
	}
	if msg.TaskID != "t-1" || msg.Stage != StageSchema {
		t.Fatalf("msg=%+v", msg)
	}

	bad := []string{
		`not json`,
		`{"task_id":"t-1","stage":"schema"}`,
		`{"task_id":"t-1","revision_id":"r-1"}`,
		`{"revision_id":"r-1","stage":"schema"}`,
		`{"task_id":"t-1","revision_id":"r-1","stage":"dqs_report"}`,
	}
	for _, raw := range bad {
		if _, err := DecodeStageMessage([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}

	report := StageMessage{RevisionID: "r-1", Stage: StageDQSReport, RemoteTaskID: "rt-1"}
	if err := report.Validate(); err != nil {
		t.Fatalf("report message without task id: %v", err)
	}
}

func TestNotifyObserverPublishesEvent(t *testing.T) {
	b := bus.NewMemoryBus()
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	obs := NotifyObserver{Publisher: b}
	tr := Transition{
		Revision: domain.DatasetRevision{ID: "r-1", DatasetID: "ds-1", Kind: domain.KindTimetable},
		From:     domain.RevisionIndexing,
		To:       domain.RevisionError,
		Task:     &domain.TaskResult{TaskID: "t-1", ErrorCode: domain.ErrSchema, AdditionalInfo: "3 schema violations"},
		Actor:    "system",
		At:       at,
	}
	obs.RevisionTransitioned(context.Background(), tr)
	// Same transition twice is deduplicated by message id.
	obs.RevisionTransitioned(context.Background(), tr)

	published := b.Published()
	if len(published) != 1 {
		t.Fatalf("published=%d, want 1", len(published))
	}
	if published[0].Subject != bus.EventSubject("error") {
		t.Fatalf("subject=%q", published[0].Subject)
	}
	var event RevisionEvent
	if err := json.Unmarshal(published[0].Data, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.RevisionID != "r-1" || event.ErrorCode != string(domain.ErrSchema) || !event.OccurredAt.Equal(at) {
		t.Fatalf("event=%+v", event)
	}
}

type countingMetrics struct {
	metrics.Noop
	transitions map[string]int
	completed   map[string]int
}

func (m *countingMetrics) IncRevisionTransition(status string) {
	m.transitions[status]++
}

func (m *countingMetrics) IncPipelineCompleted(kind, status string) {
	m.completed[kind+"/"+status]++
}

func TestMetricsObserver(t *testing.T) {
	m := &countingMetrics{transitions: map[string]int{}, completed: map[string]int{}}
	obs := MetricsObserver{Metrics: m}
	rev := domain.DatasetRevision{ID: "r-1", Kind: domain.KindFares}
	for _, to := range []domain.RevisionStatus{domain.RevisionIndexing, domain.RevisionSuccess, domain.RevisionLive} {
		obs.RevisionTransitioned(context.Background(), Transition{Revision: rev, To: to})
	}
	if m.transitions["live"] != 1 || len(m.transitions) != 3 {
		t.Fatalf("transitions=%v", m.transitions)
	}
	if m.completed["fares/success"] != 1 || len(m.completed) != 1 {
		t.Fatalf("completed=%v", m.completed)
	}
}
