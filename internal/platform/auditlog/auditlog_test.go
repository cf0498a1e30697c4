package auditlog

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	event := Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "system",
		Action:       "revision.live",
		ResourceType: "revision",
		ResourceID:   "rev-1",
	}
	a, err := ComputeIntegritySHA256(event, []byte(`{"from":"success"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"from":"success"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
	c, err := ComputeIntegritySHA256(event, []byte(`{"from":"error"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == c {
		t.Fatalf("expected integrity to change with payload")
	}
}

func TestInsert_ValidatesBeforeQuery(t *testing.T) {
	if _, err := Insert(context.Background(), nil, Event{}); err == nil {
		t.Fatalf("Insert() expected error for nil queryer")
	}
}

func TestEventValidate(t *testing.T) {
	event := Event{OccurredAt: time.Now(), Actor: "system", Action: "revision.error", ResourceType: "revision"}
	if err := event.Validate(); err == nil || !strings.Contains(err.Error(), "ResourceID") {
		t.Fatalf("Validate() err=%v, want ResourceID error", err)
	}
}

func TestRevisionAction(t *testing.T) {
	if got := RevisionAction("draft-pending"); got != "revision.draft_pending" {
		t.Fatalf("RevisionAction()=%q", got)
	}
	if got := RevisionAction(""); got != "revision.update" {
		t.Fatalf("RevisionAction(\"\")=%q", got)
	}
}

func TestInsertQueryShape(t *testing.T) {
	if !strings.Contains(insertAuditEventQuery, "RETURNING event_id") {
		t.Fatalf("expected RETURNING clause")
	}
	if strings.Count(insertAuditEventQuery, "$") != 8 {
		t.Fatalf("expected 8 placeholders")
	}
}
