package domain

import (
	"errors"
	"strings"
	"time"
)

// AuditEvent is an immutable record of a revision lifecycle action.
type AuditEvent struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	Payload      Metadata
}

func (e AuditEvent) Validate() error {
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("resource_type is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("resource_id is required")
	}
	return nil
}

// LineageEdge links two revisions, e.g. a newly published revision
// superseding the previous live one.
type LineageEdge struct {
	OccurredAt time.Time
	Actor      string
	SubjectID  string
	Predicate  string
	ObjectID   string
	Metadata   Metadata
}

const PredicateSupersedes = "supersedes"
