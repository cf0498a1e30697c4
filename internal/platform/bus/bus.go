// Package bus carries stage work items and revision notifications over NATS.
package bus

import (
	"context"
	"errors"
	"strings"
)

const (
	// StageSubjectPrefix prefixes every durable work subject.
	StageSubjectPrefix = "ingest.stage."
	// EventSubjectPrefix prefixes revision status notifications.
	EventSubjectPrefix = "revision.events."
)

var (
	errNilBus     = errors.New("bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// Message is one delivery handed to a Handler.
type Message struct {
	Subject      string
	Data         []byte
	MsgID        string
	Redelivered  bool
	NumDelivered uint64
}

// Handler processes a message. Returning an error built with RetryAfter
// requests redelivery; any other error is logged and the message acked.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

type Subscriber interface {
	Subscribe(subject, queue string, handler Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close()
}

// StageSubject returns the work subject for a pipeline stage.
func StageSubject(stage string) string {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return ""
	}
	return StageSubjectPrefix + stage
}

// EventSubject returns the notification subject for a revision status.
func EventSubject(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	return EventSubjectPrefix + strings.ReplaceAll(status, ".", "_")
}

func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, StageSubjectPrefix)
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	if name == "" {
		return ""
	}
	q := clean(queue)
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}
