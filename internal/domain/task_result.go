package domain

import (
	"strings"
	"time"
)

// TaskStatus is the bookkeeping status of one pipeline run.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskStarted TaskStatus = "started"
	TaskSuccess TaskStatus = "success"
	TaskFailure TaskStatus = "failure"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

func NormalizeTaskStatus(value string) TaskStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TaskPending):
		return TaskPending
	case string(TaskStarted), "running":
		return TaskStarted
	case string(TaskSuccess), "succeeded":
		return TaskSuccess
	case string(TaskFailure), "failed":
		return TaskFailure
	default:
		return ""
	}
}

// TaskResult tracks progress and failure of one pipeline run for a revision.
type TaskResult struct {
	TaskID         string
	RevisionID     string
	Pipeline       string
	Status         TaskStatus
	Progress       int
	Stage          string
	ErrorCode      ErrorCode
	AdditionalInfo string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// TaskUpdate is a partial change applied to a TaskResult.
type TaskUpdate struct {
	Status         TaskStatus
	Progress       int
	Stage          string
	ErrorCode      ErrorCode
	AdditionalInfo string
	At             time.Time
}

// Apply merges u into t and reports whether anything changed. A terminal
// result is never modified and progress never decreases.
func (t *TaskResult) Apply(u TaskUpdate) bool {
	if t == nil || t.Status.Terminal() {
		return false
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	changed := false
	if u.Status != "" && u.Status != t.Status {
		t.Status = u.Status
		changed = true
	}
	if p := ClampProgress(u.Progress); p > t.Progress {
		t.Progress = p
		changed = true
	}
	if u.Stage != "" && u.Stage != t.Stage {
		t.Stage = u.Stage
		changed = true
	}
	if u.ErrorCode != "" && u.ErrorCode != t.ErrorCode {
		t.ErrorCode = u.ErrorCode
		changed = true
	}
	if u.AdditionalInfo != "" && u.AdditionalInfo != t.AdditionalInfo {
		t.AdditionalInfo = u.AdditionalInfo
		changed = true
	}
	if t.Status == TaskSuccess {
		t.Progress = 100
	}
	if t.Status.Terminal() {
		completed := at
		t.CompletedAt = &completed
		changed = true
	}
	if changed {
		t.UpdatedAt = at
	}
	return changed
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
