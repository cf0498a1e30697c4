package domain

import "time"

// RemoteService names an external validator that runs jobs asynchronously.
type RemoteService string

const (
	ServiceDataQuality RemoteService = "dqs"
	ServiceAVL         RemoteService = "avl"
)

type RemoteTaskStatus string

const (
	RemotePending RemoteTaskStatus = "pending"
	RemoteSuccess RemoteTaskStatus = "success"
	RemoteFailure RemoteTaskStatus = "failure"
	RemoteTimeout RemoteTaskStatus = "timeout"
)

func (s RemoteTaskStatus) Terminal() bool {
	return s == RemoteSuccess || s == RemoteFailure || s == RemoteTimeout
}

// RemoteTask is an outstanding job on an external service. There is at most
// one per revision and service.
type RemoteTask struct {
	ID         string
	RevisionID string
	Service    RemoteService
	RemoteID   string
	Status     RemoteTaskStatus
	Message    string
	ReportKey  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CanTransitionRemoteTask forbids leaving a terminal state.
func CanTransitionRemoteTask(current, next RemoteTaskStatus) bool {
	if next == "" {
		return false
	}
	if current.Terminal() {
		return current == next
	}
	return true
}
