package domain

import (
	"errors"
	"strings"
	"time"
)

// RevisionStatus is the lifecycle state of a dataset revision.
type RevisionStatus string

const (
	RevisionDraftPending RevisionStatus = "draft-pending"
	RevisionIndexing     RevisionStatus = "indexing"
	RevisionSuccess      RevisionStatus = "success"
	RevisionError        RevisionStatus = "error"
	RevisionLive         RevisionStatus = "live"
	RevisionInactive     RevisionStatus = "inactive"
	RevisionExpired      RevisionStatus = "expired"
)

// DatasetRevision is one submitted version of an operator's dataset.
type DatasetRevision struct {
	ID            string
	DatasetID     string
	Kind          DatasetKind
	IsPublished   bool
	Status        RevisionStatus
	ObjectKey     string
	URLLink       string
	URLUsername   string
	URLPassword   string
	Comment       string
	ContentSHA256 string
	SizeBytes     int64
	CreatedAt     time.Time
	ModifiedAt    time.Time
	PublishedAt   *time.Time
	PublishedBy   string
}

func (r DatasetRevision) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("revision id is required")
	}
	if strings.TrimSpace(r.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("dataset kind is invalid")
	}
	if strings.TrimSpace(r.ObjectKey) == "" && strings.TrimSpace(r.URLLink) == "" {
		return errors.New("either an uploaded object or a url link is required")
	}
	if NormalizeRevisionStatus(string(r.Status)) == "" {
		return errors.New("status is invalid")
	}
	return nil
}

// IsDraft reports whether the revision has never been published.
func (r DatasetRevision) IsDraft() bool {
	return !r.IsPublished
}

// NormalizeRevisionStatus maps free-form status values to canonical states.
func NormalizeRevisionStatus(value string) RevisionStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RevisionDraftPending), "pending", "draft":
		return RevisionDraftPending
	case string(RevisionIndexing):
		return RevisionIndexing
	case string(RevisionSuccess):
		return RevisionSuccess
	case string(RevisionError):
		return RevisionError
	case string(RevisionLive), "published":
		return RevisionLive
	case string(RevisionInactive):
		return RevisionInactive
	case string(RevisionExpired):
		return RevisionExpired
	default:
		return ""
	}
}

// revisionTransitions lists the legal successor states. Re-running the
// pipeline on a failed draft is the only backward edge.
var revisionTransitions = map[RevisionStatus][]RevisionStatus{
	RevisionDraftPending: {RevisionIndexing},
	RevisionIndexing:     {RevisionIndexing, RevisionSuccess, RevisionError},
	RevisionSuccess:      {RevisionLive},
	RevisionError:        {RevisionIndexing, RevisionLive},
	RevisionLive:         {RevisionInactive, RevisionExpired},
}

// CanTransitionRevision reports whether current may move to next.
func CanTransitionRevision(current, next RevisionStatus) bool {
	if current == "" || next == "" {
		return false
	}
	for _, allowed := range revisionTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminalRevision reports states that no automated action leaves.
func IsTerminalRevision(status RevisionStatus) bool {
	return status == RevisionInactive || status == RevisionExpired
}

// PublishRequiresConsent reports whether publishing from status needs the
// operator's explicit acknowledgement of outstanding defects.
func PublishRequiresConsent(status RevisionStatus) bool {
	return status == RevisionError
}

// CanRestartPipeline reports whether a new pipeline run may begin on rev.
// A revision that is indexing keeps its current run and payload.
func CanRestartPipeline(rev DatasetRevision) bool {
	if rev.IsPublished || rev.Status == RevisionIndexing {
		return false
	}
	return CanTransitionRevision(rev.Status, RevisionIndexing)
}
