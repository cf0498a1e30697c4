package domain

import "time"

// ViolationCategory groups defect rows so each validator replaces only its own.
type ViolationCategory string

const (
	CategorySchema        ViolationCategory = "schema"
	CategoryPTI           ViolationCategory = "pti"
	CategoryPostSchema    ViolationCategory = "post_schema"
	CategoryCrossRevision ViolationCategory = "cross_revision"
	CategoryDataQuality   ViolationCategory = "data_quality"
)

// Fatal reports whether violations of this category fail the pipeline.
func (c ViolationCategory) Fatal() bool {
	return c == CategorySchema || c == CategoryPostSchema
}

// Violation is one structural or content defect found in a file.
type Violation struct {
	ID         int64
	RevisionID string
	Category   ViolationCategory
	Filename   string
	Line       int
	Details    string
	Reference  string
	CreatedAt  time.Time
}
