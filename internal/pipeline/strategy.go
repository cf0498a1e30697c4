package pipeline

import (
	"fmt"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/metadata"
	"github.com/animus-labs/transit-ingest/internal/ingest/schema"
)

// KindStrategy describes how revisions of one dataset kind are processed.
type KindStrategy struct {
	Kind      domain.DatasetKind
	Stages    []string
	Family    schema.Family
	Extractor metadata.Extractor
}

func DefaultStrategies() map[domain.DatasetKind]KindStrategy {
	return map[domain.DatasetKind]KindStrategy{
		domain.KindTimetable: {
			Kind: domain.KindTimetable,
			Stages: []string{
				StageRetrieve,
				StageStructural,
				StageAntivirus,
				StageSchema,
				StagePTI,
				StagePostSchema,
				StageMetadata,
				StageCrossRevision,
				StageDQSUpload,
				StageFinalise,
			},
			Family:    schema.FamilyTransXChange,
			Extractor: metadata.TransXChange{},
		},
		domain.KindFares: {
			Kind: domain.KindFares,
			Stages: []string{
				StageRetrieve,
				StageStructural,
				StageAntivirus,
				StageSchema,
				StagePTI,
				StageMetadata,
				StageFinalise,
			},
			Family:    schema.FamilyNeTEx,
			Extractor: metadata.NeTEx{},
		},
		domain.KindAVL: {
			Kind:   domain.KindAVL,
			Stages: []string{StageAVLSchema, StageAVLValidate, StageFinalise},
		},
	}
}

func (s KindStrategy) First() string {
	if len(s.Stages) == 0 {
		return ""
	}
	return s.Stages[0]
}

func (s KindStrategy) index(stage string) int {
	for i, st := range s.Stages {
		if st == stage {
			return i
		}
	}
	return -1
}

// Next returns the stage following stage, or "" when stage is last.
func (s KindStrategy) Next(stage string) string {
	i := s.index(stage)
	if i < 0 || i+1 >= len(s.Stages) {
		return ""
	}
	return s.Stages[i+1]
}

// Progress is the task progress once stage has completed.
func (s KindStrategy) Progress(stage string) int {
	i := s.index(stage)
	if i < 0 || len(s.Stages) == 0 {
		return 0
	}
	return (i + 1) * 100 / len(s.Stages)
}

// Passed reports whether a task that last completed done has already moved
// beyond stage.
func (s KindStrategy) Passed(done, stage string) bool {
	if done == "" {
		return false
	}
	d, i := s.index(done), s.index(stage)
	return d >= 0 && i >= 0 && d >= i
}

func (s KindStrategy) validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("strategy kind %q is invalid", s.Kind)
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("strategy %s has no stages", s.Kind)
	}
	if s.Stages[len(s.Stages)-1] != StageFinalise {
		return fmt.Errorf("strategy %s must end with %s", s.Kind, StageFinalise)
	}
	seen := map[string]bool{}
	for _, st := range s.Stages {
		if seen[st] {
			return fmt.Errorf("strategy %s repeats stage %s", s.Kind, st)
		}
		seen[st] = true
	}
	return nil
}
