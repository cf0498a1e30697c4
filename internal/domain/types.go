package domain

import (
	"errors"
	"strings"
	"time"
)

// Metadata is an unstructured metadata container for domain entities.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	copy := make(Metadata, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}

// DatasetKind discriminates the data families that share one revision table.
type DatasetKind string

const (
	KindTimetable DatasetKind = "timetable"
	KindFares     DatasetKind = "fares"
	KindAVL       DatasetKind = "avl"
)

func (k DatasetKind) Valid() bool {
	switch k {
	case KindTimetable, KindFares, KindAVL:
		return true
	default:
		return false
	}
}

// Dataset is the long-lived container an operator publishes revisions into.
type Dataset struct {
	ID             string
	OrganisationID string
	Kind           DatasetKind
	Name           string
	LiveRevisionID string
	CreatedAt      time.Time
	CreatedBy      string
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(d.OrganisationID) == "" {
		return errors.New("organisation id is required")
	}
	if !d.Kind.Valid() {
		return errors.New("dataset kind is invalid")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name is required")
	}
	return nil
}
