package domain

import "time"

// FileAttributes is the structured metadata extracted from one data file.
type FileAttributes struct {
	RevisionID           string
	Filename             string
	SchemaVersion        string
	ServiceCode          string
	LineNames            []string
	OperatorCodes        []string
	StartDate            *time.Time
	EndDate              *time.Time
	CreationDateTime     *time.Time
	ModificationDateTime *time.Time
	RevisionNumber       int
	Modification         string
	Extra                Metadata
}
