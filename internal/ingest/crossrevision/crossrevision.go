// Package crossrevision compares a draft's files with the live revision's
// files for the same services and flags edits that were not versioned.
package crossrevision

import (
	"fmt"
	"sort"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

const reference = "cross revision consistency"

type Validator struct{}

// Validate pairs draft and live files by service code. Results are advisory.
// With no live files there is nothing to compare.
func (Validator) Validate(draft, live []domain.FileAttributes) []domain.Violation {
	if len(live) == 0 {
		return nil
	}
	authoritative := map[string]domain.FileAttributes{}
	for _, f := range live {
		if f.ServiceCode == "" {
			continue
		}
		if cur, ok := authoritative[f.ServiceCode]; !ok || f.RevisionNumber > cur.RevisionNumber {
			authoritative[f.ServiceCode] = f
		}
	}

	var out []domain.Violation
	for _, d := range draft {
		l, ok := authoritative[d.ServiceCode]
		if d.ServiceCode == "" || !ok {
			continue
		}
		if !sameTime(d.CreationDateTime, l.CreationDateTime) {
			out = append(out, domain.Violation{
				Category:  domain.CategoryCrossRevision,
				Filename:  d.Filename,
				Details:   fmt.Sprintf("Service %s changed CreationDateTime from %s to %s", d.ServiceCode, formatTime(l.CreationDateTime), formatTime(d.CreationDateTime)),
				Reference: reference,
			})
		}
		if !sameTime(d.ModificationDateTime, l.ModificationDateTime) && d.RevisionNumber <= l.RevisionNumber {
			out = append(out, domain.Violation{
				Category:  domain.CategoryCrossRevision,
				Filename:  d.Filename,
				Details:   fmt.Sprintf("Service %s changed ModificationDateTime without increasing RevisionNumber (live %d, draft %d)", d.ServiceCode, l.RevisionNumber, d.RevisionNumber),
				Reference: reference,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
