// Package metadata extracts per-file attributes (service codes, lines,
// operators, validity dates and revision markers) from data files.
package metadata

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
)

// Extractor turns every data file of a payload into FileAttributes.
type Extractor interface {
	Extract(ctx context.Context, p *payload.Payload) ([]domain.FileAttributes, error)
}

// fileParser fills attrs from the tokens of one document.
type fileParser interface {
	root(el xml.StartElement, attrs *domain.FileAttributes)
	text(path []string, value string, attrs *domain.FileAttributes)
}

func extract(ctx context.Context, p *payload.Payload, parser fileParser) ([]domain.FileAttributes, error) {
	files, err := p.DataFiles()
	if err != nil {
		return nil, err
	}
	out := make([]domain.FileAttributes, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		attrs, err := parseFile(rc, f.Name, parser)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, attrs)
	}
	return out, nil
}

func parseFile(r io.Reader, name string, parser fileParser) (domain.FileAttributes, error) {
	attrs := domain.FileAttributes{Filename: name, Extra: domain.Metadata{}}
	dec := xml.NewDecoder(r)
	dec.CharsetReader = payload.CharsetReader

	var path []string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return attrs, nil
		}
		if err != nil {
			return attrs, domain.NewPipelineError(domain.ErrXMLSyntax, name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(path) == 0 {
				parser.root(t, &attrs)
			}
			path = append(path, t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if value := strings.TrimSpace(text.String()); value != "" {
				parser.text(path, value, &attrs)
			}
			text.Reset()
			if len(path) > 0 {
				path = path[:len(path)-1]
			}
		}
	}
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseDateTime reads an xsd:dateTime; values without a zone are UTC.
func ParseDateTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func ParseDate(value string) (time.Time, bool) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func appendUnique(list []string, value string) []string {
	if slices.Contains(list, value) {
		return list
	}
	return append(list, value)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func parent(path []string) string {
	if len(path) < 2 {
		return ""
	}
	return path[len(path)-2]
}

func last(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

// TransXChange extracts attributes from TransXChange timetables.
type TransXChange struct{}

func (TransXChange) Extract(ctx context.Context, p *payload.Payload) ([]domain.FileAttributes, error) {
	return extract(ctx, p, txcParser{})
}

type txcParser struct{}

func (txcParser) root(el xml.StartElement, attrs *domain.FileAttributes) {
	attrs.SchemaVersion = attr(el, "SchemaVersion")
	attrs.Modification = attr(el, "Modification")
	if t, ok := ParseDateTime(attr(el, "CreationDateTime")); ok {
		attrs.CreationDateTime = timePtr(t)
	}
	if t, ok := ParseDateTime(attr(el, "ModificationDateTime")); ok {
		attrs.ModificationDateTime = timePtr(t)
	}
	if n, err := strconv.Atoi(attr(el, "RevisionNumber")); err == nil {
		attrs.RevisionNumber = n
	}
	if name := attr(el, "FileName"); name != "" {
		attrs.Extra["declared_filename"] = name
	}
}

func (txcParser) text(path []string, value string, attrs *domain.FileAttributes) {
	switch last(path) {
	case "ServiceCode":
		if attrs.ServiceCode == "" {
			attrs.ServiceCode = value
		}
	case "LineName":
		attrs.LineNames = appendUnique(attrs.LineNames, value)
	case "NationalOperatorCode":
		attrs.OperatorCodes = appendUnique(attrs.OperatorCodes, value)
	case "StartDate":
		if parent(path) != "OperatingPeriod" {
			return
		}
		if t, ok := ParseDate(value); ok && (attrs.StartDate == nil || t.Before(*attrs.StartDate)) {
			attrs.StartDate = timePtr(t)
		}
	case "EndDate":
		if parent(path) != "OperatingPeriod" {
			return
		}
		if t, ok := ParseDate(value); ok && (attrs.EndDate == nil || t.After(*attrs.EndDate)) {
			attrs.EndDate = timePtr(t)
		}
	}
}

// NeTEx extracts attributes from NeTEx fares publications.
type NeTEx struct{}

func (NeTEx) Extract(ctx context.Context, p *payload.Payload) ([]domain.FileAttributes, error) {
	return extract(ctx, p, netexParser{})
}

type netexParser struct{}

func (netexParser) root(el xml.StartElement, attrs *domain.FileAttributes) {
	attrs.SchemaVersion = attr(el, "version")
}

func (netexParser) text(path []string, value string, attrs *domain.FileAttributes) {
	switch last(path) {
	case "PublicationTimestamp":
		if t, ok := ParseDateTime(value); ok {
			attrs.CreationDateTime = timePtr(t)
			attrs.ModificationDateTime = timePtr(t)
		}
	case "ParticipantRef":
		attrs.Extra["participant_ref"] = value
	case "PublicCode":
		if parent(path) == "Operator" {
			attrs.OperatorCodes = appendUnique(attrs.OperatorCodes, value)
		}
	case "Name":
		if parent(path) == "Line" {
			attrs.LineNames = appendUnique(attrs.LineNames, value)
		}
	case "FromDate":
		if t, ok := ParseDateTime(value); ok && (attrs.StartDate == nil || t.Before(*attrs.StartDate)) {
			attrs.StartDate = timePtr(t)
		}
	case "ToDate":
		if t, ok := ParseDateTime(value); ok && (attrs.EndDate == nil || t.After(*attrs.EndDate)) {
			attrs.EndDate = timePtr(t)
		}
	}
}
