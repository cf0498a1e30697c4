// Package schema checks data files against versioned schema profiles and
// the PTI content rules layered on them, and runs the post-schema checks
// that span a revision's files.
package schema

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

type Config struct {
	ProfileDir string
}

func ConfigFromEnv() Config {
	return Config{ProfileDir: env.String("SCHEMA_PROFILE_DIR", "")}
}

// FileSummary is what one pass over a file learned besides violations.
type FileSummary struct {
	Name          string
	Version       string
	Profile       string
	TracksService bool
	ServiceCodes  []string
}

// Findings collects the outcome of inspecting every data file of a payload.
type Findings struct {
	Schema []domain.Violation
	PTI    []domain.Violation
	Files  []FileSummary
}

type Validator struct {
	registry *Registry
}

func New(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

func (v *Validator) Registry() *Registry {
	return v.registry
}

// Validate returns every schema violation in the payload. Any returned
// violation makes the revision fail.
func (v *Validator) Validate(ctx context.Context, p *payload.Payload, family Family) ([]domain.Violation, error) {
	f, err := v.Inspect(ctx, p, family)
	if err != nil {
		return nil, err
	}
	return f.Schema, nil
}

// CheckPTI returns the advisory PTI observations for the payload.
func (v *Validator) CheckPTI(ctx context.Context, p *payload.Payload, family Family) ([]domain.Violation, error) {
	f, err := v.Inspect(ctx, p, family)
	if err != nil {
		return nil, err
	}
	return f.PTI, nil
}

// CheckPostSchema requires every file to declare a service code and no two
// files to share one.
func (v *Validator) CheckPostSchema(ctx context.Context, p *payload.Payload, family Family) ([]domain.Violation, error) {
	f, err := v.Inspect(ctx, p, family)
	if err != nil {
		return nil, err
	}
	return PostSchemaViolations(f.Files), nil
}

func PostSchemaViolations(files []FileSummary) []domain.Violation {
	var out []domain.Violation
	owner := map[string]string{}
	for _, f := range files {
		if !f.TracksService {
			continue
		}
		if len(f.ServiceCodes) == 0 {
			out = append(out, domain.Violation{
				Category:  domain.CategoryPostSchema,
				Filename:  f.Name,
				Details:   "File declares no service code",
				Reference: "service code presence",
			})
			continue
		}
		for _, code := range f.ServiceCodes {
			if first, dup := owner[code]; dup {
				if first == f.Name {
					continue
				}
				out = append(out, domain.Violation{
					Category:  domain.CategoryPostSchema,
					Filename:  f.Name,
					Details:   fmt.Sprintf("Service code %s is also declared in %s", code, first),
					Reference: "service code uniqueness",
				})
				continue
			}
			owner[code] = f.Name
		}
	}
	return out
}

// Inspect runs one pass over every data file, collecting schema and PTI
// violations plus per-file summaries.
func (v *Validator) Inspect(ctx context.Context, p *payload.Payload, family Family) (Findings, error) {
	var out Findings
	files, err := p.DataFiles()
	if err != nil {
		return out, err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rc, err := f.Open()
		if err != nil {
			return out, fmt.Errorf("open %s: %w", f.Name, err)
		}
		ff, err := v.inspectFile(rc, f.Name, family)
		_ = rc.Close()
		if err != nil {
			return out, err
		}
		out.Schema = append(out.Schema, ff.schema...)
		out.PTI = append(out.PTI, ff.pti...)
		out.Files = append(out.Files, ff.summary)
	}
	return out, nil
}

type node struct {
	name     string
	path     string
	line     int
	children map[string]bool
	text     strings.Builder
	keepText bool
}

type fileFindings struct {
	schema  []domain.Violation
	pti     []domain.Violation
	summary FileSummary
}

func (v *Validator) inspectFile(r io.Reader, name string, family Family) (fileFindings, error) {
	out := fileFindings{summary: FileSummary{Name: name}}
	def, err := v.registry.Select(family, "")
	if err != nil {
		return out, err
	}

	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.CharsetReader = payload.CharsetReader

	var prof *Profile
	var stack []*node
	seen := map[string]bool{}
	rootLine := 1
	violation := func(cat domain.ViolationCategory, line int, ref, format string, args ...any) domain.Violation {
		return domain.Violation{Category: cat, Filename: name, Line: line, Details: fmt.Sprintf(format, args...), Reference: ref}
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line, _ := dec.InputPos()
			return out, domain.NewPipelineError(domain.ErrXMLSyntax, fmt.Sprintf("%s: line %d", name, line), err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			line, _ := dec.InputPos()
			n := &node{name: t.Name.Local, line: line, children: map[string]bool{}}
			if len(stack) == 0 {
				version := attrValue(t, def.VersionAttribute)
				prof, err = v.registry.Select(family, version)
				if err != nil {
					return out, err
				}
				out.summary.Version = version
				out.summary.Profile = string(prof.Family) + "-" + prof.Version
				out.summary.TracksService = prof.ServiceCodeElement != ""
				rootLine = line
				n.path = t.Name.Local
				if t.Name.Local != prof.Root || t.Name.Space != prof.Namespace {
					out.schema = append(out.schema, violation(domain.CategorySchema, line, prof.Family.reference(),
						"Root element must be {%s}%s, found {%s}%s", prof.Namespace, prof.Root, t.Name.Space, t.Name.Local))
				}
			} else {
				parent := stack[len(stack)-1]
				parent.children[t.Name.Local] = true
				n.path = parent.path + "/" + t.Name.Local
			}
			n.keepText = prof.textElements[n.name]
			seen[n.path] = true
			out.schema = append(out.schema, checkAttributes(prof, t, line, violation)...)
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 && stack[len(stack)-1].keepText {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			text := strings.TrimSpace(n.text.String())
			schemaV, ptiV := checkElement(prof, n, text, violation)
			out.schema = append(out.schema, schemaV...)
			out.pti = append(out.pti, ptiV...)
			if n.name == prof.ServiceCodeElement && text != "" && !slices.Contains(out.summary.ServiceCodes, text) {
				out.summary.ServiceCodes = append(out.summary.ServiceCodes, text)
			}
		}
	}
	if prof == nil {
		return out, domain.NewPipelineError(domain.ErrXMLSyntax, name+": document is empty", nil)
	}
	for _, rule := range prof.RequiredElements {
		if !seen[rule.Path] {
			out.schema = append(out.schema, violation(domain.CategorySchema, rootLine, rule.Reference, "Missing required element %s", rule.Path))
		}
	}
	return out, nil
}

type violationFunc func(cat domain.ViolationCategory, line int, ref, format string, args ...any) domain.Violation

func checkAttributes(prof *Profile, el xml.StartElement, line int, violation violationFunc) []domain.Violation {
	var out []domain.Violation
	local := el.Name.Local
	for _, rule := range prof.RequiredAttributes {
		if rule.Element == local && !hasAttr(el, rule.Attribute) {
			out = append(out, violation(domain.CategorySchema, line, rule.Reference, "Element %s is missing required attribute %s", local, rule.Attribute))
		}
	}
	for _, rule := range prof.Patterns {
		if rule.Element != local || rule.Attribute == "" || !hasAttr(el, rule.Attribute) {
			continue
		}
		if val := attrValue(el, rule.Attribute); !rule.re.MatchString(val) {
			out = append(out, violation(domain.CategorySchema, line, rule.Reference, "Value %q of %s@%s is not a valid %s", val, local, rule.Attribute, rule.Reference))
		}
	}
	for _, rule := range prof.Enumerations {
		if rule.Element != local || rule.Attribute == "" || !hasAttr(el, rule.Attribute) {
			continue
		}
		if val := attrValue(el, rule.Attribute); !slices.Contains(rule.Values, val) {
			out = append(out, violation(domain.CategorySchema, line, rule.Reference, "Value %q of %s@%s is not one of %s", val, local, rule.Attribute, strings.Join(rule.Values, ", ")))
		}
	}
	return out
}

func checkElement(prof *Profile, n *node, text string, violation violationFunc) (schemaV, ptiV []domain.Violation) {
	for _, rule := range prof.Patterns {
		if rule.Element == n.name && rule.Attribute == "" && !rule.re.MatchString(text) {
			schemaV = append(schemaV, violation(domain.CategorySchema, n.line, rule.Reference, "Value %q of %s is not a valid %s", text, n.name, rule.Reference))
		}
	}
	for _, rule := range prof.Enumerations {
		if rule.Element == n.name && rule.Attribute == "" && !slices.Contains(rule.Values, text) {
			schemaV = append(schemaV, violation(domain.CategorySchema, n.line, rule.Reference, "Value %q of %s is not one of %s", text, n.name, strings.Join(rule.Values, ", ")))
		}
	}
	for _, rule := range prof.PTI {
		if rule.Element != n.name {
			continue
		}
		if rule.Child != "" && !n.children[rule.Child] {
			ptiV = append(ptiV, violation(domain.CategoryPTI, n.line, rule.Reference, "%s has no %s", n.name, rule.Child))
		}
		if rule.re != nil && !rule.re.MatchString(text) {
			ptiV = append(ptiV, violation(domain.CategoryPTI, n.line, rule.Reference, "Value %q of %s does not match the registered format", text, n.name))
		}
	}
	return schemaV, ptiV
}

func (f Family) reference() string {
	switch f {
	case FamilyTransXChange:
		return "TransXChange root"
	case FamilyNeTEx:
		return "NeTEx root"
	default:
		return string(f)
	}
}

func hasAttr(el xml.StartElement, local string) bool {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return true
		}
	}
	return false
}

func attrValue(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
