package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/transit-ingest/internal/domain"
)

//go:embed profiles/*.yaml
var embeddedProfiles embed.FS

// Family is a schema family: one XML vocabulary with several versions.
type Family string

const (
	FamilyTransXChange Family = "transxchange"
	FamilyNeTEx        Family = "netex"
)

// FamilyForKind maps a dataset kind to the schema family its files use.
func FamilyForKind(kind domain.DatasetKind) (Family, bool) {
	switch kind {
	case domain.KindTimetable:
		return FamilyTransXChange, true
	case domain.KindFares:
		return FamilyNeTEx, true
	default:
		return "", false
	}
}

// Profile describes one version of a schema family plus the PTI content
// rules layered on top of it.
type Profile struct {
	Family             Family          `yaml:"family" validate:"required,oneof=transxchange netex"`
	Version            string          `yaml:"version" validate:"required"`
	Default            bool            `yaml:"default"`
	Root               string          `yaml:"root" validate:"required"`
	Namespace          string          `yaml:"namespace" validate:"required,uri"`
	VersionAttribute   string          `yaml:"version_attribute" validate:"required"`
	ServiceCodeElement string          `yaml:"service_code_element"`
	RequiredElements   []ElementRule   `yaml:"required_elements" validate:"dive"`
	RequiredAttributes []AttributeRule `yaml:"required_attributes" validate:"dive"`
	Patterns           []PatternRule   `yaml:"patterns" validate:"dive"`
	Enumerations       []EnumRule      `yaml:"enumerations" validate:"dive"`
	PTI                []PTIRule       `yaml:"pti" validate:"dive"`

	textElements map[string]bool
}

type ElementRule struct {
	Path      string `yaml:"path" validate:"required"`
	Reference string `yaml:"reference"`
}

type AttributeRule struct {
	Element   string `yaml:"element" validate:"required"`
	Attribute string `yaml:"attribute" validate:"required"`
	Reference string `yaml:"reference"`
}

// PatternRule constrains an attribute, or the element text when Attribute
// is empty.
type PatternRule struct {
	Element   string `yaml:"element" validate:"required"`
	Attribute string `yaml:"attribute"`
	Pattern   string `yaml:"pattern" validate:"required"`
	Reference string `yaml:"reference"`

	re *regexp.Regexp
}

type EnumRule struct {
	Element   string   `yaml:"element" validate:"required"`
	Attribute string   `yaml:"attribute"`
	Values    []string `yaml:"values" validate:"required,min=1"`
	Reference string   `yaml:"reference"`
}

// PTIRule either requires a direct child element or constrains the
// element text with a pattern.
type PTIRule struct {
	Element   string `yaml:"element" validate:"required"`
	Child     string `yaml:"child" validate:"required_without=Pattern"`
	Pattern   string `yaml:"pattern"`
	Reference string `yaml:"reference" validate:"required"`

	re *regexp.Regexp
}

func (p *Profile) compile() error {
	p.textElements = map[string]bool{}
	if p.ServiceCodeElement != "" {
		p.textElements[p.ServiceCodeElement] = true
	}
	for _, rule := range p.Enumerations {
		if rule.Attribute == "" {
			p.textElements[rule.Element] = true
		}
	}
	for i := range p.Patterns {
		re, err := regexp.Compile(p.Patterns[i].Pattern)
		if err != nil {
			return fmt.Errorf("pattern for %s: %w", p.Patterns[i].Element, err)
		}
		p.Patterns[i].re = re
		if p.Patterns[i].Attribute == "" {
			p.textElements[p.Patterns[i].Element] = true
		}
	}
	for i := range p.PTI {
		if p.PTI[i].Pattern == "" {
			continue
		}
		re, err := regexp.Compile(p.PTI[i].Pattern)
		if err != nil {
			return fmt.Errorf("pti pattern for %s: %w", p.PTI[i].Element, err)
		}
		p.PTI[i].re = re
		p.textElements[p.PTI[i].Element] = true
	}
	return nil
}

// Registry holds every loaded profile keyed by family and version.
type Registry struct {
	profiles map[Family]map[string]*Profile
	defaults map[Family]*Profile
}

// LoadRegistry reads the embedded profiles, then any *.yaml files in
// overrideDir, which replace embedded profiles of the same family and version.
func LoadRegistry(overrideDir string) (*Registry, error) {
	reg := &Registry{profiles: map[Family]map[string]*Profile{}, defaults: map[Family]*Profile{}}
	v := validator.New()

	sub, err := fs.Sub(embeddedProfiles, "profiles")
	if err != nil {
		return nil, err
	}
	if err := reg.loadFS(v, sub); err != nil {
		return nil, fmt.Errorf("embedded profiles: %w", err)
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := reg.loadFS(v, os.DirFS(overrideDir)); err != nil {
			return nil, fmt.Errorf("profile dir %s: %w", overrideDir, err)
		}
	}
	for family, versions := range reg.profiles {
		if reg.defaults[family] == nil {
			return nil, fmt.Errorf("family %s has no default profile among %d versions", family, len(versions))
		}
	}
	return reg, nil
}

func (r *Registry) loadFS(v *validator.Validate, fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%s: %w", path.Base(name), err)
		}
		if err := v.Struct(p); err != nil {
			return fmt.Errorf("%s: %w", path.Base(name), err)
		}
		if err := p.compile(); err != nil {
			return fmt.Errorf("%s: %w", path.Base(name), err)
		}
		r.add(&p)
	}
	return nil
}

func (r *Registry) add(p *Profile) {
	versions := r.profiles[p.Family]
	if versions == nil {
		versions = map[string]*Profile{}
		r.profiles[p.Family] = versions
	}
	prev := versions[p.Version]
	versions[p.Version] = p
	if p.Default || (prev != nil && r.defaults[p.Family] == prev) {
		r.defaults[p.Family] = p
	}
}

var ErrUnknownFamily = errors.New("unknown schema family")

// Select returns the profile for version, falling back to the family default.
func (r *Registry) Select(family Family, version string) (*Profile, error) {
	versions, ok := r.profiles[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if p, ok := versions[strings.TrimSpace(version)]; ok {
		return p, nil
	}
	return r.defaults[family], nil
}

// Versions lists the loaded versions of family in ascending order.
func (r *Registry) Versions(family Family) []string {
	out := make([]string, 0, len(r.profiles[family]))
	for v := range r.profiles[family] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
