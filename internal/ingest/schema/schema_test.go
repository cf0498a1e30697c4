package schema

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/fixtures"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry() err=%v", err)
	}
	return New(reg)
}

func zipPayload(t *testing.T, files map[string][]byte) *payload.Payload {
	t.Helper()
	p, err := payload.FromBytes("upload.zip", fixtures.Zip(files))
	if err != nil {
		t.Fatalf("FromBytes() err=%v", err)
	}
	return p
}

func TestRegistry_SelectFallsBackToDefault(t *testing.T) {
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry() err=%v", err)
	}
	p, err := reg.Select(FamilyTransXChange, "2.1")
	if err != nil || p.Version != "2.1" {
		t.Fatalf("Select(2.1)=%v err=%v", p, err)
	}
	p, err = reg.Select(FamilyTransXChange, "9.9")
	if err != nil || p.Version != "2.4" {
		t.Fatalf("Select(9.9) must fall back to 2.4, got %v err=%v", p, err)
	}
	if _, err := reg.Select("siri", ""); !errors.Is(err, ErrUnknownFamily) {
		t.Fatalf("Select(siri) err=%v, want ErrUnknownFamily", err)
	}
	if got := reg.Versions(FamilyTransXChange); len(got) != 2 || got[0] != "2.1" {
		t.Fatalf("Versions()=%v", got)
	}
}

func TestRegistry_OverrideDirReplacesProfile(t *testing.T) {
	dir := t.TempDir()
	override := `family: transxchange
version: "2.4"
root: TransXChange
namespace: http://www.transxchange.org.uk/
version_attribute: SchemaVersion
service_code_element: ServiceCode
required_elements:
  - path: TransXChange/Routes
    reference: local extension
`
	if err := os.WriteFile(filepath.Join(dir, "txc.yaml"), []byte(override), 0o600); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	reg, err := LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() err=%v", err)
	}
	p, _ := reg.Select(FamilyTransXChange, "")
	if len(p.RequiredElements) != 1 || p.RequiredElements[0].Path != "TransXChange/Routes" {
		t.Fatalf("override not applied as default: %+v", p.RequiredElements)
	}
}

func TestRegistry_RejectsInvalidProfile(t *testing.T) {
	dir := t.TempDir()
	bad := "family: gtfs\nversion: \"1\"\nroot: feed\nnamespace: not a uri\nversion_attribute: v\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o600); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	if _, err := LoadRegistry(dir); err == nil {
		t.Fatalf("LoadRegistry() expected validation error")
	}
}

func TestValidate_ValidFilesHaveNoViolations(t *testing.T) {
	v := newValidator(t)
	p := zipPayload(t, map[string][]byte{
		"a.xml": fixtures.TXC{}.XML(),
		"b.xml": fixtures.TXC{ServiceCode: "PB0000002:1"}.XML(),
	})
	f, err := v.Inspect(context.Background(), p, FamilyTransXChange)
	if err != nil {
		t.Fatalf("Inspect() err=%v", err)
	}
	if len(f.Schema) != 0 || len(f.PTI) != 0 {
		t.Fatalf("unexpected violations: schema=%+v pti=%+v", f.Schema, f.PTI)
	}
	if len(f.Files) != 2 || f.Files[0].Profile != "transxchange-2.4" {
		t.Fatalf("unexpected summaries: %+v", f.Files)
	}
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	v := newValidator(t)
	doc := fixtures.TXC{
		CreationDateTime: "yesterday",
		ModificationTime: "2024-01-01T09:00:00",
		Modification:     "bogus",
		OmitStartDate:    true,
	}.XML()
	p := zipPayload(t, map[string][]byte{"bad.xml": doc})
	violations, err := v.Validate(context.Background(), p, FamilyTransXChange)
	if err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if len(violations) != 3 {
		t.Fatalf("violations=%d, want 3: %+v", len(violations), violations)
	}
	for _, vi := range violations {
		if vi.Category != domain.CategorySchema || vi.Filename != "bad.xml" || vi.Line == 0 || vi.Details == "" {
			t.Fatalf("incomplete violation: %+v", vi)
		}
	}
}

func TestValidate_WrongRootNamespace(t *testing.T) {
	v := newValidator(t)
	doc := strings.Replace(string(fixtures.TXC{}.XML()), "http://www.transxchange.org.uk/", "urn:other", 1)
	p, _ := payload.FromBytes("a.xml", []byte(doc))
	violations, err := v.Validate(context.Background(), p, FamilyTransXChange)
	if err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if len(violations) != 1 || !strings.Contains(violations[0].Details, "Root element") {
		t.Fatalf("violations=%+v", violations)
	}
}

func TestCheckPTI(t *testing.T) {
	v := newValidator(t)
	p := zipPayload(t, map[string][]byte{
		"a.xml": fixtures.TXC{ServiceCode: "bad-code", OmitOperatorRef: true}.XML(),
	})
	obs, err := v.CheckPTI(context.Background(), p, FamilyTransXChange)
	if err != nil {
		t.Fatalf("CheckPTI() err=%v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("observations=%+v, want 2", obs)
	}
	for _, o := range obs {
		if o.Category != domain.CategoryPTI {
			t.Fatalf("category=%q", o.Category)
		}
	}
}

func TestCheckPostSchema_DuplicateServiceCode(t *testing.T) {
	v := newValidator(t)
	p := zipPayload(t, map[string][]byte{
		"a.xml": fixtures.TXC{ServiceCode: "PB0000001:1"}.XML(),
		"b.xml": fixtures.TXC{ServiceCode: "PB0000001:1"}.XML(),
	})
	violations, err := v.CheckPostSchema(context.Background(), p, FamilyTransXChange)
	if err != nil {
		t.Fatalf("CheckPostSchema() err=%v", err)
	}
	if len(violations) != 1 || violations[0].Filename != "b.xml" || violations[0].Category != domain.CategoryPostSchema {
		t.Fatalf("violations=%+v", violations)
	}
}

func TestPostSchemaViolations_MissingServiceCode(t *testing.T) {
	got := PostSchemaViolations([]FileSummary{
		{Name: "a.xml", TracksService: true},
		{Name: "fares.xml", TracksService: false},
	})
	if len(got) != 1 || got[0].Filename != "a.xml" {
		t.Fatalf("violations=%+v", got)
	}
}

func TestValidate_NeTExFares(t *testing.T) {
	v := newValidator(t)
	p, _ := payload.FromBytes("fares.xml", fixtures.NeTExFares("ABCD"))
	f, err := v.Inspect(context.Background(), p, FamilyNeTEx)
	if err != nil {
		t.Fatalf("Inspect() err=%v", err)
	}
	if len(f.Schema) != 0 || len(f.PTI) != 0 {
		t.Fatalf("unexpected violations: %+v %+v", f.Schema, f.PTI)
	}
	if f.Files[0].TracksService {
		t.Fatalf("fares profile does not track service codes")
	}
}

func TestFamilyForKind(t *testing.T) {
	if f, ok := FamilyForKind(domain.KindTimetable); !ok || f != FamilyTransXChange {
		t.Fatalf("timetable -> %q %v", f, ok)
	}
	if _, ok := FamilyForKind(domain.KindAVL); ok {
		t.Fatalf("avl has no schema family")
	}
}
