// Package fixtures builds TransXChange documents and archives for tests.
package fixtures

import (
	"archive/zip"
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// TXC describes a minimal TransXChange document. Zero fields take defaults
// that pass every schema and PTI rule.
type TXC struct {
	Version          string
	ServiceCode      string
	CreationDateTime string
	ModificationTime string
	RevisionNumber   int
	Modification     string
	LineNames        []string
	NOC              string
	StartDate        string
	EndDate          string
	OmitOperatorRef  bool
	OmitStartDate    bool
}

func (t TXC) withDefaults() TXC {
	if t.Version == "" {
		t.Version = "2.4"
	}
	if t.ServiceCode == "" {
		t.ServiceCode = "PB0000001:1"
	}
	if t.CreationDateTime == "" {
		t.CreationDateTime = "2024-01-01T09:00:00"
	}
	if t.ModificationTime == "" {
		t.ModificationTime = t.CreationDateTime
	}
	if t.Modification == "" {
		t.Modification = "new"
	}
	if len(t.LineNames) == 0 {
		t.LineNames = []string{"1"}
	}
	if t.NOC == "" {
		t.NOC = "ABCD"
	}
	if t.StartDate == "" {
		t.StartDate = "2024-02-01"
	}
	return t
}

func (t TXC) XML() []byte {
	t = t.withDefaults()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<TransXChange xmlns="http://www.transxchange.org.uk/" SchemaVersion=%q CreationDateTime=%q ModificationDateTime=%q Modification=%q RevisionNumber="%d" FileName="service.xml">`+"\n",
		t.Version, t.CreationDateTime, t.ModificationTime, t.Modification, t.RevisionNumber)
	b.WriteString("  <Operators>\n")
	fmt.Fprintf(&b, "    <Operator id=\"O1\">\n      <NationalOperatorCode>%s</NationalOperatorCode>\n      <OperatorCode>%s</OperatorCode>\n    </Operator>\n", t.NOC, t.NOC[:2])
	b.WriteString("  </Operators>\n  <Services>\n    <Service>\n")
	fmt.Fprintf(&b, "      <ServiceCode>%s</ServiceCode>\n      <Lines>\n", t.ServiceCode)
	for i, name := range t.LineNames {
		fmt.Fprintf(&b, "        <Line id=\"L%d\">\n          <LineName>%s</LineName>\n        </Line>\n", i+1, name)
	}
	b.WriteString("      </Lines>\n      <OperatingPeriod>\n")
	if !t.OmitStartDate {
		fmt.Fprintf(&b, "        <StartDate>%s</StartDate>\n", t.StartDate)
	}
	if t.EndDate != "" {
		fmt.Fprintf(&b, "        <EndDate>%s</EndDate>\n", t.EndDate)
	}
	b.WriteString("      </OperatingPeriod>\n")
	if !t.OmitOperatorRef {
		b.WriteString("      <RegisteredOperatorRef>O1</RegisteredOperatorRef>\n")
	}
	b.WriteString("    </Service>\n  </Services>\n</TransXChange>\n")
	return []byte(b.String())
}

// Zip archives files in name order.
func Zip(files map[string][]byte) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(files[name]); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// NeTExFares is a minimal fares document.
func NeTExFares(noc string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<PublicationDelivery xmlns="http://www.netex.org.uk/netex" version="1.1">
  <PublicationTimestamp>2024-01-01T09:00:00Z</PublicationTimestamp>
  <ParticipantRef>%s</ParticipantRef>
  <dataObjects>
    <CompositeFrame id="cf1">
      <frames>
        <ResourceFrame id="rf1">
          <organisations>
            <Operator id="noc:%s">
              <PublicCode>%s</PublicCode>
            </Operator>
          </organisations>
        </ResourceFrame>
        <FareFrame id="ff1">
          <lines>
            <Line id="l1">
              <Name>Line 1</Name>
            </Line>
          </lines>
        </FareFrame>
      </frames>
    </CompositeFrame>
  </dataObjects>
</PublicationDelivery>
`, noc, noc, noc))
}
