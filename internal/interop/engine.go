// Package interop defines the boundary between the gateway and the
// translation engine that actually understands clinical document formats:
// parsing/rendering CDA XML and converting between CDA and FHIR shapes. The
// gateway consumes this interface; it never implements a production-grade
// CDA/FHIR translator itself. Grounded on the teacher's ccda package
// (parser.go, generator.go, types.go), whose ClinicalDocument/section/entry
// model is the shape a real Engine implementation would parse into and
// render out of — kept here only as the template parameter the interface is
// built against, not reproduced in full.
package interop

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/dotimplement/healthchain-gateway/pkg/fhirmodel"
)

// Document is a minimal, teacher-shaped stand-in for a full CDA
// ClinicalDocument: enough structure to round-trip through parse/render
// without pulling in the teacher's full C-CDA 2.1 template machinery.
type Document struct {
	XMLName       xml.Name  `xml:"ClinicalDocument"`
	TemplateIDs   []string  `xml:"templateId,omitempty"`
	Title         string    `xml:"title"`
	EffectiveTime string    `xml:"effectiveTime,omitempty"`
	Sections      []Section `xml:"component>structuredBody>component>section"`
}

// Section is one clinical section of a CDA document (problems, medications,
// allergies, etc.), identified by its LOINC code per the teacher's
// OIDProblemsSection/LOINCProblems-style constants.
type Section struct {
	LOINCCode string `xml:"code,attr"`
	Title     string `xml:"title"`
	Text      string `xml:"text"`
}

// Engine is the collaborator the gateway depends on for CDA/FHIR
// translation. A production implementation (full C-CDA 2.1 template
// validation, terminology-bound entry parsing, FHIR mapping tables) lives
// outside this module; only the interface and a development stub live here.
type Engine interface {
	// ParseCDA turns a raw CDA XML document into the structured Document shape.
	ParseCDA(ctx context.Context, raw []byte) (*Document, error)
	// RenderCDA serializes a Document back into CDA XML.
	RenderCDA(ctx context.Context, doc *Document) ([]byte, error)
	// ToFHIR converts a parsed CDA Document into a FHIR Bundle.
	ToFHIR(ctx context.Context, doc *Document) (*fhirmodel.Bundle, error)
	// FromFHIR converts a FHIR Bundle into a CDA Document.
	FromFHIR(ctx context.Context, bundle *fhirmodel.Bundle) (*Document, error)
}

// StubEngine is an in-memory Engine good enough for tests and local
// development: it round-trips Document<->XML faithfully but performs only a
// shallow, structurally-obvious CDA<->FHIR mapping (one Composition-shaped
// resource per document, one Observation-shaped resource per section). It is
// never meant to produce clinically valid FHIR.
type StubEngine struct {
	mu      sync.Mutex
	callLog []string
}

func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

func (s *StubEngine) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callLog = append(s.callLog, call)
}

// CallLog returns the names of methods invoked so far, in order — useful for
// asserting that a caller actually exercised the engine boundary in tests.
func (s *StubEngine) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.callLog))
	copy(out, s.callLog)
	return out
}

func (s *StubEngine) ParseCDA(ctx context.Context, raw []byte) (*Document, error) {
	s.record("ParseCDA")
	var doc Document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse CDA document: %w", err)
	}
	return &doc, nil
}

func (s *StubEngine) RenderCDA(ctx context.Context, doc *Document) ([]byte, error) {
	s.record("RenderCDA")
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render CDA document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (s *StubEngine) ToFHIR(ctx context.Context, doc *Document) (*fhirmodel.Bundle, error) {
	s.record("ToFHIR")
	entries := make([]fhirmodel.BundleEntry, 0, len(doc.Sections)+1)

	composition, err := json.Marshal(map[string]interface{}{
		"resourceType": "Composition",
		"title":        doc.Title,
		"date":         doc.EffectiveTime,
	})
	if err != nil {
		return nil, err
	}
	entries = append(entries, fhirmodel.BundleEntry{Resource: composition})

	for _, sec := range doc.Sections {
		obs, err := json.Marshal(map[string]interface{}{
			"resourceType": "Observation",
			"status":       "final",
			"code":         map[string]interface{}{"coding": []map[string]string{{"system": "http://loinc.org", "code": sec.LOINCCode}}},
			"valueString":  sec.Text,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, fhirmodel.BundleEntry{Resource: obs})
	}

	total := len(entries)
	return &fhirmodel.Bundle{ResourceType: "Bundle", Type: "collection", Total: &total, Entry: entries}, nil
}

func (s *StubEngine) FromFHIR(ctx context.Context, bundle *fhirmodel.Bundle) (*Document, error) {
	s.record("FromFHIR")
	doc := &Document{Title: "Converted Document"}
	for _, entry := range bundle.Entry {
		var res fhirmodel.Resource
		if err := json.Unmarshal(entry.Resource, &res); err != nil {
			continue
		}
		if res.ResourceType == "Observation" {
			var obs struct {
				Code struct {
					Coding []struct{ Code string } `json:"coding"`
				} `json:"code"`
				ValueString string `json:"valueString"`
			}
			if err := json.Unmarshal(entry.Resource, &obs); err != nil {
				continue
			}
			code := ""
			if len(obs.Code.Coding) > 0 {
				code = obs.Code.Coding[0].Code
			}
			doc.Sections = append(doc.Sections, Section{LOINCCode: code, Text: obs.ValueString})
		}
	}
	return doc, nil
}
