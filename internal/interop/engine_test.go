package interop

import (
	"context"
	"strings"
	"testing"
)

const sampleCDA = `<?xml version="1.0"?>
<ClinicalDocument>
  <title>Continuity of Care Document</title>
  <effectiveTime>20260101</effectiveTime>
  <component><structuredBody><component><section code="11450-4"><title>Problems</title><text>Hypertension</text></section></component></structuredBody></component>
</ClinicalDocument>`

func TestStubEngine_ParseThenRenderRoundTrips(t *testing.T) {
	e := NewStubEngine()
	ctx := context.Background()

	doc, err := e.ParseCDA(ctx, []byte(sampleCDA))
	if err != nil {
		t.Fatalf("ParseCDA: %v", err)
	}
	if doc.Title != "Continuity of Care Document" {
		t.Errorf("unexpected title: %q", doc.Title)
	}
	if len(doc.Sections) != 1 || doc.Sections[0].LOINCCode != "11450-4" {
		t.Fatalf("unexpected sections: %+v", doc.Sections)
	}

	rendered, err := e.RenderCDA(ctx, doc)
	if err != nil {
		t.Fatalf("RenderCDA: %v", err)
	}
	if !strings.Contains(string(rendered), "Hypertension") {
		t.Errorf("expected rendered document to retain section text, got %s", rendered)
	}
}

func TestStubEngine_ToFHIR_OneObservationPerSection(t *testing.T) {
	e := NewStubEngine()
	doc, err := e.ParseCDA(context.Background(), []byte(sampleCDA))
	if err != nil {
		t.Fatalf("ParseCDA: %v", err)
	}

	bundle, err := e.ToFHIR(context.Background(), doc)
	if err != nil {
		t.Fatalf("ToFHIR: %v", err)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 1 composition + 1 observation, got %d entries", len(bundle.Entry))
	}
}

func TestStubEngine_FromFHIR_RecoversSections(t *testing.T) {
	e := NewStubEngine()
	doc, _ := e.ParseCDA(context.Background(), []byte(sampleCDA))
	bundle, _ := e.ToFHIR(context.Background(), doc)

	back, err := e.FromFHIR(context.Background(), bundle)
	if err != nil {
		t.Fatalf("FromFHIR: %v", err)
	}
	if len(back.Sections) != 1 || back.Sections[0].Text != "Hypertension" {
		t.Fatalf("unexpected round-tripped sections: %+v", back.Sections)
	}
}

func TestStubEngine_CallLogRecordsInvocations(t *testing.T) {
	e := NewStubEngine()
	doc, _ := e.ParseCDA(context.Background(), []byte(sampleCDA))
	e.RenderCDA(context.Background(), doc)

	log := e.CallLog()
	if len(log) != 2 || log[0] != "ParseCDA" || log[1] != "RenderCDA" {
		t.Fatalf("unexpected call log: %v", log)
	}
}
