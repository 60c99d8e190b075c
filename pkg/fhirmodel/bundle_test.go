package fhirmodel

import (
	"encoding/json"
	"testing"
)

func TestNewSearchBundle(t *testing.T) {
	resources := []json.RawMessage{
		json.RawMessage(`{"resourceType":"Patient","id":"1"}`),
		json.RawMessage(`{"resourceType":"Patient","id":"2"}`),
	}
	b := NewSearchBundle(resources, 2, "https://gw.example.org/fhir/Patient")

	if b.ResourceType != "Bundle" || b.Type != "searchset" {
		t.Fatalf("unexpected bundle shape: %+v", b)
	}
	if b.Total == nil || *b.Total != 2 {
		t.Fatalf("expected total 2, got %v", b.Total)
	}
	if len(b.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(b.Entry))
	}
	if len(b.Link) != 1 || b.Link[0].Relation != "self" {
		t.Fatalf("expected a self link, got %+v", b.Link)
	}
}

func TestResourceTypeOf(t *testing.T) {
	raw := json.RawMessage(`{"resourceType":"Observation","id":"42"}`)
	if got := ResourceTypeOf(raw); got != "Observation" {
		t.Errorf("expected Observation, got %q", got)
	}
	if got := ResourceTypeOf(json.RawMessage(`not json`)); got != "" {
		t.Errorf("expected empty string for invalid json, got %q", got)
	}
}

func TestErrorOutcome(t *testing.T) {
	oo := ErrorOutcome("boom")
	if oo.ResourceType != "OperationOutcome" {
		t.Fatalf("unexpected resourceType: %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 || oo.Issue[0].Severity != SeverityError {
		t.Fatalf("unexpected issue: %+v", oo.Issue)
	}
}
