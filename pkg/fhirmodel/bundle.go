package fhirmodel

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource. The gateway only ever produces
// "searchset" and "transaction-response" bundles; it never interprets bundle
// entries beyond locating the resourceType discriminator.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

// BundleLink is a navigation link on a Bundle ("self", "next", "previous").
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry holds one resource in a Bundle. Resource is kept as raw JSON
// so the gateway can forward arbitrary resource types without a model for
// each one.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

// BundleSearch carries the match mode FHIR search assigns each entry.
type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle wraps a slice of already-marshalled resource bodies into a
// searchset Bundle, stamping a self link and a total count.
func NewSearchBundle(resources []json.RawMessage, total int, selfURL string) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{Resource: r, Search: &BundleSearch{Mode: "match"}}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}
}

// ResourceTypeOf extracts the resourceType discriminator from a raw FHIR
// resource body without unmarshalling the rest of it.
func ResourceTypeOf(raw json.RawMessage) string {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ResourceType
}
