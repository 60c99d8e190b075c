// Package fhirmodel carries the minimal FHIR wire shapes the gateway needs
// to move resources between source systems without interpreting their
// clinical content: a generic Resource envelope, Bundle (whose entries keep
// each resource as a json.RawMessage body so any resource type can pass
// through unmodified), and OperationOutcome.
package fhirmodel

import "time"

// Resource is the generic FHIR resource envelope. It holds only
// resourceType, id and meta; other fields of a decoded body are not kept.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

// Meta carries the subset of Resource.meta the gateway inspects for
// conditional reads and provenance stamping.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

// Coding is a single code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept pairs a set of codings with free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference points at another resource, local or absolute.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Severity and issue-type constants used by OperationOutcome below.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"

	IssueNotFound     = "not-found"
	IssueProcessing   = "processing"
	IssueInvalid      = "invalid"
	IssueTimeout      = "timeout"
	IssueThrottled    = "throttled"
	IssueNotSupported = "not-supported"
	IssueSecurity     = "security"
	IssueDeleted      = "deleted"
)

// OperationOutcome is the FHIR OperationOutcome resource shape. The
// gateway's own failure responses use the gwerrors body instead.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single entry in an OperationOutcome.issue array.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOutcome builds a single-issue OperationOutcome.
func NewOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome builds a generic processing-error OperationOutcome.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueProcessing, diagnostics)
}

// NotFoundOutcome builds a not-found OperationOutcome for a resource handle.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueNotFound, resourceType+"/"+id+" not found")
}

// ThrottleOutcome builds the OperationOutcome returned when the connection
// pool has no capacity to serve a request within its acquire timeout.
func ThrottleOutcome() *OperationOutcome {
	return NewOutcome(SeverityError, IssueThrottled, "connection pool exhausted, retry after a delay")
}

// TimeoutOutcome builds the OperationOutcome returned when a source request
// exceeds its deadline.
func TimeoutOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueTimeout, diagnostics)
}
