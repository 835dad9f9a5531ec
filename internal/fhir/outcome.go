package fhir

import (
	"errors"
	"fmt"

	"clinical-fhir-extractor/internal/apperrors"
)

const (
	IssueSeverityError = "error"

	IssueTypeStructure = "structure"
	IssueTypeRequired  = "required"
)

// OperationOutcome reports why a Bundle was rejected.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// OutcomeFor converts an InvalidBundle error into an OperationOutcome with a
// FHIRPath expression locating the failure. Other errors yield nil.
func OutcomeFor(err error) *OperationOutcome {
	var e *apperrors.Error
	if !errors.As(err, &e) || e.Kind != apperrors.InvalidBundle {
		return nil
	}
	code := IssueTypeRequired
	if e.Field == "" || (e.EntryIndex < 0 && e.Field == "resourceType") {
		code = IssueTypeStructure
	}
	issue := OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        code,
		Diagnostics: e.Message,
	}
	if expr := Expression(e.EntryIndex, e.Field); expr != "" {
		issue.Expression = []string{expr}
	}
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: []OperationOutcomeIssue{issue}}
}

// Expression renders an entry index and field as a FHIRPath, e.g.
// "Bundle.entry[2].resource.resourceType".
func Expression(entry int, field string) string {
	switch {
	case entry >= 0 && field != "":
		return fmt.Sprintf("Bundle.entry[%d].%s", entry, field)
	case entry >= 0:
		return fmt.Sprintf("Bundle.entry[%d]", entry)
	case field != "":
		return "Bundle." + field
	}
	return ""
}
