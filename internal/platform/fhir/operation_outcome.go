package fhir

import (
	"errors"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4 spec.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeProcessing    = "processing"
	IssueTypeSecurity      = "security"
	IssueTypeLogin         = "login"
	IssueTypeThrottled     = "throttled"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeTimeout       = "timeout"
	IssueTypeInformational = "informational"
)

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	Base
	Issue []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome returns an outcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return NewOutcomeBuilder().AddIssue(severity, code, diagnostics).Build()
}

// ErrorOutcome returns a processing error outcome.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// InformationOutcome returns an outcome reporting success.
func InformationOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, diagnostics)
}

// OutcomeFromError maps err to an outcome, choosing the issue code by kind.
// Validation errors expand to one issue per violation.
func OutcomeFromError(err error) *OperationOutcome {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Outcome()
	}
	code := IssueTypeProcessing
	switch apperr.KindOf(err) {
	case apperr.KindProtocol:
		code = IssueTypeStructure
	case apperr.KindValidation:
		code = IssueTypeInvalid
	case apperr.KindAuth:
		code = IssueTypeSecurity
	case apperr.KindNotFound, apperr.KindDomainMismatch:
		code = IssueTypeNotFound
	case apperr.KindTransport:
		code = IssueTypeTimeout
	case apperr.KindTokenAcquisition:
		code = IssueTypeLogin
	}
	b := NewOutcomeBuilder()
	detail := apperr.CodeOf(err)
	if detail == "" {
		return b.AddIssue(IssueSeverityError, code, err.Error()).Build()
	}
	return b.AddIssueWithDetails(IssueSeverityError, code, err.Error(), &CodeableConcept{Text: detail}).Build()
}

// HasErrors reports whether any issue is error or fatal.
func (o *OperationOutcome) HasErrors() bool {
	for _, i := range o.Issue {
		if i.Severity == IssueSeverityError || i.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates a new OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{Base: NewBase(TypeOperationOutcome, "")},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithDetails adds an issue with a CodeableConcept details field.
func (b *OutcomeBuilder) AddIssueWithDetails(severity, code, diagnostics string, details *CodeableConcept) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Details:     details,
	})
	return b
}

// AddIssueWithLocation adds an issue including an expression/location path.
func (b *OutcomeBuilder) AddIssueWithLocation(severity, code, diagnostics, location string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{location},
	})
	return b
}

// Build returns the constructed OperationOutcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}
