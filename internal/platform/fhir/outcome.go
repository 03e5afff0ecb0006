package fhir

import (
	"net/http"

	"github.com/dicomrouter/router/internal/platform/apperr"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeProcessing    = "processing"
	IssueTypeException     = "exception"
	IssueTypeTimeout       = "timeout"
	IssueTypeTooCostly     = "too-costly"
	IssueTypeInformational = "informational"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, text string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity: severity,
				Code:     code,
				Details:  &CodeableConcept{Text: text},
			},
		},
	}
}

func ErrorOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, text)
}

func NotFoundOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, text)
}

func ValidationOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeValue, text)
}

func SuccessOutcome(text string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, text)
}

// OutcomeForError maps an application error onto an HTTP status and an
// OperationOutcome body.
func OutcomeForError(err error) (int, *OperationOutcome) {
	msg := err.Error()
	if e, ok := apperr.As(err); ok && e.Msg != "" {
		msg = e.Msg
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest, ValidationOutcome(msg)
	case apperr.KindNotFound:
		return http.StatusNotFound, NotFoundOutcome(msg)
	case apperr.KindRemoteCall:
		return http.StatusBadGateway, NewOperationOutcome(IssueSeverityError, IssueTypeException, msg)
	default:
		return http.StatusInternalServerError, ErrorOutcome(msg)
	}
}
