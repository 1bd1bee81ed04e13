package fhir

import "fmt"

// Issue severities.
const (
	IssueSeverityFatal   = "fatal"
	IssueSeverityError   = "error"
	IssueSeverityWarning = "warning"
)

// Issue type codes returned by the bridge.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeStructure  = "structure"
	IssueTypeRequired   = "required"
	IssueTypeValue      = "value"
	IssueTypeNotFound   = "not-found"
	IssueTypeProcessing = "processing"
	IssueTypeLogin      = "login"
	IssueTypeForbidden  = "forbidden"
	IssueTypeThrottled  = "throttled"
	IssueTypeTooCostly  = "too-costly"
	IssueTypeException  = "exception"
	IssueTypeTimeout    = "timeout"
)

// OperationOutcome is the body of every error response.
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

// NewOperationOutcome returns an outcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []OperationOutcomeIssue{{Severity: severity, Code: code, Diagnostics: diagnostics}},
	}
}

// At sets the location of the most recently added issue and returns o.
func (o *OperationOutcome) At(expression ...string) *OperationOutcome {
	if n := len(o.Issue); n > 0 {
		o.Issue[n-1].Expression = append(o.Issue[n-1].Expression, expression...)
	}
	return o
}

// Add appends another issue and returns o.
func (o *OperationOutcome) Add(severity, code, diagnostics string) *OperationOutcome {
	o.Issue = append(o.Issue, OperationOutcomeIssue{Severity: severity, Code: code, Diagnostics: diagnostics})
	return o
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// StructureOutcome reports input that could not be parsed.
func StructureOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeStructure, diagnostics)
}

// RequiredOutcome reports a missing mandatory element.
func RequiredOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeRequired, diagnostics)
}

func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

func ThrottleOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeThrottled, "rate limit exceeded, retry after the Retry-After delay")
}

// TooLargeOutcome reports a request exceeding a configured size limit.
func TooLargeOutcome(what string, limit int64) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTooCostly, fmt.Sprintf("%s exceeds the limit of %d", what, limit))
}
