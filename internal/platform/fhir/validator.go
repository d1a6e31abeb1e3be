package fhir

import (
	"fmt"
	"strings"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// statusValues maps resource types to their valid status values per FHIR R4.
var statusValues = map[ResourceType][]string{
	TypeObservation:      {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	TypeServiceRequest:   {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	TypeDiagnosticReport: {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	TypeSpecimen:         {"available", "unavailable", "unsatisfactory", "entered-in-error"},
}

var intentValues = []string{"proposal", "plan", "directive", "order", "original-order", "reflex-order", "filler-order", "instance-order", "option"}

// Violation is one failed structural requirement.
type Violation struct {
	Path    string
	Message string
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

// ValidationError carries the violations of a resource that failed Validate.
type ValidationError struct {
	ResourceType ResourceType
	Violations   []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("fhir: invalid %s: %s", e.ResourceType, strings.Join(msgs, "; "))
}

func (e *ValidationError) ErrKind() apperr.Kind { return apperr.KindValidation }

func (e *ValidationError) ErrCode() string { return "FHIR_VALIDATION_FAILED" }

// Outcome converts the violations into an OperationOutcome.
func (e *ValidationError) Outcome() *OperationOutcome {
	b := NewOutcomeBuilder()
	for _, v := range e.Violations {
		b.AddIssueWithLocation(IssueSeverityError, IssueTypeRequired, v.Message, v.Path)
	}
	return b.Build()
}

// Check validates r and returns a *ValidationError when it has violations.
func Check(r Resource) error {
	if vs := Validate(r); len(vs) > 0 {
		return &ValidationError{ResourceType: r.TypeName(), Violations: vs}
	}
	return nil
}

// Validate checks the minimal required fields of r. It returns nil when the
// resource is structurally acceptable.
func Validate(r Resource) []Violation {
	if r == nil {
		return []Violation{{Path: "resourceType", Message: "resource is required"}}
	}
	var vs []Violation
	add := func(path, msg string) { vs = append(vs, Violation{Path: path, Message: msg}) }
	name := string(r.TypeName())

	switch res := r.(type) {
	case *Patient:
		if !hasName(res.Name) {
			add(name+".name", "at least one name is required")
		}
	case *Practitioner:
		if !hasName(res.Name) {
			add(name+".name", "at least one name is required")
		}
	case *Organization:
		if strings.TrimSpace(res.Name) == "" {
			add(name+".name", "name is required")
		}
	case *Observation:
		requireCode(add, name, res.Code)
		requireReference(add, name+".subject", res.Subject)
		requireStatus(add, res.TypeName(), res.Status)
	case *DiagnosticReport:
		requireCode(add, name, res.Code)
		requireReference(add, name+".subject", res.Subject)
		requireStatus(add, res.TypeName(), res.Status)
	case *ServiceRequest:
		requireCode(add, name, res.Code)
		requireReference(add, name+".subject", res.Subject)
		requireStatus(add, res.TypeName(), res.Status)
		switch {
		case res.Intent == "":
			add(name+".intent", "intent is required")
		case !contains(intentValues, res.Intent):
			add(name+".intent", fmt.Sprintf("invalid intent %q", res.Intent))
		}
	case *Specimen:
		requireReference(add, name+".subject", res.Subject)
		if res.Status != "" && !contains(statusValues[TypeSpecimen], res.Status) {
			add(name+".status", fmt.Sprintf("invalid status %q", res.Status))
		}
	case *Bundle:
		if res.Type == "" {
			add(name+".type", "type is required")
		}
		for i, e := range res.Entry {
			path := fmt.Sprintf("%s.entry[%d]", name, i)
			if len(e.Resource) == 0 {
				if e.Request == nil || e.Request.Method != "DELETE" {
					add(path+".resource", "resource is required")
				}
				continue
			}
			inner, err := DecodeResource(e.Resource)
			if err != nil {
				add(path+".resource", err.Error())
				continue
			}
			for _, v := range Validate(inner) {
				vs = append(vs, Violation{Path: path + ".resource." + v.Path, Message: v.Message})
			}
		}
	case *OperationOutcome:
		if len(res.Issue) == 0 {
			add(name+".issue", "at least one issue is required")
		}
	default:
		add("resourceType", fmt.Sprintf("unsupported resource type %q", name))
	}
	return vs
}

func hasName(names []HumanName) bool {
	for _, n := range names {
		if n.Family != "" || n.Text != "" || len(n.Given) > 0 {
			return true
		}
	}
	return false
}

func requireCode(add func(string, string), name string, c *CodeableConcept) {
	if c == nil || (len(c.Coding) == 0 && c.Text == "") {
		add(name+".code", "code is required")
		return
	}
	for i, cd := range c.Coding {
		if cd.Code == "" && cd.Display == "" {
			add(fmt.Sprintf("%s.code.coding[%d]", name, i), "coding must have a code or display")
		}
	}
}

func requireReference(add func(string, string), path string, ref *Reference) {
	if ref == nil || ref.Reference == "" {
		add(path, "reference is required")
	}
}

func requireStatus(add func(string, string), t ResourceType, status string) {
	path := string(t) + ".status"
	if status == "" {
		add(path, "status is required")
		return
	}
	if !contains(statusValues[t], status) {
		add(path, fmt.Sprintf("invalid status %q", status))
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
