package fhir

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// ResourceType is the closed set of FHIR R4 resource types the lab interface
// reads and writes.
type ResourceType string

const (
	TypePatient          ResourceType = "Patient"
	TypePractitioner     ResourceType = "Practitioner"
	TypeOrganization     ResourceType = "Organization"
	TypeServiceRequest   ResourceType = "ServiceRequest"
	TypeSpecimen         ResourceType = "Specimen"
	TypeObservation      ResourceType = "Observation"
	TypeDiagnosticReport ResourceType = "DiagnosticReport"
	TypeBundle           ResourceType = "Bundle"
	TypeOperationOutcome ResourceType = "OperationOutcome"
)

// Known reports whether t is one of the supported resource types.
func (t ResourceType) Known() bool {
	switch t {
	case TypePatient, TypePractitioner, TypeOrganization, TypeServiceRequest, TypeSpecimen,
		TypeObservation, TypeDiagnosticReport, TypeBundle, TypeOperationOutcome:
		return true
	}
	return false
}

// Resource is implemented by every typed resource in this package.
type Resource interface {
	TypeName() ResourceType
	ResourceID() string
	SetResourceID(id string)
}

// Base holds the fields shared by every resource.
type Base struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

// NewBase returns a Base stamped with t.
func NewBase(t ResourceType, id string) Base {
	return Base{ResourceType: string(t), ID: id}
}

func (b *Base) TypeName() ResourceType  { return ResourceType(b.ResourceType) }
func (b *Base) ResourceID() string      { return b.ID }
func (b *Base) SetResourceID(id string) { b.ID = id }

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding or the zero value.
func (c *CodeableConcept) FirstCoding() Coding {
	if c == nil || len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

// CodingFor returns the first coding in system.
func (c *CodeableConcept) CodingFor(system string) (Coding, bool) {
	if c == nil {
		return Coding{}, false
	}
	for _, cd := range c.Coding {
		if cd.System == system {
			return cd, true
		}
	}
	return Coding{}, false
}

type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// ReferenceID returns the id part of a relative "<Type>/<id>" reference.
// ok is false when the reference points at another resource type.
func (r *Reference) ReferenceID(t ResourceType) (string, bool) {
	if r == nil {
		return "", false
	}
	id, ok := strings.CutPrefix(r.Reference, string(t)+"/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// NewReference returns a reference to r by type and id.
func NewReference(r Resource) *Reference {
	return &Reference{Reference: string(r.TypeName()) + "/" + r.ResourceID()}
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// NewQuantity returns a quantity with a UCUM-style unit.
func NewQuantity(v float64, unit string) *Quantity {
	q := &Quantity{Value: &v, Unit: unit}
	if unit != "" {
		q.System = "http://unitsofmeasure.org"
		q.Code = unit
	}
	return q
}

type Annotation struct {
	Text string `json:"text"`
	Time string `json:"time,omitempty"`
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

type Patient struct {
	Base
	Identifier []Identifier   `json:"identifier,omitempty"`
	Active     *bool          `json:"active,omitempty"`
	Name       []HumanName    `json:"name,omitempty"`
	Telecom    []ContactPoint `json:"telecom,omitempty"`
	Gender     string         `json:"gender,omitempty"`
	BirthDate  string         `json:"birthDate,omitempty"`
	Address    []Address      `json:"address,omitempty"`
}

type Practitioner struct {
	Base
	Identifier []Identifier   `json:"identifier,omitempty"`
	Name       []HumanName    `json:"name,omitempty"`
	Telecom    []ContactPoint `json:"telecom,omitempty"`
}

type Organization struct {
	Base
	Identifier []Identifier   `json:"identifier,omitempty"`
	Name       string         `json:"name,omitempty"`
	Telecom    []ContactPoint `json:"telecom,omitempty"`
	Address    []Address      `json:"address,omitempty"`
}

type ServiceRequest struct {
	Base
	Identifier  []Identifier      `json:"identifier,omitempty"`
	Requisition *Identifier       `json:"requisition,omitempty"`
	Status      string            `json:"status,omitempty"`
	Intent      string            `json:"intent,omitempty"`
	Category    []CodeableConcept `json:"category,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Code        *CodeableConcept  `json:"code,omitempty"`
	Subject     *Reference        `json:"subject,omitempty"`
	AuthoredOn  string            `json:"authoredOn,omitempty"`
	Requester   *Reference        `json:"requester,omitempty"`
	Performer   []Reference       `json:"performer,omitempty"`
	ReasonCode  []CodeableConcept `json:"reasonCode,omitempty"`
	Specimen    []Reference       `json:"specimen,omitempty"`
	Note        []Annotation      `json:"note,omitempty"`
}

type SpecimenCollection struct {
	CollectedDateTime string    `json:"collectedDateTime,omitempty"`
	Quantity          *Quantity `json:"quantity,omitempty"`
}

type SpecimenContainer struct {
	Type             *CodeableConcept `json:"type,omitempty"`
	SpecimenQuantity *Quantity        `json:"specimenQuantity,omitempty"`
}

type Specimen struct {
	Base
	Identifier          []Identifier        `json:"identifier,omitempty"`
	AccessionIdentifier *Identifier         `json:"accessionIdentifier,omitempty"`
	Status              string              `json:"status,omitempty"`
	Type                *CodeableConcept    `json:"type,omitempty"`
	Subject             *Reference          `json:"subject,omitempty"`
	ReceivedTime        string              `json:"receivedTime,omitempty"`
	Request             []Reference         `json:"request,omitempty"`
	Collection          *SpecimenCollection `json:"collection,omitempty"`
	Container           []SpecimenContainer `json:"container,omitempty"`
	Note                []Annotation        `json:"note,omitempty"`
}

type ObservationReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

type Observation struct {
	Base
	Identifier           []Identifier                `json:"identifier,omitempty"`
	BasedOn              []Reference                 `json:"basedOn,omitempty"`
	Status               string                      `json:"status,omitempty"`
	Category             []CodeableConcept           `json:"category,omitempty"`
	Code                 *CodeableConcept            `json:"code,omitempty"`
	Subject              *Reference                  `json:"subject,omitempty"`
	EffectiveDateTime    string                      `json:"effectiveDateTime,omitempty"`
	Issued               string                      `json:"issued,omitempty"`
	Performer            []Reference                 `json:"performer,omitempty"`
	ValueQuantity        *Quantity                   `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept            `json:"valueCodeableConcept,omitempty"`
	ValueString          string                      `json:"valueString,omitempty"`
	ValueDateTime        string                      `json:"valueDateTime,omitempty"`
	Interpretation       []CodeableConcept           `json:"interpretation,omitempty"`
	Note                 []Annotation                `json:"note,omitempty"`
	Specimen             *Reference                  `json:"specimen,omitempty"`
	ReferenceRange       []ObservationReferenceRange `json:"referenceRange,omitempty"`
}

type DiagnosticReport struct {
	Base
	Contained         []json.RawMessage `json:"contained,omitempty"`
	Identifier        []Identifier      `json:"identifier,omitempty"`
	BasedOn           []Reference       `json:"basedOn,omitempty"`
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              *CodeableConcept  `json:"code,omitempty"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	Performer         []Reference       `json:"performer,omitempty"`
	Specimen          []Reference       `json:"specimen,omitempty"`
	Result            []Reference       `json:"result,omitempty"`
	Conclusion        string            `json:"conclusion,omitempty"`
}

// ContainedResources decodes the contained resources of a report.
func (r *DiagnosticReport) ContainedResources() ([]Resource, error) {
	out := make([]Resource, 0, len(r.Contained))
	for i, raw := range r.Contained {
		res, err := DecodeResource(raw)
		if err != nil {
			return nil, fmt.Errorf("contained[%d]: %w", i, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// DecodeError reports a payload that is not a supported FHIR resource.
type DecodeError struct {
	ResourceType string
	Reason       string
}

func (e *DecodeError) Error() string {
	if e.ResourceType != "" {
		return fmt.Sprintf("fhir: cannot decode %s: %s", e.ResourceType, e.Reason)
	}
	return "fhir: " + e.Reason
}

func (e *DecodeError) ErrKind() apperr.Kind { return apperr.KindProtocol }

func (e *DecodeError) ErrCode() string { return "FHIR_DECODE_ERROR" }

// DecodeResource decodes JSON into the typed resource named by resourceType.
func DecodeResource(data []byte) (Resource, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON: " + err.Error()}
	}
	if probe.ResourceType == "" {
		return nil, &DecodeError{Reason: "missing resourceType"}
	}

	var r Resource
	switch ResourceType(probe.ResourceType) {
	case TypePatient:
		r = &Patient{}
	case TypePractitioner:
		r = &Practitioner{}
	case TypeOrganization:
		r = &Organization{}
	case TypeServiceRequest:
		r = &ServiceRequest{}
	case TypeSpecimen:
		r = &Specimen{}
	case TypeObservation:
		r = &Observation{}
	case TypeDiagnosticReport:
		r = &DiagnosticReport{}
	case TypeBundle:
		r = &Bundle{}
	case TypeOperationOutcome:
		r = &OperationOutcome{}
	default:
		return nil, &DecodeError{ResourceType: probe.ResourceType, Reason: "unsupported resource type"}
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, &DecodeError{ResourceType: probe.ResourceType, Reason: err.Error()}
	}
	return r, nil
}
