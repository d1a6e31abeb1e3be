// Package lab holds the clinic-side view of laboratory work: patients, orders,
// specimens, results and reports, with their FHIR and HL7 renderings. The
// engine never stores these itself; they are read from and written to the
// clinic backend through PatientDirectory and OrderBook.
package lab

import (
	"strings"
	"time"
)

// Code is a coded concept with its coding system.
type Code struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// IsZero reports whether c carries no code and no display text.
func (c Code) IsZero() bool { return c.Code == "" && c.Display == "" }

type Address struct {
	Line       string `json:"line,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// IsZero reports whether no part of a is set.
func (a Address) IsZero() bool { return a == Address{} }

// Patient is a clinic patient. ID is the clinic's own identifier; MRN is the
// medical record number printed on requisitions.
type Patient struct {
	ID         string    `json:"id"`
	MRN        string    `json:"mrn,omitempty"`
	FirstName  string    `json:"first_name"`
	MiddleName string    `json:"middle_name,omitempty"`
	LastName   string    `json:"last_name"`
	BirthDate  time.Time `json:"birth_date,omitempty"`
	Gender     Gender    `json:"gender"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	Address    Address   `json:"address,omitempty"`
}

// FullName returns "First Last".
func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// SameBirthDate compares calendar dates only.
func SameBirthDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Practitioner is the ordering clinician.
type Practitioner struct {
	ID        string `json:"id"`
	NPI       string `json:"npi,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
}

// Organization is a clinic or laboratory.
type Organization struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Identifier string  `json:"identifier,omitempty"`
	Phone      string  `json:"phone,omitempty"`
	Address    Address `json:"address,omitempty"`
}

// Specimen is the sample collected for an order.
type Specimen struct {
	ID              string    `json:"id"`
	AccessionNumber string    `json:"accession_number,omitempty"`
	PatientID       string    `json:"patient_id"`
	OrderID         string    `json:"order_id,omitempty"`
	Type            Code      `json:"type"`
	Container       string    `json:"container,omitempty"`
	Volume          *float64  `json:"volume,omitempty"`
	VolumeUnit      string    `json:"volume_unit,omitempty"`
	CollectedAt     time.Time `json:"collected_at,omitempty"`
	ReceivedAt      time.Time `json:"received_at,omitempty"`
}

// OrderedTest is one test requested on an order.
type OrderedTest struct {
	Code Code `json:"code"`

	// Specimen requirements copied from the test mapping when the order is sent.
	SpecimenType string `json:"specimen_type,omitempty"`
}

// LabOrder is a laboratory requisition. OrderNumber is the placer number
// assigned by the clinic; FillerNumber is assigned by the laboratory.
type LabOrder struct {
	ID           string        `json:"id"`
	OrderNumber  string        `json:"order_number"`
	FillerNumber string        `json:"filler_number,omitempty"`
	PatientID    string        `json:"patient_id"`
	RequesterID  string        `json:"requester_id,omitempty"`
	Status       OrderStatus   `json:"status"`
	Priority     Priority      `json:"priority"`
	ClinicalInfo string        `json:"clinical_info,omitempty"`
	OrderedAt    time.Time     `json:"ordered_at"`
	Specimen     *Specimen     `json:"specimen,omitempty"`
	Tests        []OrderedTest `json:"tests"`
	Results      []Result      `json:"results,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// ValueKind is the shape of a result value.
type ValueKind string

const (
	ValueNumeric ValueKind = "numeric"
	ValueCoded   ValueKind = "coded"
	ValueText    ValueKind = "text"
)

// ResultValue holds exactly one of a number, a coded concept, or text.
// Comparator qualifies numeric values reported as "<5" and similar.
type ResultValue struct {
	Numeric    *float64 `json:"numeric,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Coded      *Code    `json:"coded,omitempty"`
	Text       string   `json:"text,omitempty"`
}

// NumericValue returns a numeric ResultValue.
func NumericValue(v float64) ResultValue { return ResultValue{Numeric: &v} }

// Kind inspects which of the value fields is set.
func (v ResultValue) Kind() ValueKind {
	switch {
	case v.Numeric != nil:
		return ValueNumeric
	case v.Coded != nil:
		return ValueCoded
	default:
		return ValueText
	}
}

// String renders the value for display.
func (v ResultValue) String() string {
	switch v.Kind() {
	case ValueNumeric:
		return v.Comparator + formatFloat(*v.Numeric)
	case ValueCoded:
		if v.Coded.Display != "" {
			return v.Coded.Display
		}
		return v.Coded.Code
	default:
		return v.Text
	}
}

// Result is one test-result line on an order.
type Result struct {
	ID             string         `json:"id,omitempty"`
	OrderID        string         `json:"order_id,omitempty"`
	PatientID      string         `json:"patient_id,omitempty"`
	Test           Code           `json:"test"`
	Value          ResultValue    `json:"value"`
	Units          string         `json:"units,omitempty"`
	ReferenceRange ReferenceRange `json:"reference_range,omitempty"`
	Flag           AbnormalFlag   `json:"flag,omitempty"`
	Status         ResultStatus   `json:"status"`
	ObservedAt     time.Time      `json:"observed_at,omitempty"`
	Notes          []string       `json:"notes,omitempty"`
}

// Report groups the results for one order as issued by the laboratory.
type Report struct {
	ID           string       `json:"id,omitempty"`
	OrderNumber  string       `json:"order_number,omitempty"`
	FillerNumber string       `json:"filler_number,omitempty"`
	PatientID    string       `json:"patient_id,omitempty"`
	Code         Code         `json:"code"`
	Status       ResultStatus `json:"status"`
	EffectiveAt  time.Time    `json:"effective_at,omitempty"`
	IssuedAt     time.Time    `json:"issued_at,omitempty"`
	Conclusion   string       `json:"conclusion,omitempty"`
	Results      []Result     `json:"results"`
}

// HasTest reports whether code is one of the order's tests.
func (o *LabOrder) HasTest(code string) bool {
	for _, t := range o.Tests {
		if t.Code.Code == code {
			return true
		}
	}
	return false
}

// ApplyResult stores r on the order, replacing an existing line for the same
// test code. It reports whether a new line was appended. Applying the same
// result twice leaves the order unchanged.
func (o *LabOrder) ApplyResult(r Result) bool {
	r.OrderID = o.ID
	if r.PatientID == "" {
		r.PatientID = o.PatientID
	}
	for i := range o.Results {
		if o.Results[i].Test.Code == r.Test.Code {
			if r.ID == "" {
				r.ID = o.Results[i].ID
			}
			o.Results[i] = r
			return false
		}
	}
	o.Results = append(o.Results, r)
	return true
}

// ResultFor returns the result line for a test code.
func (o *LabOrder) ResultFor(code string) (Result, bool) {
	for _, r := range o.Results {
		if r.Test.Code == code {
			return r, true
		}
	}
	return Result{}, false
}

// AllTestsCompleted reports whether every ordered test has a completed result.
// An order without tests is never complete.
func (o *LabOrder) AllTestsCompleted() bool {
	if len(o.Tests) == 0 {
		return false
	}
	for _, t := range o.Tests {
		r, ok := o.ResultFor(t.Code.Code)
		if !ok || !r.Status.Completed() {
			return false
		}
	}
	return true
}

// IsClosed reports whether the order no longer accepts automatic completion.
func (o *LabOrder) IsClosed() bool {
	return o.Status == OrderCompleted || o.Status == OrderCancelled
}
