package lab

import (
	"strings"

	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

func (c Code) toHL7() hl7v2.CodedValue {
	return hl7v2.CodedValue{Code: c.Code, Text: c.Display, System: hl7System(c.System)}
}

func codeFromHL7(c hl7v2.CodedValue) Code {
	return Code{System: c.System, Code: c.Code, Display: c.Text}
}

// PatientFromHL7 reads a PID view. PID-3.1 carries the clinic patient id and
// PID-2 the medical record number.
func PatientFromHL7(d hl7v2.Demographics) Patient {
	return Patient{
		ID:         d.PatientID,
		MRN:        d.AlternateID,
		FirstName:  d.Given,
		MiddleName: d.Middle,
		LastName:   d.Family,
		BirthDate:  d.BirthDate,
		Gender:     GenderFromHL7(d.Sex),
		Phone:      d.Phone,
		Email:      d.Email,
		Address: Address{
			Line:       d.Street,
			City:       d.City,
			State:      d.State,
			PostalCode: d.PostalCode,
			Country:    d.Country,
		},
	}
}

// HL7 renders the patient as a PID view.
func (p Patient) HL7() hl7v2.Demographics {
	return hl7v2.Demographics{
		PatientID:   p.ID,
		AlternateID: p.MRN,
		Family:      p.LastName,
		Given:       p.FirstName,
		Middle:      p.MiddleName,
		BirthDate:   p.BirthDate,
		Sex:         p.Gender.HL7(),
		Street:      p.Address.Line,
		City:        p.Address.City,
		State:       p.Address.State,
		PostalCode:  p.Address.PostalCode,
		Country:     p.Address.Country,
		Phone:       p.Phone,
		Email:       p.Email,
	}
}

func (p Practitioner) hl7Person() hl7v2.Person {
	id := p.NPI
	if id == "" {
		id = p.ID
	}
	return hl7v2.Person{ID: id, Family: p.LastName, Given: p.FirstName}
}

// HL7 renders the order as one ORC/OBR group per test, all carrying the
// placer order number.
func (o LabOrder) HL7(requester Practitioner) []hl7v2.OrderInfo {
	out := make([]hl7v2.OrderInfo, 0, len(o.Tests))
	for _, t := range o.Tests {
		info := hl7v2.OrderInfo{
			OrderControl:      "NW",
			PlacerOrderNumber: o.OrderNumber,
			FillerOrderNumber: o.FillerNumber,
			OrderStatus:       o.Status.HL7(),
			Test:              t.Code.toHL7(),
			Priority:          o.Priority.HL7(),
			OrderedAt:         o.OrderedAt,
			Provider:          requester.hl7Person(),
			ClinicalInfo:      o.ClinicalInfo,
		}
		if o.Specimen != nil {
			info.Specimen = hl7v2.Specimen{
				ID:          o.Specimen.AccessionNumber,
				Type:        o.Specimen.Type.toHL7(),
				CollectedAt: o.Specimen.CollectedAt,
			}
			info.ObservedAt = o.Specimen.CollectedAt
		}
		if t.SpecimenType != "" && info.Specimen.Type.Code == "" {
			info.Specimen.Type = hl7v2.CodedValue{Code: t.SpecimenType}
		}
		out = append(out, info)
	}
	return out
}

// ResultFromHL7 reads one OBX view. Structured numerics with a comparator only
// ("<5") stay numeric; ratios and ranges ("1:128", "2-4") become text.
func ResultFromHL7(obs hl7v2.Observation) Result {
	r := Result{
		Test:           codeFromHL7(obs.Code),
		Units:          obs.Units,
		ReferenceRange: ParseReferenceRange(obs.ReferenceRange),
		Status:         ResultStatusFromHL7(obs.ResultStatus),
		ObservedAt:     obs.ObservedAt,
		Notes:          obs.Notes,
	}
	if len(obs.AbnormalFlags) > 0 {
		r.Flag = AbnormalFlagFromHL7(obs.AbnormalFlags[0])
	}

	switch v := obs.Value; v.Kind {
	case hl7v2.ValueNumeric:
		r.Value = NumericValue(v.Numeric)
	case hl7v2.ValueStructuredNumeric:
		if v.Separator == "" {
			r.Value = NumericValue(v.Numeric)
			if v.Comparator != "=" {
				r.Value.Comparator = v.Comparator
			}
		} else {
			r.Value = ResultValue{Text: v.Raw}
		}
	case hl7v2.ValueCoded:
		c := codeFromHL7(v.Coded)
		r.Value = ResultValue{Coded: &c}
	case hl7v2.ValueDateTime:
		r.Value = ResultValue{Text: hl7v2.FormatTime(v.Time)}
	default:
		r.Value = ResultValue{Text: v.Raw}
	}
	return r
}

// HL7 renders the result as an OBX view.
func (r Result) HL7() hl7v2.Observation {
	obs := hl7v2.Observation{
		Code:           r.Test.toHL7(),
		Units:          r.Units,
		ReferenceRange: r.ReferenceRange.String(),
		ResultStatus:   r.Status.HL7(),
		ObservedAt:     r.ObservedAt,
		Notes:          r.Notes,
	}
	if r.Flag != FlagNone {
		obs.AbnormalFlags = []string{r.Flag.HL7()}
	}

	switch r.Value.Kind() {
	case ValueNumeric:
		if r.Value.Comparator != "" {
			obs.ValueType = "SN"
			obs.Value = hl7v2.ObservationValue{
				Kind:       hl7v2.ValueStructuredNumeric,
				Comparator: r.Value.Comparator,
				Numeric:    *r.Value.Numeric,
			}
		} else {
			obs.ValueType = "NM"
			obs.Value = hl7v2.ObservationValue{Kind: hl7v2.ValueNumeric, Numeric: *r.Value.Numeric}
		}
	case ValueCoded:
		obs.ValueType = "CWE"
		obs.Value = hl7v2.ObservationValue{Kind: hl7v2.ValueCoded, Coded: r.Value.Coded.toHL7()}
	default:
		obs.ValueType = "ST"
		if strings.Contains(r.Value.Text, "\n") {
			obs.ValueType = "TX"
		}
		obs.Value = hl7v2.ObservationValue{Kind: hl7v2.ValueText, Raw: r.Value.Text}
	}
	return obs
}

// ReportFromHL7 reads one ORC/OBR/OBX group of a result message.
func ReportFromHL7(patientID string, g hl7v2.OrderGroup) Report {
	r := Report{
		OrderNumber:  g.Order.PlacerOrderNumber,
		FillerNumber: g.Order.FillerOrderNumber,
		PatientID:    patientID,
		Code:         codeFromHL7(g.Order.Test),
		Status:       ResultStatusFromHL7(g.Order.ResultStatus),
		EffectiveAt:  g.Order.ObservedAt,
		Conclusion:   strings.Join(g.Notes, "\n"),
	}
	for _, obs := range g.Observations {
		res := ResultFromHL7(obs)
		res.PatientID = patientID
		if res.ObservedAt.IsZero() {
			res.ObservedAt = g.Order.ObservedAt
		}
		r.Results = append(r.Results, res)
	}
	return r
}

// HL7 renders the report as a result group.
func (r Report) HL7() hl7v2.OrderGroup {
	g := hl7v2.OrderGroup{
		Order: hl7v2.OrderInfo{
			OrderControl:      "RE",
			PlacerOrderNumber: r.OrderNumber,
			FillerOrderNumber: r.FillerNumber,
			OrderStatus:       OrderCompleted.HL7(),
			Test:              r.Code.toHL7(),
			ObservedAt:        r.EffectiveAt,
			ResultStatus:      r.Status.HL7(),
		},
	}
	if r.Conclusion != "" {
		g.Notes = []string{r.Conclusion}
	}
	for _, res := range r.Results {
		g.Observations = append(g.Observations, res.HL7())
	}
	return g
}
