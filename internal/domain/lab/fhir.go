package lab

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/platform/fhir"
)

const (
	identifierTypeSystem = "http://terminology.hl7.org/CodeSystem/v2-0203"
	npiSystem            = "http://hl7.org/fhir/sid/us-npi"
	observationCategory  = "http://terminology.hl7.org/CodeSystem/observation-category"
	reportCategory       = "http://terminology.hl7.org/CodeSystem/v2-0074"
	snomedSystem         = "http://snomed.info/sct"
	loincSystem          = "http://loinc.org"
)

// Identifier type codes from HL7 table 0203.
const (
	idTypeMRN       = "MR"
	idTypePlacer    = "PLAC"
	idTypeFiller    = "FILL"
	idTypeNPI       = "NPI"
	idTypeAccession = "ACSN"
)

// codingSystems pairs HL7 v2 coding system names with FHIR system URIs.
var codingSystems = map[string]string{
	"LN":      loincSystem,
	"SCT":     snomedSystem,
	"SNM":     snomedSystem,
	"UCUM":    "http://unitsofmeasure.org",
	"HL70487": "http://terminology.hl7.org/CodeSystem/v2-0487",
}

// fhirSystem returns the FHIR URI for an HL7 coding system name. Unknown
// names and values that already look like URIs pass through.
func fhirSystem(s string) string {
	if uri, ok := codingSystems[strings.ToUpper(s)]; ok {
		return uri
	}
	return s
}

// hl7System is the inverse of fhirSystem.
func hl7System(s string) string {
	switch s {
	case loincSystem:
		return "LN"
	case snomedSystem:
		return "SCT"
	case "http://unitsofmeasure.org":
		return "UCUM"
	case "http://terminology.hl7.org/CodeSystem/v2-0487":
		return "HL70487"
	}
	return s
}

func (c Code) toFHIR() *fhir.CodeableConcept {
	if c.IsZero() {
		return nil
	}
	cc := &fhir.CodeableConcept{Text: c.Display}
	if c.Code != "" {
		cc.Coding = []fhir.Coding{{System: fhirSystem(c.System), Code: c.Code, Display: c.Display}}
	}
	return cc
}

func codeFromFHIR(cc *fhir.CodeableConcept) Code {
	if cc == nil {
		return Code{}
	}
	first := cc.FirstCoding()
	c := Code{System: first.System, Code: first.Code, Display: first.Display}
	if c.Display == "" {
		c.Display = cc.Text
	}
	return c
}

func typedIdentifier(typeCode, system, value string) fhir.Identifier {
	return fhir.Identifier{
		Type:   &fhir.CodeableConcept{Coding: []fhir.Coding{{System: identifierTypeSystem, Code: typeCode}}},
		System: system,
		Value:  value,
	}
}

// identifierOfType returns the value of the first identifier with the given
// 0203 type code.
func identifierOfType(ids []fhir.Identifier, typeCode string) string {
	for _, id := range ids {
		if id.Type == nil {
			continue
		}
		if cd, ok := id.Type.CodingFor(identifierTypeSystem); ok && cd.Code == typeCode {
			return id.Value
		}
	}
	return ""
}

func reference(t fhir.ResourceType, id string) *fhir.Reference {
	if id == "" {
		return nil
	}
	return &fhir.Reference{Reference: string(t) + "/" + id}
}

func formatFHIRDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func formatFHIRDateTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

var fhirTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"}

// parseFHIRTime accepts the date and dateTime forms FHIR allows. Invalid input
// yields the zero time.
func parseFHIRTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range fhirTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func telecom(phone, email string) []fhir.ContactPoint {
	var out []fhir.ContactPoint
	if phone != "" {
		out = append(out, fhir.ContactPoint{System: "phone", Value: phone})
	}
	if email != "" {
		out = append(out, fhir.ContactPoint{System: "email", Value: email})
	}
	return out
}

func contactValue(points []fhir.ContactPoint, system string) string {
	for _, cp := range points {
		if cp.System == system {
			return cp.Value
		}
	}
	return ""
}

func (a Address) toFHIR() []fhir.Address {
	if a.IsZero() {
		return nil
	}
	out := fhir.Address{City: a.City, State: a.State, PostalCode: a.PostalCode, Country: a.Country}
	if a.Line != "" {
		out.Line = []string{a.Line}
	}
	return []fhir.Address{out}
}

func addressFromFHIR(addrs []fhir.Address) Address {
	if len(addrs) == 0 {
		return Address{}
	}
	a := addrs[0]
	return Address{
		Line:       strings.Join(a.Line, ", "),
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

// officialName picks the official name, falling back to the first one.
func officialName(names []fhir.HumanName) fhir.HumanName {
	for _, n := range names {
		if n.Use == "official" {
			return n
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return fhir.HumanName{}
}

func humanName(first, middle, last string) []fhir.HumanName {
	n := fhir.HumanName{Use: "official", Family: last}
	for _, g := range []string{first, middle} {
		if g != "" {
			n.Given = append(n.Given, g)
		}
	}
	if n.Family == "" && len(n.Given) == 0 {
		return nil
	}
	return []fhir.HumanName{n}
}

func givenAt(n fhir.HumanName, i int) string {
	if i < len(n.Given) {
		return n.Given[i]
	}
	return ""
}

// ---------------------------------------------------------------------------
// Patient, Practitioner, Organization
// ---------------------------------------------------------------------------

func (p Patient) ToFHIR() *fhir.Patient {
	out := &fhir.Patient{
		Base:      fhir.NewBase(fhir.TypePatient, p.ID),
		Name:      humanName(p.FirstName, p.MiddleName, p.LastName),
		Telecom:   telecom(p.Phone, p.Email),
		Gender:    p.Gender.FHIR(),
		BirthDate: formatFHIRDate(p.BirthDate),
		Address:   p.Address.toFHIR(),
	}
	if p.MRN != "" {
		out.Identifier = []fhir.Identifier{typedIdentifier(idTypeMRN, "", p.MRN)}
	}
	return out
}

func PatientFromFHIR(r *fhir.Patient) Patient {
	name := officialName(r.Name)
	p := Patient{
		ID:         r.ID,
		MRN:        identifierOfType(r.Identifier, idTypeMRN),
		FirstName:  givenAt(name, 0),
		MiddleName: givenAt(name, 1),
		LastName:   name.Family,
		BirthDate:  parseFHIRTime(r.BirthDate),
		Gender:     GenderFromFHIR(r.Gender),
		Phone:      contactValue(r.Telecom, "phone"),
		Email:      contactValue(r.Telecom, "email"),
		Address:    addressFromFHIR(r.Address),
	}
	if p.MRN == "" && len(r.Identifier) > 0 {
		p.MRN = r.Identifier[0].Value
	}
	return p
}

func (p Practitioner) ToFHIR() *fhir.Practitioner {
	out := &fhir.Practitioner{
		Base:    fhir.NewBase(fhir.TypePractitioner, p.ID),
		Name:    humanName(p.FirstName, "", p.LastName),
		Telecom: telecom(p.Phone, ""),
	}
	if p.NPI != "" {
		out.Identifier = []fhir.Identifier{typedIdentifier(idTypeNPI, npiSystem, p.NPI)}
	}
	return out
}

func PractitionerFromFHIR(r *fhir.Practitioner) Practitioner {
	name := officialName(r.Name)
	p := Practitioner{
		ID:        r.ID,
		FirstName: givenAt(name, 0),
		LastName:  name.Family,
		Phone:     contactValue(r.Telecom, "phone"),
	}
	for _, id := range r.Identifier {
		if id.System == npiSystem {
			p.NPI = id.Value
		}
	}
	if p.NPI == "" {
		p.NPI = identifierOfType(r.Identifier, idTypeNPI)
	}
	return p
}

func (o Organization) ToFHIR() *fhir.Organization {
	out := &fhir.Organization{
		Base:    fhir.NewBase(fhir.TypeOrganization, o.ID),
		Name:    o.Name,
		Telecom: telecom(o.Phone, ""),
		Address: o.Address.toFHIR(),
	}
	if o.Identifier != "" {
		out.Identifier = []fhir.Identifier{{Value: o.Identifier}}
	}
	return out
}

func OrganizationFromFHIR(r *fhir.Organization) Organization {
	o := Organization{
		ID:      r.ID,
		Name:    r.Name,
		Phone:   contactValue(r.Telecom, "phone"),
		Address: addressFromFHIR(r.Address),
	}
	if len(r.Identifier) > 0 {
		o.Identifier = r.Identifier[0].Value
	}
	return o
}

// ---------------------------------------------------------------------------
// Specimen
// ---------------------------------------------------------------------------

func (s Specimen) ToFHIR() *fhir.Specimen {
	out := &fhir.Specimen{
		Base:         fhir.NewBase(fhir.TypeSpecimen, s.ID),
		Status:       "available",
		Type:         s.Type.toFHIR(),
		Subject:      reference(fhir.TypePatient, s.PatientID),
		ReceivedTime: formatFHIRDateTime(s.ReceivedAt),
	}
	if s.AccessionNumber != "" {
		id := typedIdentifier(idTypeAccession, "", s.AccessionNumber)
		out.AccessionIdentifier = &id
	}
	if !s.CollectedAt.IsZero() || s.Volume != nil {
		out.Collection = &fhir.SpecimenCollection{CollectedDateTime: formatFHIRDateTime(s.CollectedAt)}
		if s.Volume != nil {
			out.Collection.Quantity = fhir.NewQuantity(*s.Volume, s.VolumeUnit)
		}
	}
	if s.Container != "" {
		out.Container = []fhir.SpecimenContainer{{Type: &fhir.CodeableConcept{Text: s.Container}}}
	}
	if s.OrderID != "" {
		out.Request = []fhir.Reference{*reference(fhir.TypeServiceRequest, s.OrderID)}
	}
	return out
}

func SpecimenFromFHIR(r *fhir.Specimen) Specimen {
	s := Specimen{
		ID:         r.ID,
		Type:       codeFromFHIR(r.Type),
		ReceivedAt: parseFHIRTime(r.ReceivedTime),
	}
	s.PatientID, _ = r.Subject.ReferenceID(fhir.TypePatient)
	if r.AccessionIdentifier != nil {
		s.AccessionNumber = r.AccessionIdentifier.Value
	}
	if r.Collection != nil {
		s.CollectedAt = parseFHIRTime(r.Collection.CollectedDateTime)
		if q := r.Collection.Quantity; q != nil && q.Value != nil {
			v := *q.Value
			s.Volume, s.VolumeUnit = &v, q.Unit
		}
	}
	if len(r.Container) > 0 && r.Container[0].Type != nil {
		s.Container = r.Container[0].Type.Text
	}
	if len(r.Request) > 0 {
		s.OrderID, _ = r.Request[0].ReferenceID(fhir.TypeServiceRequest)
	}
	return s
}

// ---------------------------------------------------------------------------
// LabOrder <-> ServiceRequest
// ---------------------------------------------------------------------------

var laboratoryCategory = fhir.CodeableConcept{
	Coding: []fhir.Coding{{System: snomedSystem, Code: "108252007", Display: "Laboratory procedure"}},
}

// ServiceRequestID derives a stable resource id for one test of an order.
func ServiceRequestID(orderID, testCode string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("labbridge:order:"+orderID+":"+testCode)).String()
}

// ToFHIR renders the order as one ServiceRequest per test. The requests share
// the placer order number as their requisition.
func (o LabOrder) ToFHIR() []*fhir.ServiceRequest {
	var requisition *fhir.Identifier
	var identifiers []fhir.Identifier
	if o.OrderNumber != "" {
		id := typedIdentifier(idTypePlacer, "", o.OrderNumber)
		requisition = &id
		identifiers = append(identifiers, id)
	}
	if o.FillerNumber != "" {
		identifiers = append(identifiers, typedIdentifier(idTypeFiller, "", o.FillerNumber))
	}

	out := make([]*fhir.ServiceRequest, 0, len(o.Tests))
	for _, t := range o.Tests {
		sr := &fhir.ServiceRequest{
			Base:        fhir.NewBase(fhir.TypeServiceRequest, ServiceRequestID(o.ID, t.Code.Code)),
			Identifier:  identifiers,
			Requisition: requisition,
			Status:      o.Status.FHIR(),
			Intent:      "order",
			Category:    []fhir.CodeableConcept{laboratoryCategory},
			Priority:    o.Priority.FHIR(),
			Code:        t.Code.toFHIR(),
			Subject:     reference(fhir.TypePatient, o.PatientID),
			AuthoredOn:  formatFHIRDateTime(o.OrderedAt),
			Requester:   reference(fhir.TypePractitioner, o.RequesterID),
		}
		if o.Specimen != nil && o.Specimen.ID != "" {
			sr.Specimen = []fhir.Reference{*reference(fhir.TypeSpecimen, o.Specimen.ID)}
		}
		if o.ClinicalInfo != "" {
			sr.Note = []fhir.Annotation{{Text: o.ClinicalInfo}}
		}
		out = append(out, sr)
	}
	return out
}

// OrderFromFHIR folds ServiceRequests sharing a requisition back into one
// order. Header fields come from the first request.
func OrderFromFHIR(requests ...*fhir.ServiceRequest) LabOrder {
	if len(requests) == 0 {
		return LabOrder{}
	}
	first := requests[0]
	o := LabOrder{
		OrderNumber:  identifierOfType(first.Identifier, idTypePlacer),
		FillerNumber: identifierOfType(first.Identifier, idTypeFiller),
		Status:       OrderStatusFromFHIR(first.Status),
		Priority:     PriorityFromFHIR(first.Priority),
		OrderedAt:    parseFHIRTime(first.AuthoredOn),
	}
	if first.Requisition != nil && first.Requisition.Value != "" {
		o.OrderNumber = first.Requisition.Value
	}
	o.PatientID, _ = first.Subject.ReferenceID(fhir.TypePatient)
	o.RequesterID, _ = first.Requester.ReferenceID(fhir.TypePractitioner)
	if len(first.Note) > 0 {
		o.ClinicalInfo = first.Note[0].Text
	}
	if len(first.Specimen) > 0 {
		if id, ok := first.Specimen[0].ReferenceID(fhir.TypeSpecimen); ok {
			o.Specimen = &Specimen{ID: id, PatientID: o.PatientID}
		}
	}
	for _, sr := range requests {
		if code := codeFromFHIR(sr.Code); !code.IsZero() {
			o.Tests = append(o.Tests, OrderedTest{Code: code})
		}
	}
	return o
}

// ---------------------------------------------------------------------------
// Result <-> Observation
// ---------------------------------------------------------------------------

func (r Result) ToFHIR() *fhir.Observation {
	obs := &fhir.Observation{
		Base:   fhir.NewBase(fhir.TypeObservation, r.ID),
		Status: r.Status.FHIR(),
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: observationCategory, Code: "laboratory", Display: "Laboratory"}},
		}},
		Code:              r.Test.toFHIR(),
		Subject:           reference(fhir.TypePatient, r.PatientID),
		EffectiveDateTime: formatFHIRDateTime(r.ObservedAt),
	}

	switch r.Value.Kind() {
	case ValueNumeric:
		obs.ValueQuantity = fhir.NewQuantity(*r.Value.Numeric, r.Units)
		obs.ValueQuantity.Comparator = r.Value.Comparator
	case ValueCoded:
		obs.ValueCodeableConcept = r.Value.Coded.toFHIR()
	default:
		obs.ValueString = r.Value.Text
	}

	if r.Flag != FlagNone {
		obs.Interpretation = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: InterpretationSystem, Code: r.Flag.FHIR()}},
		}}
	}
	if rr := r.ReferenceRange.toFHIR(r.Units); rr != nil {
		obs.ReferenceRange = []fhir.ObservationReferenceRange{*rr}
	}
	for _, n := range r.Notes {
		obs.Note = append(obs.Note, fhir.Annotation{Text: n})
	}
	return obs
}

func ResultFromFHIR(obs *fhir.Observation) Result {
	r := Result{
		ID:         obs.ID,
		Test:       codeFromFHIR(obs.Code),
		Status:     ResultStatusFromFHIR(obs.Status),
		ObservedAt: parseFHIRTime(obs.EffectiveDateTime),
	}
	r.PatientID, _ = obs.Subject.ReferenceID(fhir.TypePatient)

	switch {
	case obs.ValueQuantity != nil && obs.ValueQuantity.Value != nil:
		r.Value = NumericValue(*obs.ValueQuantity.Value)
		r.Value.Comparator = obs.ValueQuantity.Comparator
		r.Units = obs.ValueQuantity.Unit
		if r.Units == "" {
			r.Units = obs.ValueQuantity.Code
		}
	case obs.ValueCodeableConcept != nil:
		c := codeFromFHIR(obs.ValueCodeableConcept)
		r.Value = ResultValue{Coded: &c}
	case obs.ValueDateTime != "":
		r.Value = ResultValue{Text: obs.ValueDateTime}
	default:
		r.Value = ResultValue{Text: obs.ValueString}
	}

	if len(obs.Interpretation) > 0 {
		cc := obs.Interpretation[0]
		cd, ok := cc.CodingFor(InterpretationSystem)
		if !ok {
			cd = cc.FirstCoding()
		}
		r.Flag = AbnormalFlagFromFHIR(cd.Code)
	}
	if len(obs.ReferenceRange) > 0 {
		r.ReferenceRange = referenceRangeFromFHIR(obs.ReferenceRange[0])
	}
	for _, n := range obs.Note {
		r.Notes = append(r.Notes, n.Text)
	}
	return r
}

// ---------------------------------------------------------------------------
// Report <-> DiagnosticReport
// ---------------------------------------------------------------------------

// ObservationID derives a stable resource id for a report's result line.
func ObservationID(reportID, testCode string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("labbridge:report:"+reportID+":"+testCode)).String()
}

// ToFHIR renders the report and its result Observations. Results without an
// id get one derived from the report id and test code.
func (r Report) ToFHIR() (*fhir.DiagnosticReport, []*fhir.Observation) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	dr := &fhir.DiagnosticReport{
		Base:   fhir.NewBase(fhir.TypeDiagnosticReport, r.ID),
		Status: r.Status.FHIR(),
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: reportCategory, Code: "LAB", Display: "Laboratory"}},
		}},
		Code:              r.Code.toFHIR(),
		Subject:           reference(fhir.TypePatient, r.PatientID),
		EffectiveDateTime: formatFHIRDateTime(r.EffectiveAt),
		Issued:            formatFHIRDateTime(r.IssuedAt),
		Conclusion:        r.Conclusion,
	}
	if r.FillerNumber != "" {
		dr.Identifier = []fhir.Identifier{typedIdentifier(idTypeFiller, "", r.FillerNumber)}
	}
	if r.OrderNumber != "" {
		placer := typedIdentifier(idTypePlacer, "", r.OrderNumber)
		dr.BasedOn = []fhir.Reference{{Type: string(fhir.TypeServiceRequest), Identifier: &placer}}
	}

	observations := make([]*fhir.Observation, 0, len(r.Results))
	for _, res := range r.Results {
		if res.ID == "" {
			res.ID = ObservationID(r.ID, res.Test.Code)
		}
		if res.PatientID == "" {
			res.PatientID = r.PatientID
		}
		obs := res.ToFHIR()
		observations = append(observations, obs)
		dr.Result = append(dr.Result, *fhir.NewReference(obs))
	}
	return dr, observations
}

// ReportFromFHIR reads a DiagnosticReport together with its result
// Observations. Observations are taken from contained resources and from
// observations whose id the report references; when the report references
// none, every supplied observation is used.
func ReportFromFHIR(dr *fhir.DiagnosticReport, observations []*fhir.Observation) (Report, error) {
	r := Report{
		ID:           dr.ID,
		FillerNumber: identifierOfType(dr.Identifier, idTypeFiller),
		Code:         codeFromFHIR(dr.Code),
		Status:       ResultStatusFromFHIR(dr.Status),
		EffectiveAt:  parseFHIRTime(dr.EffectiveDateTime),
		IssuedAt:     parseFHIRTime(dr.Issued),
		Conclusion:   dr.Conclusion,
	}
	switch dr.Status {
	case "partial":
		r.Status = ResultPreliminary
	case "appended":
		r.Status = ResultAmended
	}
	r.PatientID, _ = dr.Subject.ReferenceID(fhir.TypePatient)
	if r.FillerNumber == "" && len(dr.Identifier) > 0 {
		r.FillerNumber = dr.Identifier[0].Value
	}
	for _, ref := range dr.BasedOn {
		if ref.Identifier != nil && ref.Identifier.Value != "" {
			r.OrderNumber = ref.Identifier.Value
			break
		}
		if id, ok := ref.ReferenceID(fhir.TypeServiceRequest); ok {
			r.OrderNumber = id
			break
		}
	}

	contained, err := dr.ContainedResources()
	if err != nil {
		return Report{}, err
	}
	byID := make(map[string]*fhir.Observation)
	var ordered []*fhir.Observation
	add := func(o *fhir.Observation, key string) {
		if _, dup := byID[key]; dup && key != "" {
			return
		}
		byID[key] = o
		ordered = append(ordered, o)
	}
	for _, res := range contained {
		if o, ok := res.(*fhir.Observation); ok {
			add(o, "#"+o.ID)
		}
	}
	for _, o := range observations {
		add(o, "Observation/"+o.ID)
	}

	selected := ordered
	if len(dr.Result) > 0 {
		selected = selected[:0:0]
		for _, ref := range dr.Result {
			key := ref.Reference
			if strings.HasPrefix(key, "urn:uuid:") {
				key = "Observation/" + strings.TrimPrefix(key, "urn:uuid:")
			}
			if o, ok := byID[key]; ok {
				selected = append(selected, o)
			}
		}
	}

	for _, o := range selected {
		res := ResultFromFHIR(o)
		if res.PatientID == "" {
			res.PatientID = r.PatientID
		}
		r.Results = append(r.Results, res)
	}
	return r, nil
}
