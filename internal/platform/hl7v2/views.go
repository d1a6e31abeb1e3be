package hl7v2

import (
	"strconv"
	"strings"
	"time"
)

// CodedValue is a CE/CWE/CNE triplet.
type CodedValue struct {
	Code   string
	Text   string
	System string
}

// IsZero reports whether no part of c is set.
func (c CodedValue) IsZero() bool { return c.Code == "" && c.Text == "" && c.System == "" }

func codedFrom(r Repetition) CodedValue {
	return CodedValue{Code: r.Component(1), Text: r.Component(2), System: r.Component(3)}
}

func (c CodedValue) field() Field { return NewField(c.Code, c.Text, c.System) }

// Person is an XCN/XPN-style person reference.
type Person struct {
	ID     string
	Family string
	Given  string
}

// Demographics is the PID view of a message.
type Demographics struct {
	PatientID          string // PID-3.1
	AssigningAuthority string // PID-3.4
	AlternateID        string // PID-2
	Family             string
	Given              string
	Middle             string
	BirthDate          time.Time
	Sex                string // PID-8, HL7 administrative sex (M/F/O/U/A/N)
	Street             string
	City               string
	State              string
	PostalCode         string
	Country            string
	Phone              string
	Email              string
}

// Demographics extracts the first PID segment. ok is false when the message
// has none.
func (m *Message) Demographics() (Demographics, bool) {
	pid := m.Segment("PID")
	if pid == nil {
		return Demographics{}, false
	}
	name := pid.Field(5)
	addr := pid.Field(11)
	phone := pid.Field(13)
	d := Demographics{
		PatientID:          pid.Field(3).Component(1),
		AssigningAuthority: pid.Field(3).Component(4),
		AlternateID:        pid.Field(2).Value(),
		Family:             name.Component(1),
		Given:              name.Component(2),
		Middle:             name.Component(3),
		Sex:                pid.Field(8).Value(),
		Street:             addr.Component(1),
		City:               addr.Component(3),
		State:              addr.Component(4),
		PostalCode:         addr.Component(5),
		Country:            addr.Component(6),
		Phone:              phone.Component(1),
		Email:              phone.Component(4),
	}
	if dob, err := ParseTime(pid.Field(7).Value()); err == nil {
		d.BirthDate = dob
	}
	return d, true
}

func (d Demographics) segment() *Segment {
	pid := NewSegment("PID").Set(1, "1")
	pid.Set(2, d.AlternateID)
	pid.Set(3, d.PatientID, "", "", d.AssigningAuthority, "MR")
	pid.Set(5, d.Family, d.Given, d.Middle)
	pid.Set(7, FormatDate(d.BirthDate))
	pid.Set(8, d.Sex)
	pid.Set(11, d.Street, "", d.City, d.State, d.PostalCode, d.Country)
	if d.Phone != "" || d.Email != "" {
		pid.Set(13, d.Phone, "", "", d.Email)
	}
	return pid
}

// Specimen describes the sample an order refers to.
type Specimen struct {
	ID          string
	Type        CodedValue
	CollectedAt time.Time
}

// OrderInfo is the ORC/OBR view of one order group.
type OrderInfo struct {
	OrderControl      string // ORC-1
	PlacerOrderNumber string
	FillerOrderNumber string
	OrderStatus       string // ORC-5
	Test              CodedValue
	Priority          string // S, A, R
	OrderedAt         time.Time
	ObservedAt        time.Time
	ResultStatus      string // OBR-25
	Provider          Person
	ClinicalInfo      string
	Specimen          Specimen
}

// OrderGroup is an order together with the observations reported under it.
type OrderGroup struct {
	Order        OrderInfo
	Observations []Observation
	Notes        []string
}

// OrderGroups walks the message and groups ORC/OBR/OBX/NTE/SPM segments under
// each OBR. An ORC seen before an OBR applies to that OBR.
func (m *Message) OrderGroups() []OrderGroup {
	var (
		groups []OrderGroup
		orc    *Segment
		cur    *OrderGroup
		lastOB *Observation
	)
	for _, seg := range m.Segments {
		switch seg.Name {
		case "ORC":
			orc = seg
		case "OBR":
			groups = append(groups, OrderGroup{Order: orderInfo(orc, seg)})
			cur = &groups[len(groups)-1]
			lastOB = nil
			orc = nil
		case "OBX":
			if cur == nil {
				continue
			}
			cur.Observations = append(cur.Observations, observationFrom(seg))
			lastOB = &cur.Observations[len(cur.Observations)-1]
		case "NTE":
			text := strings.Join(repetitionValues(seg.Field(3)), "\n")
			switch {
			case lastOB != nil:
				lastOB.Notes = append(lastOB.Notes, text)
			case cur != nil:
				cur.Notes = append(cur.Notes, text)
			}
		case "SPM":
			if cur == nil {
				continue
			}
			cur.Order.Specimen.ID = seg.Field(2).Component(1)
			cur.Order.Specimen.Type = codedFrom(seg.Field(4).Repetition(0))
			if ts, err := ParseTime(seg.Field(17).Component(1)); err == nil {
				cur.Order.Specimen.CollectedAt = ts
			}
		}
	}
	// ORM messages sometimes carry only an ORC.
	if len(groups) == 0 && orc != nil {
		groups = append(groups, OrderGroup{Order: orderInfo(orc, nil)})
	}
	return groups
}

func orderInfo(orc, obr *Segment) OrderInfo {
	o := OrderInfo{
		OrderControl:      orc.Field(1).Value(),
		PlacerOrderNumber: orc.Field(2).Component(1),
		FillerOrderNumber: orc.Field(3).Component(1),
		OrderStatus:       orc.Field(5).Value(),
	}
	if o.PlacerOrderNumber == "" {
		o.PlacerOrderNumber = obr.Field(2).Component(1)
	}
	if o.FillerOrderNumber == "" {
		o.FillerOrderNumber = obr.Field(3).Component(1)
	}
	o.Test = codedFrom(obr.Field(4).Repetition(0))
	o.Priority = obr.Field(27).Component(6)
	if o.Priority == "" {
		o.Priority = orc.Field(7).Component(6)
	}
	if ts, err := ParseTime(orc.Field(9).Value()); err == nil {
		o.OrderedAt = ts
	}
	if ts, err := ParseTime(obr.Field(7).Value()); err == nil {
		o.ObservedAt = ts
	}
	o.ResultStatus = obr.Field(25).Value()
	o.ClinicalInfo = obr.Field(13).Value()

	provider := obr.Field(16).Repetition(0)
	if len(provider.Components) == 0 {
		provider = orc.Field(12).Repetition(0)
	}
	o.Provider = Person{ID: provider.Component(1), Family: provider.Component(2), Given: provider.Component(3)}

	o.Specimen.Type = CodedValue{Code: obr.Field(15).Component(1)}
	if ts, err := ParseTime(obr.Field(7).Value()); err == nil {
		o.Specimen.CollectedAt = ts
	}
	return o
}

func (o OrderInfo) orcSegment() *Segment {
	control := o.OrderControl
	if control == "" {
		control = "NW"
	}
	orc := NewSegment("ORC").Set(1, control)
	orc.Set(2, o.PlacerOrderNumber)
	orc.Set(3, o.FillerOrderNumber)
	orc.Set(5, o.OrderStatus)
	if o.Priority != "" {
		orc.Set(7, "", "", "", "", "", o.Priority)
	}
	orc.Set(9, FormatTime(o.OrderedAt))
	orc.Set(12, o.Provider.ID, o.Provider.Family, o.Provider.Given)
	return orc
}

func (o OrderInfo) obrSegment(setID int) *Segment {
	obr := NewSegment("OBR").Set(1, strconv.Itoa(setID))
	obr.Set(2, o.PlacerOrderNumber)
	obr.Set(3, o.FillerOrderNumber)
	obr.SetField(4, o.Test.field())
	obr.Set(7, FormatTime(o.ObservedAt))
	obr.Set(13, o.ClinicalInfo)
	obr.Set(15, o.Specimen.Type.Code)
	obr.Set(16, o.Provider.ID, o.Provider.Family, o.Provider.Given)
	obr.Set(25, o.ResultStatus)
	if o.Priority != "" {
		obr.Set(27, "", "", "", "", "", o.Priority)
	}
	return obr
}

// ValueKind is the interpretation of OBX-5 chosen from OBX-2.
type ValueKind int

const (
	ValueText ValueKind = iota
	ValueNumeric
	ValueStructuredNumeric
	ValueCoded
	ValueDateTime
)

// ObservationValue is the typed OBX-5 value.
type ObservationValue struct {
	Kind       ValueKind
	Raw        string
	Numeric    float64
	Comparator string // SN only: <, >, <=, >=, =, <>
	Separator  string // SN only: -, +, /, :
	Numeric2   float64
	Coded      CodedValue
	Time       time.Time
}

// Observation is the OBX view.
type Observation struct {
	SetID          string
	ValueType      string
	Code           CodedValue
	SubID          string
	Value          ObservationValue
	Units          string
	ReferenceRange string
	AbnormalFlags  []string
	ResultStatus   string
	ObservedAt     time.Time
	Notes          []string
}

// Observations returns every OBX in the message regardless of grouping.
func (m *Message) Observations() []Observation {
	var out []Observation
	for _, seg := range m.SegmentsNamed("OBX") {
		out = append(out, observationFrom(seg))
	}
	return out
}

func observationFrom(seg *Segment) Observation {
	obs := Observation{
		SetID:          seg.Field(1).Value(),
		ValueType:      seg.Field(2).Value(),
		Code:           codedFrom(seg.Field(3).Repetition(0)),
		SubID:          seg.Field(4).Value(),
		Units:          seg.Field(6).Component(1),
		ReferenceRange: seg.Field(7).Value(),
		AbnormalFlags:  repetitionValues(seg.Field(8)),
		ResultStatus:   seg.Field(11).Value(),
	}
	obs.Value = parseValue(obs.ValueType, seg.Field(5))
	if ts, err := ParseTime(seg.Field(14).Value()); err == nil {
		obs.ObservedAt = ts
	}
	return obs
}

func parseValue(valueType string, f Field) ObservationValue {
	first := f.Repetition(0)
	v := ObservationValue{Kind: ValueText, Raw: first.Component(1)}

	switch valueType {
	case "NM":
		if n, err := strconv.ParseFloat(strings.TrimSpace(v.Raw), 64); err == nil {
			v.Kind = ValueNumeric
			v.Numeric = n
		}
	case "SN":
		sn, ok := parseStructuredNumeric(first)
		if ok {
			return sn
		}
	case "CE", "CWE", "CNE":
		v.Kind = ValueCoded
		v.Coded = codedFrom(first)
		v.Raw = v.Coded.Code
	case "DT", "TS", "DTM":
		if ts, err := ParseTime(v.Raw); err == nil {
			v.Kind = ValueDateTime
			v.Time = ts
		}
	default:
		// ST, TX, FT and anything unrecognised are text; repetitions are lines.
		v.Raw = strings.Join(repetitionValues(f), "\n")
	}
	return v
}

func parseStructuredNumeric(r Repetition) (ObservationValue, bool) {
	v := ObservationValue{
		Kind:       ValueStructuredNumeric,
		Comparator: r.Component(1),
		Separator:  r.Component(3),
	}
	n1, err := strconv.ParseFloat(r.Component(2), 64)
	if err != nil {
		return ObservationValue{}, false
	}
	v.Numeric = n1
	if s := r.Component(4); s != "" {
		n2, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return ObservationValue{}, false
		}
		v.Numeric2 = n2
	}
	v.Raw = v.Comparator + formatNumber(v.Numeric)
	if v.Separator != "" {
		v.Raw += v.Separator + formatNumber(v.Numeric2)
	}
	return v, true
}

func (o Observation) segment(setID int) *Segment {
	obx := NewSegment("OBX").Set(1, strconv.Itoa(setID))
	valueType := o.ValueType
	if valueType == "" {
		valueType = o.Value.defaultType()
	}
	obx.Set(2, valueType)
	obx.SetField(3, o.Code.field())
	obx.Set(4, o.SubID)
	obx.SetField(5, o.Value.field())
	obx.Set(6, o.Units)
	obx.Set(7, o.ReferenceRange)
	var flags []Field
	for _, f := range o.AbnormalFlags {
		flags = append(flags, Value(f))
	}
	obx.SetField(8, Repeated(flags...))
	obx.Set(11, o.ResultStatus)
	obx.Set(14, FormatTime(o.ObservedAt))
	return obx
}

func (v ObservationValue) defaultType() string {
	switch v.Kind {
	case ValueNumeric:
		return "NM"
	case ValueStructuredNumeric:
		return "SN"
	case ValueCoded:
		return "CWE"
	case ValueDateTime:
		return "DTM"
	default:
		if strings.Contains(v.Raw, "\n") {
			return "TX"
		}
		return "ST"
	}
}

func (v ObservationValue) field() Field {
	switch v.Kind {
	case ValueNumeric:
		return Value(formatNumber(v.Numeric))
	case ValueStructuredNumeric:
		second := ""
		if v.Separator != "" {
			second = formatNumber(v.Numeric2)
		}
		return NewField(v.Comparator, formatNumber(v.Numeric), v.Separator, second)
	case ValueCoded:
		return v.Coded.field()
	case ValueDateTime:
		return Value(FormatTime(v.Time))
	default:
		if strings.Contains(v.Raw, "\n") {
			var lines []Field
			for _, l := range strings.Split(v.Raw, "\n") {
				lines = append(lines, Field{Repetitions: []Repetition{newRepetition([]string{l})}})
			}
			return Repeated(lines...)
		}
		return Value(v.Raw)
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func repetitionValues(f Field) []string {
	var out []string
	for _, r := range f.Repetitions {
		out = append(out, r.Component(1))
	}
	return out
}
