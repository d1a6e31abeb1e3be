package lab

import (
	"reflect"
	"testing"
	"time"

	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

const oruMessage = "MSH|^~\\&|LIS|LAB|EHR|CLINIC|20260302101500||ORU^R01|MSG0001|P|2.5.1\r" +
	"PID|1|MRN-77|p-1^^^CLINIC^MR||Lovelace^Ada^B||19851210|F\r" +
	"ORC|RE|PL-1001|FL-9\r" +
	"OBR|1|PL-1001|FL-9|24323-8^Metabolic panel^LN|||20260302090000||||||||||||||||||F\r" +
	"NTE|1||reviewed\r" +
	"OBX|1|NM|2345-7^Glucose^LN||105|mg/dL|70 - 99|H|||F|||20260302093000\r" +
	"OBX|2|SN|2951-2^Sodium^LN||<^135|mmol/L|135-145|L|||P\r" +
	"OBX|3|CWE|600-7^Culture^LN||POS^Positive^L||||||F\r" +
	"OBX|4|SN|5000-1^Titer^LN||^1^:^128||||||F\r"

func TestReportFromHL7(t *testing.T) {
	msg, err := hl7v2.Parse([]byte(oruMessage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, ok := msg.Demographics()
	if !ok {
		t.Fatal("expected PID")
	}
	patient := PatientFromHL7(d)
	if patient.ID != "p-1" || patient.MRN != "MRN-77" || patient.Gender != GenderFemale || patient.MiddleName != "B" {
		t.Errorf("patient = %+v", patient)
	}

	groups := msg.OrderGroups()
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	rep := ReportFromHL7(patient.ID, groups[0])
	if rep.OrderNumber != "PL-1001" || rep.FillerNumber != "FL-9" || rep.Status != ResultFinal {
		t.Errorf("report header = %+v", rep)
	}
	if rep.Conclusion != "reviewed" {
		t.Errorf("conclusion = %q", rep.Conclusion)
	}
	if len(rep.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(rep.Results))
	}

	glucose := rep.Results[0]
	if glucose.Value.Kind() != ValueNumeric || *glucose.Value.Numeric != 105 {
		t.Errorf("glucose value = %+v", glucose.Value)
	}
	if glucose.Flag != FlagHigh || glucose.Units != "mg/dL" || glucose.PatientID != "p-1" {
		t.Errorf("glucose = %+v", glucose)
	}
	if glucose.ReferenceRange.Low == nil || *glucose.ReferenceRange.High != 99 {
		t.Errorf("glucose range = %+v", glucose.ReferenceRange)
	}
	if glucose.ObservedAt.Hour() != 9 || glucose.ObservedAt.Minute() != 30 {
		t.Errorf("glucose observedAt = %v", glucose.ObservedAt)
	}

	sodium := rep.Results[1]
	if sodium.Value.Comparator != "<" || *sodium.Value.Numeric != 135 || sodium.Status != ResultPreliminary {
		t.Errorf("sodium = %+v", sodium)
	}
	if sodium.ObservedAt.IsZero() {
		t.Error("observation without OBX-14 should inherit OBR-7")
	}

	culture := rep.Results[2]
	if culture.Value.Kind() != ValueCoded || culture.Value.Coded.Code != "POS" {
		t.Errorf("culture = %+v", culture.Value)
	}

	titer := rep.Results[3]
	if titer.Value.Kind() != ValueText || titer.Value.Text != "1:128" {
		t.Errorf("titer = %+v", titer.Value)
	}
}

func TestPatient_HL7RoundTrip(t *testing.T) {
	p := samplePatient()
	back := PatientFromHL7(p.HL7())
	if !reflect.DeepEqual(back, p) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, p)
	}
}

func TestLabOrder_HL7(t *testing.T) {
	o := sampleOrder()
	o.Specimen.AccessionNumber = "ACC-1"
	o.Specimen.CollectedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	requester := Practitioner{ID: "dr-1", NPI: "1234567893", FirstName: "Gregory", LastName: "House"}

	infos := o.HL7(requester)
	if len(infos) != 2 {
		t.Fatalf("expected 2 order groups, got %d", len(infos))
	}
	first := infos[0]
	if first.PlacerOrderNumber != "PL-1001" || first.OrderControl != "NW" || first.Priority != "S" {
		t.Errorf("order = %+v", first)
	}
	if first.Test.Code != "2345-7" || first.Test.System != "LN" {
		t.Errorf("test = %+v", first.Test)
	}
	if first.Provider.ID != "1234567893" || first.Provider.Family != "House" {
		t.Errorf("provider = %+v", first.Provider)
	}
	if first.Specimen.Type.Code != "BLD" || first.Specimen.ID != "ACC-1" {
		t.Errorf("specimen = %+v", first.Specimen)
	}

	msg, err := hl7v2.GenerateORM(hl7v2.Header{ControlID: "C1", Version: "2.5.1"}, samplePatient().HL7(), infos)
	if err != nil {
		t.Fatalf("GenerateORM: %v", err)
	}
	parsed, err := hl7v2.Parse(hl7v2.Encode(msg))
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	groups := parsed.OrderGroups()
	if len(groups) != 2 || groups[1].Order.Test.Code != "2951-2" {
		t.Errorf("groups = %+v", groups)
	}
	if PriorityFromHL7(groups[0].Order.Priority) != PriorityStat {
		t.Errorf("priority = %q", groups[0].Order.Priority)
	}
}

func TestLabOrder_HL7_SpecimenFromMapping(t *testing.T) {
	o := LabOrder{OrderNumber: "X", Tests: []OrderedTest{{Code: Code{Code: "T1"}, SpecimenType: "SER"}}}
	infos := o.HL7(Practitioner{ID: "dr"})
	if infos[0].Specimen.Type.Code != "SER" {
		t.Errorf("specimen type = %+v", infos[0].Specimen.Type)
	}
	if infos[0].Provider.ID != "dr" {
		t.Errorf("provider falls back to id, got %+v", infos[0].Provider)
	}
}

func TestReport_HL7RoundTrip(t *testing.T) {
	observed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rep := Report{
		OrderNumber:  "PL-1",
		FillerNumber: "FL-1",
		PatientID:    "p-1",
		Code:         Code{System: "http://loinc.org", Code: "24323-8", Display: "Panel"},
		Status:       ResultFinal,
		EffectiveAt:  observed,
		Conclusion:   "ok",
		Results: []Result{
			{Test: Code{System: "LN", Code: "A", Display: "Alpha"}, Value: NumericValue(1.5), Units: "g/L",
				ReferenceRange: ParseReferenceRange("1-2"), Flag: FlagNormal, Status: ResultFinal, ObservedAt: observed},
			{Test: Code{System: "LN", Code: "B", Display: "Beta"}, Value: ResultValue{Numeric: ptrFloat(3), Comparator: ">"},
				Status: ResultPreliminary, ObservedAt: observed},
			{Test: Code{System: "LN", Code: "C", Display: "Gamma"}, Value: ResultValue{Text: "line one\nline two"},
				Status: ResultFinal, ObservedAt: observed},
		},
	}

	msg, err := hl7v2.GenerateORU(hl7v2.Header{ControlID: "C2", Version: "2.5.1"}, samplePatient().HL7(), []hl7v2.OrderGroup{rep.HL7()})
	if err != nil {
		t.Fatalf("GenerateORU: %v", err)
	}
	parsed, err := hl7v2.Parse(hl7v2.Encode(msg))
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	back := ReportFromHL7("p-1", parsed.OrderGroups()[0])

	if back.Code.System != "LN" || back.Code.Code != "24323-8" {
		t.Errorf("code = %+v", back.Code)
	}
	if back.Conclusion != "ok" || back.Status != ResultFinal || !back.EffectiveAt.Equal(observed) {
		t.Errorf("header = %+v", back)
	}
	for i, want := range rep.Results {
		got := back.Results[i]
		if got.Test.Code != want.Test.Code || got.Value.String() != want.Value.String() || got.Status != want.Status {
			t.Errorf("result %d = %+v, want %+v", i, got, want)
		}
	}
	if back.Results[0].Flag != FlagNormal || back.Results[0].ReferenceRange.Text != "1-2" {
		t.Errorf("flag/range = %s/%+v", back.Results[0].Flag, back.Results[0].ReferenceRange)
	}
}
