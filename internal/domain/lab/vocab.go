package lab

import "strings"

// vocabulary translates one internal code set to and from its FHIR and HL7
// forms. The reverse tables are written out explicitly because several
// external codes collapse onto one internal value.
type vocabulary[T ~string] struct {
	toFHIR   map[T]string
	toHL7    map[T]string
	fromFHIR map[string]T
	fromHL7  map[string]T

	// Neutral values used when the source code is not in the table.
	fhirDefault T
	hl7Default  T
}

func (v vocabulary[T]) fhir(x T) string {
	if s, ok := v.toFHIR[x]; ok {
		return s
	}
	return v.toFHIR[v.fhirDefault]
}

func (v vocabulary[T]) hl7(x T) string {
	if s, ok := v.toHL7[x]; ok {
		return s
	}
	return v.toHL7[v.hl7Default]
}

func (v vocabulary[T]) parseFHIR(s string) T {
	if x, ok := v.fromFHIR[strings.ToLower(strings.TrimSpace(s))]; ok {
		return x
	}
	return v.fhirDefault
}

func (v vocabulary[T]) parseHL7(s string) T {
	if x, ok := v.fromHL7[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return x
	}
	return v.hl7Default
}

func (v vocabulary[T]) known(x T) bool {
	_, ok := v.toFHIR[x]
	return ok
}

// ---------------------------------------------------------------------------
// Gender
// ---------------------------------------------------------------------------

type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderOther   Gender = "other"
	GenderUnknown Gender = "unknown"
)

var genders = vocabulary[Gender]{
	toFHIR: map[Gender]string{
		GenderMale: "male", GenderFemale: "female", GenderOther: "other", GenderUnknown: "unknown",
	},
	toHL7: map[Gender]string{
		GenderMale: "M", GenderFemale: "F", GenderOther: "O", GenderUnknown: "U",
	},
	fromFHIR: map[string]Gender{
		"male": GenderMale, "female": GenderFemale, "other": GenderOther, "unknown": GenderUnknown,
	},
	fromHL7: map[string]Gender{
		"M": GenderMale, "F": GenderFemale, "O": GenderOther, "A": GenderOther,
		"U": GenderUnknown, "N": GenderUnknown,
	},
	fhirDefault: GenderUnknown,
	hl7Default:  GenderUnknown,
}

func (g Gender) FHIR() string { return genders.fhir(g) }
func (g Gender) HL7() string  { return genders.hl7(g) }
func (g Gender) Valid() bool  { return genders.known(g) }

func GenderFromFHIR(s string) Gender { return genders.parseFHIR(s) }
func GenderFromHL7(s string) Gender  { return genders.parseHL7(s) }

// ---------------------------------------------------------------------------
// Order status
// ---------------------------------------------------------------------------

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderOnHold     OrderStatus = "on_hold"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
	OrderUnknown    OrderStatus = "unknown"
)

// FHIR ServiceRequest.status has no separate in-progress state; both pending
// and in_progress are "active" and read back as pending. HL7 has no unknown
// status and leaves ORC-5 empty.
var orderStatuses = vocabulary[OrderStatus]{
	toFHIR: map[OrderStatus]string{
		OrderPending:    "active",
		OrderInProgress: "active",
		OrderOnHold:     "on-hold",
		OrderCompleted:  "completed",
		OrderCancelled:  "revoked",
		OrderUnknown:    "unknown",
	},
	toHL7: map[OrderStatus]string{
		OrderPending:    "SC",
		OrderInProgress: "IP",
		OrderOnHold:     "HD",
		OrderCompleted:  "CM",
		OrderCancelled:  "CA",
		OrderUnknown:    "",
	},
	fromFHIR: map[string]OrderStatus{
		"draft":            OrderPending,
		"active":           OrderPending,
		"on-hold":          OrderOnHold,
		"completed":        OrderCompleted,
		"revoked":          OrderCancelled,
		"entered-in-error": OrderCancelled,
		"unknown":          OrderUnknown,
	},
	fromHL7: map[string]OrderStatus{
		"SC": OrderPending,
		"IP": OrderInProgress,
		"A":  OrderInProgress,
		"HD": OrderOnHold,
		"CM": OrderCompleted,
		"CA": OrderCancelled,
		"DC": OrderCancelled,
		"":   OrderUnknown,
	},
	fhirDefault: OrderUnknown,
	hl7Default:  OrderUnknown,
}

func (s OrderStatus) FHIR() string { return orderStatuses.fhir(s) }
func (s OrderStatus) HL7() string  { return orderStatuses.hl7(s) }
func (s OrderStatus) Valid() bool  { return orderStatuses.known(s) }

func OrderStatusFromFHIR(s string) OrderStatus { return orderStatuses.parseFHIR(s) }
func OrderStatusFromHL7(s string) OrderStatus  { return orderStatuses.parseHL7(s) }

// ---------------------------------------------------------------------------
// Priority
// ---------------------------------------------------------------------------

type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityASAP    Priority = "asap"
	PriorityStat    Priority = "stat"
)

// HL7 table 0485 has no urgent code; urgent is sent as A and reads back as asap.
var priorities = vocabulary[Priority]{
	toFHIR: map[Priority]string{
		PriorityRoutine: "routine", PriorityUrgent: "urgent", PriorityASAP: "asap", PriorityStat: "stat",
	},
	toHL7: map[Priority]string{
		PriorityRoutine: "R", PriorityUrgent: "A", PriorityASAP: "A", PriorityStat: "S",
	},
	fromFHIR: map[string]Priority{
		"routine": PriorityRoutine, "urgent": PriorityUrgent, "asap": PriorityASAP, "stat": PriorityStat,
	},
	fromHL7: map[string]Priority{
		"R": PriorityRoutine, "A": PriorityASAP, "S": PriorityStat,
	},
	fhirDefault: PriorityRoutine,
	hl7Default:  PriorityRoutine,
}

func (p Priority) FHIR() string { return priorities.fhir(p) }
func (p Priority) HL7() string  { return priorities.hl7(p) }
func (p Priority) Valid() bool  { return priorities.known(p) }

func PriorityFromFHIR(s string) Priority { return priorities.parseFHIR(s) }
func PriorityFromHL7(s string) Priority  { return priorities.parseHL7(s) }

// ---------------------------------------------------------------------------
// Abnormal flag
// ---------------------------------------------------------------------------

type AbnormalFlag string

const (
	FlagNone             AbnormalFlag = ""
	FlagNormal           AbnormalFlag = "normal"
	FlagLow              AbnormalFlag = "low"
	FlagHigh             AbnormalFlag = "high"
	FlagCriticalLow      AbnormalFlag = "critical_low"
	FlagCriticalHigh     AbnormalFlag = "critical_high"
	FlagAbnormal         AbnormalFlag = "abnormal"
	FlagCriticalAbnormal AbnormalFlag = "critical_abnormal"
)

// InterpretationSystem is the FHIR code system for Observation.interpretation.
const InterpretationSystem = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"

var flagCodes = map[AbnormalFlag]string{
	FlagNormal:           "N",
	FlagLow:              "L",
	FlagHigh:             "H",
	FlagCriticalLow:      "LL",
	FlagCriticalHigh:     "HH",
	FlagAbnormal:         "A",
	FlagCriticalAbnormal: "AA",
}

var flagsByCode = map[string]AbnormalFlag{
	"N":  FlagNormal,
	"L":  FlagLow,
	"H":  FlagHigh,
	"LL": FlagCriticalLow,
	"HH": FlagCriticalHigh,
	"A":  FlagAbnormal,
	"AA": FlagCriticalAbnormal,
}

// Both sides use the same interpretation codes; HL7 adds the off-scale
// markers < and >.
var abnormalFlags = vocabulary[AbnormalFlag]{
	toFHIR:      flagCodes,
	toHL7:       flagCodes,
	fromFHIR:    lowerKeys(flagsByCode),
	fromHL7:     withExtra(flagsByCode, map[string]AbnormalFlag{"<": FlagLow, ">": FlagHigh}),
	fhirDefault: FlagNormal,
	hl7Default:  FlagNormal,
}

func (f AbnormalFlag) FHIR() string { return abnormalFlags.fhir(f) }
func (f AbnormalFlag) HL7() string  { return abnormalFlags.hl7(f) }
func (f AbnormalFlag) Valid() bool  { return f == FlagNone || abnormalFlags.known(f) }

// IsAbnormal reports whether f is set to anything other than normal.
func (f AbnormalFlag) IsAbnormal() bool { return f != FlagNone && f != FlagNormal }

// IsCritical reports whether f is a panic value.
func (f AbnormalFlag) IsCritical() bool {
	return f == FlagCriticalLow || f == FlagCriticalHigh || f == FlagCriticalAbnormal
}

// AbnormalFlagFromFHIR maps an interpretation code. An empty code means the
// source did not interpret the value and yields FlagNone.
func AbnormalFlagFromFHIR(s string) AbnormalFlag {
	if strings.TrimSpace(s) == "" {
		return FlagNone
	}
	return abnormalFlags.parseFHIR(s)
}

// AbnormalFlagFromHL7 maps an OBX-8 code. An empty field yields FlagNone.
func AbnormalFlagFromHL7(s string) AbnormalFlag {
	if strings.TrimSpace(s) == "" {
		return FlagNone
	}
	return abnormalFlags.parseHL7(s)
}

// ---------------------------------------------------------------------------
// Result status
// ---------------------------------------------------------------------------

type ResultStatus string

const (
	ResultRegistered     ResultStatus = "registered"
	ResultPreliminary    ResultStatus = "preliminary"
	ResultFinal          ResultStatus = "final"
	ResultAmended        ResultStatus = "amended"
	ResultCorrected      ResultStatus = "corrected"
	ResultCancelled      ResultStatus = "cancelled"
	ResultEnteredInError ResultStatus = "entered_in_error"
)

// HL7 table 0085 has no amended code; amended is sent as C and reads back as
// corrected. Unknown HL7 statuses are taken as final, unknown FHIR statuses as
// registered.
var resultStatuses = vocabulary[ResultStatus]{
	toFHIR: map[ResultStatus]string{
		ResultRegistered:     "registered",
		ResultPreliminary:    "preliminary",
		ResultFinal:          "final",
		ResultAmended:        "amended",
		ResultCorrected:      "corrected",
		ResultCancelled:      "cancelled",
		ResultEnteredInError: "entered-in-error",
	},
	toHL7: map[ResultStatus]string{
		ResultRegistered:     "I",
		ResultPreliminary:    "P",
		ResultFinal:          "F",
		ResultAmended:        "C",
		ResultCorrected:      "C",
		ResultCancelled:      "X",
		ResultEnteredInError: "W",
	},
	fromFHIR: map[string]ResultStatus{
		"registered":       ResultRegistered,
		"preliminary":      ResultPreliminary,
		"final":            ResultFinal,
		"amended":          ResultAmended,
		"corrected":        ResultCorrected,
		"cancelled":        ResultCancelled,
		"entered-in-error": ResultEnteredInError,
	},
	fromHL7: map[string]ResultStatus{
		"I": ResultRegistered,
		"O": ResultRegistered,
		"P": ResultPreliminary,
		"R": ResultPreliminary,
		"S": ResultPreliminary,
		"F": ResultFinal,
		"U": ResultFinal,
		"C": ResultCorrected,
		"X": ResultCancelled,
		"D": ResultEnteredInError,
		"W": ResultEnteredInError,
	},
	fhirDefault: ResultRegistered,
	hl7Default:  ResultFinal,
}

func (s ResultStatus) FHIR() string { return resultStatuses.fhir(s) }
func (s ResultStatus) HL7() string  { return resultStatuses.hl7(s) }
func (s ResultStatus) Valid() bool  { return resultStatuses.known(s) }

// Completed reports whether a result in status s counts towards completing
// its order.
func (s ResultStatus) Completed() bool {
	return s == ResultFinal || s == ResultAmended || s == ResultCorrected
}

func ResultStatusFromFHIR(s string) ResultStatus { return resultStatuses.parseFHIR(s) }
func ResultStatusFromHL7(s string) ResultStatus  { return resultStatuses.parseHL7(s) }

func lowerKeys[T any](m map[string]T) map[string]T {
	out := make(map[string]T, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func withExtra[T any](m, extra map[string]T) map[string]T {
	out := make(map[string]T, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
