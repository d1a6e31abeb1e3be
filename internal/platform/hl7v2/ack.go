package hl7v2

import (
	"fmt"
	"time"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// AckCode is MSA-1.
type AckCode string

const (
	AckAccept       AckCode = "AA"
	AckError        AckCode = "AE"
	AckReject       AckCode = "AR"
	AckCommitAccept AckCode = "CA"
	AckCommitError  AckCode = "CE"
	AckCommitReject AckCode = "CR"
)

// Accepted reports whether c is a positive acknowledgment.
func (c AckCode) Accepted() bool { return c == AckAccept || c == AckCommitAccept }

// Severity is ERR-4.
type Severity string

const (
	SeverityError       Severity = "E"
	SeverityWarning     Severity = "W"
	SeverityInformation Severity = "I"
	SeverityFatal       Severity = "F"
)

// HL7 table 0357 error condition codes used in ERR-3.
const (
	ErrCodeSegmentSequence    = "100"
	ErrCodeRequiredMissing    = "101"
	ErrCodeDataType           = "102"
	ErrCodeTableValue         = "103"
	ErrCodeUnsupportedMessage = "200"
	ErrCodeUnsupportedEvent   = "201"
	ErrCodeUnknownKey         = "204"
	ErrCodeApplication        = "207"
)

// AckIssue is the content of one ERR segment.
type AckIssue struct {
	Code       string
	Severity   Severity
	Diagnostic string
	Location   string
}

// AckInfo is the decoded MSA/ERR content of an acknowledgment.
type AckInfo struct {
	Code      AckCode
	ControlID string
	Text      string
	Errors    []AckIssue
}

// NegativeAckError is returned when the remote system answers with AE/AR/CE/CR.
// It is a protocol error and is never retried.
type NegativeAckError struct {
	Ack AckInfo
}

func (e *NegativeAckError) Error() string {
	msg := fmt.Sprintf("hl7v2: negative acknowledgment %s for %s", e.Ack.Code, e.Ack.ControlID)
	if e.Ack.Text != "" {
		msg += ": " + e.Ack.Text
	}
	if len(e.Ack.Errors) > 0 && e.Ack.Errors[0].Diagnostic != "" {
		msg += " (" + e.Ack.Errors[0].Diagnostic + ")"
	}
	return msg
}

func (e *NegativeAckError) ErrKind() apperr.Kind { return apperr.KindProtocol }

func (e *NegativeAckError) ErrCode() string { return "NAK_" + string(e.Ack.Code) }

// GenerateACK builds the acknowledgment for original. Sender and receiver are
// swapped and the original delimiters are reused. When original is nil (the
// payload could not be parsed) a header with default delimiters is used.
// errs is written as ERR segments and is normally set only for AE/AR.
func GenerateACK(original *Message, code AckCode, text string, errs ...AckIssue) *Message {
	var orig Header
	d := DefaultDelimiters
	if original != nil {
		orig = original.Header()
		d = original.Delimiters
	}

	ack := NewMessage(Header{
		SendingApplication:   orig.ReceivingApplication,
		SendingFacility:      orig.ReceivingFacility,
		ReceivingApplication: orig.SendingApplication,
		ReceivingFacility:    orig.SendingFacility,
		Timestamp:            time.Now().UTC(),
		MessageCode:          "ACK",
		TriggerEvent:         orig.TriggerEvent,
		MessageStructure:     "ACK",
		ProcessingID:         orig.ProcessingID,
		Version:              orig.Version,
	})
	ack.Delimiters = d

	msa := NewSegment("MSA").Set(1, string(code))
	msa.Set(2, orig.ControlID)
	msa.Set(3, text)
	ack.Add(msa)

	for _, e := range errs {
		sev := e.Severity
		if sev == "" {
			sev = SeverityError
		}
		errSeg := NewSegment("ERR")
		errSeg.Set(2, e.Location)
		errSeg.Set(3, e.Code, errorCodeText(e.Code), "HL70357")
		errSeg.Set(4, string(sev))
		errSeg.Set(8, e.Diagnostic)
		ack.Add(errSeg)
	}
	return ack
}

var errorCodeTexts = map[string]string{
	ErrCodeSegmentSequence:    "Segment sequence error",
	ErrCodeRequiredMissing:    "Required field missing",
	ErrCodeDataType:           "Data type error",
	ErrCodeTableValue:         "Table value not found",
	ErrCodeUnsupportedMessage: "Unsupported message type",
	ErrCodeUnsupportedEvent:   "Unsupported event code",
	ErrCodeUnknownKey:         "Unknown key identifier",
	ErrCodeApplication:        "Application internal error",
}

func errorCodeText(code string) string {
	return errorCodeTexts[code]
}

// ParseAck reads MSA and ERR from an acknowledgment message.
func ParseAck(m *Message) (AckInfo, error) {
	msa := m.Segment("MSA")
	if msa == nil {
		return AckInfo{}, &ParseError{Reason: "acknowledgment has no MSA segment"}
	}
	info := AckInfo{
		Code:      AckCode(msa.Field(1).Value()),
		ControlID: msa.Field(2).Value(),
		Text:      msa.Field(3).Value(),
	}
	switch info.Code {
	case AckAccept, AckError, AckReject, AckCommitAccept, AckCommitError, AckCommitReject:
	default:
		return AckInfo{}, &ParseError{Reason: fmt.Sprintf("unknown acknowledgment code %q", info.Code)}
	}
	for _, seg := range m.SegmentsNamed("ERR") {
		info.Errors = append(info.Errors, AckIssue{
			Location:   seg.Field(2).Value(),
			Code:       seg.Field(3).Component(1),
			Severity:   Severity(seg.Field(4).Value()),
			Diagnostic: seg.Field(8).Value(),
		})
	}
	return info, nil
}
