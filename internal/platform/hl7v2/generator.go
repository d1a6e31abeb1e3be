package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is written to MSH-12 when the header leaves it empty.
const DefaultVersion = "2.5.1"

// NewControlID returns a 20 character message control id.
func NewControlID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// NewMessage starts a message with the default delimiters and an MSH built
// from h. Missing timestamp, control id, processing id and version are filled
// in.
func NewMessage(h Header) *Message {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	if h.ControlID == "" {
		h.ControlID = NewControlID()
	}
	if h.ProcessingID == "" {
		h.ProcessingID = "P"
	}
	if h.Version == "" {
		h.Version = DefaultVersion
	}
	d := DefaultDelimiters
	msh := NewSegment("MSH")
	msh.SetField(1, Value(string(d.Field)))
	msh.SetField(2, Value(d.EncodingCharacters()))
	msh.Set(3, h.SendingApplication)
	msh.Set(4, h.SendingFacility)
	msh.Set(5, h.ReceivingApplication)
	msh.Set(6, h.ReceivingFacility)
	msh.Set(7, FormatTime(h.Timestamp))
	msh.Set(9, h.MessageCode, h.TriggerEvent, h.MessageStructure)
	msh.Set(10, h.ControlID)
	msh.Set(11, h.ProcessingID)
	msh.Set(12, h.Version)
	return &Message{Delimiters: d, Segments: []*Segment{msh}}
}

// GenerateORM builds an ORM^O01 new-order message: MSH, PID, then ORC/OBR per
// test. All groups share the placer order number.
func GenerateORM(h Header, patient Demographics, orders []OrderInfo) (*Message, error) {
	if patient.PatientID == "" {
		return nil, fmt.Errorf("hl7v2: patient identifier is required")
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("hl7v2: at least one order is required")
	}
	h.MessageCode, h.TriggerEvent, h.MessageStructure = "ORM", "O01", "ORM_O01"
	msg := NewMessage(h)
	msg.Add(patient.segment())
	for i, o := range orders {
		if o.Test.Code == "" {
			return nil, fmt.Errorf("hl7v2: order %d has no test code", i+1)
		}
		msg.Add(o.orcSegment(), o.obrSegment(i+1))
	}
	return msg, nil
}

// GenerateORU builds an ORU^R01 result message: MSH, PID, then for each group
// ORC, OBR and its OBX segments.
func GenerateORU(h Header, patient Demographics, groups []OrderGroup) (*Message, error) {
	if patient.PatientID == "" {
		return nil, fmt.Errorf("hl7v2: patient identifier is required")
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("hl7v2: at least one result group is required")
	}
	h.MessageCode, h.TriggerEvent, h.MessageStructure = "ORU", "R01", "ORU_R01"
	msg := NewMessage(h)
	msg.Add(patient.segment())
	for i, g := range groups {
		order := g.Order
		if order.OrderControl == "" {
			order.OrderControl = "RE"
		}
		msg.Add(order.orcSegment(), order.obrSegment(i+1))
		for _, note := range g.Notes {
			msg.Add(noteSegment(note))
		}
		for j, obs := range g.Observations {
			msg.Add(obs.segment(j + 1))
			for _, note := range obs.Notes {
				msg.Add(noteSegment(note))
			}
		}
	}
	return msg, nil
}

// GenerateADT builds an ADT message for trigger A01, A04 or A08.
func GenerateADT(trigger string, h Header, patient Demographics) (*Message, error) {
	switch trigger {
	case "A01", "A04", "A08":
	default:
		return nil, fmt.Errorf("hl7v2: unsupported ADT trigger %q", trigger)
	}
	if patient.PatientID == "" {
		return nil, fmt.Errorf("hl7v2: patient identifier is required")
	}
	h.MessageCode, h.TriggerEvent, h.MessageStructure = "ADT", trigger, "ADT_A01"
	msg := NewMessage(h)
	evn := NewSegment("EVN").Set(1, trigger)
	evn.Set(2, msg.Segments[0].Field(7).Value())
	pv1 := NewSegment("PV1").Set(1, "1").Set(2, "O")
	msg.Add(evn, patient.segment(), pv1)
	return msg, nil
}

func noteSegment(text string) *Segment {
	var lines []Field
	for _, l := range strings.Split(text, "\n") {
		lines = append(lines, Field{Repetitions: []Repetition{newRepetition([]string{l})}})
	}
	return NewSegment("NTE").Set(1, "1").SetField(3, Repeated(lines...))
}
