package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// Message is a parsed HL7v2 message. Leaf values are stored unescaped; the
// message's own Delimiters are used when it is encoded again.
type Message struct {
	Delimiters Delimiters
	Segments   []*Segment
}

// Segment is a named, ordered list of fields. Fields[0] holds field 1; for MSH
// that is MSH-1 (the field separator) and Fields[1] is MSH-2.
type Segment struct {
	Name   string
	Fields []Field
}

// Field is a list of repetitions.
type Field struct {
	Repetitions []Repetition
}

// Repetition is one occurrence of a repeating field.
type Repetition struct {
	Components []Component
}

// Component is a list of subcomponents.
type Component struct {
	Subcomponents []string
}

// Header holds the MSH values every component needs.
type Header struct {
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	Timestamp            time.Time
	MessageCode          string // MSH-9.1
	TriggerEvent         string // MSH-9.2
	MessageStructure     string // MSH-9.3
	ControlID            string
	ProcessingID         string
	Version              string
}

// ParseError reports a message that could not be decoded.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("hl7v2: segment %d: %s", e.Line, e.Reason)
	}
	return "hl7v2: " + e.Reason
}

// ErrKind classifies parse failures as protocol errors.
func (e *ParseError) ErrKind() apperr.Kind { return apperr.KindProtocol }

// ErrCode is the code recorded on audit entries.
func (e *ParseError) ErrCode() string { return "HL7_PARSE_ERROR" }

// Parse decodes raw HL7v2 bytes. Segments may be separated by \r, \n or \r\n.
// The delimiters are read from MSH-1 and MSH-2.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Reason: "message is empty"}
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimRight(strings.TrimLeft(line, " \t\v\x1c"), "\x1c")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, &ParseError{Reason: "no segments found"}
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, &ParseError{Line: 1, Reason: fmt.Sprintf("first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])}
	}

	d, err := delimitersFromHeader(lines[0])
	if err != nil {
		return nil, &ParseError{Line: 1, Reason: err.Error()}
	}

	msg := &Message{Delimiters: d, Segments: make([]*Segment, 0, len(lines))}
	for i, line := range lines {
		seg, err := d.parseSegment(line)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Reason: err.Error()}
		}
		msg.Segments = append(msg.Segments, seg)
	}
	return msg, nil
}

func (d Delimiters) parseSegment(line string) (*Segment, error) {
	name := line
	idx := strings.IndexByte(line, d.Field)
	if idx >= 0 {
		name = line[:idx]
	}
	if !validSegmentName(name) {
		return nil, fmt.Errorf("invalid segment name %q", name)
	}

	seg := &Segment{Name: name}
	if idx < 0 {
		return seg, nil
	}

	parts := strings.Split(line[idx+1:], string(d.Field))
	if name == "MSH" {
		seg.Fields = make([]Field, 0, len(parts)+1)
		seg.Fields = append(seg.Fields, Value(string(d.Field)), Value(parts[0]))
		for _, p := range parts[1:] {
			seg.Fields = append(seg.Fields, d.parseField(p))
		}
		return seg, nil
	}

	seg.Fields = make([]Field, len(parts))
	for i, p := range parts {
		seg.Fields[i] = d.parseField(p)
	}
	return seg, nil
}

func (d Delimiters) parseField(raw string) Field {
	if raw == "" {
		return Field{}
	}
	reps := strings.Split(raw, string(d.Repetition))
	f := Field{Repetitions: make([]Repetition, len(reps))}
	for i, r := range reps {
		comps := strings.Split(r, string(d.Component))
		rep := Repetition{Components: make([]Component, len(comps))}
		for j, c := range comps {
			subs := strings.Split(c, string(d.Subcomponent))
			for k := range subs {
				subs[k] = d.UnescapeText(subs[k])
			}
			rep.Components[j] = Component{Subcomponents: subs}
		}
		f.Repetitions[i] = rep
	}
	return f
}

func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// Encode serializes m with its own delimiters. Every segment is terminated by
// a carriage return.
func Encode(m *Message) []byte {
	d := m.Delimiters
	if d == (Delimiters{}) {
		d = DefaultDelimiters
	}
	var b strings.Builder
	for _, seg := range m.Segments {
		b.WriteString(seg.Name)
		start := 0
		if seg.Name == "MSH" {
			b.WriteByte(d.Field)
			b.WriteString(d.EncodingCharacters())
			start = 2
		}
		for i := start; i < len(seg.Fields); i++ {
			b.WriteByte(d.Field)
			b.WriteString(d.encodeField(seg.Fields[i]))
		}
		b.WriteByte('\r')
	}
	return []byte(b.String())
}

func (d Delimiters) encodeField(f Field) string {
	reps := make([]string, len(f.Repetitions))
	for i, r := range f.Repetitions {
		comps := make([]string, len(r.Components))
		for j, c := range r.Components {
			subs := make([]string, len(c.Subcomponents))
			for k, s := range c.Subcomponents {
				subs[k] = d.EscapeText(s)
			}
			comps[j] = strings.Join(subs, string(d.Subcomponent))
		}
		reps[i] = strings.Join(comps, string(d.Component))
	}
	return strings.Join(reps, string(d.Repetition))
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Value returns a field holding a single leaf value.
func Value(s string) Field {
	if s == "" {
		return Field{}
	}
	return NewField(s)
}

// NewField returns a single-repetition field with the given components.
// Trailing empty components are dropped, so a field whose components are all
// empty is the empty field.
func NewField(components ...string) Field {
	n := len(components)
	for n > 0 && components[n-1] == "" {
		n--
	}
	if n == 0 {
		return Field{}
	}
	return Field{Repetitions: []Repetition{newRepetition(components[:n])}}
}

// Repeated returns a field whose repetitions are the first repetition of each
// given field. Empty fields are skipped.
func Repeated(fields ...Field) Field {
	var f Field
	for _, x := range fields {
		if len(x.Repetitions) > 0 {
			f.Repetitions = append(f.Repetitions, x.Repetitions[0])
		}
	}
	return f
}

func newRepetition(components []string) Repetition {
	rep := Repetition{Components: make([]Component, len(components))}
	for i, c := range components {
		rep.Components[i] = Component{Subcomponents: []string{c}}
	}
	return rep
}

// NewSegment returns an empty segment with the given name.
func NewSegment(name string) *Segment {
	return &Segment{Name: name}
}

// SetField stores f as field n (1-based), growing the segment as needed.
func (s *Segment) SetField(n int, f Field) *Segment {
	if n < 1 {
		return s
	}
	for len(s.Fields) < n {
		s.Fields = append(s.Fields, Field{})
	}
	s.Fields[n-1] = f
	return s
}

// Set stores a single-repetition field built from components as field n.
func (s *Segment) Set(n int, components ...string) *Segment {
	return s.SetField(n, NewField(components...))
}

// Add appends segments to m.
func (m *Message) Add(segs ...*Segment) *Message {
	m.Segments = append(m.Segments, segs...)
	return m
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

// Field returns field n (1-based) or the empty field.
func (s *Segment) Field(n int) Field {
	if s == nil || n < 1 || n > len(s.Fields) {
		return Field{}
	}
	return s.Fields[n-1]
}

// IsEmpty reports whether f carries no value at all.
func (f Field) IsEmpty() bool {
	for _, r := range f.Repetitions {
		for _, c := range r.Components {
			for _, s := range c.Subcomponents {
				if s != "" {
					return false
				}
			}
		}
	}
	return true
}

// Value returns the first subcomponent of the first component of the first
// repetition.
func (f Field) Value() string {
	return f.Component(1)
}

// Component returns component n (1-based) of the first repetition.
func (f Field) Component(n int) string {
	if len(f.Repetitions) == 0 {
		return ""
	}
	return f.Repetitions[0].Component(n)
}

// Repetition returns repetition i (0-based).
func (f Field) Repetition(i int) Repetition {
	if i < 0 || i >= len(f.Repetitions) {
		return Repetition{}
	}
	return f.Repetitions[i]
}

// Component returns the first subcomponent of component n (1-based).
func (r Repetition) Component(n int) string {
	return r.Subcomponent(n, 1)
}

// Subcomponent returns subcomponent s of component c, both 1-based.
func (r Repetition) Subcomponent(c, s int) string {
	if c < 1 || c > len(r.Components) {
		return ""
	}
	subs := r.Components[c-1].Subcomponents
	if s < 1 || s > len(subs) {
		return ""
	}
	return subs[s-1]
}

// Segment returns the first segment named name, or nil.
func (m *Message) Segment(name string) *Segment {
	for _, s := range m.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SegmentsNamed returns every segment named name in order.
func (m *Message) SegmentsNamed(name string) []*Segment {
	var out []*Segment
	for _, s := range m.Segments {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Header extracts the MSH fields.
func (m *Message) Header() Header {
	msh := m.Segment("MSH")
	if msh == nil {
		return Header{}
	}
	h := Header{
		SendingApplication:   msh.Field(3).Value(),
		SendingFacility:      msh.Field(4).Value(),
		ReceivingApplication: msh.Field(5).Value(),
		ReceivingFacility:    msh.Field(6).Value(),
		MessageCode:          msh.Field(9).Component(1),
		TriggerEvent:         msh.Field(9).Component(2),
		MessageStructure:     msh.Field(9).Component(3),
		ControlID:            msh.Field(10).Value(),
		ProcessingID:         msh.Field(11).Value(),
		Version:              msh.Field(12).Value(),
	}
	if ts, err := ParseTime(msh.Field(7).Value()); err == nil {
		h.Timestamp = ts
	}
	return h
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	return m.Segment("MSH").Field(10).Value()
}

// Kind classifies the message by MSH-9.
func (m *Message) Kind() MessageKind {
	h := m.Header()
	return KindOf(h.MessageCode, h.TriggerEvent)
}
