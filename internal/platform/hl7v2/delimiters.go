package hl7v2

import (
	"fmt"
	"strings"
)

// Delimiters are the five separator characters an HL7v2 message declares in
// MSH-1 and MSH-2. Each message is encoded with its own set.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters is the conventional |^~\& set.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// delimitersFromHeader reads MSH-1 and MSH-2 from the first segment line.
// Missing encoding characters fall back to the defaults.
func delimitersFromHeader(line string) (Delimiters, error) {
	if len(line) < 4 {
		return Delimiters{}, fmt.Errorf("MSH segment too short")
	}
	d := DefaultDelimiters
	d.Field = line[3]

	enc := line[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) > 4 {
		return Delimiters{}, fmt.Errorf("MSH-2 has %d encoding characters, expected at most 4", len(enc))
	}
	targets := []*byte{&d.Component, &d.Repetition, &d.Escape, &d.Subcomponent}
	for i := 0; i < len(enc); i++ {
		*targets[i] = enc[i]
	}
	if err := d.validate(); err != nil {
		return Delimiters{}, err
	}
	return d, nil
}

func (d Delimiters) validate() error {
	chars := []byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent}
	seen := make(map[byte]bool, len(chars))
	for _, c := range chars {
		if c == '\r' || c == '\n' || isAlphaNum(c) {
			return fmt.Errorf("invalid delimiter %q", c)
		}
		if seen[c] {
			return fmt.Errorf("duplicate delimiter %q", c)
		}
		seen[c] = true
	}
	return nil
}

func isAlphaNum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// EscapeText replaces delimiter characters and line breaks in a leaf value
// with escape sequences so it can be placed inside a message encoded with d.
// Line breaks are canonicalized: \r, \n and \r\n all become \.br\, which
// UnescapeText turns back into \n.
func (d Delimiters) EscapeText(s string) string {
	if !strings.ContainsAny(s, string([]byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent, '\r', '\n'})) {
		return s
	}
	esc := string(d.Escape)
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case d.Escape:
			b.WriteString(esc + "E" + esc)
		case d.Field:
			b.WriteString(esc + "F" + esc)
		case d.Component:
			b.WriteString(esc + "S" + esc)
		case d.Subcomponent:
			b.WriteString(esc + "T" + esc)
		case d.Repetition:
			b.WriteString(esc + "R" + esc)
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteString(esc + ".br" + esc)
		case '\n':
			b.WriteString(esc + ".br" + esc)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// UnescapeText reverses EscapeText. Sequences it does not recognise (highlighting,
// hex data, character set changes) are kept verbatim, including their escape
// characters.
func (d Delimiters) UnescapeText(s string) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != d.Escape {
			b.WriteByte(c)
			continue
		}
		end := strings.IndexByte(s[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch seq {
		case "F":
			b.WriteByte(d.Field)
		case "S":
			b.WriteByte(d.Component)
		case "T":
			b.WriteByte(d.Subcomponent)
		case "R":
			b.WriteByte(d.Repetition)
		case "E":
			b.WriteByte(d.Escape)
		case ".br":
			b.WriteByte('\n')
		default:
			b.WriteString(s[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}
