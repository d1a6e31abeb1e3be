package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

var timeLayouts = map[int]string{
	4:  "2006",
	6:  "200601",
	8:  "20060102",
	10: "2006010215",
	12: "200601021504",
	14: "20060102150405",
}

// ParseTime parses an HL7 DT/TS/DTM value: YYYY[MM[DD[HH[MM[SS[.S+]]]]]][+/-ZZZZ].
// Values without an offset are taken as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("hl7v2: empty timestamp")
	}

	zone := ""
	if i := strings.IndexAny(s, "+-"); i > 0 {
		s, zone = s[:i], s[i:]
	}
	digits, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		digits, frac = s[:i], s[i:]
	}

	layout, ok := timeLayouts[len(digits)]
	if !ok {
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
	if frac != "" {
		if len(digits) != 14 {
			return time.Time{}, fmt.Errorf("hl7v2: fractional seconds without seconds: %q", s)
		}
		digits += frac
	}
	if zone == "" {
		return time.ParseInLocation(layout, digits, time.UTC)
	}
	if len(zone) != 5 {
		return time.Time{}, fmt.Errorf("hl7v2: invalid timezone offset %q", zone)
	}
	return time.Parse(layout+"-0700", digits+zone)
}

// FormatTime renders t as YYYYMMDDHHMMSS, followed by its +/-ZZZZ offset
// unless t is in UTC. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	if t.Location() == time.UTC {
		return t.Format("20060102150405")
	}
	return t.Format("20060102150405-0700")
}

// FormatDate renders t as YYYYMMDD. The zero time renders as "".
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("20060102")
}
