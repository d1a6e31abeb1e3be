package lab

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ehr/labbridge/internal/platform/fhir"
)

var (
	boundPattern = regexp.MustCompile(`^(<=|>=|<|>)\s*(-?\d+(?:\.\d+)?)$`)
	spanPattern  = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*-\s*(-?\d+(?:\.\d+)?)$`)
)

// ReferenceRange is a reference interval. Low and High are nil when the
// corresponding bound is open or the text could not be parsed; Text always
// holds the source text.
type ReferenceRange struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
	Text string   `json:"text,omitempty"`
}

// ParseReferenceRange parses "<x", ">x", "<=x", ">=x", "low - high" and
// "low-high".
func ParseReferenceRange(text string) ReferenceRange {
	text = strings.TrimSpace(text)
	rr := ReferenceRange{Text: text}
	if text == "" {
		return rr
	}

	if m := boundPattern.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return rr
		}
		if strings.HasPrefix(m[1], "<") {
			rr.High = &v
		} else {
			rr.Low = &v
		}
		return rr
	}

	if m := spanPattern.FindStringSubmatch(text); m != nil {
		low, err1 := strconv.ParseFloat(m[1], 64)
		high, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil || low > high {
			return rr
		}
		rr.Low, rr.High = &low, &high
	}
	return rr
}

// Parsed reports whether at least one bound was recovered.
func (r ReferenceRange) Parsed() bool { return r.Low != nil || r.High != nil }

// String renders the range as text, preferring the source text.
func (r ReferenceRange) String() string {
	if r.Text != "" {
		return r.Text
	}
	switch {
	case r.Low != nil && r.High != nil:
		return formatFloat(*r.Low) + " - " + formatFloat(*r.High)
	case r.High != nil:
		return "<" + formatFloat(*r.High)
	case r.Low != nil:
		return ">" + formatFloat(*r.Low)
	}
	return ""
}

func (r ReferenceRange) toFHIR(units string) *fhir.ObservationReferenceRange {
	if r.Text == "" && !r.Parsed() {
		return nil
	}
	out := &fhir.ObservationReferenceRange{Text: r.Text}
	if r.Low != nil {
		out.Low = fhir.NewQuantity(*r.Low, units)
	}
	if r.High != nil {
		out.High = fhir.NewQuantity(*r.High, units)
	}
	return out
}

func referenceRangeFromFHIR(rr fhir.ObservationReferenceRange) ReferenceRange {
	out := ReferenceRange{Text: rr.Text}
	if rr.Low != nil && rr.Low.Value != nil {
		v := *rr.Low.Value
		out.Low = &v
	}
	if rr.High != nil && rr.High.Value != nil {
		v := *rr.High.Value
		out.High = &v
	}
	if out.Text == "" {
		out.Text = out.String()
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
