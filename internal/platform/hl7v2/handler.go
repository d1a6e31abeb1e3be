package hl7v2

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes operator tools for inspecting HL7v2 payloads without
// running them through the inbound pipeline.
type Handler struct{}

// NewHandler creates a new HL7v2 tools handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers the tool endpoints on the provided route group.
//
//	POST /hl7v2/inspect  - decode a message and return its typed views
//	POST /hl7v2/ack      - build the ACK the engine would send for a message
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/inspect", h.Inspect)
	g.POST("/hl7v2/ack", h.PreviewAck)
}

type segmentJSON struct {
	Name   string     `json:"name"`
	Fields [][]string `json:"fields"`
}

type inspectResponse struct {
	Kind         string        `json:"kind"`
	Header       headerJSON    `json:"header"`
	Delimiters   string        `json:"delimiters"`
	Demographics *Demographics `json:"demographics,omitempty"`
	Orders       []OrderGroup  `json:"orders,omitempty"`
	Segments     []segmentJSON `json:"segments"`
}

type headerJSON struct {
	SendingApplication   string     `json:"sending_application"`
	SendingFacility      string     `json:"sending_facility"`
	ReceivingApplication string     `json:"receiving_application"`
	ReceivingFacility    string     `json:"receiving_facility"`
	Timestamp            *time.Time `json:"timestamp,omitempty"`
	MessageType          string     `json:"message_type"`
	ControlID            string     `json:"control_id"`
	Version              string     `json:"version"`
}

func readMessage(c echo.Context) (*Message, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	if payload, ok := UnframeTrimmed(body); ok {
		body = payload
	}
	msg, err := Parse(body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to parse HL7v2 message: "+err.Error())
	}
	return msg, nil
}

// Inspect handles POST /hl7v2/inspect.
func (h *Handler) Inspect(c echo.Context) error {
	msg, err := readMessage(c)
	if err != nil {
		return err
	}

	hdr := msg.Header()
	resp := inspectResponse{
		Kind:       msg.Kind().String(),
		Delimiters: string(msg.Delimiters.Field) + msg.Delimiters.EncodingCharacters(),
		Header: headerJSON{
			SendingApplication:   hdr.SendingApplication,
			SendingFacility:      hdr.SendingFacility,
			ReceivingApplication: hdr.ReceivingApplication,
			ReceivingFacility:    hdr.ReceivingFacility,
			MessageType:          hdr.MessageCode + "^" + hdr.TriggerEvent,
			ControlID:            hdr.ControlID,
			Version:              hdr.Version,
		},
		Orders: msg.OrderGroups(),
	}
	if !hdr.Timestamp.IsZero() {
		resp.Header.Timestamp = &hdr.Timestamp
	}
	if d, ok := msg.Demographics(); ok {
		resp.Demographics = &d
	}
	for _, seg := range msg.Segments {
		sj := segmentJSON{Name: seg.Name, Fields: make([][]string, len(seg.Fields))}
		for i, f := range seg.Fields {
			for _, r := range f.Repetitions {
				sj.Fields[i] = append(sj.Fields[i], msg.Delimiters.encodeField(Field{Repetitions: []Repetition{r}}))
			}
		}
		resp.Segments = append(resp.Segments, sj)
	}
	return c.JSON(http.StatusOK, resp)
}

// PreviewAck handles POST /hl7v2/ack. The acknowledgment code defaults to AA
// and may be overridden with ?code=AE|AR.
func (h *Handler) PreviewAck(c echo.Context) error {
	msg, err := readMessage(c)
	if err != nil {
		return err
	}
	code := AckCode(c.QueryParam("code"))
	switch code {
	case "":
		code = AckAccept
	case AckAccept, AckError, AckReject:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "code must be AA, AE or AR")
	}
	var errs []AckIssue
	if code != AckAccept {
		errs = append(errs, AckIssue{Code: ErrCodeApplication, Diagnostic: c.QueryParam("text")})
	}
	ack := GenerateACK(msg, code, c.QueryParam("text"), errs...)
	return c.Blob(http.StatusOK, ContentTypeER7, Encode(ack))
}

// ContentTypeER7 is the media type used for pipe-delimited HL7v2 payloads.
const ContentTypeER7 = "x-application/hl7-v2+er7"
