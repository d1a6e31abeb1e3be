package labinterface

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/fhir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// MaxPayloadBytes bounds webhook request bodies.
const MaxPayloadBytes = 10 << 20

// keptHeaders are the request headers copied into the audit entry. Auth,
// key and signature headers are never kept.
var keptHeaders = []string{
	echo.HeaderContentType,
	"User-Agent",
	echo.HeaderXRequestID,
	echo.HeaderXForwardedFor,
}

type Handler struct {
	pipeline *Pipeline
	outbound *Outbound
}

func NewHandler(pipeline *Pipeline, outbound *Outbound) *Handler {
	return &Handler{pipeline: pipeline, outbound: outbound}
}

// RegisterWebhooks registers the laboratory-facing endpoints. They carry no
// user session and are authenticated per integration.
//
//	POST /lab/hl7/:integrationId   - HL7 v2 message, raw or {"message": "..."}
//	POST /lab/fhir/:integrationId  - FHIR resource or Bundle
func (h *Handler) RegisterWebhooks(g *echo.Group) {
	g.POST("/lab/hl7/:integrationId", h.ReceiveHL7)
	g.POST("/lab/fhir/:integrationId", h.ReceiveFHIR)
}

// RegisterRoutes registers the operator endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	ops := api.Group("/lab", auth.RequireRole(auth.RoleAdmin, auth.RoleLabManager))
	ops.POST("/messages/:id/reprocess", h.Reprocess)

	send := api.Group("/lab", auth.RequireRole(auth.RoleAdmin, auth.RoleLabManager, auth.RoleLabTech, auth.RolePhysician))
	send.POST("/integrations/:integrationId/orders", h.SendOrder)
	send.POST("/integrations/:integrationId/results", h.SendResults)
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxPayloadBytes+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > MaxPayloadBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body is too large")
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	return body, nil
}

func webhookMeta(c echo.Context) messagelog.TransportMeta {
	m := messagelog.TransportMeta{
		Channel:       messagelog.ChannelWebhook,
		SourceAddress: c.RealIP(),
		Destination:   c.Request().URL.Path,
		Headers:       make(map[string]string),
	}
	for _, k := range keptHeaders {
		if v := c.Request().Header.Get(k); v != "" {
			m.Headers[k] = v
		}
	}
	return m
}

func (h *Handler) webhook(c echo.Context, format messagelog.Format, payload, raw []byte) (*Outcome, error) {
	id, err := uuid.Parse(c.Param("integrationId"))
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "INTEGRATION_ID_INVALID", "invalid integration id")
	}
	return h.pipeline.Process(c.Request().Context(), Inbound{
		IntegrationID: id,
		Format:        format,
		Payload:       payload,
		Meta:          webhookMeta(c),
		Webhook: &WebhookRequest{
			RemoteIP: c.RealIP(),
			Header:   c.Request().Header,
			Body:     raw,
		},
	})
}

func respond(c echo.Context, out *Outcome) error {
	if out.Response == nil {
		return c.NoContent(out.HTTPStatus)
	}
	return c.Blob(out.HTTPStatus, out.ContentType, out.Response)
}

// ReceiveHL7 accepts an HL7 v2 message. The signature, when required, is
// computed over the request body as sent.
func (h *Handler) ReceiveHL7(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	payload := raw
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &req); err != nil || req.Message == "" {
			return echo.NewHTTPError(http.StatusBadRequest, `body must be {"message": "<hl7 text>"}`)
		}
		payload = []byte(req.Message)
	} else if p, ok := hl7v2.UnframeTrimmed(raw); ok {
		payload = p
	}

	out, err := h.webhook(c, messagelog.FormatHL7, payload, raw)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return respond(c, out)
}

// ReceiveFHIR accepts a FHIR resource or Bundle.
func (h *Handler) ReceiveFHIR(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	out, err := h.webhook(c, messagelog.FormatFHIR, raw, raw)
	if err != nil {
		body, _ := json.Marshal(fhir.OutcomeFromError(err))
		return c.Blob(apperr.HTTPStatus(err), fhir.ContentType, body)
	}
	return respond(c, out)
}

type reprocessResponse struct {
	Entry    *messagelog.Entry `json:"entry"`
	Response string            `json:"response,omitempty"`
}

// Reprocess re-runs an inbound entry that ended in error.
func (h *Handler) Reprocess(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	out, err := h.pipeline.Reprocess(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, reprocessResponse{Entry: out.Entry, Response: string(out.Response)})
}

type orderRequest struct {
	Order     lab.LabOrder     `json:"order"`
	Patient   lab.Patient      `json:"patient"`
	Requester lab.Practitioner `json:"requester"`
}

type deliveryResponse struct {
	*Delivery
	Error string `json:"error,omitempty"`
	Code  string `json:"error_code,omitempty"`
}

// delivered reports a send. A failure after the message was logged returns
// 502 with the delivery so the caller can see the audit entry.
func delivered(c echo.Context, d *Delivery, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, deliveryResponse{Delivery: d})
	}
	if d == nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusBadGateway, deliveryResponse{Delivery: d, Error: describe(err), Code: apperr.CodeOf(err)})
}

func (h *Handler) SendOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("integrationId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid integration id")
	}
	var req orderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Patient.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient.id is required")
	}
	d, err := h.outbound.SendLabOrder(c.Request().Context(), id, req.Order, req.Patient, req.Requester)
	return delivered(c, d, err)
}

func (h *Handler) SendResults(c echo.Context) error {
	id, err := uuid.Parse(c.Param("integrationId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid integration id")
	}
	var req orderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Patient.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient.id is required")
	}
	d, err := h.outbound.SendResults(c.Request().Context(), id, req.Order, req.Patient)
	return delivered(c, d, err)
}
