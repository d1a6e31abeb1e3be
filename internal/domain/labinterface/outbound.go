package labinterface

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/fhir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// Delivery is the result of one outbound send.
type Delivery struct {
	Entry     *messagelog.Entry `json:"entry"`
	ControlID string            `json:"control_id"`
	Ack       *hl7v2.AckInfo    `json:"ack,omitempty"`
}

// SenderFactory returns an MLLP sender that waits up to responseTimeout for
// an acknowledgment.
type SenderFactory func(responseTimeout time.Duration) MLLPSender

// MLLPSenders builds hl7v2 clients sharing a connect timeout. A
// non-positive per-integration response timeout falls back to
// defaultResponse.
func MLLPSenders(connectTimeout, defaultResponse time.Duration, logger zerolog.Logger) SenderFactory {
	return func(responseTimeout time.Duration) MLLPSender {
		if responseTimeout <= 0 {
			responseTimeout = defaultResponse
		}
		return hl7v2.NewClient(
			hl7v2.WithConnectTimeout(connectTimeout),
			hl7v2.WithResponseTimeout(responseTimeout),
			hl7v2.WithClientLogger(logger),
		)
	}
}

// Outbound sends orders and results to laboratories.
type Outbound struct {
	registry Registry
	log      AuditLog
	senders  SenderFactory
	logger   zerolog.Logger
	now      func() time.Time
}

func NewOutbound(registry Registry, log AuditLog, senders SenderFactory, logger zerolog.Logger) *Outbound {
	return &Outbound{registry: registry, log: log, senders: senders, logger: logger, now: time.Now}
}

// SendLabOrder sends order to the integration's laboratory as ORM^O01 or as
// a FHIR transaction of ServiceRequests with their patient and requester.
// Test codes are translated to the laboratory's codes first.
func (o *Outbound) SendLabOrder(ctx context.Context, integrationID uuid.UUID, order lab.LabOrder, patient lab.Patient, requester lab.Practitioner) (*Delivery, error) {
	cfg, err := o.ready(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if len(order.Tests) == 0 {
		return nil, apperr.New(apperr.KindValidation, "ORDER_HAS_NO_TESTS", "order has no tests")
	}
	if order.PatientID == "" {
		order.PatientID = patient.ID
	}
	if order.Tests, err = o.externalTests(ctx, cfg, order.Tests); err != nil {
		return nil, err
	}
	ref := subject{patientID: patient.ID, orderID: order.ID}

	if cfg.SpeaksFHIR() {
		resources := []fhir.Resource{patient.ToFHIR()}
		if requester.ID != "" {
			resources = append(resources, requester.ToFHIR())
		}
		if order.Specimen != nil && order.Specimen.ID != "" {
			resources = append(resources, order.Specimen.ToFHIR())
		}
		for _, sr := range order.ToFHIR() {
			resources = append(resources, sr)
		}
		return o.deliverFHIR(ctx, cfg, resources, ref)
	}

	msg, err := hl7v2.GenerateORM(cfg.Header(), patient.HL7(), order.HL7(requester))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "ORDER_INVALID", "order cannot be rendered as HL7", err)
	}
	return o.deliverHL7(ctx, cfg, msg, ref)
}

// SendResults sends the order's result lines as ORU^R01 or as a FHIR
// transaction of a DiagnosticReport and its Observations.
func (o *Outbound) SendResults(ctx context.Context, integrationID uuid.UUID, order lab.LabOrder, patient lab.Patient) (*Delivery, error) {
	cfg, err := o.ready(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if len(order.Results) == 0 {
		return nil, apperr.New(apperr.KindValidation, "ORDER_HAS_NO_RESULTS", "order has no results")
	}
	report, err := o.report(ctx, cfg, order, patient)
	if err != nil {
		return nil, err
	}
	ref := subject{patientID: patient.ID, orderID: order.ID}

	if cfg.SpeaksFHIR() {
		dr, observations := report.ToFHIR()
		resources := []fhir.Resource{patient.ToFHIR(), dr}
		for _, obs := range observations {
			resources = append(resources, obs)
		}
		return o.deliverFHIR(ctx, cfg, resources, ref)
	}

	msg, err := hl7v2.GenerateORU(cfg.Header(), patient.HL7(), []hl7v2.OrderGroup{report.HL7()})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "RESULTS_INVALID", "results cannot be rendered as HL7", err)
	}
	return o.deliverHL7(ctx, cfg, msg, ref)
}

// laboratoryReport is the panel code used when an order spans several tests.
var laboratoryReport = lab.Code{System: "LN", Code: "11502-2", Display: "Laboratory report"}

func (o *Outbound) report(ctx context.Context, cfg *integration.Config, order lab.LabOrder, patient lab.Patient) (lab.Report, error) {
	r := lab.Report{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		FillerNumber: order.FillerNumber,
		PatientID:    patient.ID,
		Code:         laboratoryReport,
		Status:       lab.ResultPreliminary,
		IssuedAt:     o.now().UTC(),
	}
	if order.AllTestsCompleted() {
		r.Status = lab.ResultFinal
	}
	tests, err := o.externalTests(ctx, cfg, order.Tests)
	if err != nil {
		return r, err
	}
	if len(tests) == 1 {
		r.Code = tests[0].Code
	}
	for _, res := range order.Results {
		ext, err := o.externalCode(ctx, cfg, res.Test)
		if err != nil {
			return r, err
		}
		res.Test = ext
		res.PatientID = patient.ID
		if res.ObservedAt.After(r.EffectiveAt) {
			r.EffectiveAt = res.ObservedAt
		}
		r.Results = append(r.Results, res)
	}
	return r, nil
}

// ready loads an integration that accepts traffic.
func (o *Outbound) ready(ctx context.Context, id uuid.UUID) (*integration.Config, error) {
	cfg, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !accepting(cfg) {
		return nil, apperr.New(apperr.KindConfig, CodeInactive, fmt.Sprintf("integration is %s", cfg.Status))
	}
	return cfg, nil
}

func (o *Outbound) externalTests(ctx context.Context, cfg *integration.Config, tests []lab.OrderedTest) ([]lab.OrderedTest, error) {
	out := make([]lab.OrderedTest, len(tests))
	for i, t := range tests {
		m, err := o.registry.ToExternal(ctx, cfg.ID, t.Code.Code)
		switch {
		case err == nil:
			t.Code = mappedCode(m, t.Code)
			if m.SpecimenType != "" {
				t.SpecimenType = m.SpecimenType
			}
		case !apperr.Is(err, apperr.KindNotFound):
			return nil, fmt.Errorf("translate test code %s: %w", t.Code.Code, err)
		}
		out[i] = t
	}
	return out, nil
}

func (o *Outbound) externalCode(ctx context.Context, cfg *integration.Config, c lab.Code) (lab.Code, error) {
	m, err := o.registry.ToExternal(ctx, cfg.ID, c.Code)
	switch {
	case err == nil:
		return mappedCode(m, c), nil
	case apperr.Is(err, apperr.KindNotFound):
		return c, nil
	}
	return c, fmt.Errorf("translate test code %s: %w", c.Code, err)
}

func mappedCode(m *integration.TestMapping, internal lab.Code) lab.Code {
	c := lab.Code{System: m.CodingSystem, Code: m.ExternalCode, Display: m.ExternalName}
	if c.Display == "" {
		c.Display = internal.Display
	}
	return c
}

// subject ties an outbound entry to the clinic records it was built from.
type subject struct {
	patientID string
	orderID   string
}

func (o *Outbound) begin(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, ref subject) error {
	e.IntegrationID = cfg.ID
	e.Direction = messagelog.Outbound
	e.PatientID = ref.patientID
	e.OrderID = ref.orderID
	return o.log.Begin(ctx, e)
}

func (o *Outbound) deliverHL7(ctx context.Context, cfg *integration.Config, msg *hl7v2.Message, ref subject) (*Delivery, error) {
	payload := hl7v2.Encode(msg)
	h := msg.Header()
	e := &messagelog.Entry{
		Format:      messagelog.FormatHL7,
		MessageType: messageType(h),
		ControlID:   h.ControlID,
		RawPayload:  string(payload),
	}
	if err := e.SetParsed(snapshotHL7(msg)); err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case integration.TransportMLLP:
		e.Meta = messagelog.TransportMeta{Channel: messagelog.ChannelMLLP, Destination: cfg.Endpoint().Address()}
	case integration.TransportHTTPHL7:
		e.Meta = messagelog.TransportMeta{Channel: messagelog.ChannelHTTP, Destination: cfg.BaseURL}
	case integration.TransportFileDrop:
		if cfg.OutboundDir == "" {
			return nil, apperr.New(apperr.KindConfig, "OUTBOUND_DIR_MISSING", "integration has no outbound directory")
		}
		e.Meta = messagelog.TransportMeta{Channel: messagelog.ChannelFileDrop, Destination: cfg.OutboundDir}
	default:
		return nil, apperr.New(apperr.KindConfig, "TRANSPORT_UNSUPPORTED",
			fmt.Sprintf("%s integrations cannot carry HL7 messages", cfg.Transport))
	}
	if err := o.begin(ctx, cfg, e, ref); err != nil {
		return nil, err
	}
	d := &Delivery{Entry: e, ControlID: h.ControlID}

	switch cfg.Transport {
	case integration.TransportMLLP:
		info, raw, err := o.senders(cfg.AckTimeout()).SendAndAwaitAck(ctx, cfg.Endpoint(), msg, cfg.RetryPolicy())
		e.Response = string(raw)
		if info.Code != "" {
			d.Ack = &info
		}
		if err != nil {
			return d, o.fail(ctx, cfg, e, err)
		}
		return d, o.complete(ctx, cfg, e, messagelog.StatusAcknowledged)

	case integration.TransportHTTPHL7:
		client, err := o.registry.FHIRClient(cfg)
		if err != nil {
			return d, o.fail(ctx, cfg, e, err)
		}
		body, err := client.Post(ctx, hl7v2.ContentTypeER7, payload)
		e.Response = string(body)
		if err != nil {
			return d, o.fail(ctx, cfg, e, err)
		}
		if !cfg.AckRequired {
			return d, o.complete(ctx, cfg, e, messagelog.StatusProcessed)
		}
		info, err := readAck(body)
		if err != nil {
			return d, o.fail(ctx, cfg, e, err)
		}
		d.Ack = &info
		if !info.Code.Accepted() {
			return d, o.fail(ctx, cfg, e, &hl7v2.NegativeAckError{Ack: info})
		}
		return d, o.complete(ctx, cfg, e, messagelog.StatusAcknowledged)

	default:
		if err := dropFile(cfg.OutboundDir, h.ControlID+".hl7", payload); err != nil {
			return d, o.fail(ctx, cfg, e, err)
		}
		return d, o.complete(ctx, cfg, e, messagelog.StatusProcessed)
	}
}

func readAck(body []byte) (hl7v2.AckInfo, error) {
	msg, err := hl7v2.Parse(body)
	if err != nil {
		return hl7v2.AckInfo{}, err
	}
	return hl7v2.ParseAck(msg)
}

// dropFile writes data under dir through a temporary file so that a
// watching laboratory never reads a partial message.
func dropFile(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".labbridge-*")
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "FILE_DROP_FAILED", "create outbound file", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.KindTransport, "FILE_DROP_FAILED", "write outbound file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.KindTransport, "FILE_DROP_FAILED", "close outbound file", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return apperr.Wrap(apperr.KindTransport, "FILE_DROP_FAILED", "publish outbound file", err)
	}
	return nil
}

func (o *Outbound) deliverFHIR(ctx context.Context, cfg *integration.Config, resources []fhir.Resource, ref subject) (*Delivery, error) {
	bundle, err := fhir.NewBundle(fhir.BundleTransaction, resources...)
	if err != nil {
		return nil, err
	}
	if err := fhir.Check(bundle); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	e := &messagelog.Entry{
		Format:        messagelog.FormatFHIR,
		MessageType:   string(fhir.TypeBundle),
		ControlID:     bundle.ID,
		RawPayload:    string(payload),
		ParsedPayload: payload,
		Meta:          messagelog.TransportMeta{Channel: messagelog.ChannelFHIRREST, Destination: cfg.BaseURL},
	}
	if err := o.begin(ctx, cfg, e, ref); err != nil {
		return nil, err
	}
	d := &Delivery{Entry: e, ControlID: bundle.ID}

	client, err := o.registry.FHIRClient(cfg)
	if err != nil {
		return d, o.fail(ctx, cfg, e, err)
	}
	resp, err := client.Transaction(ctx, bundle)
	if err != nil {
		return d, o.fail(ctx, cfg, e, err)
	}
	if body, err := json.Marshal(resp); err == nil {
		e.Response = string(body)
	}
	return d, o.complete(ctx, cfg, e, messagelog.StatusProcessed)
}

func (o *Outbound) complete(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, status messagelog.Status) error {
	if err := o.log.Complete(ctx, e, status); err != nil {
		return err
	}
	if err := o.registry.RecordSent(ctx, cfg.ID); err != nil {
		o.logger.Warn().Err(err).Str("integration_id", cfg.ID.String()).Msg("failed to count sent message")
	}
	o.logger.Info().
		Str("entry_id", e.ID.String()).
		Str("integration_id", cfg.ID.String()).
		Str("message_type", e.MessageType).
		Str("control_id", e.ControlID).
		Str("status", string(status)).
		Msg("outbound message delivered")
	return nil
}

// fail records a delivery failure and returns cause unchanged so callers
// can tell token, transport and protocol failures apart.
func (o *Outbound) fail(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, cause error) error {
	code := codeOf(cause, "DELIVERY_FAILED")
	if err := o.log.Fail(ctx, e, code, describe(cause)); err != nil {
		o.logger.Error().Err(err).Str("entry_id", e.ID.String()).Msg("failed to record delivery failure")
	}
	if err := o.registry.RecordError(ctx, cfg.ID, code+": "+describe(cause)); err != nil {
		o.logger.Warn().Err(err).Str("integration_id", cfg.ID.String()).Msg("failed to record integration error")
	}
	return cause
}
