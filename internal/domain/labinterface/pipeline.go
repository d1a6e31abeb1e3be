package labinterface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
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

// Codes recorded on audit entries by the pipeline itself.
const (
	CodePatientNotFound   = "PATIENT_NOT_FOUND"
	CodeAmbiguousPatient  = "AMBIGUOUS_PATIENT"
	CodeOrderNotFound     = "ORDER_NOT_FOUND"
	CodeInactive          = "INTEGRATION_INACTIVE"
	CodeUnsupported       = "MESSAGE_TYPE_UNSUPPORTED"
	CodeFormatUnsupported = "MESSAGE_FORMAT_UNSUPPORTED"
)

// Inbound is one message as delivered by a transport. Webhook is set only
// for HTTP webhook deliveries and enables webhook authentication.
type Inbound struct {
	IntegrationID uuid.UUID
	Format        messagelog.Format
	Payload       []byte
	Meta          messagelog.TransportMeta
	Webhook       *WebhookRequest
}

// Outcome is the settled result of one inbound message. Response is nil
// when nothing should be sent back, as for acknowledgments.
type Outcome struct {
	Entry       *messagelog.Entry
	Status      messagelog.Status
	Response    []byte
	ContentType string
	HTTPStatus  int
}

// Pipeline runs inbound messages from authentication to acknowledgment.
// Each message is handled independently; the only shared state is the
// webhook rate limiter.
type Pipeline struct {
	registry Registry
	log      AuditLog
	patients lab.PatientDirectory
	orders   lab.OrderBook
	notifier lab.Notifier
	auth     *WebhookAuthenticator
	logger   zerolog.Logger
	now      func() time.Time
}

func NewPipeline(registry Registry, log AuditLog, patients lab.PatientDirectory, orders lab.OrderBook, notifier lab.Notifier, logger zerolog.Logger) *Pipeline {
	if notifier == nil {
		notifier = lab.NopNotifier{}
	}
	return &Pipeline{
		registry: registry,
		log:      log,
		patients: patients,
		orders:   orders,
		notifier: notifier,
		auth:     NewWebhookAuthenticator(registry.Reveal),
		logger:   logger,
		now:      time.Now,
	}
}

// Process records, authenticates, parses and applies one inbound message.
// An error is returned only when the integration cannot be loaded or the
// audit log cannot be written; every other failure is reported through the
// Outcome.
func (p *Pipeline) Process(ctx context.Context, in Inbound) (*Outcome, error) {
	cfg, err := p.registry.Get(ctx, in.IntegrationID)
	if err != nil {
		return nil, err
	}

	e := &messagelog.Entry{
		IntegrationID: cfg.ID,
		Direction:     messagelog.Inbound,
		Format:        in.Format,
		RawPayload:    string(in.Payload),
		Meta:          in.Meta,
	}
	if err := p.log.Begin(ctx, e); err != nil {
		return nil, err
	}
	if err := p.registry.RecordReceived(ctx, cfg.ID); err != nil {
		p.logger.Warn().Err(err).Str("integration_id", cfg.ID.String()).Msg("failed to count received message")
	}

	if !accepting(cfg) {
		return p.settle(ctx, cfg, e, rejected(apperr.New(apperr.KindConfig, CodeInactive,
			fmt.Sprintf("integration is %s", cfg.Status)), hl7v2.ErrCodeApplication))
	}
	if in.Webhook != nil {
		if err := p.auth.Authenticate(cfg, in.Webhook, p.now()); err != nil {
			p.logger.Warn().
				Str("integration_id", cfg.ID.String()).
				Str("remote_ip", in.Webhook.RemoteIP).
				Str("reason", apperr.CodeOf(err)).
				Msg("webhook authentication failed")
			return p.settle(ctx, cfg, e, rejected(err, hl7v2.ErrCodeApplication))
		}
	}

	if err := p.log.Transition(ctx, e, messagelog.StatusProcessing); err != nil {
		return nil, err
	}
	return p.run(ctx, cfg, e)
}

// Reprocess re-runs the stored payload of an inbound entry that ended in
// error. The same entry is updated with an incremented attempt counter.
func (p *Pipeline) Reprocess(ctx context.Context, entryID uuid.UUID) (*Outcome, error) {
	e, err := p.log.Restart(ctx, entryID)
	if err != nil {
		return nil, err
	}
	cfg, err := p.registry.Get(ctx, e.IntegrationID)
	if err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("entry_id", e.ID.String()).
		Int("attempt", e.Attempts).
		Msg("reprocessing inbound message")
	if !accepting(cfg) {
		return p.settle(ctx, cfg, e, rejected(apperr.New(apperr.KindConfig, CodeInactive,
			fmt.Sprintf("integration is %s", cfg.Status)), hl7v2.ErrCodeApplication))
	}
	return p.run(ctx, cfg, e)
}

func (p *Pipeline) run(ctx context.Context, cfg *integration.Config, e *messagelog.Entry) (*Outcome, error) {
	var v verdict
	switch e.Format {
	case messagelog.FormatHL7:
		v = p.runHL7(ctx, cfg, e)
	case messagelog.FormatFHIR:
		v = p.runFHIR(ctx, cfg, e)
	default:
		v = rejected(apperr.New(apperr.KindValidation, CodeFormatUnsupported,
			fmt.Sprintf("message format %q is not supported", e.Format)), hl7v2.ErrCodeUnsupportedMessage)
	}
	return p.settle(ctx, cfg, e, v)
}

// verdict is the result of dispatching one message.
type verdict struct {
	status messagelog.Status
	// cause explains an error or rejection, or the part of a processed
	// message that could not be applied.
	cause    error
	errCode  string // HL7 table 0357 condition for the ERR segment
	silent   bool   // send no response
	original *hl7v2.Message
	resource fhir.Resource
}

func processed() verdict { return verdict{status: messagelog.StatusProcessed} }

func partial(cause error) verdict {
	return verdict{status: messagelog.StatusProcessed, cause: cause, errCode: hl7v2.ErrCodeUnknownKey}
}

func failed(cause error, errCode string) verdict {
	return verdict{status: messagelog.StatusError, cause: cause, errCode: errCode}
}

func rejected(cause error, errCode string) verdict {
	return verdict{status: messagelog.StatusRejected, cause: cause, errCode: errCode}
}

// settle builds the response, writes the terminal status and updates the
// integration counters.
func (p *Pipeline) settle(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, v verdict) (*Outcome, error) {
	out := &Outcome{Entry: e, Status: v.status}
	if e.Format == messagelog.FormatFHIR {
		fhirResponse(out, v)
	} else {
		hl7Response(out, v)
	}
	e.Response = string(out.Response)

	var err error
	switch v.status {
	case messagelog.StatusProcessed:
		if v.cause != nil {
			e.ErrorCode, e.ErrorMessage = codeOf(v.cause, "PARTIALLY_APPLIED"), describe(v.cause)
		}
		err = p.log.Complete(ctx, e, messagelog.StatusProcessed)
	case messagelog.StatusError:
		err = p.log.Fail(ctx, e, codeOf(v.cause, "PROCESSING_FAILED"), describe(v.cause))
	case messagelog.StatusRejected:
		err = p.log.Reject(ctx, e, codeOf(v.cause, "MESSAGE_REJECTED"), describe(v.cause))
	default:
		err = fmt.Errorf("labinterface: unexpected verdict %q", v.status)
	}
	if err != nil {
		return nil, err
	}

	if v.status == messagelog.StatusError || v.status == messagelog.StatusRejected {
		if rerr := p.registry.RecordError(ctx, cfg.ID, e.ErrorCode+": "+e.ErrorMessage); rerr != nil {
			p.logger.Warn().Err(rerr).Str("integration_id", cfg.ID.String()).Msg("failed to record integration error")
		}
	}
	p.logger.Info().
		Str("entry_id", e.ID.String()).
		Str("integration_id", cfg.ID.String()).
		Str("message_type", e.MessageType).
		Str("control_id", e.ControlID).
		Str("status", string(e.Status)).
		Str("error_code", e.ErrorCode).
		Int64("duration_ms", e.DurationMS).
		Msg("inbound message settled")
	return out, nil
}

func hl7Response(out *Outcome, v verdict) {
	out.ContentType = hl7v2.ContentTypeER7
	out.HTTPStatus = http.StatusOK
	if v.status == messagelog.StatusRejected {
		switch apperr.KindOf(v.cause) {
		case apperr.KindAuth, apperr.KindConfig:
			out.HTTPStatus = statusFor(v.cause)
		}
	}
	if v.silent {
		return
	}

	var ack *hl7v2.Message
	switch v.status {
	case messagelog.StatusProcessed:
		if v.cause == nil {
			ack = hl7v2.GenerateACK(v.original, hl7v2.AckAccept, "")
			break
		}
		ack = hl7v2.GenerateACK(v.original, hl7v2.AckAccept, describe(v.cause), issue(v, hl7v2.SeverityWarning))
	case messagelog.StatusError:
		ack = hl7v2.GenerateACK(v.original, hl7v2.AckError, describe(v.cause), issue(v, hl7v2.SeverityError))
	default:
		ack = hl7v2.GenerateACK(v.original, hl7v2.AckReject, describe(v.cause), issue(v, hl7v2.SeverityError))
	}
	out.Response = hl7v2.Encode(ack)
}

func issue(v verdict, sev hl7v2.Severity) hl7v2.AckIssue {
	code := v.errCode
	if code == "" {
		code = hl7v2.ErrCodeApplication
	}
	diag := describe(v.cause)
	if c := apperr.CodeOf(v.cause); c != "" {
		diag = c + ": " + diag
	}
	return hl7v2.AckIssue{Code: code, Severity: sev, Diagnostic: diag}
}

func fhirResponse(out *Outcome, v verdict) {
	out.ContentType = fhir.ContentType
	var body interface{}
	switch {
	case v.status == messagelog.StatusProcessed && v.cause == nil:
		out.HTTPStatus = http.StatusCreated
		body = v.resource
		if v.resource == nil {
			body = fhir.InformationOutcome("message processed")
		}
	case v.status == messagelog.StatusProcessed:
		out.HTTPStatus = http.StatusOK
		body = fhir.NewOutcomeBuilder().
			AddIssueWithDetails(fhir.IssueSeverityWarning, fhir.IssueTypeNotFound, describe(v.cause),
				&fhir.CodeableConcept{Text: apperr.CodeOf(v.cause)}).
			Build()
	default:
		out.HTTPStatus = statusFor(v.cause)
		body = fhir.OutcomeFromError(v.cause)
	}
	data, err := json.Marshal(body)
	if err != nil {
		out.HTTPStatus = http.StatusInternalServerError
		data, _ = json.Marshal(fhir.ErrorOutcome("failed to encode response"))
	}
	out.Response = data
}

// statusFor maps a failure to the status returned to a webhook caller.
func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case CodeIPDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnsupported:
		return http.StatusUnprocessableEntity
	}
	return apperr.HTTPStatus(err)
}

func codeOf(err error, fallback string) string {
	if c := apperr.CodeOf(err); c != "" {
		return c
	}
	return fallback
}

// describe returns the human part of err without the kind and code prefix.
func describe(err error) string {
	if err == nil {
		return ""
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		if ae.Err != nil {
			return ae.Message + ": " + ae.Err.Error()
		}
		return ae.Message
	}
	return err.Error()
}

func mismatch(code, msg string) error {
	return apperr.New(apperr.KindDomainMismatch, code, msg)
}

// classify turns a dispatch error into a verdict. Domain mismatches are
// partial successes; everything else is an application error.
func classify(err error) verdict {
	if apperr.Is(err, apperr.KindDomainMismatch) {
		return partial(err)
	}
	return failed(err, hl7v2.ErrCodeApplication)
}
