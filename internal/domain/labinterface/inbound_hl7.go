package labinterface

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/lab"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// hl7Snapshot is the parsed form stored on the audit entry.
type hl7Snapshot struct {
	Kind    string              `json:"kind"`
	Header  hl7v2.Header        `json:"header"`
	Patient *hl7v2.Demographics `json:"patient,omitempty"`
	Orders  []hl7v2.OrderGroup  `json:"orders,omitempty"`
}

func snapshotHL7(msg *hl7v2.Message) hl7Snapshot {
	s := hl7Snapshot{Kind: msg.Kind().String(), Header: msg.Header(), Orders: msg.OrderGroups()}
	if d, ok := msg.Demographics(); ok {
		s.Patient = &d
	}
	return s
}

func messageType(h hl7v2.Header) string {
	if h.TriggerEvent == "" {
		return h.MessageCode
	}
	return h.MessageCode + "^" + h.TriggerEvent
}

func (p *Pipeline) runHL7(ctx context.Context, cfg *integration.Config, e *messagelog.Entry) verdict {
	msg, err := hl7v2.Parse([]byte(e.RawPayload))
	if err != nil {
		return failed(err, hl7v2.ErrCodeApplication)
	}
	h := msg.Header()
	e.MessageType = messageType(h)
	e.ControlID = h.ControlID
	if err := e.SetParsed(snapshotHL7(msg)); err != nil {
		p.logger.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("failed to snapshot parsed message")
	}

	v := p.dispatchHL7(ctx, cfg, e, msg)
	v.original = msg
	return v
}

func (p *Pipeline) dispatchHL7(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, msg *hl7v2.Message) verdict {
	kind := msg.Kind()
	if kind != hl7v2.KindACK && !cfg.SupportsTrigger(e.MessageType) {
		return rejected(apperr.New(apperr.KindValidation, CodeUnsupported,
			fmt.Sprintf("message type %s is not enabled for this integration", e.MessageType)), hl7v2.ErrCodeUnsupportedEvent)
	}

	switch kind {
	case hl7v2.KindORUR01:
		return p.receiveResultsHL7(ctx, cfg, e, msg)
	case hl7v2.KindADTA01, hl7v2.KindADTA04, hl7v2.KindADTA08:
		return p.receiveDemographicsHL7(ctx, cfg, e, msg)
	case hl7v2.KindORMO01, hl7v2.KindOMLO21:
		// Orders are sent by the clinic, not accepted from laboratories.
		return processed()
	case hl7v2.KindACK:
		v := p.receiveAck(ctx, cfg, msg)
		v.silent = true
		return v
	default:
		return rejected(apperr.New(apperr.KindValidation, CodeUnsupported,
			fmt.Sprintf("message type %s is not supported", e.MessageType)), hl7v2.ErrCodeUnsupportedMessage)
	}
}

func (p *Pipeline) receiveResultsHL7(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, msg *hl7v2.Message) verdict {
	demo, ok := msg.Demographics()
	if !ok {
		return failed(apperr.New(apperr.KindProtocol, "HL7_PID_MISSING", "result message has no PID segment"),
			hl7v2.ErrCodeRequiredMissing)
	}
	groups := msg.OrderGroups()
	if len(groups) == 0 {
		return failed(apperr.New(apperr.KindProtocol, "HL7_OBR_MISSING", "result message has no OBR segment"),
			hl7v2.ErrCodeRequiredMissing)
	}

	patient, created, err := p.resolvePatient(ctx, cfg, lab.PatientFromHL7(demo), cfg.AutoCreatePatients)
	if err != nil {
		return classify(err)
	}
	e.PatientID = patient.ID
	if created {
		p.notify(ctx, cfg, e, lab.EventPatientCreated, nil, nil)
	}

	var first error
	for _, g := range groups {
		err := p.applyReport(ctx, cfg, e, lab.ReportFromHL7(patient.ID, g))
		if err == nil {
			continue
		}
		if !apperr.Is(err, apperr.KindDomainMismatch) {
			return failed(err, hl7v2.ErrCodeApplication)
		}
		if first == nil {
			first = err
		}
	}
	if first != nil {
		return partial(first)
	}
	return processed()
}

// receiveDemographicsHL7 resolves or creates the patient. Registration
// messages always allow creation.
func (p *Pipeline) receiveDemographicsHL7(ctx context.Context, cfg *integration.Config, e *messagelog.Entry, msg *hl7v2.Message) verdict {
	demo, ok := msg.Demographics()
	if !ok {
		return failed(apperr.New(apperr.KindProtocol, "HL7_PID_MISSING", "demographics message has no PID segment"),
			hl7v2.ErrCodeRequiredMissing)
	}
	patient, created, err := p.resolvePatient(ctx, cfg, lab.PatientFromHL7(demo), true)
	if err != nil {
		return classify(err)
	}
	e.PatientID = patient.ID
	if created {
		p.notify(ctx, cfg, e, lab.EventPatientCreated, nil, nil)
	}
	return processed()
}

// receiveAck settles the outbound entry an acknowledgment answers.
// Acknowledgments that match nothing are logged and accepted.
func (p *Pipeline) receiveAck(ctx context.Context, cfg *integration.Config, msg *hl7v2.Message) verdict {
	info, err := hl7v2.ParseAck(msg)
	if err != nil {
		return failed(err, hl7v2.ErrCodeRequiredMissing)
	}
	sent, err := p.log.FindByControlID(ctx, cfg.ID, messagelog.Outbound, info.ControlID)
	if errors.Is(err, messagelog.ErrNotFound) {
		p.logger.Info().
			Str("integration_id", cfg.ID.String()).
			Str("acked_control_id", info.ControlID).
			Msg("acknowledgment matches no outbound message")
		return processed()
	}
	if err != nil {
		return failed(err, hl7v2.ErrCodeApplication)
	}
	if sent.Status != messagelog.StatusProcessing && sent.Status != messagelog.StatusProcessed {
		p.logger.Debug().
			Str("entry_id", sent.ID.String()).
			Str("status", string(sent.Status)).
			Msg("outbound message already settled")
		return processed()
	}

	if info.Code.Accepted() {
		err = p.log.Complete(ctx, sent, messagelog.StatusAcknowledged)
	} else {
		nak := &hl7v2.NegativeAckError{Ack: info}
		err = p.log.Fail(ctx, sent, nak.ErrCode(), nak.Error())
	}
	if err != nil {
		return failed(err, hl7v2.ErrCodeApplication)
	}
	return processed()
}
