package labinterface

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// MLLPListener feeds messages received by an hl7v2.Server into the
// pipeline. The integration is chosen from the MSH header.
type MLLPListener struct {
	pipeline *Pipeline
	registry Registry
	logger   zerolog.Logger
}

func NewMLLPListener(pipeline *Pipeline, registry Registry, logger zerolog.Logger) *MLLPListener {
	return &MLLPListener{pipeline: pipeline, registry: registry, logger: logger}
}

// HandleMLLP implements hl7v2.MessageHandler.
func (l *MLLPListener) HandleMLLP(ctx context.Context, payload []byte, meta hl7v2.ConnMeta) []byte {
	msg, perr := hl7v2.Parse(payload)
	var h hl7v2.Header
	if perr == nil {
		h = msg.Header()
	}

	cfg, err := l.route(ctx, h)
	if err != nil {
		l.logger.Warn().Err(err).
			Str("remote_addr", meta.RemoteAddr).
			Str("sending_application", h.SendingApplication).
			Msg("mllp message matches no integration")
		return hl7v2.Encode(hl7v2.GenerateACK(msg, hl7v2.AckReject, describe(err),
			hl7v2.AckIssue{Code: hl7v2.ErrCodeUnknownKey, Diagnostic: describe(err)}))
	}

	out, err := l.pipeline.Process(ctx, Inbound{
		IntegrationID: cfg.ID,
		Format:        messagelog.FormatHL7,
		Payload:       payload,
		Meta: messagelog.TransportMeta{
			Channel:       messagelog.ChannelMLLP,
			SourceAddress: meta.RemoteAddr,
			Destination:   meta.LocalAddr,
		},
	})
	if err != nil {
		l.logger.Error().Err(err).Str("integration_id", cfg.ID.String()).Msg("mllp message could not be recorded")
		return hl7v2.Encode(hl7v2.GenerateACK(msg, hl7v2.AckError, "message could not be recorded",
			hl7v2.AckIssue{Code: hl7v2.ErrCodeApplication}))
	}
	return out.Response
}

// route picks the active MLLP integration for a header: first by the
// receiving application and facility we are addressed as, then by the
// sending application, then the only active integration if there is just
// one. A message that cannot be parsed can only use the last rule.
func (l *MLLPListener) route(ctx context.Context, h hl7v2.Header) (*integration.Config, error) {
	active, err := l.registry.ListActive(ctx, integration.TransportMLLP)
	if err != nil {
		return nil, err
	}

	if h.ReceivingApplication != "" {
		for _, c := range active {
			if c.SendingApplication != "" && strings.EqualFold(c.SendingApplication, h.ReceivingApplication) &&
				(c.SendingFacility == "" || strings.EqualFold(c.SendingFacility, h.ReceivingFacility)) &&
				(c.ReceivingApplication == "" || strings.EqualFold(c.ReceivingApplication, h.SendingApplication)) {
				return c, nil
			}
		}
	}
	if h.SendingApplication != "" {
		for _, c := range active {
			if c.ReceivingApplication != "" && strings.EqualFold(c.ReceivingApplication, h.SendingApplication) {
				return c, nil
			}
		}
	}
	if len(active) == 1 {
		return active[0], nil
	}
	return nil, apperr.New(apperr.KindNotFound, "INTEGRATION_UNRESOLVED",
		fmt.Sprintf("no active mllp integration for %s/%s", h.SendingApplication, h.SendingFacility))
}
