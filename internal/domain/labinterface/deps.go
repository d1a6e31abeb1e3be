// Package labinterface moves laboratory messages between the clinic and
// external laboratory systems: the inbound pipeline for webhook and MLLP
// traffic and outbound order and result delivery.
package labinterface

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/domain/integration"
	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/fhir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// Registry is the part of the integration registry the engine uses.
// *integration.Service satisfies it.
type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*integration.Config, error)
	ListActive(ctx context.Context, t integration.Transport) ([]*integration.Config, error)
	Reveal(c *integration.Config, field integration.CredentialField) (string, error)
	ToInternal(ctx context.Context, integrationID uuid.UUID, externalCode string) (*integration.TestMapping, error)
	ToExternal(ctx context.Context, integrationID uuid.UUID, internalCode string) (*integration.TestMapping, error)
	FHIRClient(c *integration.Config) (*fhir.Client, error)
	RecordReceived(ctx context.Context, id uuid.UUID) error
	RecordSent(ctx context.Context, id uuid.UUID) error
	RecordError(ctx context.Context, id uuid.UUID, message string) error
}

// AuditLog records message exchanges. *messagelog.Service satisfies it.
type AuditLog interface {
	Begin(ctx context.Context, e *messagelog.Entry) error
	Transition(ctx context.Context, e *messagelog.Entry, to messagelog.Status) error
	Complete(ctx context.Context, e *messagelog.Entry, to messagelog.Status) error
	Fail(ctx context.Context, e *messagelog.Entry, code, message string) error
	Reject(ctx context.Context, e *messagelog.Entry, code, message string) error
	Restart(ctx context.Context, id uuid.UUID) (*messagelog.Entry, error)
	Get(ctx context.Context, id uuid.UUID) (*messagelog.Entry, error)
	FindByControlID(ctx context.Context, integrationID uuid.UUID, d messagelog.Direction, controlID string) (*messagelog.Entry, error)
}

// MLLPSender delivers one HL7 message and waits for its acknowledgment.
// *hl7v2.Client satisfies it.
type MLLPSender interface {
	SendAndAwaitAck(ctx context.Context, ep hl7v2.Endpoint, msg *hl7v2.Message, policy hl7v2.RetryPolicy) (hl7v2.AckInfo, []byte, error)
}

// accepting reports whether an integration takes traffic in its current
// status.
func accepting(c *integration.Config) bool {
	return c.Status == integration.StatusActive || c.Status == integration.StatusTesting
}
