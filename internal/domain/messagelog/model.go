// Package messagelog is the audit trail of every message exchanged with a
// laboratory. Entries move through a fixed status machine and expire after
// the retention window.
package messagelog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Format string

const (
	FormatHL7   Format = "hl7"
	FormatFHIR  Format = "fhir"
	FormatOther Format = "other"
)

type Status string

const (
	StatusReceived     Status = "received"
	StatusProcessing   Status = "processing"
	StatusProcessed    Status = "processed"
	StatusAcknowledged Status = "acknowledged"
	StatusError        Status = "error"
	StatusRejected     Status = "rejected"
)

// Terminal reports whether s ends processing of a message.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusAcknowledged, StatusError, StatusRejected:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusReceived || s == StatusProcessing || s.Terminal()
}

// transitions lists the allowed moves out of each status. A processed
// outbound entry may still settle to acknowledged or error when the peer's
// ACK arrives on a separate connection.
var transitions = map[Status][]Status{
	StatusReceived:   {StatusProcessing, StatusRejected, StatusError},
	StatusProcessing: {StatusProcessed, StatusAcknowledged, StatusError, StatusRejected},
	StatusProcessed:  {StatusAcknowledged, StatusError},
}

// CanTransition reports whether an entry may move from one status to another.
func CanTransition(d Direction, from, to Status) bool {
	if from == StatusProcessed && d != Outbound {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Channel is the transport a message used.
type Channel string

const (
	ChannelMLLP     Channel = "mllp"
	ChannelWebhook  Channel = "webhook"
	ChannelHTTP     Channel = "http"
	ChannelFHIRREST Channel = "fhir_rest"
	ChannelFileDrop Channel = "file_drop"
)

// TransportMeta is what the transport knew about a message. Only headers
// that carry no credentials are kept.
type TransportMeta struct {
	Channel       Channel           `json:"channel"`
	SourceAddress string            `json:"source_address,omitempty"`
	Destination   string            `json:"destination,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Entry is the audit record of one message exchange.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	IntegrationID uuid.UUID       `json:"integration_id"`
	Direction     Direction       `json:"direction"`
	Format        Format          `json:"format"`
	MessageType   string          `json:"message_type,omitempty"`
	ControlID     string          `json:"control_id,omitempty"`
	Status        Status          `json:"status"`
	RawPayload    string          `json:"raw_payload"`
	ParsedPayload json.RawMessage `json:"parsed_payload,omitempty"`
	Response      string          `json:"response,omitempty"`
	Meta          TransportMeta   `json:"transport_meta"`
	PatientID     string          `json:"patient_id,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	Attempts      int             `json:"attempts"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// SetParsed stores a JSON snapshot of the decoded message.
func (e *Entry) SetParsed(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("snapshot parsed payload: %w", err)
	}
	e.ParsedPayload = b
	return nil
}

// SetError records err's code and message. Errors without a code get the
// fallback code.
func (e *Entry) SetError(err error, fallback string) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = fallback
	}
	e.ErrorCode = code
	e.ErrorMessage = err.Error()
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	IntegrationID uuid.UUID
	Direction     Direction
	Status        Status
	ControlID     string
	Since         time.Time
}
