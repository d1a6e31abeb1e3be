package lab

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by collaborators when a lookup matches nothing.
var ErrNotFound = errors.New("lab: not found")

// PatientDirectory is the clinic's patient registry.
type PatientDirectory interface {
	FindByID(ctx context.Context, id string) (*Patient, error)
	// FindByNameAndBirthDate matches names case-insensitively.
	FindByNameAndBirthDate(ctx context.Context, lastName, firstName string, birthDate time.Time) ([]Patient, error)
	Create(ctx context.Context, p Patient) (*Patient, error)
}

// OrderBook is the clinic's laboratory order store.
type OrderBook interface {
	// FindByOrderNumber matches placer or filler order numbers.
	FindByOrderNumber(ctx context.Context, number string) (*LabOrder, error)
	// UpdateOrder persists the order's result lines and status.
	UpdateOrder(ctx context.Context, order *LabOrder) error
	Complete(ctx context.Context, orderID string) error
}

// EventType names a notification.
type EventType string

const (
	EventResultReceived EventType = "lab.result_received"
	EventOrderCompleted EventType = "lab.order_completed"
	EventPatientCreated EventType = "lab.patient_created"
	EventCriticalResult EventType = "lab.critical_result"
)

// Event is a notification about a domain change made by the engine.
type Event struct {
	Type          EventType         `json:"type"`
	IntegrationID string            `json:"integration_id"`
	PatientID     string            `json:"patient_id,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Notifier dispatches events to interested parties.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
