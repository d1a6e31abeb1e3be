package integration

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

var (
	ErrNotFound        = apperr.New(apperr.KindNotFound, "INTEGRATION_NOT_FOUND", "integration not found")
	ErrMappingNotFound = apperr.New(apperr.KindNotFound, "MAPPING_NOT_FOUND", "test mapping not found")
	ErrDuplicateName   = apperr.New(apperr.KindValidation, "INTEGRATION_NAME_TAKEN", "an integration with this name already exists")
	ErrDuplicateCode   = apperr.New(apperr.KindValidation, "MAPPING_DUPLICATE", "internal code is already mapped for this integration")
)

// ListFilter narrows Repository.List. Zero values match everything.
type ListFilter struct {
	Transport Transport
	Status    Status
}

type Repository interface {
	Create(ctx context.Context, c *Config) error
	GetByID(ctx context.Context, id uuid.UUID) (*Config, error)
	GetByName(ctx context.Context, name string) (*Config, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Config, int, error)
	// ListActive returns every active integration using transport t.
	ListActive(ctx context.Context, t Transport) ([]*Config, error)
	// Update writes the operator-editable settings. Secrets, counters and
	// status are left untouched.
	Update(ctx context.Context, c *Config) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	// SetSecrets replaces the given sealed fields in one statement.
	SetSecrets(ctx context.Context, id uuid.UUID, sealed map[CredentialField]string) error

	IncrementReceived(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementSent(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordError(ctx context.Context, id uuid.UUID, message string, at time.Time) error
	// MarkProbe records a connection test. An empty failure stamps the last
	// sync time; otherwise the failure is stored and the status moves to error.
	MarkProbe(ctx context.Context, id uuid.UUID, failure string, at time.Time) error
}

type MappingRepository interface {
	Create(ctx context.Context, m *TestMapping) error
	GetByID(ctx context.Context, id uuid.UUID) (*TestMapping, error)
	Update(ctx context.Context, m *TestMapping) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit, offset int) ([]*TestMapping, int, error)
	// FindActiveByInternal and FindActiveByExternal ignore inactive rows.
	FindActiveByInternal(ctx context.Context, integrationID uuid.UUID, code string) (*TestMapping, error)
	FindActiveByExternal(ctx context.Context, integrationID uuid.UUID, code string) (*TestMapping, error)
	DeleteByIntegration(ctx context.Context, integrationID uuid.UUID) (int64, error)
}
