package messagelog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

var ErrNotFound = apperr.New(apperr.KindNotFound, "MESSAGE_NOT_FOUND", "message log entry not found")

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// Update writes the mutable columns of e.
	Update(ctx context.Context, e *Entry) error
	// Reopen is Update guarded by the stored status: it writes e only while
	// the row is still in status from, and reports whether it did.
	Reopen(ctx context.Context, e *Entry, from Status) (bool, error)
	// FindByControlID returns the newest entry with the control id.
	FindByControlID(ctx context.Context, integrationID uuid.UUID, d Direction, controlID string) (*Entry, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	RecentErrors(ctx context.Context, integrationID uuid.UUID, n int) ([]*Entry, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByIntegration(ctx context.Context, integrationID uuid.UUID) (int64, error)
}
