package messagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// DefaultRetention is how long entries are kept when no retention is set.
const DefaultRetention = 90 * 24 * time.Hour

// Observer is told about every entry that reaches a terminal status.
type Observer interface {
	ObserveMessage(direction, format, status string, elapsed time.Duration)
}

type Service struct {
	repo      Repository
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
	observer  Observer
}

func NewService(repo Repository, retention time.Duration, logger zerolog.Logger) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{repo: repo, retention: retention, logger: logger, now: time.Now}
}

// SetObserver registers o to receive terminal outcomes. Call before use.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// Begin records a new exchange. Inbound entries start as received and
// outbound entries as processing.
func (s *Service) Begin(ctx context.Context, e *Entry) error {
	if e.IntegrationID == uuid.Nil {
		return apperr.New(apperr.KindValidation, "MESSAGE_INTEGRATION_REQUIRED", "integration id is required")
	}
	switch e.Direction {
	case Inbound:
		e.Status = StatusReceived
	case Outbound:
		e.Status = StatusProcessing
	default:
		return apperr.New(apperr.KindValidation, "MESSAGE_DIRECTION_INVALID", fmt.Sprintf("unknown direction %q", e.Direction))
	}
	if e.Format == "" {
		e.Format = FormatOther
	}
	now := s.now().UTC()
	e.ID = uuid.New()
	e.StartedAt = now
	e.CreatedAt = now
	e.ExpiresAt = now.Add(s.retention)
	e.Attempts = 1
	if err := s.repo.Create(ctx, e); err != nil {
		return fmt.Errorf("create message log entry: %w", err)
	}
	return nil
}

// Transition moves e to a non-terminal status.
func (s *Service) Transition(ctx context.Context, e *Entry, to Status) error {
	if to.Terminal() {
		return apperr.New(apperr.KindInternal, "MESSAGE_TRANSITION_INVALID", "use Complete, Fail or Reject for terminal statuses")
	}
	return s.move(ctx, e, to)
}

// Complete ends e with a successful terminal status.
func (s *Service) Complete(ctx context.Context, e *Entry, to Status) error {
	if to != StatusProcessed && to != StatusAcknowledged {
		return apperr.New(apperr.KindInternal, "MESSAGE_TRANSITION_INVALID", fmt.Sprintf("%s is not a completion status", to))
	}
	return s.finish(ctx, e, to, e.ErrorCode, e.ErrorMessage)
}

// Fail ends e in error.
func (s *Service) Fail(ctx context.Context, e *Entry, code, message string) error {
	return s.finish(ctx, e, StatusError, code, message)
}

// Reject ends e as rejected.
func (s *Service) Reject(ctx context.Context, e *Entry, code, message string) error {
	return s.finish(ctx, e, StatusRejected, code, message)
}

func (s *Service) finish(ctx context.Context, e *Entry, to Status, code, message string) error {
	if !CanTransition(e.Direction, e.Status, to) {
		return s.invalid(e, to)
	}
	e.ErrorCode, e.ErrorMessage = code, message
	now := s.now().UTC()
	e.CompletedAt = &now
	e.DurationMS = now.Sub(e.StartedAt).Milliseconds()
	e.Status = to
	if err := s.repo.Update(ctx, e); err != nil {
		return fmt.Errorf("update message log entry: %w", err)
	}
	if s.observer != nil {
		s.observer.ObserveMessage(string(e.Direction), string(e.Format), string(to), now.Sub(e.StartedAt))
	}
	if to == StatusError || to == StatusRejected {
		s.logger.Warn().
			Str("entry_id", e.ID.String()).
			Str("integration_id", e.IntegrationID.String()).
			Str("direction", string(e.Direction)).
			Str("status", string(to)).
			Str("error_code", e.ErrorCode).
			Msg("message failed")
	}
	return nil
}

func (s *Service) move(ctx context.Context, e *Entry, to Status) error {
	if !CanTransition(e.Direction, e.Status, to) {
		return s.invalid(e, to)
	}
	e.Status = to
	if err := s.repo.Update(ctx, e); err != nil {
		return fmt.Errorf("update message log entry: %w", err)
	}
	return nil
}

func (s *Service) invalid(e *Entry, to Status) error {
	return apperr.New(apperr.KindValidation, "MESSAGE_TRANSITION_INVALID",
		fmt.Sprintf("%s entry cannot move from %s to %s", e.Direction, e.Status, to))
}

// Restart reopens a failed inbound entry for another processing attempt.
// The attempt counter is incremented and the previous error and response
// are cleared. Of several concurrent restarts of one entry only the first
// to reach the store succeeds.
func (s *Service) Restart(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Direction != Inbound {
		return nil, apperr.New(apperr.KindValidation, "REPROCESS_NOT_ALLOWED", "only inbound messages can be reprocessed")
	}
	if e.Status != StatusError {
		return nil, apperr.New(apperr.KindValidation, "REPROCESS_NOT_ALLOWED",
			fmt.Sprintf("only entries in error can be reprocessed, entry is %s", e.Status))
	}
	e.Attempts++
	e.Status = StatusProcessing
	e.StartedAt = s.now().UTC()
	e.CompletedAt = nil
	e.DurationMS = 0
	e.ErrorCode, e.ErrorMessage = "", ""
	e.Response = ""
	ok, err := s.repo.Reopen(ctx, e, StatusError)
	if err != nil {
		return nil, fmt.Errorf("update message log entry: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "REPROCESS_NOT_ALLOWED",
			"entry is no longer in error; another reprocess is already running")
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

// FindByControlID returns the newest entry for a control id, or ErrNotFound.
func (s *Service) FindByControlID(ctx context.Context, integrationID uuid.UUID, d Direction, controlID string) (*Entry, error) {
	if controlID == "" {
		return nil, ErrNotFound
	}
	return s.repo.FindByControlID(ctx, integrationID, d, controlID)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// RecentErrors returns the n newest error and rejected entries.
func (s *Service) RecentErrors(ctx context.Context, integrationID uuid.UUID, n int) ([]*Entry, error) {
	if n <= 0 {
		n = 10
	}
	return s.repo.RecentErrors(ctx, integrationID, n)
}

// PurgeExpired deletes entries past their expiry.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge message log: %w", err)
	}
	return n, nil
}

// DeleteByIntegration removes every entry of an integration.
func (s *Service) DeleteByIntegration(ctx context.Context, integrationID uuid.UUID) (int64, error) {
	return s.repo.DeleteByIntegration(ctx, integrationID)
}
