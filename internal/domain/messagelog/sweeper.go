package messagelog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Purger deletes expired entries.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// RetentionSweeper periodically removes entries past the retention window.
type RetentionSweeper struct {
	purger Purger
	logger zerolog.Logger
}

func NewRetentionSweeper(p Purger, logger zerolog.Logger) *RetentionSweeper {
	return &RetentionSweeper{purger: p, logger: logger}
}

// Run sweeps once immediately and then every interval until ctx is done.
// Sweep failures are logged and retried on the next tick.
func (s *RetentionSweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RetentionSweeper) sweep(ctx context.Context) {
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("message log retention sweep failed")
		}
		return
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("expired message log entries purged")
	}
}
