package netting

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically deletes idempotency records. Expired keys are kept for
// the retention period so that replays still report ErrIdempotencyExpired.
type Sweeper struct {
	repo      Repository
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewSweeper(repo Repository, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		repo:      repo,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "idempotency_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Dur("retention", s.retention).Msg("starting idempotency sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency sweeper")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to sweep idempotency records")
			}
		}
	}
}

// Sweep deletes records that expired more than the retention period ago
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	purged, err := s.repo.PurgeIdempotencyRecords(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Info().
			Int64("purged", purged).
			Time("cutoff", cutoff).
			Str("component", "idempotency_sweeper").
			Msg("purged idempotency records")
	}
	return purged, nil
}
