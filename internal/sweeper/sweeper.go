// Package sweeper periodically retires licenses whose expiry has
// passed. Expiry itself is decided by timestamps; the sweep only keeps
// the denormalized active flag honest for listings and stats.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mvetter/keymint/internal/metrics"
)

// LicenseSweeper is the slice of the license store the sweeper needs.
type LicenseSweeper interface {
	SweepExpired(now time.Time) (int, error)
}

// Sweeper marks expired licenses inactive on a fixed interval.
type Sweeper struct {
	licenses LicenseSweeper
	interval time.Duration
}

// New returns a sweeper. Intervals under a minute are raised to a
// minute so a misconfigured deployment cannot hammer the database.
func New(licenses LicenseSweeper, interval time.Duration) *Sweeper {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Sweeper{licenses: licenses, interval: interval}
}

// Sweep runs one pass and returns how many licenses it retired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := s.licenses.SweepExpired(time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SweptLicenses.Add(float64(n))
		log.Info().Int("count", n).Msg("Expired licenses retired")
	}
	return n, nil
}

// Run sweeps once immediately, then on every tick until the context is
// cancelled. Sweep errors are logged and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("License sweep failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("License sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("License sweep failed")
			}
		}
	}
}
