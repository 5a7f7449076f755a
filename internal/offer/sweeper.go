package offer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketsync/internal/models"
)

const DefaultSweepInterval = time.Minute

type ExpiredLister interface {
	ListExpiredOffers(ctx context.Context, now time.Time) ([]models.Offer, error)
	ListExpiredReservations(ctx context.Context, now time.Time) ([]models.Listing, error)
}

// Sweeper expires pending offers that are past their expiry and releases
// listings whose reservation has lapsed.
type Sweeper struct {
	machine  *Machine
	lister   ExpiredLister
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(machine *Machine, lister ExpiredLister, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		machine:  machine,
		lister:   lister,
		interval: interval,
		logger:   machine.logger,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("offer sweep failed", "error", err)
			}
			if _, err := s.Release(ctx); err != nil {
				s.logger.Error("reservation sweep failed", "error", err)
			}
		}
	}
}

// Sweep expires what is due now and returns how many offers it expired.
// Offers that changed state in the meantime are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.lister.ListExpiredOffers(ctx, s.machine.now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range due {
		_, err := s.machine.Transition(ctx, SystemActor, o.ID, Expire{})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, models.ErrConflict):
			s.logger.Debug("offer answered before expiry", "offer_id", o.ID)
		default:
			return expired, err
		}
	}
	if expired > 0 {
		s.logger.Info("expired offers", "count", expired)
	}
	return expired, nil
}

// Release puts every listing whose reservation lapsed back to active and
// returns how many it released.
func (s *Sweeper) Release(ctx context.Context) (int, error) {
	due, err := s.lister.ListExpiredReservations(ctx, s.machine.now())
	if err != nil {
		return 0, err
	}

	released := 0
	for _, l := range due {
		_, err := s.machine.Release(ctx, l.ID)
		switch {
		case err == nil:
			released++
		case errors.Is(err, models.ErrConflict):
			s.logger.Debug("listing left reserved before release", "listing_id", l.ID)
		default:
			return released, err
		}
	}
	if released > 0 {
		s.logger.Info("released reservations", "count", released)
	}
	return released, nil
}
