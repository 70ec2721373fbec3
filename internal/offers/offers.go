// Package offers owns accept/decline transitions on individual
// (ride, driver) offers and the at-most-one-winner guarantee.
package offers

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Redispatcher triggers a re-match after a decline. Wired to the
// matcher; nil disables the trigger (the janitor still backstops).
type Redispatcher interface {
	Redispatch(ctx context.Context, rideID string) error
}

type Service struct {
	Store      storage.Store
	Audit      audit.Log
	Redispatch Redispatcher
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Accept is one atomic transaction over ride, offer, and driver. Exactly
// one caller wins a given ride; everyone else gets failed-precondition,
// which is the routine outcome of losing the race, not a defect. A
// duplicate call by the winner is a success no-op.
func (s *Service) Accept(ctx context.Context, caller models.Identity, rideID string) error {
	if caller.Role != models.RoleDriver {
		return fault.New(fault.PermissionDenied, "only drivers accept offers")
	}
	now := s.now()

	var applied bool
	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		applied = false
		ride, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		offer, err := tx.Offer(rideID, caller.ID)
		if err != nil {
			return err
		}

		// at-least-once tolerance: the winner retrying sees its own
		// acceptance and stops.
		if offer.Status == models.OfferAccepted && ride.DriverID == caller.ID {
			return nil
		}
		if !ride.Status.Searching() {
			return fault.Newf(fault.FailedPrecondition, "ride %s is %s", rideID, ride.Status)
		}
		if offer.Status != models.OfferPending {
			return fault.Newf(fault.FailedPrecondition, "offer %s/%s is %s", rideID, caller.ID, offer.Status)
		}
		driver, err := tx.Driver(caller.ID)
		if err != nil {
			return err
		}
		if driver.Busy {
			return fault.Newf(fault.FailedPrecondition, "driver %s is busy with ride %s", caller.ID, driver.CurrentRideID)
		}

		applied = true
		ride.Status = models.RideAccepted
		ride.DriverID = caller.ID
		ride.AcceptedAt = &now
		ride.UpdatedAt = now

		offer.Status = models.OfferAccepted
		offer.RespondedAt = &now

		driver.Busy = true
		driver.CurrentRideID = rideID

		if err := tx.PutRide(ride); err != nil {
			return err
		}
		if err := tx.PutOffer(offer); err != nil {
			return err
		}
		return tx.PutDriver(driver)
	})
	if err != nil {
		if fault.Is(err, fault.FailedPrecondition) {
			observability.AcceptConflicts.Inc()
		}
		return err
	}
	if !applied {
		// the winner retrying; counted and logged the first time
		return nil
	}

	observability.OffersAccepted.Inc()
	s.log().Info("offer accepted", "ride_id", rideID, "driver_id", caller.ID)
	s.append(ctx, audit.Event{Kind: "offer_accepted", RideID: rideID, DriverID: caller.ID, CreatedAt: now})
	return nil
}

// Decline resolves the offer and hands the ride back to the dispatcher.
// Declining twice is a no-op.
func (s *Service) Decline(ctx context.Context, caller models.Identity, rideID string) error {
	if caller.Role != models.RoleDriver {
		return fault.New(fault.PermissionDenied, "only drivers decline offers")
	}
	now := s.now()

	var applied, stillSearching bool
	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		applied, stillSearching = false, false
		offer, err := tx.Offer(rideID, caller.ID)
		if err != nil {
			return err
		}
		if offer.Status == models.OfferDeclined {
			return nil
		}
		if offer.Status != models.OfferPending {
			return fault.Newf(fault.FailedPrecondition, "offer %s/%s is %s", rideID, caller.ID, offer.Status)
		}
		ride, err := tx.Ride(rideID)
		if err != nil {
			return err
		}

		applied = true
		offer.Status = models.OfferDeclined
		offer.RespondedAt = &now
		if !ride.Attempted(caller.ID) {
			ride.AttemptedDriverIDs = append(ride.AttemptedDriverIDs, caller.ID)
		}
		ride.UpdatedAt = now
		stillSearching = ride.Status.Searching()

		if err := tx.PutOffer(offer); err != nil {
			return err
		}
		return tx.PutRide(ride)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	observability.OffersDeclined.Inc()
	s.log().Info("offer declined", "ride_id", rideID, "driver_id", caller.ID)
	s.append(ctx, audit.Event{Kind: "offer_declined", RideID: rideID, DriverID: caller.ID, CreatedAt: now})

	if stillSearching && s.Redispatch != nil {
		if err := s.Redispatch.Redispatch(ctx, rideID); err != nil {
			s.log().Warn("redispatch after decline failed", "ride_id", rideID, "error", err)
		}
	}
	return nil
}

func (s *Service) append(ctx context.Context, e audit.Event) {
	if s.Audit == nil {
		return
	}
	e.RequestID = audit.RequestIDFromContext(ctx)
	if err := s.Audit.Append(ctx, e); err != nil {
		s.log().Warn("audit append failed", "kind", e.Kind, "error", err)
	}
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
