// Package rides implements request intake and the canonical ride state
// machine: requested → offered → accepted → started → in_progress →
// completed, with cancelled reachable from any non-terminal state per
// policy. Every transition handler is idempotent: re-invoking it after
// it has applied returns success without further effect.
package rides

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// Dispatcher receives the new ride after intake.
type Dispatcher interface {
	Dispatch(ctx context.Context, rideID string) error
}

type Service struct {
	Store      storage.Store
	Gate       payments.Gate
	Audit      audit.Log
	Dispatcher Dispatcher
	Logger     *slog.Logger

	SearchTimeout time.Duration
	// RequestsDisabled is the operational kill switch consulted by
	// intake; nil means enabled.
	RequestsDisabled func() bool

	Now func() time.Time
}

type RequestInput struct {
	Pickup       models.Coord
	Dropoff      models.Coord
	PriceCents   int64
	ServiceClass string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Request validates the payload, creates the ride in requested, and
// hands it to the dispatcher. The ride is returned even when the first
// dispatch cycle fails; the janitor and retry machinery own recovery
// from there.
func (s *Service) Request(ctx context.Context, caller models.Identity, in RequestInput) (*models.Ride, error) {
	if caller.ID == "" {
		return nil, fault.New(fault.Unauthenticated, "missing caller identity")
	}
	if caller.Role != models.RoleRider {
		return nil, fault.New(fault.PermissionDenied, "only riders request rides")
	}
	if s.RequestsDisabled != nil && s.RequestsDisabled() {
		return nil, fault.New(fault.FailedPrecondition, "ride requests are disabled")
	}
	if !in.Pickup.Valid() || !in.Dropoff.Valid() {
		return nil, fault.New(fault.InvalidArgument, "pickup/dropoff coordinates out of range")
	}
	if in.Pickup == in.Dropoff {
		return nil, fault.New(fault.InvalidArgument, "pickup and dropoff are identical")
	}
	if in.PriceCents < 0 {
		return nil, fault.New(fault.InvalidArgument, "price must be non-negative")
	}
	if in.ServiceClass == "" {
		in.ServiceClass = "standard"
	}

	now := s.now()
	ride := &models.Ride{
		ID:              newID(),
		RiderID:         caller.ID,
		Status:          models.RideRequested,
		Pickup:          in.Pickup,
		Dropoff:         in.Dropoff,
		PriceCents:      in.PriceCents,
		ServiceClass:    in.ServiceClass,
		SearchStartedAt: now,
		SearchExpiresAt: now.Add(s.SearchTimeout),
		PaymentStatus:   models.PaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, err
	}

	observability.RidesRequested.Inc()
	s.log().Info("ride requested", "ride_id", ride.ID, "rider_id", caller.ID)
	s.append(ctx, audit.Event{Kind: "ride_requested", RideID: ride.ID, CreatedAt: now})

	if s.Dispatcher != nil {
		if err := s.Dispatcher.Dispatch(ctx, ride.ID); err != nil {
			s.log().Warn("initial dispatch failed", "ride_id", ride.ID, "error", err)
		}
	}
	return ride, nil
}

// Start moves accepted → started. The payment gate must report an
// authorization for the ride or the transition refuses.
func (s *Service) Start(ctx context.Context, caller models.Identity, rideID string) error {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if err := assertAssignedDriver(caller, ride); err != nil {
		return err
	}
	if ride.Status == models.RideStarted {
		return nil
	}
	if ride.Status != models.RideAccepted {
		return fault.Newf(fault.FailedPrecondition, "cannot start ride in %s", ride.Status)
	}

	authorized, err := s.Gate.IsAuthorized(ctx, rideID)
	if err != nil {
		return fault.Wrap(fault.Internal, "payment gate", err)
	}
	if !authorized {
		return fault.New(fault.FailedPrecondition, "payment not authorized")
	}

	now := s.now()
	var applied bool
	err = s.Store.Atomic(ctx, func(tx storage.Tx) error {
		applied = false
		r, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		if r.Status == models.RideStarted {
			return nil
		}
		if r.Status != models.RideAccepted || r.DriverID != caller.ID {
			return fault.Newf(fault.FailedPrecondition, "cannot start ride in %s", r.Status)
		}
		applied = true
		r.Status = models.RideStarted
		r.StartedAt = &now
		r.UpdatedAt = now
		return tx.PutRide(r)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.log().Info("ride started", "ride_id", rideID, "driver_id", caller.ID)
	s.append(ctx, audit.Event{Kind: "ride_started", RideID: rideID, DriverID: caller.ID, CreatedAt: now})
	return nil
}

// Progress moves started → in_progress.
func (s *Service) Progress(ctx context.Context, caller models.Identity, rideID string) error {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if err := assertAssignedDriver(caller, ride); err != nil {
		return err
	}

	now := s.now()
	var applied bool
	err = s.Store.Atomic(ctx, func(tx storage.Tx) error {
		applied = false
		r, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		if r.Status == models.RideInProgress {
			return nil
		}
		if r.Status != models.RideStarted {
			return fault.Newf(fault.FailedPrecondition, "cannot progress ride in %s", r.Status)
		}
		applied = true
		r.Status = models.RideInProgress
		r.ProgressAt = &now
		r.UpdatedAt = now
		return tx.PutRide(r)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.append(ctx, audit.Event{Kind: "ride_in_progress", RideID: rideID, DriverID: caller.ID, CreatedAt: now})
	return nil
}

// Complete captures payment, records the final amount, writes exactly
// one ledger entry, and releases the driver — the status flip, ledger
// append, and busy release share one transaction. A duplicate call
// observes completed and returns success without a second ledger entry.
func (s *Service) Complete(ctx context.Context, caller models.Identity, rideID string) error {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if err := assertAssignedDriver(caller, ride); err != nil {
		return err
	}
	if ride.Status == models.RideCompleted {
		return nil
	}
	if ride.Status != models.RideInProgress {
		return fault.Newf(fault.FailedPrecondition, "cannot complete ride in %s", ride.Status)
	}

	captured, err := s.Gate.Capture(ctx, rideID, ride.PriceCents)
	if err != nil {
		return fault.Wrap(fault.Internal, "payment capture", err)
	}

	now := s.now()
	var applied bool
	err = s.Store.Atomic(ctx, func(tx storage.Tx) error {
		applied = false
		r, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		if r.Status == models.RideCompleted {
			return nil
		}
		if r.Status != models.RideInProgress || r.DriverID != caller.ID {
			return fault.Newf(fault.FailedPrecondition, "cannot complete ride in %s", r.Status)
		}

		applied = true
		r.Status = models.RideCompleted
		r.FinalAmountCents = &captured
		r.PaymentStatus = models.PaymentCaptured
		r.CompletedAt = &now
		r.UpdatedAt = now
		if err := tx.PutRide(r); err != nil {
			return err
		}
		if err := tx.AppendLedger(&models.LedgerEntry{
			DriverID:    r.DriverID,
			RideID:      r.ID,
			AmountCents: captured,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		return releaseDriver(tx, r.DriverID)
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	observability.RidesCompleted.Inc()
	s.log().Info("ride completed", "ride_id", rideID, "driver_id", caller.ID, "amount_cents", captured)
	s.append(ctx, audit.Event{Kind: "ride_completed", RideID: rideID, DriverID: caller.ID, CreatedAt: now})
	return nil
}

// Cancel policy: riders may cancel their own ride up to and including
// accepted; the assigned driver may cancel at accepted; operators may
// cancel any non-terminal ride. Pending offers are invalidated so a late
// accept fails its precondition, and an assigned driver is released.
func (s *Service) Cancel(ctx context.Context, caller models.Identity, rideID string) error {
	now := s.now()
	var reason models.CancelReason

	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		reason = ""
		r, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		if r.Status == models.RideCancelled {
			return nil
		}
		if r.Status == models.RideCompleted {
			return fault.New(fault.FailedPrecondition, "ride already completed")
		}

		switch caller.Role {
		case models.RoleRider:
			if r.RiderID != caller.ID {
				return fault.New(fault.PermissionDenied, "not your ride")
			}
			if r.Status != models.RideRequested && r.Status != models.RideOffered && r.Status != models.RideAccepted {
				return fault.Newf(fault.FailedPrecondition, "rider cannot cancel ride in %s", r.Status)
			}
			reason = models.CancelByRider
		case models.RoleDriver:
			if r.DriverID != caller.ID {
				return fault.New(fault.PermissionDenied, "not the assigned driver")
			}
			if r.Status != models.RideAccepted {
				return fault.Newf(fault.FailedPrecondition, "driver cannot cancel ride in %s", r.Status)
			}
			reason = models.CancelByDriver
		case models.RoleOperator:
			reason = models.CancelByOperator
		default:
			return fault.New(fault.PermissionDenied, "unknown role")
		}

		return cancelInTx(tx, r, reason, now)
	})
	if err != nil {
		return err
	}
	if reason == "" {
		// idempotent repeat; nothing changed
		return nil
	}

	observability.RidesCancelled.WithLabelValues(string(reason)).Inc()
	s.log().Info("ride cancelled", "ride_id", rideID, "reason", reason)
	s.append(ctx, audit.Event{Kind: "ride_cancelled", RideID: rideID, Detail: string(reason), CreatedAt: now})
	return nil
}

// SystemCancel terminates a ride still searching for a driver; used by
// the dispatcher on exhaustion and by the janitor's stuck-ride sweep.
// A ride that progressed past searching in the meantime is left alone.
func (s *Service) SystemCancel(ctx context.Context, rideID string, reason models.CancelReason) error {
	now := s.now()
	var cancelled bool

	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		cancelled = false
		r, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		if !r.Status.Searching() {
			return nil
		}
		cancelled = true
		return cancelInTx(tx, r, reason, now)
	})
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}

	observability.RidesCancelled.WithLabelValues(string(reason)).Inc()
	s.log().Info("ride cancelled by system", "ride_id", rideID, "reason", reason)
	s.append(ctx, audit.Event{Kind: "ride_cancelled", RideID: rideID, Detail: string(reason), CreatedAt: now})
	return nil
}

// Get returns the ride for read-back endpoints.
func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, rideID)
}

// cancelInTx applies the terminal flip: status, reason, offer
// invalidation, driver release. A cancelled ride holds no assignment,
// so the driver id comes off the ride along with the busy flag. Callers
// have already asserted policy.
func cancelInTx(tx storage.Tx, r *models.Ride, reason models.CancelReason, now time.Time) error {
	driverID := r.DriverID
	r.Status = models.RideCancelled
	r.CancelReason = reason
	r.CancelledAt = &now
	r.DriverID = ""
	r.UpdatedAt = now
	if err := tx.PutRide(r); err != nil {
		return err
	}

	pending, err := tx.RideOffers(r.ID)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if o.Status != models.OfferPending {
			continue
		}
		o.Status = models.OfferExpired
		o.RespondedAt = &now
		if err := tx.PutOffer(o); err != nil {
			return err
		}
	}

	if driverID != "" {
		return releaseDriver(tx, driverID)
	}
	return nil
}

func releaseDriver(tx storage.Tx, driverID string) error {
	d, err := tx.Driver(driverID)
	if err != nil {
		return err
	}
	d.Busy = false
	d.CurrentRideID = ""
	return tx.PutDriver(d)
}

func assertAssignedDriver(caller models.Identity, r *models.Ride) error {
	if caller.ID == "" {
		return fault.New(fault.Unauthenticated, "missing caller identity")
	}
	if caller.Role != models.RoleDriver || r.DriverID != caller.ID {
		return fault.New(fault.PermissionDenied, "only the assigned driver may do this")
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

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
