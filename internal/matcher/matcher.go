// Package matcher selects candidate drivers, fans out offers, and
// retries with backoff when offers are declined, expire, or no candidate
// exists. All retry state lives on the ride record: backoff is a pure
// function of the persisted attempt counter, so retries survive process
// restarts.
package matcher

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Canceller terminates a ride that cannot be matched. Wired to the ride
// state machine's system cancel.
type Canceller interface {
	SystemCancel(ctx context.Context, rideID string, reason models.CancelReason) error
}

type Config struct {
	FanOut              int
	OfferTTL            time.Duration
	ServiceRadiusMeters float64
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	BackoffFloor        time.Duration
	JitterFrac          float64
}

type Service struct {
	Store  storage.Store
	Geo    geo.Geo
	Notify notify.Notifier
	Audit  audit.Log
	Cancel Canceller
	Logger *slog.Logger
	Cfg    Config

	Now func() time.Time
	// Schedule defers fn by d; defaults to time.AfterFunc. The in-process
	// timer is an optimization only — the janitor is the durable backstop
	// for a timer lost to a crash.
	Schedule func(d time.Duration, fn func())
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Dispatch runs one matching cycle for the ride: pick up to FanOut free
// online drivers nearest the pickup that have not been attempted, create
// pending offers, and move the ride to offered. Safe to invoke on a ride
// that has already been resolved; it no-ops.
func (s *Service) Dispatch(ctx context.Context, rideID string) error {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if !ride.Status.Searching() {
		return nil
	}
	if now.After(ride.SearchExpiresAt) {
		return s.Cancel.SystemCancel(ctx, rideID, models.CancelSearchTimeout)
	}
	if ride.DispatchAttempts >= s.Cfg.MaxAttempts {
		return s.Cancel.SystemCancel(ctx, rideID, models.CancelSearchTimeout)
	}

	observability.DispatchAttempts.Inc()

	// Over-fetch so already-attempted drivers do not starve the pool.
	limit := s.Cfg.FanOut + len(ride.AttemptedDriverIDs)
	nearby := s.Geo.Nearby(ride.Pickup, s.Cfg.ServiceRadiusMeters, limit)
	if len(nearby) == 0 {
		// nobody in range right now; the search window stays open and
		// the next cycle runs after backoff
		return s.retryEmptyCycle(ctx, rideID)
	}

	cands := make([]geo.Candidate, 0, s.Cfg.FanOut)
	for _, c := range nearby {
		if ride.Attempted(c.DriverID) {
			continue
		}
		cands = append(cands, c)
		if len(cands) == s.Cfg.FanOut {
			break
		}
	}
	if len(cands) == 0 {
		// everyone in range has already been offered this ride
		return s.Cancel.SystemCancel(ctx, rideID, models.CancelNoDrivers)
	}

	// Geo results are advisory; online/busy authority is the driver
	// record, re-asserted here inside the transaction.
	var created []*models.Offer
	err = s.Store.Atomic(ctx, func(tx storage.Tx) error {
		created = created[:0]
		r, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		if !r.Status.Searching() {
			return nil
		}
		for _, c := range cands {
			d, err := tx.Driver(c.DriverID)
			if err != nil {
				if fault.Is(err, fault.NotFound) {
					continue
				}
				return err
			}
			if !d.Online || d.Busy || r.Attempted(d.ID) {
				continue
			}
			o := &models.Offer{
				RideID:    rideID,
				DriverID:  d.ID,
				Status:    models.OfferPending,
				CreatedAt: now,
				ExpiresAt: now.Add(s.Cfg.OfferTTL),
			}
			if err := tx.PutOffer(o); err != nil {
				return err
			}
			r.AttemptedDriverIDs = append(r.AttemptedDriverIDs, d.ID)
			created = append(created, o)
		}

		r.DispatchAttempts++
		r.UpdatedAt = now
		if len(created) > 0 {
			r.Status = models.RideOffered
			r.OfferExpiresAt = now.Add(s.Cfg.OfferTTL)
			if r.OfferedAt == nil {
				r.OfferedAt = &now
			}
		}
		return tx.PutRide(r)
	})
	if err != nil {
		return err
	}

	if len(created) == 0 {
		// every nearby driver turned busy under us; try again later
		s.scheduleRetry(rideID, ride.DispatchAttempts+1)
		return nil
	}

	for _, o := range created {
		observability.OffersCreated.Inc()
		s.append(ctx, audit.Event{Kind: "offer_created", RideID: rideID, DriverID: o.DriverID, CreatedAt: now})
		if s.Notify == nil {
			continue
		}
		note := notify.OfferNote{
			RideID:       rideID,
			PickupLat:    ride.Pickup.Lat,
			PickupLon:    ride.Pickup.Lon,
			PriceCents:   ride.PriceCents,
			ServiceClass: ride.ServiceClass,
			ExpiresAtMs:  o.ExpiresAt.UnixMilli(),
		}
		if err := s.Notify.Offer(o.DriverID, note); err != nil {
			s.log().Debug("offer note undelivered", "ride_id", rideID, "driver_id", o.DriverID, "error", err)
		}
	}
	s.log().Info("offers dispatched", "ride_id", rideID, "count", len(created), "attempt", ride.DispatchAttempts+1)
	return nil
}

// retryEmptyCycle counts a fruitless dispatch cycle against the ride
// and schedules the next one. The persisted counter keeps advancing, so
// MaxAttempts and the search window still bound how long an empty
// region keeps a ride searching before the search_timeout cancel.
func (s *Service) retryEmptyCycle(ctx context.Context, rideID string) error {
	now := s.now()
	var attempt int
	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		attempt = 0
		r, err := tx.Ride(rideID)
		if err != nil {
			return err
		}
		if !r.Status.Searching() {
			return nil
		}
		r.DispatchAttempts++
		r.UpdatedAt = now
		attempt = r.DispatchAttempts
		return tx.PutRide(r)
	})
	if err != nil || attempt == 0 {
		return err
	}
	s.scheduleRetry(rideID, attempt)
	return nil
}

// Redispatch schedules another Dispatch cycle after the backoff delay
// derived from the ride's persisted attempt counter.
func (s *Service) Redispatch(ctx context.Context, rideID string) error {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if !ride.Status.Searching() {
		return nil
	}
	s.scheduleRetry(rideID, ride.DispatchAttempts)
	return nil
}

func (s *Service) scheduleRetry(rideID string, attempt int) {
	delay := s.NextDelay(attempt)
	sched := s.Schedule
	if sched == nil {
		sched = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	s.log().Debug("redispatch scheduled", "ride_id", rideID, "delay", delay, "attempt", attempt)
	sched(delay, func() {
		if err := s.Dispatch(context.Background(), rideID); err != nil {
			s.log().Warn("scheduled dispatch failed", "ride_id", rideID, "error", err)
		}
	})
}

// NextDelay computes min(base * 2^(attempt-1), cap) with ±JitterFrac
// jitter and a floor. Pure function of the attempt count.
func (s *Service) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Cfg.BackoffBase
	for i := 1; i < attempt && d < s.Cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > s.Cfg.BackoffCap {
		d = s.Cfg.BackoffCap
	}
	if s.Cfg.JitterFrac > 0 {
		f := 1 + (rand.Float64()*2-1)*s.Cfg.JitterFrac
		d = time.Duration(float64(d) * f)
	}
	if d < s.Cfg.BackoffFloor {
		d = s.Cfg.BackoffFloor
	}
	return d
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
