// Package janitor is the consistency-repair backstop: it force-cancels
// stuck rides, expires stale offers, and marks ghost drivers offline.
// Primary handlers never time out internally; every long-lived resource
// carries an expiry that only these sweeps enforce. Each sweep is
// idempotent and safe to run concurrently with itself.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Canceller is the ride state machine's system cancel.
type Canceller interface {
	SystemCancel(ctx context.Context, rideID string, reason models.CancelReason) error
}

// Redispatcher re-matches a ride whose outstanding offers all expired.
type Redispatcher interface {
	Redispatch(ctx context.Context, rideID string) error
}

type Janitor struct {
	Store      storage.Store
	Cancel     Canceller
	Redispatch Redispatcher
	Geo        geo.Geo // optional; mirrors forced-offline into the index
	Audit      audit.Log
	Logger     *slog.Logger

	GhostTimeout time.Duration
	Interval     time.Duration
	Now          func() time.Time
}

// Report counts the repairs applied by one sweep.
type Report struct {
	StuckRides    int `json:"stuck_rides"`
	ExpiredOffers int `json:"expired_offers"`
	GhostDrivers  int `json:"ghost_drivers"`
}

func (j *Janitor) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Run executes sweeps on a fixed schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.log().Error("janitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs all three repairs once; also invoked on demand through the
// operational endpoint.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var err error
	if rep.StuckRides, err = j.sweepStuckRides(ctx); err != nil {
		return rep, err
	}
	if rep.ExpiredOffers, err = j.sweepExpiredOffers(ctx); err != nil {
		return rep, err
	}
	if rep.GhostDrivers, err = j.sweepGhostDrivers(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}

// sweepStuckRides cancels searching rides whose search window elapsed.
// SystemCancel re-asserts the ride is still searching inside its own
// transaction, so a ride accepted between scan and repair is untouched.
func (j *Janitor) sweepStuckRides(ctx context.Context) (int, error) {
	observability.JanitorSweeps.WithLabelValues("stuck_rides").Inc()
	ids, err := j.Store.ExpiredSearches(ctx, j.now())
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, id := range ids {
		if err := j.Cancel.SystemCancel(ctx, id, models.CancelSearchTimeout); err != nil {
			j.log().Error("stuck ride cancel failed", "ride_id", id, "error", err)
			continue
		}
		repaired++
		observability.JanitorRepairs.WithLabelValues("stuck_rides").Inc()
		j.append(ctx, audit.Event{Kind: "janitor_stuck_ride", RideID: id, Detail: string(models.CancelSearchTimeout), CreatedAt: j.now()})
	}
	return repaired, nil
}

// sweepExpiredOffers expires pending offers past their TTL; when that
// leaves a still-searching ride with no outstanding offers, the ride
// goes back to the dispatcher.
func (j *Janitor) sweepExpiredOffers(ctx context.Context) (int, error) {
	observability.JanitorSweeps.WithLabelValues("offers").Inc()
	now := j.now()
	expired, err := j.Store.ExpiredOffers(ctx, now)
	if err != nil {
		return 0, err
	}

	repaired := 0
	redispatch := make(map[string]bool)
	for _, candidate := range expired {
		var applied, exhausted bool
		err := j.Store.Atomic(ctx, func(tx storage.Tx) error {
			applied, exhausted = false, false
			o, err := tx.Offer(candidate.RideID, candidate.DriverID)
			if err != nil {
				return err
			}
			if o.Status != models.OfferPending || !o.Expired(now) {
				return nil
			}
			o.Status = models.OfferExpired
			if err := tx.PutOffer(o); err != nil {
				return err
			}
			applied = true

			ride, err := tx.Ride(o.RideID)
			if err != nil {
				return err
			}
			if !ride.Status.Searching() {
				return nil
			}
			all, err := tx.RideOffers(o.RideID)
			if err != nil {
				return err
			}
			for _, other := range all {
				if other.Status == models.OfferPending {
					return nil
				}
			}
			exhausted = true
			return nil
		})
		if err != nil {
			j.log().Error("offer expiry failed", "ride_id", candidate.RideID, "driver_id", candidate.DriverID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		repaired++
		observability.OffersExpired.Inc()
		observability.JanitorRepairs.WithLabelValues("offers").Inc()
		j.append(ctx, audit.Event{Kind: "offer_expired", RideID: candidate.RideID, DriverID: candidate.DriverID, CreatedAt: now})
		if exhausted {
			redispatch[candidate.RideID] = true
		}
	}

	for rideID := range redispatch {
		if err := j.Redispatch.Redispatch(ctx, rideID); err != nil {
			j.log().Error("redispatch after expiry failed", "ride_id", rideID, "error", err)
		}
	}
	return repaired, nil
}

// sweepGhostDrivers marks online drivers with stale heartbeats offline.
// A busy ghost is skipped here; its release comes through ride
// termination, after which the next sweep can take it offline.
func (j *Janitor) sweepGhostDrivers(ctx context.Context) (int, error) {
	observability.JanitorSweeps.WithLabelValues("ghost_drivers").Inc()
	now := j.now()
	cutoff := now.Add(-j.GhostTimeout)
	ids, err := j.Store.StaleDrivers(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, id := range ids {
		var applied bool
		err := j.Store.Atomic(ctx, func(tx storage.Tx) error {
			applied = false
			d, err := tx.Driver(id)
			if err != nil {
				return err
			}
			if !d.Online || !d.LastHeartbeat.Before(cutoff) {
				return nil
			}
			if d.Busy {
				return nil
			}
			d.Online = false
			applied = true
			return tx.PutDriver(d)
		})
		if err != nil {
			j.log().Error("ghost driver cleanup failed", "driver_id", id, "error", err)
			continue
		}
		if !applied {
			continue
		}
		repaired++
		observability.DriversOnline.Dec()
		observability.JanitorRepairs.WithLabelValues("ghost_drivers").Inc()
		if j.Geo != nil {
			j.Geo.SetOnline(id, false)
		}
		j.append(ctx, audit.Event{Kind: "ghost_driver_offline", DriverID: id, CreatedAt: now})
	}
	return repaired, nil
}

func (j *Janitor) append(ctx context.Context, e audit.Event) {
	if j.Audit == nil {
		return
	}
	e.RequestID = audit.RequestIDFromContext(ctx)
	if err := j.Audit.Append(ctx, e); err != nil {
		j.log().Warn("audit append failed", "kind", e.Kind, "error", err)
	}
}

func (j *Janitor) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
