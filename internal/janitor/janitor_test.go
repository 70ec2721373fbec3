package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeRedispatch struct {
	mu    sync.Mutex
	rides []string
}

func (f *fakeRedispatch) Redispatch(ctx context.Context, rideID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rides = append(f.rides, rideID)
	return nil
}

func newJanitor(s *storage.MemoryStore, rd *fakeRedispatch) *Janitor {
	return &Janitor{
		Store:        s,
		Cancel:       &rides.Service{Store: s, Gate: payments.NewMemoryGate()},
		Redispatch:   rd,
		GhostTimeout: 2 * time.Minute,
		Interval:     time.Minute,
	}
}

func TestSweepCancelsStuckRides(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.CreateRide(ctx, &models.Ride{
		ID: "stuck", RiderID: "rider1", Status: models.RideRequested,
		SearchStartedAt: now.Add(-10 * time.Minute), SearchExpiresAt: now.Add(-5 * time.Minute),
	})
	_ = s.CreateRide(ctx, &models.Ride{
		ID: "fresh", RiderID: "rider2", Status: models.RideRequested,
		SearchStartedAt: now, SearchExpiresAt: now.Add(5 * time.Minute),
	})
	j := newJanitor(s, &fakeRedispatch{})

	rep, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if rep.StuckRides != 1 {
		t.Fatalf("expected 1 stuck ride, got %d", rep.StuckRides)
	}
	r, _ := s.GetRide(ctx, "stuck")
	if r.Status != models.RideCancelled || r.CancelReason != models.CancelSearchTimeout {
		t.Fatalf("bad repair: %+v", r)
	}
	if fresh, _ := s.GetRide(ctx, "fresh"); fresh.Status != models.RideRequested {
		t.Fatal("fresh ride must be untouched")
	}

	// second sweep finds nothing to repair
	rep, err = j.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if rep.StuckRides != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", rep.StuckRides)
	}
}

func TestSweepShortSearchWindow(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.CreateRide(ctx, &models.Ride{
		ID: "r1", RiderID: "rider1", Status: models.RideOffered,
		SearchStartedAt: now.Add(-6 * time.Second), SearchExpiresAt: now.Add(-time.Second),
	})
	j := newJanitor(s, &fakeRedispatch{})

	rep, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if rep.StuckRides != 1 {
		t.Fatalf("expected repair, got %d", rep.StuckRides)
	}
	r, _ := s.GetRide(ctx, "r1")
	if r.Status != models.RideCancelled {
		t.Fatalf("expected cancelled, got %s", r.Status)
	}
}

func TestSweepExpiresOffersAndRedispatches(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.CreateRide(ctx, &models.Ride{
		ID: "r1", RiderID: "rider1", Status: models.RideOffered,
		AttemptedDriverIDs: []string{"d1"},
		SearchExpiresAt:    now.Add(5 * time.Minute),
	})
	_ = s.Atomic(ctx, func(tx storage.Tx) error {
		return tx.PutOffer(&models.Offer{
			RideID: "r1", DriverID: "d1", Status: models.OfferPending,
			CreatedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute),
		})
	})
	rd := &fakeRedispatch{}
	j := newJanitor(s, rd)

	rep, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if rep.ExpiredOffers != 1 {
		t.Fatalf("expected 1 expired offer, got %d", rep.ExpiredOffers)
	}
	o, _ := s.GetOffer(ctx, "r1", "d1")
	if o.Status != models.OfferExpired {
		t.Fatalf("offer should be expired: %s", o.Status)
	}
	if len(rd.rides) != 1 || rd.rides[0] != "r1" {
		t.Fatalf("ride with no outstanding offers must be redispatched: %v", rd.rides)
	}

	rep, _ = j.Sweep(ctx)
	if rep.ExpiredOffers != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", rep.ExpiredOffers)
	}
}

func TestSweepNoRedispatchWhileOffersRemain(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.CreateRide(ctx, &models.Ride{
		ID: "r1", RiderID: "rider1", Status: models.RideOffered,
		SearchExpiresAt: now.Add(5 * time.Minute),
	})
	_ = s.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.PutOffer(&models.Offer{
			RideID: "r1", DriverID: "d1", Status: models.OfferPending, ExpiresAt: now.Add(-time.Minute),
		}); err != nil {
			return err
		}
		return tx.PutOffer(&models.Offer{
			RideID: "r1", DriverID: "d2", Status: models.OfferPending, ExpiresAt: now.Add(time.Minute),
		})
	})
	rd := &fakeRedispatch{}
	j := newJanitor(s, rd)

	if _, err := j.Sweep(ctx); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(rd.rides) != 0 {
		t.Fatal("must not redispatch while a live offer remains")
	}
}

func TestSweepNoRedispatchForResolvedRide(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.CreateRide(ctx, &models.Ride{
		ID: "r1", RiderID: "rider1", DriverID: "d2", Status: models.RideAccepted,
		SearchExpiresAt: now.Add(5 * time.Minute),
	})
	_ = s.Atomic(ctx, func(tx storage.Tx) error {
		// losing sibling of the accepted offer, past its TTL
		return tx.PutOffer(&models.Offer{
			RideID: "r1", DriverID: "d1", Status: models.OfferPending, ExpiresAt: now.Add(-time.Minute),
		})
	})
	rd := &fakeRedispatch{}
	j := newJanitor(s, rd)

	rep, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if rep.ExpiredOffers != 1 {
		t.Fatalf("stale sibling still expires, got %d", rep.ExpiredOffers)
	}
	if len(rd.rides) != 0 {
		t.Fatal("accepted ride must not be redispatched")
	}
}

func TestSweepMarksGhostDriversOffline(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.PutDriver(&models.Driver{ID: "ghost", Online: true, LastHeartbeat: now.Add(-10 * time.Minute)}); err != nil {
			return err
		}
		if err := tx.PutDriver(&models.Driver{ID: "live", Online: true, LastHeartbeat: now}); err != nil {
			return err
		}
		return tx.PutDriver(&models.Driver{
			ID: "busy-ghost", Online: true, Busy: true, CurrentRideID: "r9",
			LastHeartbeat: now.Add(-10 * time.Minute),
		})
	})
	j := newJanitor(s, &fakeRedispatch{})

	rep, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if rep.GhostDrivers != 1 {
		t.Fatalf("expected 1 ghost repair, got %d", rep.GhostDrivers)
	}
	if d, _ := s.GetDriver(ctx, "ghost"); d.Online {
		t.Fatal("ghost must be offline")
	}
	if d, _ := s.GetDriver(ctx, "live"); !d.Online {
		t.Fatal("live driver must stay online")
	}
	if d, _ := s.GetDriver(ctx, "busy-ghost"); !d.Online {
		t.Fatal("busy ghost is skipped until its ride resolves")
	}

	rep, _ = j.Sweep(ctx)
	if rep.GhostDrivers != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", rep.GhostDrivers)
	}
}

// A ride requested with zero drivers online must keep searching until
// its window elapses; the stuck-ride sweep then cancels it with
// search_timeout, never no_drivers.
func TestNoDriversRideTimesOutViaSweep(t *testing.T) {
	s := storage.NewMemoryStore()
	rs := &rides.Service{Store: s, Gate: payments.NewMemoryGate(), SearchTimeout: 5 * time.Second}
	m := &matcher.Service{
		Store: s, Geo: geo.NewIndex(), Cancel: rs,
		Cfg: matcher.Config{
			FanOut: 2, OfferTTL: time.Minute, ServiceRadiusMeters: 5000,
			MaxAttempts: 8, BackoffBase: time.Second, BackoffCap: 30 * time.Second,
			BackoffFloor: 500 * time.Millisecond,
		},
		Schedule: func(d time.Duration, fn func()) {},
	}
	rs.Dispatcher = m

	ctx := context.Background()
	ride, err := rs.Request(ctx, models.Identity{ID: "rider1", Role: models.RoleRider}, rides.RequestInput{
		Pickup:     models.Coord{Lat: 0, Lon: 0},
		Dropoff:    models.Coord{Lat: 0.01, Lon: 0.01},
		PriceCents: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	got, _ := s.GetRide(ctx, ride.ID)
	if !got.Status.Searching() {
		t.Fatalf("ride must keep searching with nobody online, got %s (%s)", got.Status, got.CancelReason)
	}

	j := &Janitor{
		Store: s, Cancel: rs, Redispatch: m,
		GhostTimeout: 2 * time.Minute, Interval: time.Minute,
		Now: func() time.Time { return time.Now().Add(10 * time.Second) },
	}
	if _, err := j.Sweep(ctx); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	got, _ = s.GetRide(ctx, ride.ID)
	if got.Status != models.RideCancelled || got.CancelReason != models.CancelSearchTimeout {
		t.Fatalf("expected search_timeout after the window, got %s (%s)", got.Status, got.CancelReason)
	}
}
