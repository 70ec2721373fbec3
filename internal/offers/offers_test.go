package offers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
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

func (f *fakeRedispatch) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rides)
}

func driverID(i int) string { return []string{"d1", "d2", "d3"}[i] }

// seed creates an offered ride with pending offers to d1 and d2 and free
// online driver records for both.
func seed(t *testing.T) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateRide(ctx, &models.Ride{
		ID:                 "r1",
		RiderID:            "rider1",
		Status:             models.RideOffered,
		AttemptedDriverIDs: []string{"d1", "d2"},
		SearchExpiresAt:    now.Add(5 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	err := s.Atomic(ctx, func(tx storage.Tx) error {
		for _, d := range []string{"d1", "d2"} {
			if err := tx.PutDriver(&models.Driver{ID: d, Online: true, LastHeartbeat: now}); err != nil {
				return err
			}
			if err := tx.PutOffer(&models.Offer{
				RideID: "r1", DriverID: d,
				Status: models.OfferPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAcceptAssignsRideAndMarksDriverBusy(t *testing.T) {
	s := seed(t)
	svc := &Service{Store: s, Audit: audit.NewRecorder()}
	ctx := context.Background()

	if err := svc.Accept(ctx, models.Identity{ID: "d1", Role: models.RoleDriver}, "r1"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	r, _ := s.GetRide(ctx, "r1")
	if r.Status != models.RideAccepted || r.DriverID != "d1" {
		t.Fatalf("ride not assigned: %s/%s", r.Status, r.DriverID)
	}
	d, _ := s.GetDriver(ctx, "d1")
	if !d.Busy || d.CurrentRideID != "r1" {
		t.Fatalf("driver not busy: %+v", d)
	}
	o, _ := s.GetOffer(ctx, "r1", "d1")
	if o.Status != models.OfferAccepted {
		t.Fatalf("offer not accepted: %s", o.Status)
	}
}

func TestAcceptExactlyOneWinner(t *testing.T) {
	s := seed(t)
	svc := &Service{Store: s}
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Accept(ctx, models.Identity{ID: driverID(i), Role: models.RoleDriver}, "r1")
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case fault.Is(err, fault.FailedPrecondition):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected 1 winner and 1 loser, got %d/%d", wins, losses)
	}

	r, _ := s.GetRide(ctx, "r1")
	if r.Status != models.RideAccepted || r.DriverID == "" {
		t.Fatalf("ride should be assigned: %+v", r)
	}
	winner, _ := s.GetDriver(ctx, r.DriverID)
	if !winner.Busy {
		t.Fatal("winner should be busy")
	}
	loser := "d1"
	if r.DriverID == "d1" {
		loser = "d2"
	}
	d, _ := s.GetDriver(ctx, loser)
	if d.Busy {
		t.Fatal("loser must not be busy")
	}
}

func TestAcceptDuplicateByWinnerIsNoop(t *testing.T) {
	s := seed(t)
	rec := audit.NewRecorder()
	svc := &Service{Store: s, Audit: rec}
	ctx := context.Background()
	caller := models.Identity{ID: "d1", Role: models.RoleDriver}

	if err := svc.Accept(ctx, caller, "r1"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := svc.Accept(ctx, caller, "r1"); err != nil {
		t.Fatalf("winner retry must succeed: %v", err)
	}
	if got := len(rec.ByKind("offer_accepted")); got != 1 {
		t.Fatalf("retry must not re-record the acceptance, got %d events", got)
	}
}

func TestAcceptAfterCancelFailsAndLeavesDriverFree(t *testing.T) {
	s := seed(t)
	svc := &Service{Store: s}
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx storage.Tx) error {
		r, err := tx.Ride("r1")
		if err != nil {
			return err
		}
		r.Status = models.RideCancelled
		r.CancelReason = models.CancelByRider
		return tx.PutRide(r)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Accept(ctx, models.Identity{ID: "d1", Role: models.RoleDriver}, "r1"); !fault.Is(err, fault.FailedPrecondition) {
		t.Fatalf("expected failed_precondition, got %v", err)
	}
	d, _ := s.GetDriver(ctx, "d1")
	if d.Busy {
		t.Fatal("failed accept must not mark driver busy")
	}
	r, _ := s.GetRide(ctx, "r1")
	if r.DriverID != "" {
		t.Fatal("cancelled ride must stay unassigned")
	}
}

func TestAcceptRefusedWhileBusy(t *testing.T) {
	s := seed(t)
	svc := &Service{Store: s}
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx storage.Tx) error {
		d, err := tx.Driver("d1")
		if err != nil {
			return err
		}
		d.Busy = true
		d.CurrentRideID = "other"
		return tx.PutDriver(d)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Accept(ctx, models.Identity{ID: "d1", Role: models.RoleDriver}, "r1"); !fault.Is(err, fault.FailedPrecondition) {
		t.Fatalf("expected failed_precondition, got %v", err)
	}
}

func TestAcceptRequiresDriverRole(t *testing.T) {
	s := seed(t)
	svc := &Service{Store: s}
	err := svc.Accept(context.Background(), models.Identity{ID: "rider1", Role: models.RoleRider}, "r1")
	if !fault.Is(err, fault.PermissionDenied) {
		t.Fatalf("expected permission_denied, got %v", err)
	}
}

func TestDeclineMarksOfferAndTriggersRedispatch(t *testing.T) {
	s := seed(t)
	rd := &fakeRedispatch{}
	svc := &Service{Store: s, Redispatch: rd}
	ctx := context.Background()

	if err := svc.Decline(ctx, models.Identity{ID: "d1", Role: models.RoleDriver}, "r1"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	o, _ := s.GetOffer(ctx, "r1", "d1")
	if o.Status != models.OfferDeclined {
		t.Fatalf("offer should be declined: %s", o.Status)
	}
	r, _ := s.GetRide(ctx, "r1")
	if !r.Attempted("d1") {
		t.Fatal("declined driver must stay in the attempted set")
	}
	if rd.calls() != 1 {
		t.Fatalf("expected one redispatch, got %d", rd.calls())
	}
}

func TestDeclineTwiceIsNoop(t *testing.T) {
	s := seed(t)
	rd := &fakeRedispatch{}
	rec := audit.NewRecorder()
	svc := &Service{Store: s, Redispatch: rd, Audit: rec}
	ctx := context.Background()
	caller := models.Identity{ID: "d1", Role: models.RoleDriver}

	if err := svc.Decline(ctx, caller, "r1"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := svc.Decline(ctx, caller, "r1"); err != nil {
		t.Fatalf("second decline must succeed: %v", err)
	}
	if got := len(rec.ByKind("offer_declined")); got != 1 {
		t.Fatalf("repeat must not re-record the decline, got %d events", got)
	}
	if rd.calls() != 1 {
		t.Fatalf("repeat must not trigger another redispatch, got %d", rd.calls())
	}
}

func TestDeclineAfterAcceptFails(t *testing.T) {
	s := seed(t)
	svc := &Service{Store: s}
	ctx := context.Background()
	caller := models.Identity{ID: "d1", Role: models.RoleDriver}

	if err := svc.Accept(ctx, caller, "r1"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := svc.Decline(ctx, caller, "r1"); !fault.Is(err, fault.FailedPrecondition) {
		t.Fatalf("expected failed_precondition, got %v", err)
	}
}

func TestDeclineUnknownOfferNotFound(t *testing.T) {
	s := seed(t)
	svc := &Service{Store: s}
	err := svc.Decline(context.Background(), models.Identity{ID: "d9", Role: models.RoleDriver}, "r1")
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}
