package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakePublisher struct {
	published []ingest.Heartbeat
	fail      bool
}

func (f *fakePublisher) PublishHeartbeat(hb ingest.Heartbeat) error {
	if f.fail {
		return errors.New("broker down")
	}
	f.published = append(f.published, hb)
	return nil
}

var d1 = models.Identity{ID: "d1", Role: models.RoleDriver}

func TestSetOnlineCreatesDriverRecord(t *testing.T) {
	s := storage.NewMemoryStore()
	svc := &Service{Store: s, Geo: geo.NewIndex()}
	ctx := context.Background()

	if err := svc.SetOnline(ctx, d1, true); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	d, err := s.GetDriver(ctx, "d1")
	if err != nil {
		t.Fatalf("driver record not created: %v", err)
	}
	if !d.Online || d.Busy {
		t.Fatalf("bad state: %+v", d)
	}
}

func TestSetOfflineWhileBusyRefused(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	_ = s.Atomic(ctx, func(tx storage.Tx) error {
		return tx.PutDriver(&models.Driver{ID: "d1", Online: true, Busy: true, CurrentRideID: "r1", LastHeartbeat: time.Now()})
	})
	svc := &Service{Store: s}

	err := svc.SetOnline(ctx, d1, false)
	if !fault.Is(err, fault.FailedPrecondition) {
		t.Fatalf("expected failed_precondition, got %v", err)
	}
	d, _ := s.GetDriver(ctx, "d1")
	if !d.Online {
		t.Fatal("refused flip must not apply")
	}
}

func TestSetOnlineRequiresDriverRole(t *testing.T) {
	svc := &Service{Store: storage.NewMemoryStore()}
	err := svc.SetOnline(context.Background(), models.Identity{ID: "r1", Role: models.RoleRider}, true)
	if !fault.Is(err, fault.PermissionDenied) {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	err = svc.SetOnline(context.Background(), models.Identity{Role: models.RoleDriver}, true)
	if !fault.Is(err, fault.Unauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestHeartbeatUpdatesFreshnessAndLocation(t *testing.T) {
	s := storage.NewMemoryStore()
	pub := &fakePublisher{}
	base := time.Now()
	svc := &Service{Store: s, Geo: geo.NewIndex(), Heartbeats: pub, Now: func() time.Time { return base }}
	ctx := context.Background()

	if err := svc.SetOnline(ctx, d1, true); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	base = base.Add(time.Minute)
	loc := models.Coord{Lat: 37.77, Lon: -122.41}
	if err := svc.Heartbeat(ctx, d1, loc); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	d, _ := s.GetDriver(ctx, "d1")
	if !d.LastHeartbeat.Equal(base) || d.Loc != loc {
		t.Fatalf("heartbeat not applied: %+v", d)
	}
	if !d.Online {
		t.Fatal("heartbeat must not flip the online flag")
	}
	if len(pub.published) != 1 || pub.published[0].DriverID != "d1" || !pub.published[0].Online {
		t.Fatalf("bad publish: %v", pub.published)
	}
}

func TestHeartbeatRejectsBadCoordinates(t *testing.T) {
	svc := &Service{Store: storage.NewMemoryStore()}
	err := svc.Heartbeat(context.Background(), d1, models.Coord{Lat: 99, Lon: 0})
	if !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestHeartbeatPublishFailureIsNonFatal(t *testing.T) {
	s := storage.NewMemoryStore()
	svc := &Service{Store: s, Heartbeats: &fakePublisher{fail: true}}
	if err := svc.Heartbeat(context.Background(), d1, models.Coord{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("publish failure must not fail the heartbeat: %v", err)
	}
}
