// Package availability tracks per-driver online/offline state and
// heartbeat freshness.
package availability

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// HeartbeatPublisher feeds the heartbeat pipeline; nil disables it.
type HeartbeatPublisher interface {
	PublishHeartbeat(hb ingest.Heartbeat) error
}

type Service struct {
	Store      storage.Store
	Geo        geo.Geo
	Heartbeats HeartbeatPublisher
	Audit      audit.Log
	Logger     *slog.Logger
	Now        func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SetOnline flips the driver's availability. Going offline while busy is
// refused; only the janitor's force-release, tied to ride termination,
// bypasses that.
func (s *Service) SetOnline(ctx context.Context, caller models.Identity, online bool) error {
	if caller.ID == "" {
		return fault.New(fault.Unauthenticated, "missing caller identity")
	}
	if caller.Role != models.RoleDriver {
		return fault.New(fault.PermissionDenied, "only drivers set availability")
	}

	now := s.now()
	var changed bool
	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		changed = false
		d, err := tx.Driver(caller.ID)
		if fault.Is(err, fault.NotFound) {
			d = &models.Driver{ID: caller.ID, LastHeartbeat: now}
		} else if err != nil {
			return err
		}
		if !online && d.Busy {
			return fault.Newf(fault.FailedPrecondition, "driver %s is busy with ride %s", d.ID, d.CurrentRideID)
		}
		changed = d.Online != online
		d.Online = online
		if online {
			d.LastHeartbeat = now
		}
		return tx.PutDriver(d)
	})
	if err != nil {
		return err
	}

	if s.Geo != nil {
		s.Geo.SetOnline(caller.ID, online)
	}
	if changed {
		if online {
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
	}
	s.log().Info("driver availability", "driver_id", caller.ID, "online", online)
	s.append(ctx, audit.Event{Kind: "driver_availability", DriverID: caller.ID, Detail: onOff(online), CreatedAt: now})
	return nil
}

// Heartbeat refreshes lastHeartbeat and location. No precondition beyond
// authentication; it does not flip the online flag.
func (s *Service) Heartbeat(ctx context.Context, caller models.Identity, loc models.Coord) error {
	if caller.ID == "" {
		return fault.New(fault.Unauthenticated, "missing caller identity")
	}
	if caller.Role != models.RoleDriver {
		return fault.New(fault.PermissionDenied, "only drivers heartbeat")
	}
	if !loc.Valid() {
		return fault.New(fault.InvalidArgument, "location out of range")
	}

	now := s.now()
	var online bool
	err := s.Store.Atomic(ctx, func(tx storage.Tx) error {
		d, err := tx.Driver(caller.ID)
		if fault.Is(err, fault.NotFound) {
			d = &models.Driver{ID: caller.ID}
		} else if err != nil {
			return err
		}
		d.LastHeartbeat = now
		d.Loc = loc
		online = d.Online
		return tx.PutDriver(d)
	})
	if err != nil {
		return err
	}

	if s.Geo != nil {
		s.Geo.Upsert(caller.ID, loc, online)
	}
	if s.Heartbeats != nil {
		hb := ingest.Heartbeat{DriverID: caller.ID, Loc: loc, Online: online, AtMs: now.UnixMilli()}
		if err := s.Heartbeats.PublishHeartbeat(hb); err != nil {
			s.log().Warn("heartbeat publish failed", "driver_id", caller.ID, "error", err)
		}
	}
	return nil
}

func onOff(online bool) string {
	if online {
		return "online"
	}
	return "offline"
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
