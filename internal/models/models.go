package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside the WGS84 envelope.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// RideStatus is the canonical per-ride lifecycle status.
type RideStatus string

const (
	RideRequested  RideStatus = "requested"
	RideOffered    RideStatus = "offered"
	RideAccepted   RideStatus = "accepted"
	RideStarted    RideStatus = "started"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// ParseRideStatus maps a wire string onto a known status and rejects
// anything else. Boundary payloads go through this before any transition
// logic sees them.
func ParseRideStatus(s string) (RideStatus, error) {
	switch st := RideStatus(s); st {
	case RideRequested, RideOffered, RideAccepted, RideStarted,
		RideInProgress, RideCompleted, RideCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown ride status %q", s)
}

// Terminal reports whether no further transition is allowed out of s.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Searching reports whether the ride is still looking for a driver.
func (s RideStatus) Searching() bool {
	return s == RideRequested || s == RideOffered
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

func ParseOfferStatus(s string) (OfferStatus, error) {
	switch st := OfferStatus(s); st {
	case OfferPending, OfferAccepted, OfferDeclined, OfferExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown offer status %q", s)
}

type CancelReason string

const (
	CancelNoDrivers     CancelReason = "no_drivers"
	CancelSearchTimeout CancelReason = "search_timeout"
	CancelByRider       CancelReason = "rider_cancel"
	CancelByDriver      CancelReason = "driver_cancel"
	CancelByOperator    CancelReason = "operator_cancel"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
)

// Ride is the canonical dispatch record. DriverID is empty until exactly
// one driver wins the offer race; it stays set through every later status.
type Ride struct {
	ID           string     `json:"id"`
	RiderID      string     `json:"rider_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Status       RideStatus `json:"status"`
	Pickup       Coord      `json:"pickup"`
	Dropoff      Coord      `json:"dropoff"`
	PriceCents   int64      `json:"price_cents"`
	ServiceClass string     `json:"service_class"`

	// Dispatch bookkeeping persisted on the ride so retries survive
	// process restarts. AttemptedDriverIDs grows monotonically.
	AttemptedDriverIDs []string  `json:"attempted_driver_ids,omitempty"`
	DispatchAttempts   int       `json:"dispatch_attempts"`
	SearchStartedAt    time.Time `json:"search_started_at"`
	SearchExpiresAt    time.Time `json:"search_expires_at"`
	OfferExpiresAt     time.Time `json:"offer_expires_at,omitempty"`

	CancelReason     CancelReason  `json:"cancel_reason,omitempty"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	FinalAmountCents *int64        `json:"final_amount_cents,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	OfferedAt   *time.Time `json:"offered_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ProgressAt  *time.Time `json:"progress_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Assigned reports whether a driver holds this ride.
func (r *Ride) Assigned() bool { return r.DriverID != "" }

// Attempted reports whether driverID has already been offered this ride.
func (r *Ride) Attempted(driverID string) bool {
	for _, id := range r.AttemptedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// Offer proposes one ride to one candidate driver. Keyed by
// (RideID, DriverID); at most one offer per ride ever reaches accepted.
type Offer struct {
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	Status      OfferStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

// Expired reports whether the offer's TTL has elapsed at now.
func (o *Offer) Expired(now time.Time) bool { return now.After(o.ExpiresAt) }

// Driver holds per-driver availability state. Busy is true exactly when
// CurrentRideID is set; both flip inside the same transaction as the ride
// state change that causes them.
type Driver struct {
	ID            string    `json:"id"`
	Online        bool      `json:"online"`
	Busy          bool      `json:"busy"`
	CurrentRideID string    `json:"current_ride_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Loc           Coord     `json:"loc"`
}

// LedgerEntry is append-only, written exactly once per completed ride
// after a successful payment capture, never mutated.
type LedgerEntry struct {
	DriverID    string    `json:"driver_id"`
	RideID      string    `json:"ride_id"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role is the caller's role as asserted by the external auth layer. The
// engine only re-validates role-appropriateness of each action.
type Role string

const (
	RoleRider    Role = "rider"
	RoleDriver   Role = "driver"
	RoleOperator Role = "operator"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleRider, RoleDriver, RoleOperator:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Identity is an already-authenticated caller.
type Identity struct {
	ID   string
	Role Role
}
