package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Tx is the view handed to an Atomic closure. Reads observe writes staged
// earlier in the same closure; every read on the Postgres implementation
// takes a row lock, so asserting a precondition on a read and then writing
// is race-free.
type Tx interface {
	Ride(id string) (*models.Ride, error)
	Offer(rideID, driverID string) (*models.Offer, error)
	Driver(id string) (*models.Driver, error)
	RideOffers(rideID string) ([]*models.Offer, error)

	PutRide(r *models.Ride) error
	PutOffer(o *models.Offer) error
	PutDriver(d *models.Driver) error
	AppendLedger(e *models.LedgerEntry) error
}

// Store defines persistence for rides, offers, drivers, and the ledger.
// Every invariant-establishing mutation goes through Atomic: a single
// read-assert-write transaction. A fault-coded error returned from the
// closure rolls the transaction back and is returned verbatim, so the
// losing side of a race sees its failed-precondition and nothing else
// changes.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error

	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetOffer(ctx context.Context, rideID, driverID string) (*models.Offer, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	RideOffers(ctx context.Context, rideID string) ([]*models.Offer, error)
	LedgerEntries(ctx context.Context, driverID string) ([]*models.LedgerEntry, error)

	// Janitor scans. Results are candidates only; each repair re-asserts
	// its precondition inside Atomic before writing.
	ExpiredSearches(ctx context.Context, now time.Time) ([]string, error)
	ExpiredOffers(ctx context.Context, now time.Time) ([]*models.Offer, error)
	StaleDrivers(ctx context.Context, cutoff time.Time) ([]string, error)

	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// OfferKey joins the composite offer key for map-backed stores.
func OfferKey(rideID, driverID string) string { return rideID + "/" + driverID }
