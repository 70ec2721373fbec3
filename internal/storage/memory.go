package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything under one mutex, which makes each Atomic
// closure trivially serializable. It backs local runs and the engine's
// race tests.
type MemoryStore struct {
	mu      sync.Mutex
	rides   map[string]*models.Ride
	offers  map[string]*models.Offer
	drivers map[string]*models.Driver
	ledger  []*models.LedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		offers:  make(map[string]*models.Offer),
		drivers: make(map[string]*models.Driver),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fault.Newf(fault.FailedPrecondition, "ride %s already exists", r.ID)
	}
	m.rides[r.ID] = copyRide(r)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "ride %s not found", id)
	}
	return copyRide(r), nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, rideID, driverID string) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[OfferKey(rideID, driverID)]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "offer %s/%s not found", rideID, driverID)
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "driver %s not found", id)
	}
	return copyDriver(d), nil
}

func (m *MemoryStore) RideOffers(ctx context.Context, rideID string) ([]*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return offersForRide(m.offers, rideID), nil
}

func (m *MemoryStore) LedgerEntries(ctx context.Context, driverID string) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.LedgerEntry, 0)
	for _, e := range m.ledger {
		if e.DriverID == driverID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpiredSearches(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.rides {
		if r.Status.Searching() && now.After(r.SearchExpiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ExpiredOffers(ctx context.Context, now time.Time) ([]*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Offer
	for _, o := range m.offers {
		if o.Status == models.OfferPending && o.Expired(now) {
			out = append(out, copyOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return OfferKey(out[i].RideID, out[i].DriverID) < OfferKey(out[j].RideID, out[j].DriverID)
	})
	return out, nil
}

func (m *MemoryStore) StaleDrivers(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, d := range m.drivers {
		if d.Online && d.LastHeartbeat.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Atomic runs fn under the store lock against a staged view. On error the
// staged writes are discarded, so the caller's precondition failure leaves
// no trace.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

type memTx struct {
	store  *MemoryStore
	rides  map[string]*models.Ride
	offers map[string]*models.Offer
	drvs   map[string]*models.Driver
	ledger []*models.LedgerEntry
}

func (t *memTx) Ride(id string) (*models.Ride, error) {
	if r, ok := t.rides[id]; ok {
		return copyRide(r), nil
	}
	if r, ok := t.store.rides[id]; ok {
		return copyRide(r), nil
	}
	return nil, fault.Newf(fault.NotFound, "ride %s not found", id)
}

func (t *memTx) Offer(rideID, driverID string) (*models.Offer, error) {
	k := OfferKey(rideID, driverID)
	if o, ok := t.offers[k]; ok {
		return copyOffer(o), nil
	}
	if o, ok := t.store.offers[k]; ok {
		return copyOffer(o), nil
	}
	return nil, fault.Newf(fault.NotFound, "offer %s/%s not found", rideID, driverID)
}

func (t *memTx) Driver(id string) (*models.Driver, error) {
	if d, ok := t.drvs[id]; ok {
		return copyDriver(d), nil
	}
	if d, ok := t.store.drivers[id]; ok {
		return copyDriver(d), nil
	}
	return nil, fault.Newf(fault.NotFound, "driver %s not found", id)
}

func (t *memTx) RideOffers(rideID string) ([]*models.Offer, error) {
	merged := make(map[string]*models.Offer, len(t.store.offers))
	for k, o := range t.store.offers {
		merged[k] = o
	}
	for k, o := range t.offers {
		merged[k] = o
	}
	return offersForRide(merged, rideID), nil
}

func (t *memTx) PutRide(r *models.Ride) error {
	if t.rides == nil {
		t.rides = make(map[string]*models.Ride)
	}
	t.rides[r.ID] = copyRide(r)
	return nil
}

func (t *memTx) PutOffer(o *models.Offer) error {
	if t.offers == nil {
		t.offers = make(map[string]*models.Offer)
	}
	t.offers[OfferKey(o.RideID, o.DriverID)] = copyOffer(o)
	return nil
}

func (t *memTx) PutDriver(d *models.Driver) error {
	if t.drvs == nil {
		t.drvs = make(map[string]*models.Driver)
	}
	t.drvs[d.ID] = copyDriver(d)
	return nil
}

func (t *memTx) AppendLedger(e *models.LedgerEntry) error {
	c := *e
	t.ledger = append(t.ledger, &c)
	return nil
}

func (t *memTx) apply() {
	for id, r := range t.rides {
		t.store.rides[id] = r
	}
	for k, o := range t.offers {
		t.store.offers[k] = o
	}
	for id, d := range t.drvs {
		t.store.drivers[id] = d
	}
	t.store.ledger = append(t.store.ledger, t.ledger...)
}

func offersForRide(offers map[string]*models.Offer, rideID string) []*models.Offer {
	out := make([]*models.Offer, 0)
	for _, o := range offers {
		if o.RideID == rideID {
			out = append(out, copyOffer(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

func copyRide(r *models.Ride) *models.Ride {
	c := *r
	c.AttemptedDriverIDs = append([]string(nil), r.AttemptedDriverIDs...)
	c.FinalAmountCents = copyInt64(r.FinalAmountCents)
	c.OfferedAt = copyTime(r.OfferedAt)
	c.AcceptedAt = copyTime(r.AcceptedAt)
	c.StartedAt = copyTime(r.StartedAt)
	c.ProgressAt = copyTime(r.ProgressAt)
	c.CompletedAt = copyTime(r.CompletedAt)
	c.CancelledAt = copyTime(r.CancelledAt)
	return &c
}

func copyOffer(o *models.Offer) *models.Offer {
	c := *o
	c.RespondedAt = copyTime(o.RespondedAt)
	return &c
}

func copyDriver(d *models.Driver) *models.Driver {
	c := *d
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
