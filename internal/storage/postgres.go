package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists dispatch state in Postgres. Atomic maps to a
// single sql.Tx whose reads take FOR UPDATE row locks; conflicting
// transactions that the store rejects are retried a bounded number of
// times before surfacing Aborted.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, rider_id, driver_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	price_cents, service_class, attempted_driver_ids, dispatch_attempts,
	search_started_at, search_expires_at, offer_expires_at,
	cancel_reason, payment_status, final_amount_cents,
	created_at, updated_at, offered_at, accepted_at, started_at, progress_at, completed_at, cancelled_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		rideArgs(r)...)
	if isUniqueViolation(err) {
		return fault.Newf(fault.FailedPrecondition, "ride %s already exists", r.ID)
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id), id)
}

func (p *PostgresStore) GetOffer(ctx context.Context, rideID, driverID string) (*models.Offer, error) {
	return scanOffer(p.db.QueryRowContext(ctx,
		`SELECT ride_id, driver_id, status, created_at, expires_at, responded_at FROM offers WHERE ride_id=$1 AND driver_id=$2`,
		rideID, driverID), rideID, driverID)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx,
		`SELECT id, online, busy, current_ride_id, last_heartbeat, lat, lon FROM drivers WHERE id=$1`, id), id)
}

func (p *PostgresStore) RideOffers(ctx context.Context, rideID string) ([]*models.Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT ride_id, driver_id, status, created_at, expires_at, responded_at FROM offers WHERE ride_id=$1 ORDER BY driver_id`,
		rideID)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (p *PostgresStore) LedgerEntries(ctx context.Context, driverID string) ([]*models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT driver_id, ride_id, amount_cents, created_at FROM ledger_entries WHERE driver_id=$1 ORDER BY created_at`,
		driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.DriverID, &e.RideID, &e.AmountCents, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ExpiredSearches(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM rides WHERE status IN ('requested','offered') AND search_expires_at < $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ExpiredOffers(ctx context.Context, now time.Time) ([]*models.Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT ride_id, driver_id, status, created_at, expires_at, responded_at
		 FROM offers WHERE status='pending' AND expires_at < $1 ORDER BY ride_id, driver_id`, now)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (p *PostgresStore) StaleDrivers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM drivers WHERE online AND last_heartbeat < $1 ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const atomicRetries = 3

func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < atomicRetries; attempt++ {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
			_ = tx.Rollback()
			if isRetryableConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isRetryableConflict(err) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fault.Wrap(fault.Aborted, "transaction conflict retries exhausted", lastErr)
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Ride(id string) (*models.Ride, error) {
	return scanRide(t.tx.QueryRowContext(t.ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, id), id)
}

func (t *pgTx) Offer(rideID, driverID string) (*models.Offer, error) {
	return scanOffer(t.tx.QueryRowContext(t.ctx,
		`SELECT ride_id, driver_id, status, created_at, expires_at, responded_at
		 FROM offers WHERE ride_id=$1 AND driver_id=$2 FOR UPDATE`, rideID, driverID), rideID, driverID)
}

func (t *pgTx) Driver(id string) (*models.Driver, error) {
	return scanDriver(t.tx.QueryRowContext(t.ctx,
		`SELECT id, online, busy, current_ride_id, last_heartbeat, lat, lon FROM drivers WHERE id=$1 FOR UPDATE`, id), id)
}

func (t *pgTx) RideOffers(rideID string) ([]*models.Offer, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT ride_id, driver_id, status, created_at, expires_at, responded_at
		 FROM offers WHERE ride_id=$1 ORDER BY driver_id FOR UPDATE`, rideID)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (t *pgTx) PutRide(r *models.Ride) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (id) DO UPDATE SET
			driver_id=EXCLUDED.driver_id, status=EXCLUDED.status,
			attempted_driver_ids=EXCLUDED.attempted_driver_ids,
			dispatch_attempts=EXCLUDED.dispatch_attempts,
			offer_expires_at=EXCLUDED.offer_expires_at,
			cancel_reason=EXCLUDED.cancel_reason, payment_status=EXCLUDED.payment_status,
			final_amount_cents=EXCLUDED.final_amount_cents, updated_at=EXCLUDED.updated_at,
			offered_at=EXCLUDED.offered_at, accepted_at=EXCLUDED.accepted_at,
			started_at=EXCLUDED.started_at, progress_at=EXCLUDED.progress_at,
			completed_at=EXCLUDED.completed_at, cancelled_at=EXCLUDED.cancelled_at`,
		rideArgs(r)...)
	return err
}

func (t *pgTx) PutOffer(o *models.Offer) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO offers(ride_id, driver_id, status, created_at, expires_at, responded_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (ride_id, driver_id) DO UPDATE SET
			status=EXCLUDED.status, expires_at=EXCLUDED.expires_at, responded_at=EXCLUDED.responded_at`,
		o.RideID, o.DriverID, o.Status, o.CreatedAt, o.ExpiresAt, nullTime(o.RespondedAt))
	return err
}

func (t *pgTx) PutDriver(d *models.Driver) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO drivers(id, online, busy, current_ride_id, last_heartbeat, lat, lon)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			online=EXCLUDED.online, busy=EXCLUDED.busy, current_ride_id=EXCLUDED.current_ride_id,
			last_heartbeat=EXCLUDED.last_heartbeat, lat=EXCLUDED.lat, lon=EXCLUDED.lon`,
		d.ID, d.Online, d.Busy, nullString(d.CurrentRideID), d.LastHeartbeat, d.Loc.Lat, d.Loc.Lon)
	return err
}

func (t *pgTx) AppendLedger(e *models.LedgerEntry) error {
	// unique(ride_id) backs the exactly-once ledger invariant at the
	// storage layer as well.
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO ledger_entries(driver_id, ride_id, amount_cents, created_at) VALUES($1,$2,$3,$4)`,
		e.DriverID, e.RideID, e.AmountCents, e.CreatedAt)
	if isUniqueViolation(err) {
		return fault.Newf(fault.FailedPrecondition, "ledger entry for ride %s already written", e.RideID)
	}
	return err
}

func rideArgs(r *models.Ride) []any {
	return []any{
		r.ID, r.RiderID, nullString(r.DriverID), r.Status,
		r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.PriceCents, r.ServiceClass, pq.Array(r.AttemptedDriverIDs), r.DispatchAttempts,
		r.SearchStartedAt, r.SearchExpiresAt, nullZeroTime(r.OfferExpiresAt),
		nullString(string(r.CancelReason)), r.PaymentStatus, nullInt64(r.FinalAmountCents),
		r.CreatedAt, r.UpdatedAt,
		nullTime(r.OfferedAt), nullTime(r.AcceptedAt), nullTime(r.StartedAt),
		nullTime(r.ProgressAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner, id string) (*models.Ride, error) {
	var r models.Ride
	var driverID, cancelReason sql.NullString
	var offerExpires sql.NullTime
	var finalAmount sql.NullInt64
	var offeredAt, acceptedAt, startedAt, progressAt, completedAt, cancelledAt sql.NullTime
	var attempted pq.StringArray

	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.Status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.PriceCents, &r.ServiceClass, &attempted, &r.DispatchAttempts,
		&r.SearchStartedAt, &r.SearchExpiresAt, &offerExpires,
		&cancelReason, &r.PaymentStatus, &finalAmount,
		&r.CreatedAt, &r.UpdatedAt,
		&offeredAt, &acceptedAt, &startedAt, &progressAt, &completedAt, &cancelledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "ride %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.CancelReason = models.CancelReason(cancelReason.String)
	r.AttemptedDriverIDs = []string(attempted)
	if offerExpires.Valid {
		r.OfferExpiresAt = offerExpires.Time
	}
	if finalAmount.Valid {
		v := finalAmount.Int64
		r.FinalAmountCents = &v
	}
	r.OfferedAt = timePtr(offeredAt)
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.ProgressAt = timePtr(progressAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func scanOffer(row rowScanner, rideID, driverID string) (*models.Offer, error) {
	var o models.Offer
	var responded sql.NullTime
	err := row.Scan(&o.RideID, &o.DriverID, &o.Status, &o.CreatedAt, &o.ExpiresAt, &responded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "offer %s/%s not found", rideID, driverID)
	}
	if err != nil {
		return nil, err
	}
	o.RespondedAt = timePtr(responded)
	return &o, nil
}

func scanDriver(row rowScanner, id string) (*models.Driver, error) {
	var d models.Driver
	var current sql.NullString
	err := row.Scan(&d.ID, &d.Online, &d.Busy, &current, &d.LastHeartbeat, &d.Loc.Lat, &d.Loc.Lon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "driver %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	d.CurrentRideID = current.String
	return &d, nil
}

func collectOffers(rows *sql.Rows) ([]*models.Offer, error) {
	defer rows.Close()
	var out []*models.Offer
	for rows.Next() {
		var o models.Offer
		var responded sql.NullTime
		if err := rows.Scan(&o.RideID, &o.DriverID, &o.Status, &o.CreatedAt, &o.ExpiresAt, &responded); err != nil {
			return nil, err
		}
		o.RespondedAt = timePtr(responded)
		out = append(out, &o)
	}
	return out, rows.Err()
}

func isRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullZeroTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	c := t.Time
	return &c
}
