package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on database/sql with the lib/pq driver.
// Write transactions take row locks with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tracer: otel.Tracer("github.com/example/rideshare-core/internal/storage")}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type pgTxKey struct{}

func (p *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if tx, ok := ctx.Value(pgTxKey{}).(*pgTx); ok && tx.store == p && !tx.readOnly {
		return fn(ctx, tx)
	}
	return p.run(ctx, "storage.WithinTx", nil, fn)
}

func (p *PostgresStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if tx, ok := ctx.Value(pgTxKey{}).(*pgTx); ok && tx.store == p {
		return fn(ctx, tx)
	}
	return p.run(ctx, "storage.View", &sql.TxOptions{ReadOnly: true}, fn)
}

func (p *PostgresStore) run(ctx context.Context, name string, opts *sql.TxOptions, fn func(ctx context.Context, tx Tx) error) (err error) {
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sqlTx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()

	tx := &pgTx{store: p, tx: sqlTx, readOnly: opts != nil && opts.ReadOnly}
	if err = fn(context.WithValue(ctx, pgTxKey{}, tx), tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	store    *PostgresStore
	tx       *sql.Tx
	readOnly bool
}

type scanner interface {
	Scan(dest ...any) error
}

func mapErr(err error, notFound error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperr.Conflict("duplicate", "record already exists: %s", pqErr.Constraint)
	}
	return err
}

func expectOne(res sql.Result, err error, stale error) error {
	if err != nil {
		return mapErr(err, stale)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return stale
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// journeys

const journeyColumns = `id, rider_id, origin_lat, origin_lon, dest_lat, dest_lon, scheduled_at, seats,
	shareable, restricted_only, preferred_vehicle_type, status, created_at, updated_at`

func scanJourney(row scanner) (*models.Journey, error) {
	var j models.Journey
	err := row.Scan(&j.ID, &j.RiderID, &j.Origin.Lat, &j.Origin.Lon, &j.Destination.Lat, &j.Destination.Lon,
		&j.ScheduledAt, &j.Seats, &j.Shareable, &j.RestrictedOnly, &j.PreferredVehicleType, &j.Status,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, apperr.ErrJourneyNotFound)
	}
	return &j, nil
}

func (t *pgTx) InsertJourney(ctx context.Context, j *models.Journey) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO journeys (`+journeyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		j.ID, j.RiderID, j.Origin.Lat, j.Origin.Lon, j.Destination.Lat, j.Destination.Lon, j.ScheduledAt, j.Seats,
		j.Shareable, j.RestrictedOnly, j.PreferredVehicleType, j.Status, j.CreatedAt, j.UpdatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) GetJourney(ctx context.Context, id string) (*models.Journey, error) {
	return scanJourney(t.tx.QueryRowContext(ctx, `SELECT `+journeyColumns+` FROM journeys WHERE id = $1`, id))
}

func (t *pgTx) LockJourney(ctx context.Context, id string) (*models.Journey, error) {
	return scanJourney(t.tx.QueryRowContext(ctx, `SELECT `+journeyColumns+` FROM journeys WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SetJourneyStatus(ctx context.Context, id string, from, to models.JourneyStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE journeys SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`, to, at, id, from)
	return expectOne(res, err, apperr.ErrConcurrentUpdate)
}

// bids

const bidColumns = `id, journey_id, driver_id, amount, message, expires_at, status, created_at, updated_at`

func scanBid(row scanner) (*models.Bid, error) {
	var b models.Bid
	var expires sql.NullTime
	if err := row.Scan(&b.ID, &b.JourneyID, &b.DriverID, &b.Amount, &b.Message, &expires, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, mapErr(err, apperr.ErrBidNotFound)
	}
	if expires.Valid {
		b.ExpiresAt = expires.Time
	}
	return &b, nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *models.Bid) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO bids (`+bidColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.JourneyID, b.DriverID, b.Amount, b.Message, nullTime(b.ExpiresAt), b.Status, b.CreatedAt, b.UpdatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) LockBid(ctx context.Context, id string) (*models.Bid, error) {
	return scanBid(t.tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ListBids(ctx context.Context, journeyID string) ([]models.Bid, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE journey_id = $1 ORDER BY created_at`, journeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (t *pgTx) HasPendingBid(ctx context.Context, journeyID, driverID string, now time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bids WHERE journey_id = $1 AND driver_id = $2
		AND status = 'PENDING' AND (expires_at IS NULL OR expires_at > $3))`, journeyID, driverID, now).Scan(&exists)
	return exists, err
}

func (t *pgTx) SetBidStatus(ctx context.Context, id string, from, to models.BidStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE bids SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`, to, at, id, from)
	return expectOne(res, err, apperr.ErrConcurrentUpdate)
}

func (t *pgTx) RejectPendingBids(ctx context.Context, journeyID, exceptBidID string, at time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE bids SET status = 'REJECTED', updated_at = $1
		WHERE journey_id = $2 AND id <> $3 AND status = 'PENDING' AND (expires_at IS NULL OR expires_at > $1)`,
		at, journeyID, exceptBidID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) ExpirePendingBids(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE bids SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rides

const rideColumns = `id, journey_id, bid_id, passenger_id, driver_id, fare, pickup_lat, pickup_lon, dropoff_lat,
	dropoff_lon, pickup_cell, dropoff_cell, scheduled_at, status, paid, shared, capacity, seats_taken, final_fare,
	final_distance_km, cancellation_reason, started_at, completed_at, cancelled_at, created_at, updated_at`

func scanRide(row scanner) (*models.Ride, error) {
	var (
		r                               models.Ride
		finalFare                       decimal.NullDecimal
		finalDist                       sql.NullFloat64
		startedAt, completedAt, cancelAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.JourneyID, &r.BidID, &r.PassengerID, &r.DriverID, &r.Fare, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.PickupCell, &r.DropoffCell, &r.ScheduledAt, &r.Status, &r.Paid, &r.Shared,
		&r.Capacity, &r.SeatsTaken, &finalFare, &finalDist, &r.CancellationReason, &startedAt, &completedAt, &cancelAt,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, apperr.ErrRideNotFound)
	}
	if finalFare.Valid {
		f := finalFare.Decimal
		r.FinalFare = &f
	}
	if finalDist.Valid {
		d := finalDist.Float64
		r.FinalDistanceKm = &d
	}
	r.StartedAt, r.CompletedAt, r.CancelledAt = timePtr(startedAt), timePtr(completedAt), timePtr(cancelAt)
	return &r, nil
}

func rideNullables(r *models.Ride) (decimal.NullDecimal, sql.NullFloat64) {
	var ff decimal.NullDecimal
	if r.FinalFare != nil {
		ff = decimal.NewNullDecimal(*r.FinalFare)
	}
	var fd sql.NullFloat64
	if r.FinalDistanceKm != nil {
		fd = sql.NullFloat64{Float64: *r.FinalDistanceKm, Valid: true}
	}
	return ff, fd
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.Ride) error {
	ff, fd := rideNullables(r)
	_, err := t.tx.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		r.ID, r.JourneyID, r.BidID, r.PassengerID, r.DriverID, r.Fare, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat,
		r.Dropoff.Lon, r.PickupCell, r.DropoffCell, r.ScheduledAt, r.Status, r.Paid, r.Shared, r.Capacity, r.SeatsTaken,
		ff, fd, r.CancellationReason, nullTimePtr(r.StartedAt), nullTimePtr(r.CompletedAt), nullTimePtr(r.CancelledAt),
		r.CreatedAt, r.UpdatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
}

func (t *pgTx) LockRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateRide(ctx context.Context, r *models.Ride, expected models.RideStatus) error {
	ff, fd := rideNullables(r)
	res, err := t.tx.ExecContext(ctx, `UPDATE rides SET status = $1, paid = $2, fare = $3, seats_taken = $4,
		final_fare = $5, final_distance_km = $6, cancellation_reason = $7, started_at = $8, completed_at = $9,
		cancelled_at = $10, updated_at = $11, passenger_id = $12, journey_id = $13, bid_id = $14
		WHERE id = $15 AND status = $16`,
		r.Status, r.Paid, r.Fare, r.SeatsTaken, ff, fd, r.CancellationReason, nullTimePtr(r.StartedAt),
		nullTimePtr(r.CompletedAt), nullTimePtr(r.CancelledAt), r.UpdatedAt, r.PassengerID, r.JourneyID, r.BidID,
		r.ID, expected)
	return expectOne(res, err, apperr.ErrConcurrentUpdate)
}

func (t *pgTx) FindShareableRide(ctx context.Context, q ShareQuery) (*models.Ride, error) {
	statuses := make([]string, 0, len(openShareStatuses))
	for _, s := range openShareStatuses {
		statuses = append(statuses, string(s))
	}
	r, err := scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE shared AND NOT paid AND driver_id = $1 AND pickup_cell = $2 AND dropoff_cell = $3
		AND scheduled_at BETWEEN $4 AND $5 AND status = ANY($6)
		ORDER BY scheduled_at LIMIT 1 FOR UPDATE`,
		q.DriverID, q.PickupCell, q.DropoffCell, q.From, q.To, pq.Array(statuses)))
	if errors.Is(err, apperr.ErrRideNotFound) {
		return nil, nil
	}
	return r, err
}

func (t *pgTx) CountCompletedRides(ctx context.Context, driverID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT count(*) FROM rides WHERE driver_id = $1 AND status = 'COMPLETED'`, driverID).Scan(&n)
	return n, err
}

// legs

const legColumns = `id, ride_id, journey_id, passenger_id, seats, fare, state, created_at, updated_at`

func (t *pgTx) InsertLeg(ctx context.Context, l *models.Leg) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO legs (`+legColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.RideID, l.JourneyID, l.PassengerID, l.Seats, l.Fare, l.State, l.CreatedAt, l.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperr.ErrAlreadyOnRide
	}
	return err
}

func (t *pgTx) ListLegs(ctx context.Context, rideID string) ([]models.Leg, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+legColumns+` FROM legs WHERE ride_id = $1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Leg, 0)
	for rows.Next() {
		var l models.Leg
		if err := rows.Scan(&l.ID, &l.RideID, &l.JourneyID, &l.PassengerID, &l.Seats, &l.Fare, &l.State, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) DeleteLeg(ctx context.Context, id string, expected models.LegState) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM legs WHERE id = $1 AND state = $2`, id, expected)
	return expectOne(res, err, apperr.ErrConcurrentUpdate)
}

func (t *pgTx) SetLegState(ctx context.Context, id string, from, to models.LegState, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE legs SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`, to, at, id, from)
	return expectOne(res, err, apperr.ErrConcurrentUpdate)
}

// payments

const paymentColumns = `id, ride_id, payer_id, driver_id, kind, gross, discount, charged, commission,
	driver_earnings, commission_waived, status, provider_ref, voucher_id, created_at, updated_at`

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var voucherID sql.NullString
	err := row.Scan(&p.ID, &p.RideID, &p.PayerID, &p.DriverID, &p.Kind, &p.Gross, &p.Discount, &p.Charged,
		&p.Commission, &p.DriverEarnings, &p.CommissionWaived, &p.Status, &p.ProviderRef, &voucherID,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, apperr.ErrPaymentNotFound)
	}
	p.VoucherID = voucherID.String
	return &p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		p.ID, p.RideID, p.PayerID, p.DriverID, p.Kind, p.Gross, p.Discount, p.Charged, p.Commission,
		p.DriverEarnings, p.CommissionWaived, p.Status, p.ProviderRef, nullString(p.VoucherID), p.CreatedAt, p.UpdatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) ListPayments(ctx context.Context, rideID string) ([]models.Payment, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE ride_id = $1 ORDER BY created_at, id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (t *pgTx) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SetPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`, to, at, id, from)
	return expectOne(res, err, apperr.ErrConcurrentUpdate)
}

// vouchers

const voucherColumns = `id, code, kind, value, max_discount, min_order, starts_at, expires_at, active,
	global_limit, per_user_limit, used_count, created_at`

func (t *pgTx) InsertVoucher(ctx context.Context, v *models.Voucher) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO vouchers (`+voucherColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		v.ID, v.Code, v.Kind, v.Value, v.MaxDiscount, v.MinOrder, nullTime(v.StartsAt), nullTime(v.ExpiresAt),
		v.Active, v.GlobalLimit, v.PerUserLimit, v.UsedCount, v.CreatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	var v models.Voucher
	var starts, expires sql.NullTime
	err := t.tx.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE lower(code) = lower($1)`, code).
		Scan(&v.ID, &v.Code, &v.Kind, &v.Value, &v.MaxDiscount, &v.MinOrder, &starts, &expires, &v.Active,
			&v.GlobalLimit, &v.PerUserLimit, &v.UsedCount, &v.CreatedAt)
	if err != nil {
		return nil, mapErr(err, apperr.ErrVoucherNotFound)
	}
	v.StartsAt, v.ExpiresAt = starts.Time, expires.Time
	return &v, nil
}

func (t *pgTx) IncrementVoucherUsage(ctx context.Context, voucherID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE vouchers SET used_count = used_count + 1
		WHERE id = $1 AND (global_limit = 0 OR used_count < global_limit)`, voucherID)
	return expectOne(res, err, apperr.ErrVoucherUnavailable)
}

const userVoucherColumns = `id, user_id, voucher_id, status, ride_id, redeemed_at, created_at`

func (t *pgTx) InsertUserVoucher(ctx context.Context, uv *models.UserVoucher) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO user_vouchers (`+userVoucherColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uv.ID, uv.UserID, uv.VoucherID, uv.Status, nullString(uv.RideID), nullTimePtr(uv.RedeemedAt), uv.CreatedAt)
	return mapErr(err, nil)
}

func (t *pgTx) FindAvailableUserVoucher(ctx context.Context, userID, voucherID string) (*models.UserVoucher, error) {
	var uv models.UserVoucher
	var rideID sql.NullString
	var redeemed sql.NullTime
	err := t.tx.QueryRowContext(ctx, `SELECT `+userVoucherColumns+` FROM user_vouchers
		WHERE user_id = $1 AND voucher_id = $2 AND status = 'AVAILABLE' ORDER BY created_at LIMIT 1`, userID, voucherID).
		Scan(&uv.ID, &uv.UserID, &uv.VoucherID, &uv.Status, &rideID, &redeemed, &uv.CreatedAt)
	if err != nil {
		return nil, mapErr(err, apperr.ErrVoucherUnavailable)
	}
	uv.RideID, uv.RedeemedAt = rideID.String, timePtr(redeemed)
	return &uv, nil
}

func (t *pgTx) CountUserVouchers(ctx context.Context, userID, voucherID string, status models.UserVoucherStatus) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT count(*) FROM user_vouchers WHERE user_id = $1 AND voucher_id = $2 AND status = $3`,
		userID, voucherID, status).Scan(&n)
	return n, err
}

func (t *pgTx) RedeemUserVoucher(ctx context.Context, id, rideID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE user_vouchers SET status = 'REDEEMED', ride_id = $1, redeemed_at = $2
		WHERE id = $3 AND status = 'AVAILABLE'`, rideID, at, id)
	return expectOne(res, err, apperr.ErrVoucherUsed)
}
