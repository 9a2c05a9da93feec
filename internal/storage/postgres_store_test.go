package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

var journeyCols = []string{"id", "rider_id", "origin_lat", "origin_lon", "dest_lat", "dest_lon", "scheduled_at", "seats",
	"shareable", "restricted_only", "preferred_vehicle_type", "status", "created_at", "updated_at"}

func TestPostgresLockAndTransitionJourneyCommits(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM journeys WHERE id = \$1 FOR UPDATE`).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(journeyCols).
			AddRow("j1", "r1", 1.3, 103.8, 1.35, 103.9, now, 1, false, false, "", "OPEN", now, now))
	mock.ExpectExec(`UPDATE journeys SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(models.JourneyMatched, now, "j1", models.JourneyOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		j, err := tx.LockJourney(ctx, "j1")
		if err != nil {
			return err
		}
		assert.Equal(t, models.JourneyOpen, j.Status)
		assert.Equal(t, "r1", j.RiderID)
		return tx.SetJourneyStatus(ctx, j.ID, models.JourneyOpen, models.JourneyMatched, now)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGuardedUpdateMissRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE bids SET status`).
		WithArgs(models.BidAccepted, now, "b1", models.BidPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.SetBidStatus(ctx, "b1", models.BidPending, models.BidAccepted, now)
	})
	assert.ErrorIs(t, err, apperr.ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresNestedWithinTxReusesTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM rides WHERE driver_id = \$1 AND status = 'COMPLETED'`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1000))
	mock.ExpectCommit()

	var n int
	err := store.WithinTx(context.Background(), func(ctx context.Context, _ Tx) error {
		return store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			n, err = tx.CountCompletedRides(ctx, "d1")
			return err
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUniqueViolationIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payments`).WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_ride_id_payer_id_kind_key"})
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertPayment(ctx, &models.Payment{ID: "p1", RideID: "r1", PayerID: "u1", Kind: models.PaymentFare, Status: models.PaymentCompleted, CreatedAt: now, UpdatedAt: now})
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRideNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id = \$1$`).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := store.View(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.GetRide(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrRideNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListBidsScansDecimalAndNullExpiry(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	cols := []string{"id", "journey_id", "driver_id", "amount", "message", "expires_at", "status", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM bids WHERE journey_id = \$1 ORDER BY created_at`).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("b1", "j1", "d1", "12.50", "", nil, "PENDING", now, now).
			AddRow("b2", "j1", "d2", "9.00", "on my way", now.Add(time.Minute), "REJECTED", now, now))
	mock.ExpectCommit()

	var bids []models.Bid
	err := store.View(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		bids, err = tx.ListBids(ctx, "j1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Amount.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, bids[0].ExpiresAt.IsZero())
	assert.Equal(t, models.BidRejected, bids[1].Status)
	assert.Equal(t, now.Add(time.Minute), bids[1].ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRedeemUserVoucherAlreadyUsed(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE user_vouchers SET status = 'REDEEMED'`).
		WithArgs("ride-1", now, "uv1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.RedeemUserVoucher(ctx, "uv1", "ride-1", now)
	})
	assert.ErrorIs(t, err, apperr.ErrVoucherUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPanicRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			panic(errors.New("boom"))
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRejectPendingBidsSkipsExpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE bids SET status = 'REJECTED', updated_at = \$1\s+WHERE journey_id = \$2 AND id <> \$3 AND status = 'PENDING' AND \(expires_at IS NULL OR expires_at > \$1\)`).
		WithArgs(now, "j1", "b1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	var n int64
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.RejectPendingBids(ctx, "j1", "b1", now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWithdrawLegUpdatesRideOwner(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := &models.Ride{
		ID: "r1", JourneyID: "j2", BidID: "b2", PassengerID: "p2", Status: models.RideAccepted,
		Fare: decimal.NewFromInt(14), SeatsTaken: 1, UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM legs WHERE id = \$1 AND state = \$2`).
		WithArgs("l1", models.LegWaiting).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE rides SET (.+) passenger_id = \$12, journey_id = \$13, bid_id = \$14\s+WHERE id = \$15 AND status = \$16`).
		WithArgs(models.RideAccepted, false, r.Fare, 1, nil, nil, "", nil, nil, nil, now, "p2", "j2", "b2", "r1", models.RideAccepted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.DeleteLeg(ctx, "l1", models.LegWaiting); err != nil {
			return err
		}
		return tx.UpdateRide(ctx, r, models.RideAccepted)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteLegOnBoardIsConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM legs`).
		WithArgs("l1", models.LegWaiting).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.DeleteLeg(ctx, "l1", models.LegWaiting)
	})
	assert.ErrorIs(t, err, apperr.ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}
