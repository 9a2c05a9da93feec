package storage

import (
	"context"
	"time"

	"github.com/example/rideshare-core/internal/models"
)

// Store runs units of work. WithinTx commits when fn returns nil and rolls
// back on error or panic; a WithinTx call nested in another reuses the outer
// transaction. View runs fn in a read-only transaction.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the repository surface available inside a unit of work.
//
// Lock* methods read a row and hold it for the rest of the transaction.
// Set*/Update* methods are guarded on the expected current state and return
// apperr.ErrConcurrentUpdate when no row matched.
type Tx interface {
	InsertJourney(ctx context.Context, j *models.Journey) error
	GetJourney(ctx context.Context, id string) (*models.Journey, error)
	LockJourney(ctx context.Context, id string) (*models.Journey, error)
	SetJourneyStatus(ctx context.Context, id string, from, to models.JourneyStatus, at time.Time) error

	InsertBid(ctx context.Context, b *models.Bid) error
	LockBid(ctx context.Context, id string) (*models.Bid, error)
	ListBids(ctx context.Context, journeyID string) ([]models.Bid, error)
	HasPendingBid(ctx context.Context, journeyID, driverID string, now time.Time) (bool, error)
	SetBidStatus(ctx context.Context, id string, from, to models.BidStatus, at time.Time) error
	// RejectPendingBids leaves bids already past their expiry for the sweep.
	RejectPendingBids(ctx context.Context, journeyID, exceptBidID string, at time.Time) (int64, error)
	ExpirePendingBids(ctx context.Context, now time.Time) (int64, error)

	InsertRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	LockRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride, expected models.RideStatus) error
	FindShareableRide(ctx context.Context, q ShareQuery) (*models.Ride, error)
	CountCompletedRides(ctx context.Context, driverID string) (int, error)

	InsertLeg(ctx context.Context, l *models.Leg) error
	ListLegs(ctx context.Context, rideID string) ([]models.Leg, error)
	SetLegState(ctx context.Context, id string, from, to models.LegState, at time.Time) error
	DeleteLeg(ctx context.Context, id string, expected models.LegState) error

	InsertPayment(ctx context.Context, p *models.Payment) error
	ListPayments(ctx context.Context, rideID string) ([]models.Payment, error)
	LockPayment(ctx context.Context, id string) (*models.Payment, error)
	SetPaymentStatus(ctx context.Context, id string, from, to models.PaymentStatus, at time.Time) error

	InsertVoucher(ctx context.Context, v *models.Voucher) error
	GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)
	IncrementVoucherUsage(ctx context.Context, voucherID string) error
	InsertUserVoucher(ctx context.Context, uv *models.UserVoucher) error
	FindAvailableUserVoucher(ctx context.Context, userID, voucherID string) (*models.UserVoucher, error)
	CountUserVouchers(ctx context.Context, userID, voucherID string, status models.UserVoucherStatus) (int, error)
	RedeemUserVoucher(ctx context.Context, id, rideID string, at time.Time) error
}

// ShareQuery selects an open shared ride a new passenger could join.
type ShareQuery struct {
	DriverID    string
	PickupCell  string
	DropoffCell string
	From        time.Time
	To          time.Time
}

// openShareStatuses are the ride states that still accept new legs.
var openShareStatuses = []models.RideStatus{models.RideAccepted, models.RideDriverArrived, models.RideOngoing}
