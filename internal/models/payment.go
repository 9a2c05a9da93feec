package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentKind string

const (
	PaymentFare PaymentKind = "FARE"
	PaymentTip  PaymentKind = "TIP"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// PaymentTransitions limits provider-driven corrections; rows are never deleted.
var PaymentTransitions = Transitions[PaymentStatus]{
	PaymentPending:   {PaymentCompleted, PaymentFailed},
	PaymentCompleted: {PaymentRefunded},
}

// Payment is a settled money movement for a ride, either the fare or a tip.
type Payment struct {
	ID               string          `json:"id"`
	RideID           string          `json:"ride_id"`
	PayerID          string          `json:"payer_id"`
	DriverID         string          `json:"driver_id"`
	Kind             PaymentKind     `json:"kind"`
	Gross            decimal.Decimal `json:"gross"`
	Discount         decimal.Decimal `json:"discount"`
	Charged          decimal.Decimal `json:"charged"`
	Commission       decimal.Decimal `json:"commission"`
	DriverEarnings   decimal.Decimal `json:"driver_earnings"`
	CommissionWaived bool            `json:"commission_waived"`
	Status           PaymentStatus   `json:"status"`
	ProviderRef      string          `json:"provider_ref,omitempty"`
	VoucherID        string          `json:"voucher_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type VoucherKind string

const (
	VoucherPercent VoucherKind = "PERCENT"
	VoucherFlat    VoucherKind = "FLAT"
)

// Voucher is a promotion definition. Zero limits mean unlimited.
type Voucher struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	Kind         VoucherKind     `json:"kind"`
	Value        decimal.Decimal `json:"value"`
	MaxDiscount  decimal.Decimal `json:"max_discount"`
	MinOrder     decimal.Decimal `json:"min_order"`
	StartsAt     time.Time       `json:"starts_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Active       bool            `json:"active"`
	GlobalLimit  int             `json:"global_limit"`
	PerUserLimit int             `json:"per_user_limit"`
	UsedCount    int             `json:"used_count"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Discount computes the reduction for an order amount, never above the amount.
func (v Voucher) Discount(amount decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch v.Kind {
	case VoucherPercent:
		d = amount.Mul(v.Value).Div(decimal.NewFromInt(100)).Round(2)
		if v.MaxDiscount.IsPositive() && d.GreaterThan(v.MaxDiscount) {
			d = v.MaxDiscount
		}
	case VoucherFlat:
		d = v.Value
	}
	if d.GreaterThan(amount) {
		d = amount
	}
	if d.IsNegative() {
		d = decimal.Zero
	}
	return d
}

// Usable reports whether the voucher is active and within its validity window.
func (v Voucher) Usable(now time.Time) bool {
	if !v.Active {
		return false
	}
	if !v.StartsAt.IsZero() && now.Before(v.StartsAt) {
		return false
	}
	if !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt) {
		return false
	}
	return v.GlobalLimit == 0 || v.UsedCount < v.GlobalLimit
}

type UserVoucherStatus string

const (
	UserVoucherAvailable UserVoucherStatus = "AVAILABLE"
	UserVoucherRedeemed  UserVoucherStatus = "REDEEMED"
)

// UserVoucher is one grant of a voucher to a user, redeemable once.
type UserVoucher struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	VoucherID  string            `json:"voucher_id"`
	Status     UserVoucherStatus `json:"status"`
	RideID     string            `json:"ride_id,omitempty"`
	RedeemedAt *time.Time        `json:"redeemed_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
