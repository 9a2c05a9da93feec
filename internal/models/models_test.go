package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRideTransitions(t *testing.T) {
	assert.True(t, RideTransitions.Allowed(RideAccepted, RideDriverArrived))
	assert.True(t, RideTransitions.Allowed(RideDriverArrived, RideNoShow))
	assert.False(t, RideTransitions.Allowed(RideOngoing, RideCancelledByPassenger))
	assert.False(t, RideTransitions.Allowed(RideCompleted, RideOngoing))
	assert.True(t, RideCompleted.Terminal())
	assert.True(t, RideNoShow.Terminal())
	assert.False(t, RideDriverArrived.Terminal())
}

func TestRideRankNeverRegressesAlongTransitions(t *testing.T) {
	for from, tos := range RideTransitions {
		for _, to := range tos {
			assert.Greater(t, to.Rank(), from.Rank(), "%s -> %s", from, to)
		}
	}
}

func TestBidEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := Bid{Status: BidPending, ExpiresAt: now.Add(time.Minute)}
	assert.Equal(t, BidPending, b.EffectiveStatus(now))
	assert.Equal(t, BidExpired, b.EffectiveStatus(now.Add(time.Minute)))

	b.Status = BidAccepted
	assert.Equal(t, BidAccepted, b.EffectiveStatus(now.Add(time.Hour)))

	noExpiry := Bid{Status: BidPending}
	assert.Equal(t, BidPending, noExpiry.EffectiveStatus(now.Add(1000*time.Hour)))
}

func TestAggregateLegs(t *testing.T) {
	legs := []Leg{{State: LegWaiting}, {State: LegWaiting}}
	_, changed := AggregateLegs(RideAccepted, legs)
	assert.False(t, changed)

	legs[0].State = LegOnBoard
	next, changed := AggregateLegs(RideDriverArrived, legs)
	assert.True(t, changed)
	assert.Equal(t, RideOngoing, next)

	_, changed = AggregateLegs(RideOngoing, legs)
	assert.False(t, changed)

	legs[0].State = LegDroppedOff
	legs[1].State = LegDroppedOff
	next, changed = AggregateLegs(RideOngoing, legs)
	assert.True(t, changed)
	assert.Equal(t, RideCompleted, next)

	_, changed = AggregateLegs(RideCompleted, legs)
	assert.False(t, changed)
}

func TestVoucherDiscount(t *testing.T) {
	pct := Voucher{Kind: VoucherPercent, Value: decimal.NewFromInt(20), MaxDiscount: decimal.NewFromInt(5)}
	assert.True(t, pct.Discount(decimal.NewFromInt(10)).Equal(decimal.NewFromInt(2)))
	assert.True(t, pct.Discount(decimal.NewFromInt(100)).Equal(decimal.NewFromInt(5)))

	flat := Voucher{Kind: VoucherFlat, Value: decimal.NewFromInt(15)}
	assert.True(t, flat.Discount(decimal.NewFromInt(40)).Equal(decimal.NewFromInt(15)))
	assert.True(t, flat.Discount(decimal.NewFromInt(9)).Equal(decimal.NewFromInt(9)))
}

func TestVoucherUsable(t *testing.T) {
	now := time.Now()
	v := Voucher{Active: true, StartsAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour), GlobalLimit: 2, UsedCount: 1}
	assert.True(t, v.Usable(now))
	v.UsedCount = 2
	assert.False(t, v.Usable(now))
	v.UsedCount = 0
	assert.False(t, v.Usable(now.Add(2*time.Hour)))
	v.Active = false
	assert.False(t, v.Usable(now))
}

func TestCoordValidate(t *testing.T) {
	assert.NoError(t, Coord{Lat: 1.29, Lon: 103.85}.Validate())
	assert.ErrorIs(t, Coord{Lat: 91}.Validate(), ErrInvalidCoord)
	assert.ErrorIs(t, Coord{Lon: -181}.Validate(), ErrInvalidCoord)
}
