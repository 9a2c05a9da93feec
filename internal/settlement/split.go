package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/example/rideshare-core/internal/models"
)

// Split is the division of a gross amount between platform and driver.
type Split struct {
	Gross          decimal.Decimal
	Commission     decimal.Decimal
	DriverEarnings decimal.Decimal
	Waived         bool
}

// Split applies the commission rate to gross. Drivers whose completed ride
// count has reached the waiver threshold keep the full amount.
func (c Config) Split(gross decimal.Decimal, completedRides int) Split {
	if c.WaiverThreshold > 0 && completedRides >= c.WaiverThreshold {
		return Split{Gross: gross, Commission: decimal.Zero, DriverEarnings: gross, Waived: true}
	}
	commission := gross.Mul(c.CommissionRate).Round(2)
	return Split{Gross: gross, Commission: commission, DriverEarnings: gross.Sub(commission)}
}

// share is the part of a ride's fare owed by one payer.
type share struct {
	PayerID string
	Gross   decimal.Decimal
}

// shares divides the chargeable fare of r between its passengers. Shared
// rides are split in proportion to each leg's agreed fare; rounding leftovers
// go to the last leg so the parts always add up to the total.
func shares(r *models.Ride, legs []models.Leg) []share {
	total := r.ChargeableFare()
	if !r.Shared || len(legs) == 0 {
		return []share{{PayerID: r.PassengerID, Gross: total}}
	}

	sum := decimal.Zero
	for _, l := range legs {
		sum = sum.Add(l.Fare)
	}
	out := make([]share, 0, len(legs))
	allocated := decimal.Zero
	n := decimal.NewFromInt(int64(len(legs)))
	for i, l := range legs {
		var part decimal.Decimal
		switch {
		case i == len(legs)-1:
			part = total.Sub(allocated)
		case sum.IsPositive():
			part = total.Mul(l.Fare).Div(sum).RoundFloor(2)
		default:
			part = total.Div(n).RoundFloor(2)
		}
		allocated = allocated.Add(part)
		out = append(out, share{PayerID: l.PassengerID, Gross: part})
	}
	return out
}
