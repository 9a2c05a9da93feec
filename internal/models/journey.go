package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type JourneyStatus string

const (
	JourneyOpen      JourneyStatus = "OPEN"
	JourneyMatched   JourneyStatus = "MATCHED"
	JourneyConfirmed JourneyStatus = "CONFIRMED"
	JourneyCompleted JourneyStatus = "COMPLETED"
	JourneyCancelled JourneyStatus = "CANCELLED"
)

var JourneyTransitions = Transitions[JourneyStatus]{
	JourneyOpen:      {JourneyMatched, JourneyCancelled},
	JourneyMatched:   {JourneyConfirmed, JourneyCompleted, JourneyCancelled},
	JourneyConfirmed: {JourneyCompleted, JourneyCancelled},
}

// Journey is a rider's trip request that drivers bid on.
type Journey struct {
	ID                   string        `json:"id"`
	RiderID              string        `json:"rider_id"`
	Origin               Coord         `json:"origin"`
	Destination          Coord         `json:"destination"`
	ScheduledAt          time.Time     `json:"scheduled_at"`
	Seats                int           `json:"seats"`
	Shareable            bool          `json:"shareable"`
	RestrictedOnly       bool          `json:"restricted_only"`
	PreferredVehicleType string        `json:"preferred_vehicle_type,omitempty"`
	Status               JourneyStatus `json:"status"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
	BidExpired  BidStatus = "EXPIRED"
)

var BidTransitions = Transitions[BidStatus]{
	BidPending: {BidAccepted, BidRejected, BidExpired},
}

// Bid is a driver's priced offer on an open Journey.
type Bid struct {
	ID        string          `json:"id"`
	JourneyID string          `json:"journey_id"`
	DriverID  string          `json:"driver_id"`
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	Status    BidStatus       `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EffectiveStatus folds lazy expiry into the stored status.
func (b Bid) EffectiveStatus(now time.Time) BidStatus {
	if b.Status == BidPending && !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt) {
		return BidExpired
	}
	return b.Status
}
