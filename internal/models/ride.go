package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RideStatus string

const (
	RideRequested            RideStatus = "REQUESTED"
	RideAccepted             RideStatus = "ACCEPTED"
	RideDriverArrived        RideStatus = "DRIVER_ARRIVED"
	RideOngoing              RideStatus = "ONGOING"
	RideCompleted            RideStatus = "COMPLETED"
	RideCancelledByPassenger RideStatus = "CANCELLED_BY_PASSENGER"
	RideCancelledByDriver    RideStatus = "CANCELLED_BY_DRIVER"
	RideNoShow               RideStatus = "NO_SHOW"
)

// RideTransitions is the ride state machine. An ACCEPTED ride may jump to
// ONGOING when a passenger leg boards before the driver marks arrival.
var RideTransitions = Transitions[RideStatus]{
	RideRequested:     {RideAccepted, RideCancelledByPassenger, RideCancelledByDriver},
	RideAccepted:      {RideDriverArrived, RideOngoing, RideCancelledByPassenger, RideCancelledByDriver},
	RideDriverArrived: {RideOngoing, RideNoShow},
	RideOngoing:       {RideCompleted},
}

// Rank orders the forward progress of a ride; terminal failures rank last.
func (s RideStatus) Rank() int {
	switch s {
	case RideRequested:
		return 0
	case RideAccepted:
		return 1
	case RideDriverArrived:
		return 2
	case RideOngoing:
		return 3
	case RideCompleted:
		return 4
	default:
		return 5
	}
}

func (s RideStatus) Terminal() bool { return RideTransitions.Terminal(s) }

func (s RideStatus) Cancelled() bool {
	return s == RideCancelledByDriver || s == RideCancelledByPassenger
}

// Ride is a confirmed trip with exactly one assigned driver.
type Ride struct {
	ID                 string           `json:"id"`
	JourneyID          string           `json:"journey_id"`
	BidID              string           `json:"bid_id"`
	PassengerID        string           `json:"passenger_id"`
	DriverID           string           `json:"driver_id"`
	Fare               decimal.Decimal  `json:"fare"`
	Pickup             Coord            `json:"pickup"`
	Dropoff            Coord            `json:"dropoff"`
	PickupCell         string           `json:"pickup_cell,omitempty"`
	DropoffCell        string           `json:"dropoff_cell,omitempty"`
	ScheduledAt        time.Time        `json:"scheduled_at"`
	Status             RideStatus       `json:"status"`
	Paid               bool             `json:"paid"`
	Shared             bool             `json:"shared"`
	Capacity           int              `json:"capacity"`
	SeatsTaken         int              `json:"seats_taken"`
	FinalFare          *decimal.Decimal `json:"final_fare,omitempty"`
	FinalDistanceKm    *float64         `json:"final_distance_km,omitempty"`
	CancellationReason string           `json:"cancellation_reason,omitempty"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// ChargeableFare is the final fare when recorded, otherwise the agreed fare.
func (r Ride) ChargeableFare() decimal.Decimal {
	if r.FinalFare != nil {
		return *r.FinalFare
	}
	return r.Fare
}

type LegState string

const (
	LegWaiting    LegState = "WAITING"
	LegOnBoard    LegState = "ON_BOARD"
	LegDroppedOff LegState = "DROPPED_OFF"
)

var LegTransitions = Transitions[LegState]{
	LegWaiting: {LegOnBoard},
	LegOnBoard: {LegDroppedOff},
}

func (s LegState) Valid() bool {
	return s == LegWaiting || s == LegOnBoard || s == LegDroppedOff
}

// Leg is one passenger's participation in a shared ride.
type Leg struct {
	ID          string          `json:"id"`
	RideID      string          `json:"ride_id"`
	JourneyID   string          `json:"journey_id"`
	PassengerID string          `json:"passenger_id"`
	Seats       int             `json:"seats"`
	Fare        decimal.Decimal `json:"fare"`
	State       LegState        `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AggregateLegs derives the ride status implied by its legs. ok is false when
// the legs imply no change.
func AggregateLegs(current RideStatus, legs []Leg) (RideStatus, bool) {
	if len(legs) == 0 {
		return current, false
	}
	anyOnBoard, allDropped := false, true
	for _, l := range legs {
		if l.State == LegOnBoard {
			anyOnBoard = true
		}
		if l.State != LegDroppedOff {
			allDropped = false
		}
	}
	switch {
	case allDropped && current != RideCompleted && RideTransitions.Allowed(current, RideCompleted):
		return RideCompleted, true
	case anyOnBoard && current.Rank() < RideOngoing.Rank() && RideTransitions.Allowed(current, RideOngoing):
		return RideOngoing, true
	}
	return current, false
}

// HasPassenger reports whether userID rides as the primary passenger or on any leg.
func (r Ride) HasPassenger(userID string, legs []Leg) bool {
	if r.PassengerID == userID {
		return true
	}
	for _, l := range legs {
		if l.PassengerID == userID {
			return true
		}
	}
	return false
}
