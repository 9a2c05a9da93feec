// Package rides drives confirmed trips through their lifecycle, including
// shared rides whose status follows the legs of their passengers.
package rides

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/events"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/observability"
	"github.com/example/rideshare-core/internal/storage"
)

type Config struct {
	DefaultCapacity int
	ShareWindow     time.Duration
	H3Resolution    int
}

type Service struct {
	store   storage.Store
	emitter *events.Emitter
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

func NewService(store storage.Store, emitter *events.Emitter, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 4
	}
	if cfg.ShareWindow <= 0 {
		cfg.ShareWindow = 15 * time.Minute
	}
	if cfg.H3Resolution <= 0 {
		cfg.H3Resolution = 8
	}
	return &Service{store: store, emitter: emitter, logger: logger, cfg: cfg, now: time.Now}
}

// View is a ride together with its passenger legs.
type View struct {
	models.Ride
	Legs []models.Leg `json:"legs,omitempty"`
}

// CreateFromBid turns an accepted bid into a ride inside the caller's
// transaction. A shareable journey joins a compatible open shared ride of the
// same driver when one exists; merged reports whether that happened.
func (s *Service) CreateFromBid(ctx context.Context, tx storage.Tx, j *models.Journey, b *models.Bid, capacity int) (ride *models.Ride, merged bool, err error) {
	now := s.now()
	if capacity <= 0 {
		capacity = s.cfg.DefaultCapacity
	}

	var pickupCell, dropoffCell string
	if j.Shareable {
		if pickupCell, err = Corridor(j.Origin, s.cfg.H3Resolution); err != nil {
			return nil, false, apperr.Validation("invalid_origin", "%v", err)
		}
		if dropoffCell, err = Corridor(j.Destination, s.cfg.H3Resolution); err != nil {
			return nil, false, apperr.Validation("invalid_destination", "%v", err)
		}
		cand, err := tx.FindShareableRide(ctx, storage.ShareQuery{
			DriverID:    b.DriverID,
			PickupCell:  pickupCell,
			DropoffCell: dropoffCell,
			From:        j.ScheduledAt.Add(-s.cfg.ShareWindow),
			To:          j.ScheduledAt.Add(s.cfg.ShareWindow),
		})
		if err != nil {
			return nil, false, err
		}
		if cand != nil {
			if err := s.merge(ctx, tx, cand, j, b, now); err != nil {
				return nil, false, err
			}
			return cand, true, nil
		}
	}

	if j.Seats > capacity {
		return nil, false, apperr.ErrRideFull
	}
	r := &models.Ride{
		ID:          uuid.NewString(),
		JourneyID:   j.ID,
		BidID:       b.ID,
		PassengerID: j.RiderID,
		DriverID:    b.DriverID,
		Fare:        b.Amount,
		Pickup:      j.Origin,
		Dropoff:     j.Destination,
		PickupCell:  pickupCell,
		DropoffCell: dropoffCell,
		ScheduledAt: j.ScheduledAt,
		Status:      models.RideAccepted,
		Shared:      j.Shareable,
		Capacity:    capacity,
		SeatsTaken:  j.Seats,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.InsertRide(ctx, r); err != nil {
		return nil, false, err
	}
	if j.Shareable {
		if err := tx.InsertLeg(ctx, newLeg(r.ID, j, b.Amount, now)); err != nil {
			return nil, false, err
		}
	}
	observability.RideTransitionsTotal.WithLabelValues(string(models.RideAccepted)).Inc()
	return r, false, nil
}

func (s *Service) merge(ctx context.Context, tx storage.Tx, r *models.Ride, j *models.Journey, b *models.Bid, now time.Time) error {
	legs, err := tx.ListLegs(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, l := range legs {
		if l.PassengerID == j.RiderID {
			return apperr.ErrAlreadyOnRide
		}
	}
	if r.SeatsTaken+j.Seats > r.Capacity {
		return apperr.ErrRideFull
	}
	if err := tx.InsertLeg(ctx, newLeg(r.ID, j, b.Amount, now)); err != nil {
		return err
	}
	prev := r.Status
	r.Fare = r.Fare.Add(b.Amount)
	r.SeatsTaken += j.Seats
	r.UpdatedAt = now
	return tx.UpdateRide(ctx, r, prev)
}

func newLeg(rideID string, j *models.Journey, fare decimal.Decimal, now time.Time) *models.Leg {
	return &models.Leg{
		ID:          uuid.NewString(),
		RideID:      rideID,
		JourneyID:   j.ID,
		PassengerID: j.RiderID,
		Seats:       j.Seats,
		Fare:        fare,
		State:       models.LegWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Get returns the ride to its participants, admins and system actors.
func (s *Service) Get(ctx context.Context, caller models.Caller, rideID string) (*View, error) {
	var v *View
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		legs, err := tx.ListLegs(ctx, rideID)
		if err != nil {
			return err
		}
		if !canSee(caller, r, legs) {
			return apperr.ErrNotYourRide
		}
		v = &View{Ride: *r, Legs: legs}
		return nil
	})
	return v, err
}

func canSee(c models.Caller, r *models.Ride, legs []models.Leg) bool {
	switch c.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	case models.RoleDriver:
		return r.DriverID == c.ID
	default:
		return r.HasPassenger(c.ID, legs)
	}
}

func (s *Service) Arrive(ctx context.Context, caller models.Caller, rideID string) (*View, error) {
	return s.driverTransition(ctx, caller, rideID, models.RideDriverArrived, nil)
}

func (s *Service) Start(ctx context.Context, caller models.Caller, rideID string) (*View, error) {
	return s.driverTransition(ctx, caller, rideID, models.RideOngoing, nil)
}

func (s *Service) MarkNoShow(ctx context.Context, caller models.Caller, rideID string) (*View, error) {
	return s.driverTransition(ctx, caller, rideID, models.RideNoShow, nil)
}

type CompleteCommand struct {
	FinalFare       *decimal.Decimal `json:"final_fare"`
	FinalDistanceKm *float64         `json:"final_distance_km"`
}

// Complete closes an ongoing ride with its metered fare and distance.
func (s *Service) Complete(ctx context.Context, caller models.Caller, rideID string, cmd CompleteCommand) (*View, error) {
	if cmd.FinalFare == nil || !cmd.FinalFare.IsPositive() {
		return nil, apperr.Validation("final_fare_required", "final fare must be provided and positive")
	}
	if cmd.FinalDistanceKm == nil || *cmd.FinalDistanceKm < 0 {
		return nil, apperr.Validation("final_distance_required", "final distance must be provided and not negative")
	}
	fare := cmd.FinalFare.Round(2)
	dist := *cmd.FinalDistanceKm
	return s.driverTransition(ctx, caller, rideID, models.RideCompleted, func(r *models.Ride) {
		r.FinalFare = &fare
		r.FinalDistanceKm = &dist
	})
}

// Cancel is open to the assigned driver and the ride's passengers, and only
// before the driver has arrived. The driver always cancels the whole ride. A
// passenger of a shared ride that carries other legs withdraws only their own
// leg; the last passenger to leave cancels the ride.
func (s *Service) Cancel(ctx context.Context, caller models.Caller, rideID, reason string) (*View, error) {
	var (
		view *View
		prev models.RideStatus
		left *models.Leg
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		legs, err := tx.ListLegs(ctx, rideID)
		if err != nil {
			return err
		}
		var to models.RideStatus
		switch {
		case caller.Is(models.RoleDriver) && r.DriverID == caller.ID:
			to = models.RideCancelledByDriver
		case caller.Is(models.RoleRider) && r.HasPassenger(caller.ID, legs):
			to = models.RideCancelledByPassenger
		default:
			return apperr.ErrNotYourRide
		}
		if !models.RideTransitions.Allowed(r.Status, to) {
			return apperr.Conflict("cancel_not_allowed", "ride in status %s can no longer be cancelled", r.Status)
		}
		prev = r.Status
		if to == models.RideCancelledByPassenger && len(legs) > 1 {
			for i := range legs {
				if legs[i].PassengerID == caller.ID {
					left = &legs[i]
					view, err = s.withdraw(ctx, tx, r, legs, *left)
					return err
				}
			}
		}
		r.CancellationReason = reason
		view, err = s.apply(ctx, tx, r, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	if left != nil {
		s.logger.Info("passenger left shared ride",
			zap.String("ride_id", rideID),
			zap.String("passenger_id", left.PassengerID),
			zap.Int("seats_taken", view.SeatsTaken),
		)
		s.emitter.Emit(ctx, withdrawnEvent(view, *left, reason))
		return view, nil
	}
	s.logger.Info("ride cancelled", zap.String("ride_id", rideID), zap.String("from", string(prev)), zap.String("to", string(view.Status)))
	s.emitter.Emit(ctx, rideEvent(events.RideCancelled, view).With("reason", reason))
	return view, nil
}

// withdraw removes a waiting leg from a shared ride that keeps other legs. The
// leg's seats and fare are released and only its journey is cancelled. When
// the primary passenger leaves, the next leg takes over the ride's journey.
func (s *Service) withdraw(ctx context.Context, tx storage.Tx, r *models.Ride, legs []models.Leg, leg models.Leg) (*View, error) {
	if leg.State != models.LegWaiting {
		return nil, apperr.Conflict("cancel_not_allowed", "passenger is already %s", leg.State)
	}
	now := s.now()
	if err := tx.DeleteLeg(ctx, leg.ID, models.LegWaiting); err != nil {
		return nil, err
	}
	rest := make([]models.Leg, 0, len(legs)-1)
	for _, l := range legs {
		if l.ID != leg.ID {
			rest = append(rest, l)
		}
	}
	if r.PassengerID == leg.PassengerID {
		next := rest[0]
		bids, err := tx.ListBids(ctx, next.JourneyID)
		if err != nil {
			return nil, err
		}
		for _, b := range bids {
			if b.Status == models.BidAccepted {
				r.BidID = b.ID
			}
		}
		r.PassengerID = next.PassengerID
		r.JourneyID = next.JourneyID
	}
	r.Fare = r.Fare.Sub(leg.Fare)
	r.SeatsTaken -= leg.Seats
	r.UpdatedAt = now
	if err := tx.UpdateRide(ctx, r, r.Status); err != nil {
		return nil, err
	}
	if err := advanceJourney(ctx, tx, leg.JourneyID, models.JourneyCancelled, now); err != nil {
		return nil, err
	}
	return &View{Ride: *r, Legs: rest}, nil
}

func (s *Service) driverTransition(ctx context.Context, caller models.Caller, rideID string, to models.RideStatus, mutate func(r *models.Ride)) (*View, error) {
	if !caller.Is(models.RoleDriver) {
		return nil, apperr.ErrWrongRole
	}
	var view *View
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if r.DriverID != caller.ID {
			return apperr.ErrNotYourRide
		}
		if !models.RideTransitions.Allowed(r.Status, to) {
			return apperr.Conflict("invalid_ride_transition", "ride cannot move from %s to %s", r.Status, to)
		}
		if to == models.RideCompleted && r.Shared {
			legs, err := tx.ListLegs(ctx, rideID)
			if err != nil {
				return err
			}
			for _, l := range legs {
				if l.State != models.LegDroppedOff {
					return apperr.Conflict("legs_not_dropped_off", "passenger %s is still %s", l.PassengerID, l.State)
				}
			}
		}
		if mutate != nil {
			mutate(r)
		}
		view, err = s.apply(ctx, tx, r, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ride transition", zap.String("ride_id", rideID), zap.String("driver_id", caller.ID), zap.String("to", string(to)))
	if t, ok := transitionEvent(to); ok {
		s.emitter.Emit(ctx, rideEvent(t, view))
	}
	return view, nil
}

// apply persists r in status to, guarded on its current status, and moves
// every journey riding on it along.
func (s *Service) apply(ctx context.Context, tx storage.Tx, r *models.Ride, to models.RideStatus) (*View, error) {
	now := s.now()
	prev := r.Status
	r.Status = to
	r.UpdatedAt = now
	stamp(r, to, now)
	if err := tx.UpdateRide(ctx, r, prev); err != nil {
		return nil, err
	}
	legs, err := tx.ListLegs(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if target, ok := journeyTarget(to); ok {
		for _, id := range journeyIDs(r, legs) {
			if err := advanceJourney(ctx, tx, id, target, now); err != nil {
				return nil, err
			}
		}
	}
	observability.RideTransitionsTotal.WithLabelValues(string(to)).Inc()
	return &View{Ride: *r, Legs: legs}, nil
}

func stamp(r *models.Ride, to models.RideStatus, now time.Time) {
	switch {
	case to == models.RideOngoing && r.StartedAt == nil:
		r.StartedAt = &now
	case to == models.RideCompleted:
		r.CompletedAt = &now
		if r.FinalFare == nil {
			f := r.Fare
			r.FinalFare = &f
		}
	case to.Cancelled() || to == models.RideNoShow:
		r.CancelledAt = &now
	}
}

func journeyTarget(to models.RideStatus) (models.JourneyStatus, bool) {
	switch {
	case to == models.RideOngoing:
		return models.JourneyConfirmed, true
	case to == models.RideCompleted:
		return models.JourneyCompleted, true
	case to.Cancelled() || to == models.RideNoShow:
		return models.JourneyCancelled, true
	}
	return "", false
}

func journeyIDs(r *models.Ride, legs []models.Leg) []string {
	ids := []string{r.JourneyID}
	seen := map[string]bool{r.JourneyID: true}
	for _, l := range legs {
		if !seen[l.JourneyID] {
			seen[l.JourneyID] = true
			ids = append(ids, l.JourneyID)
		}
	}
	return ids
}

// advanceJourney moves a journey to target when its state machine allows it
// and leaves it untouched otherwise.
func advanceJourney(ctx context.Context, tx storage.Tx, id string, target models.JourneyStatus, now time.Time) error {
	j, err := tx.LockJourney(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == target || !models.JourneyTransitions.Allowed(j.Status, target) {
		return nil
	}
	return tx.SetJourneyStatus(ctx, id, j.Status, target, now)
}

func transitionEvent(to models.RideStatus) (events.Type, bool) {
	switch to {
	case models.RideDriverArrived:
		return events.RideDriverArrived, true
	case models.RideOngoing:
		return events.RideStarted, true
	case models.RideCompleted:
		return events.RideCompleted, true
	case models.RideNoShow:
		return events.RideNoShow, true
	}
	return "", false
}

func recipients(r models.Ride, legs []models.Leg) []string {
	out := []string{r.DriverID, r.PassengerID}
	for _, l := range legs {
		if l.PassengerID != r.PassengerID {
			out = append(out, l.PassengerID)
		}
	}
	return out
}

func rideEvent(t events.Type, v *View) events.Event {
	e := events.New(t, v.ID, string(v.Status), recipients(v.Ride, v.Legs)...)
	e = e.With("journey_id", v.JourneyID).With("driver_id", v.DriverID)
	if v.FinalFare != nil {
		e = e.With("final_fare", v.FinalFare.StringFixed(2))
	}
	return e
}

func withdrawnEvent(v *View, leg models.Leg, reason string) events.Event {
	return events.New(events.RideLegWithdrawn, v.ID, string(v.Status), append(recipients(v.Ride, v.Legs), leg.PassengerID)...).
		With("passenger_id", leg.PassengerID).
		With("journey_id", leg.JourneyID).
		With("fare", v.Fare.StringFixed(2)).
		With("seats_taken", v.SeatsTaken).
		With("reason", reason)
}

// AcceptedEvent describes a ride that was just created or joined.
func AcceptedEvent(r *models.Ride, merged bool) events.Event {
	return events.New(events.RideAccepted, r.ID, string(r.Status), r.DriverID, r.PassengerID).
		With("journey_id", r.JourneyID).
		With("fare", r.Fare.StringFixed(2)).
		With("shared", r.Shared).
		With("merged", merged)
}
