package rides

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/events"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/observability"
	"github.com/example/rideshare-core/internal/storage"
)

// UpdatePassengerLegStatus moves one passenger's leg and re-derives the ride
// status from all of its legs in the same transaction. Setting a leg to the
// state it already has changes nothing.
func (s *Service) UpdatePassengerLegStatus(ctx context.Context, caller models.Caller, rideID, passengerID string, state models.LegState) (*View, error) {
	if !state.Valid() {
		return nil, apperr.Validation("invalid_leg_state", "unknown leg state %q", state)
	}
	if !caller.Is(models.RoleDriver) && !caller.Is(models.RoleSystem) {
		return nil, apperr.ErrWrongRole
	}

	var (
		view     *View
		moved    bool
		promoted bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// Locking the ride serialises aggregation across concurrent leg updates.
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if caller.Is(models.RoleDriver) && r.DriverID != caller.ID {
			return apperr.ErrNotYourRide
		}
		legs, err := tx.ListLegs(ctx, rideID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range legs {
			if legs[i].PassengerID == passengerID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperr.ErrLegNotFound
		}
		leg := &legs[idx]
		if leg.State == state {
			view = &View{Ride: *r, Legs: legs}
			return nil
		}
		if r.Status.Terminal() {
			return apperr.Conflict("ride_not_active", "ride is already %s", r.Status)
		}
		if !models.LegTransitions.Allowed(leg.State, state) {
			return apperr.Conflict("invalid_leg_transition", "leg cannot move from %s to %s", leg.State, state)
		}

		now := s.now()
		if err := tx.SetLegState(ctx, leg.ID, leg.State, state, now); err != nil {
			return err
		}
		leg.State = state
		leg.UpdatedAt = now
		moved = true

		switch state {
		case models.LegOnBoard:
			err = advanceJourney(ctx, tx, leg.JourneyID, models.JourneyConfirmed, now)
		case models.LegDroppedOff:
			err = advanceJourney(ctx, tx, leg.JourneyID, models.JourneyCompleted, now)
		}
		if err != nil {
			return err
		}

		next, changed := models.AggregateLegs(r.Status, legs)
		if !changed {
			view = &View{Ride: *r, Legs: legs}
			return nil
		}
		prev := r.Status
		r.Status = next
		r.UpdatedAt = now
		stamp(r, next, now)
		if err := tx.UpdateRide(ctx, r, prev); err != nil {
			return err
		}
		if next == models.RideCompleted {
			for _, id := range journeyIDs(r, legs) {
				if err := advanceJourney(ctx, tx, id, models.JourneyCompleted, now); err != nil {
					return err
				}
			}
		}
		observability.RideTransitionsTotal.WithLabelValues(string(next)).Inc()
		promoted = true
		view = &View{Ride: *r, Legs: legs}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("leg updated",
		zap.String("ride_id", rideID),
		zap.String("passenger_id", passengerID),
		zap.String("state", string(state)),
		zap.String("ride_status", string(view.Status)),
	)
	if moved {
		s.emitter.Emit(ctx, legEvent(view, passengerID, state))
	}
	if promoted {
		if t, ok := transitionEvent(view.Status); ok {
			s.emitter.Emit(ctx, rideEvent(t, view))
		}
	}
	return view, nil
}

func legEvent(v *View, passengerID string, state models.LegState) events.Event {
	return events.New(events.RideLegUpdated, v.ID, string(state), passengerID, v.DriverID).
		With("passenger_id", passengerID).
		With("ride_status", string(v.Status))
}
