// Package bidding holds journeys and the bids drivers place on them, and
// turns an accepted bid into a ride.
package bidding

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/events"
	"github.com/example/rideshare-core/internal/geo"
	"github.com/example/rideshare-core/internal/matcher"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/observability"
	"github.com/example/rideshare-core/internal/rides"
	"github.com/example/rideshare-core/internal/storage"
)

type Config struct {
	BidTTL           time.Duration
	RestrictedGender string
	DefaultCapacity  int
}

type Service struct {
	store    storage.Store
	dir      geo.Directory
	matcher  *matcher.Service
	rides    *rides.Service
	emitter  *events.Emitter
	logger   *zap.Logger
	validate *validator.Validate
	cfg      Config
	now      func() time.Time
}

func NewService(store storage.Store, dir geo.Directory, m *matcher.Service, rs *rides.Service, emitter *events.Emitter, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BidTTL <= 0 {
		cfg.BidTTL = 10 * time.Minute
	}
	return &Service{
		store:    store,
		dir:      dir,
		matcher:  m,
		rides:    rs,
		emitter:  emitter,
		logger:   logger,
		validate: validator.New(),
		cfg:      cfg,
		now:      time.Now,
	}
}

type CreateJourneyCommand struct {
	Origin               models.Coord `json:"origin"`
	Destination          models.Coord `json:"destination"`
	ScheduledAt          *time.Time   `json:"scheduled_at,omitempty"`
	Seats                int          `json:"seats" validate:"gte=0,lte=8"`
	Shareable            bool         `json:"shareable"`
	RestrictedOnly       bool         `json:"restricted_only"`
	PreferredVehicleType string       `json:"preferred_vehicle_type,omitempty" validate:"max=32"`
}

func (s *Service) CreateJourney(ctx context.Context, caller models.Caller, cmd CreateJourneyCommand) (*models.Journey, error) {
	if !caller.Is(models.RoleRider) {
		return nil, apperr.ErrWrongRole
	}
	if err := s.validate.Struct(cmd); err != nil {
		return nil, apperr.Validation("invalid_journey", "%v", err)
	}
	if cmd.Origin.Validate() != nil || cmd.Destination.Validate() != nil {
		return nil, apperr.Validation("invalid_coordinates", "origin and destination must be valid coordinates")
	}
	now := s.now()
	at := now
	if cmd.ScheduledAt != nil {
		if cmd.ScheduledAt.Before(now.Add(-time.Minute)) {
			return nil, apperr.Validation("scheduled_in_past", "scheduled_at must not be in the past")
		}
		at = *cmd.ScheduledAt
	}
	seats := cmd.Seats
	if seats == 0 {
		seats = 1
	}
	j := &models.Journey{
		ID:                   uuid.NewString(),
		RiderID:              caller.ID,
		Origin:               cmd.Origin,
		Destination:          cmd.Destination,
		ScheduledAt:          at.UTC(),
		Seats:                seats,
		Shareable:            cmd.Shareable,
		RestrictedOnly:       cmd.RestrictedOnly,
		PreferredVehicleType: cmd.PreferredVehicleType,
		Status:               models.JourneyOpen,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertJourney(ctx, j)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("journey created", zap.String("journey_id", j.ID), zap.String("rider_id", j.RiderID), zap.Bool("shareable", j.Shareable))
	return j, nil
}

// GetJourney shows a journey to its rider and to staff; drivers may see it
// while it is still open for bids.
func (s *Service) GetJourney(ctx context.Context, caller models.Caller, id string) (*models.Journey, error) {
	var j *models.Journey
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		j, err = tx.GetJourney(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case caller.Is(models.RoleAdmin), caller.Is(models.RoleSystem), j.RiderID == caller.ID:
		return j, nil
	case caller.Is(models.RoleDriver) && j.Status == models.JourneyOpen:
		return j, nil
	}
	return nil, apperr.ErrNotYourJourney
}

// Matches ranks the drivers currently able to serve the journey.
func (s *Service) Matches(ctx context.Context, caller models.Caller, id string, radiusKm float64) ([]matcher.Candidate, error) {
	j, err := s.GetJourney(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if caller.Is(models.RoleDriver) {
		return nil, apperr.ErrWrongRole
	}
	origin := j.Origin
	return s.matcher.Match(ctx, matcher.Request{
		Origin:               &origin,
		PreferredVehicleType: j.PreferredVehicleType,
		RestrictedOnly:       j.RestrictedOnly,
		RadiusKm:             radiusKm,
	})
}

func (s *Service) CancelJourney(ctx context.Context, caller models.Caller, id string) (*models.Journey, error) {
	var j *models.Journey
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if j, err = tx.LockJourney(ctx, id); err != nil {
			return err
		}
		if j.RiderID != caller.ID {
			return apperr.ErrNotYourJourney
		}
		if j.Status != models.JourneyOpen {
			return apperr.ErrJourneyNotOpen
		}
		now := s.now()
		if err := tx.SetJourneyStatus(ctx, id, j.Status, models.JourneyCancelled, now); err != nil {
			return err
		}
		n, err := tx.RejectPendingBids(ctx, id, "", now)
		if err != nil {
			return err
		}
		observability.BidsTotal.WithLabelValues("rejected").Add(float64(n))
		j.Status, j.UpdatedAt = models.JourneyCancelled, now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("journey cancelled", zap.String("journey_id", id))
	return j, nil
}

type SubmitBidCommand struct {
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message,omitempty" validate:"max=280"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// SubmitBid records a pending offer from the calling driver. The driver must
// be online and available in the directory and may hold one pending bid per
// journey.
func (s *Service) SubmitBid(ctx context.Context, caller models.Caller, journeyID string, cmd SubmitBidCommand) (*models.Bid, error) {
	if !caller.Is(models.RoleDriver) {
		return nil, apperr.ErrWrongRole
	}
	if err := s.validate.Struct(cmd); err != nil {
		return nil, apperr.Validation("invalid_bid", "%v", err)
	}
	if !cmd.Amount.IsPositive() {
		return nil, apperr.Validation("invalid_amount", "bid amount must be positive")
	}
	now := s.now()
	expires := now.Add(s.cfg.BidTTL)
	if cmd.ExpiresAt != nil {
		if !cmd.ExpiresAt.After(now) {
			return nil, apperr.Validation("invalid_expiry", "expires_at must be in the future")
		}
		expires = *cmd.ExpiresAt
	}

	d, ok, err := s.dir.Get(ctx, caller.ID)
	if err != nil {
		return nil, apperr.Upstream("directory_unavailable", err)
	}
	if !ok || !d.Available {
		return nil, apperr.ErrDriverUnavailable
	}

	b := &models.Bid{
		ID:        uuid.NewString(),
		JourneyID: journeyID,
		DriverID:  caller.ID,
		Amount:    cmd.Amount.Round(2),
		Message:   cmd.Message,
		ExpiresAt: expires.UTC(),
		Status:    models.BidPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.LockJourney(ctx, journeyID)
		if err != nil {
			return err
		}
		if j.Status != models.JourneyOpen {
			return apperr.ErrJourneyNotOpen
		}
		if !matcher.Eligible(d, j.RestrictedOnly, s.cfg.RestrictedGender) {
			return apperr.Forbidden("driver_not_eligible", "driver does not serve restricted journeys")
		}
		dup, err := tx.HasPendingBid(ctx, journeyID, caller.ID, now)
		if err != nil {
			return err
		}
		if dup {
			return apperr.ErrDuplicateBid
		}
		return tx.InsertBid(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	observability.BidsTotal.WithLabelValues("submitted").Inc()
	s.logger.Info("bid submitted",
		zap.String("bid_id", b.ID),
		zap.String("journey_id", journeyID),
		zap.String("driver_id", caller.ID),
		zap.String("amount", b.Amount.StringFixed(2)),
	)
	return b, nil
}

// ListBids returns bids with lazy expiry applied. Drivers only see their own.
func (s *Service) ListBids(ctx context.Context, caller models.Caller, journeyID string) ([]models.Bid, error) {
	var out []models.Bid
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.GetJourney(ctx, journeyID)
		if err != nil {
			return err
		}
		owner := j.RiderID == caller.ID || caller.Is(models.RoleAdmin) || caller.Is(models.RoleSystem)
		if !owner && !caller.Is(models.RoleDriver) {
			return apperr.ErrNotYourJourney
		}
		bids, err := tx.ListBids(ctx, journeyID)
		if err != nil {
			return err
		}
		now := s.now()
		out = make([]models.Bid, 0, len(bids))
		for _, b := range bids {
			if !owner && b.DriverID != caller.ID {
				continue
			}
			b.Status = b.EffectiveStatus(now)
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

type AcceptResult struct {
	Journey *models.Journey `json:"journey"`
	Bid     *models.Bid     `json:"bid"`
	Ride    *models.Ride    `json:"ride"`
	Merged  bool            `json:"merged"`
}

// AcceptBid accepts one pending bid, rejects the others, matches the journey
// and creates or joins the ride, all in one transaction. Concurrent accepts on
// the same journey serialise on the journey row; losers see
// apperr.ErrJourneyNotOpen.
func (s *Service) AcceptBid(ctx context.Context, caller models.Caller, journeyID, bidID string) (*AcceptResult, error) {
	if !caller.Is(models.RoleRider) {
		return nil, apperr.ErrWrongRole
	}

	capacity, err := s.bidCapacity(ctx, journeyID, bidID)
	if err != nil {
		return nil, err
	}

	var res AcceptResult
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		j, err := tx.LockJourney(ctx, journeyID)
		if err != nil {
			return err
		}
		if j.RiderID != caller.ID {
			return apperr.ErrNotYourJourney
		}
		if j.Status != models.JourneyOpen {
			return apperr.ErrJourneyNotOpen
		}
		b, err := tx.LockBid(ctx, bidID)
		if err != nil {
			return err
		}
		if b.JourneyID != journeyID {
			return apperr.ErrBidNotFound
		}
		now := s.now()
		if b.EffectiveStatus(now) != models.BidPending {
			return apperr.ErrBidNotPending
		}

		if err := tx.SetBidStatus(ctx, b.ID, models.BidPending, models.BidAccepted, now); err != nil {
			return err
		}
		rejected, err := tx.RejectPendingBids(ctx, journeyID, b.ID, now)
		if err != nil {
			return err
		}
		if err := tx.SetJourneyStatus(ctx, journeyID, models.JourneyOpen, models.JourneyMatched, now); err != nil {
			return err
		}
		b.Status, b.UpdatedAt = models.BidAccepted, now
		j.Status, j.UpdatedAt = models.JourneyMatched, now

		ride, merged, err := s.rides.CreateFromBid(ctx, tx, j, b, capacity)
		if err != nil {
			return err
		}
		observability.BidsTotal.WithLabelValues("rejected").Add(float64(rejected))
		res = AcceptResult{Journey: j, Bid: b, Ride: ride, Merged: merged}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.BidsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("bid accepted",
		zap.String("journey_id", journeyID),
		zap.String("bid_id", bidID),
		zap.String("ride_id", res.Ride.ID),
		zap.Bool("merged", res.Merged),
	)
	s.emitter.Emit(ctx,
		events.New(events.BidAccepted, res.Bid.ID, string(res.Bid.Status), res.Bid.DriverID, res.Journey.RiderID).
			With("journey_id", journeyID).
			With("amount", res.Bid.Amount.StringFixed(2)),
		rides.AcceptedEvent(res.Ride, res.Merged),
	)
	return &res, nil
}

// bidCapacity resolves the seat count of the driver behind bidID before the
// accept transaction takes its locks. An unknown bid yields the default and
// is reported by the transaction itself.
func (s *Service) bidCapacity(ctx context.Context, journeyID, bidID string) (int, error) {
	var driverID string
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		bids, err := tx.ListBids(ctx, journeyID)
		if err != nil {
			return err
		}
		for _, b := range bids {
			if b.ID == bidID {
				driverID = b.DriverID
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if driverID == "" {
		return s.cfg.DefaultCapacity, nil
	}
	return s.capacityOf(ctx, driverID), nil
}

// capacityOf reads the driver's seat count; the configured default applies
// when the directory has none.
func (s *Service) capacityOf(ctx context.Context, driverID string) int {
	d, ok, err := s.dir.Get(ctx, driverID)
	if err != nil {
		s.logger.Warn("driver capacity lookup failed", zap.String("driver_id", driverID), zap.Error(err))
	}
	if err != nil || !ok || d.Seats <= 0 {
		return s.cfg.DefaultCapacity
	}
	return d.Seats
}
