// Package settlement closes out completed rides financially: the fare, with
// commission and an optional voucher, and tips given afterwards.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/events"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/observability"
	"github.com/example/rideshare-core/internal/payments"
	"github.com/example/rideshare-core/internal/storage"
	"github.com/example/rideshare-core/internal/vouchers"
)

type Config struct {
	CommissionRate  decimal.Decimal
	WaiverThreshold int
	TipMin          decimal.Decimal
	TipMax          decimal.Decimal
	Currency        string
}

type Service struct {
	store    storage.Store
	charger  payments.Charger
	vouchers *vouchers.Service
	emitter  *events.Emitter
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(store storage.Store, charger payments.Charger, vs *vouchers.Service, emitter *events.Emitter, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Service{store: store, charger: charger, vouchers: vs, emitter: emitter, logger: logger, cfg: cfg, now: time.Now}
}

type SettleCommand struct {
	VoucherCode string `json:"voucher_code,omitempty"`
}

// Result is the outcome of a fare settlement.
type Result struct {
	Ride     *models.Ride     `json:"ride"`
	Payments []models.Payment `json:"payments"`
	Voucher  *vouchers.Quote  `json:"voucher,omitempty"`
}

// SettleFare charges the fare of a completed ride once. Every passenger share
// is authorised with the provider inside the settlement transaction; the
// authorisations are captured after commit and voided if anything fails, so a
// failed settlement leaves no payment and an unpaid ride behind.
func (s *Service) SettleFare(ctx context.Context, caller models.Caller, rideID string, cmd SettleCommand) (*Result, error) {
	if !caller.Is(models.RoleSystem) {
		return nil, apperr.ErrWrongRole
	}

	quote, err := s.preview(ctx, rideID, strings.TrimSpace(cmd.VoucherCode))
	if err != nil {
		s.count(models.PaymentFare, err)
		return nil, err
	}

	var (
		res   Result
		auths []string
	)
	attempt := uuid.NewString()
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if r.Status != models.RideCompleted {
			return apperr.ErrRideNotCompleted
		}
		if r.Paid {
			return apperr.ErrAlreadyPaid
		}
		legs, err := tx.ListLegs(ctx, rideID)
		if err != nil {
			return err
		}
		completed, err := tx.CountCompletedRides(ctx, r.DriverID)
		if err != nil {
			return err
		}

		now := s.now()
		for _, sh := range shares(r, legs) {
			split := s.cfg.Split(sh.Gross, completed)
			p := models.Payment{
				ID:               uuid.NewString(),
				RideID:           r.ID,
				PayerID:          sh.PayerID,
				DriverID:         r.DriverID,
				Kind:             models.PaymentFare,
				Gross:            split.Gross,
				Discount:         decimal.Zero,
				Commission:       split.Commission,
				DriverEarnings:   split.DriverEarnings,
				CommissionWaived: split.Waived,
				Status:           models.PaymentCompleted,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if quote != nil && sh.PayerID == r.PassengerID {
				p.Discount = decimal.Min(quote.Discount, sh.Gross)
				p.VoucherID = quote.VoucherID
			}
			p.Charged = p.Gross.Sub(p.Discount)

			if p.Charged.IsPositive() {
				ref, err := s.authorize(ctx, p, attempt)
				if err != nil {
					return err
				}
				auths = append(auths, ref)
				p.ProviderRef = ref
			}
			if err := tx.InsertPayment(ctx, &p); err != nil {
				return err
			}
			res.Payments = append(res.Payments, p)
		}

		prev := r.Status
		r.Paid = true
		r.UpdatedAt = now
		if err := tx.UpdateRide(ctx, r, prev); err != nil {
			return err
		}
		if quote != nil {
			if err := s.vouchers.Redeem(ctx, tx, quote, r.ID); err != nil {
				return err
			}
			res.Voucher = quote
		}
		if len(res.Payments) > 0 && res.Payments[0].CommissionWaived {
			observability.CommissionWaivedTotal.Inc()
		}
		res.Ride = r
		return nil
	})
	if err != nil {
		s.void(ctx, auths)
		s.count(models.PaymentFare, err)
		s.logger.Warn("fare settlement failed", zap.String("ride_id", rideID), zap.Error(err))
		return nil, err
	}
	s.capture(ctx, auths)
	s.count(models.PaymentFare, nil)

	s.logger.Info("fare settled",
		zap.String("ride_id", rideID),
		zap.Int("payments", len(res.Payments)),
		zap.Bool("voucher", res.Voucher != nil),
	)
	evs := make([]events.Event, 0, len(res.Payments)+1)
	for _, p := range res.Payments {
		evs = append(evs, paymentEvent(events.PaymentProcessed, p))
	}
	if res.Voucher != nil {
		evs = append(evs, events.New(events.VoucherRedeemed, res.Voucher.UserVoucherID, string(models.UserVoucherRedeemed), res.Ride.PassengerID).
			With("ride_id", rideID).
			With("code", res.Voucher.Code).
			With("discount", res.Voucher.Discount.StringFixed(2)))
	}
	s.emitter.Emit(ctx, evs...)
	return &res, nil
}

// preview checks eligibility without locking and prices the voucher against
// the primary passenger's share. The transaction re-checks everything.
func (s *Service) preview(ctx context.Context, rideID, code string) (*vouchers.Quote, error) {
	var (
		r    *models.Ride
		legs []models.Leg
	)
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if r, err = tx.GetRide(ctx, rideID); err != nil {
			return err
		}
		legs, err = tx.ListLegs(ctx, rideID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r.Status != models.RideCompleted {
		return nil, apperr.ErrRideNotCompleted
	}
	if r.Paid {
		return nil, apperr.ErrAlreadyPaid
	}
	if code == "" {
		return nil, nil
	}
	if s.vouchers == nil {
		return nil, apperr.ErrVoucherUnavailable
	}
	amount := r.ChargeableFare()
	for _, sh := range shares(r, legs) {
		if sh.PayerID == r.PassengerID {
			amount = sh.Gross
			break
		}
	}
	return s.vouchers.Quote(ctx, r.PassengerID, code, amount)
}

type TipCommand struct {
	Amount decimal.Decimal `json:"amount"`
}

// SettleTip records a tip from a passenger of a completed and paid ride. Tips
// carry no commission and each passenger may tip once per ride.
func (s *Service) SettleTip(ctx context.Context, caller models.Caller, rideID string, cmd TipCommand) (*models.Payment, error) {
	if !caller.Is(models.RoleRider) {
		return nil, apperr.ErrWrongRole
	}
	amount := cmd.Amount.Round(2)
	if amount.LessThan(s.cfg.TipMin) || (s.cfg.TipMax.IsPositive() && amount.GreaterThan(s.cfg.TipMax)) {
		return nil, apperr.Validation("invalid_tip", "tip must be between %s and %s", s.cfg.TipMin.StringFixed(2), s.cfg.TipMax.StringFixed(2))
	}

	var (
		p    models.Payment
		auth string
	)
	attempt := uuid.NewString()
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		legs, err := tx.ListLegs(ctx, rideID)
		if err != nil {
			return err
		}
		if !r.HasPassenger(caller.ID, legs) {
			return apperr.ErrNotYourRide
		}
		if r.Status != models.RideCompleted {
			return apperr.ErrRideNotCompleted
		}
		if !r.Paid {
			return apperr.ErrRideNotPaid
		}
		existing, err := tx.ListPayments(ctx, rideID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Kind == models.PaymentTip && e.PayerID == caller.ID {
				return apperr.ErrTipAlreadyGiven
			}
		}

		now := s.now()
		p = models.Payment{
			ID:             uuid.NewString(),
			RideID:         rideID,
			PayerID:        caller.ID,
			DriverID:       r.DriverID,
			Kind:           models.PaymentTip,
			Gross:          amount,
			Discount:       decimal.Zero,
			Charged:        amount,
			Commission:     decimal.Zero,
			DriverEarnings: amount,
			Status:         models.PaymentCompleted,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if auth, err = s.authorize(ctx, p, attempt); err != nil {
			return err
		}
		p.ProviderRef = auth
		return tx.InsertPayment(ctx, &p)
	})
	if err != nil {
		if auth != "" {
			s.void(ctx, []string{auth})
		}
		s.count(models.PaymentTip, err)
		return nil, err
	}
	s.capture(ctx, []string{auth})
	s.count(models.PaymentTip, nil)
	s.logger.Info("tip settled", zap.String("ride_id", rideID), zap.String("payer_id", caller.ID), zap.String("amount", amount.StringFixed(2)))
	s.emitter.Emit(ctx, paymentEvent(events.PaymentTipProcessed, p))
	return &p, nil
}

// UpdatePaymentStatus applies a provider callback to a payment. Repeating the
// current status is accepted and changes nothing.
func (s *Service) UpdatePaymentStatus(ctx context.Context, caller models.Caller, paymentID string, to models.PaymentStatus) (*models.Payment, error) {
	if !caller.Is(models.RoleSystem) {
		return nil, apperr.ErrWrongRole
	}
	var p *models.Payment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		if p, err = tx.LockPayment(ctx, paymentID); err != nil {
			return err
		}
		if p.Status == to {
			return nil
		}
		if !models.PaymentTransitions.Allowed(p.Status, to) {
			return apperr.Conflict("invalid_payment_transition", "payment cannot move from %s to %s", p.Status, to)
		}
		now := s.now()
		if err := tx.SetPaymentStatus(ctx, paymentID, p.Status, to, now); err != nil {
			return err
		}
		p.Status, p.UpdatedAt = to, now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment status updated", zap.String("payment_id", paymentID), zap.String("status", string(to)))
	return p, nil
}

// ListPayments returns the payments of a ride to its participants and staff.
func (s *Service) ListPayments(ctx context.Context, caller models.Caller, rideID string) ([]models.Payment, error) {
	var out []models.Payment
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		r, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		legs, err := tx.ListLegs(ctx, rideID)
		if err != nil {
			return err
		}
		staff := caller.Is(models.RoleAdmin) || caller.Is(models.RoleSystem)
		if !staff && r.DriverID != caller.ID && !r.HasPassenger(caller.ID, legs) {
			return apperr.ErrNotYourRide
		}
		out, err = tx.ListPayments(ctx, rideID)
		return err
	})
	return out, err
}

// authorize keys the request by settlement attempt so the provider dedupes
// retries within one call but never replays a voided or declined attempt.
func (s *Service) authorize(ctx context.Context, p models.Payment, attempt string) (string, error) {
	res, err := s.charger.Authorize(ctx, payments.ChargeRequest{
		RideID:         p.RideID,
		PayerID:        p.PayerID,
		Amount:         p.Charged,
		Currency:       s.cfg.Currency,
		Description:    fmt.Sprintf("%s for ride %s", strings.ToLower(string(p.Kind)), p.RideID),
		IdempotencyKey: fmt.Sprintf("%s:%s:%s:%s", p.RideID, p.PayerID, p.Kind, attempt),
	})
	if err != nil {
		return "", apperr.Upstream("payment_provider", err)
	}
	if !res.Approved {
		reason := res.DeclineReason
		if reason == "" {
			reason = "declined"
		}
		return "", apperr.Upstream("payment_declined", errors.New(reason))
	}
	return res.Reference, nil
}

func (s *Service) void(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := s.charger.Void(context.WithoutCancel(ctx), ref); err != nil {
			s.logger.Error("void authorisation failed", zap.String("reference", ref), zap.Error(err))
		}
	}
}

// capture runs after commit. A failed capture leaves the payment recorded;
// the provider callback corrects its status.
func (s *Service) capture(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := s.charger.Capture(context.WithoutCancel(ctx), ref); err != nil {
			s.logger.Error("capture failed", zap.String("reference", ref), zap.Error(err))
		}
	}
}

func (s *Service) count(kind models.PaymentKind, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	observability.SettlementsTotal.WithLabelValues(string(kind), result).Inc()
}

func paymentEvent(t events.Type, p models.Payment) events.Event {
	return events.New(t, p.ID, string(p.Status), p.PayerID, p.DriverID).
		With("ride_id", p.RideID).
		With("gross", p.Gross.StringFixed(2)).
		With("charged", p.Charged.StringFixed(2)).
		With("commission", p.Commission.StringFixed(2)).
		With("driver_earnings", p.DriverEarnings.StringFixed(2)).
		With("commission_waived", p.CommissionWaived)
}
