// Package vouchers manages promotion codes and their one-time redemption.
package vouchers

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/apperr"
	"github.com/example/rideshare-core/internal/models"
	"github.com/example/rideshare-core/internal/observability"
	"github.com/example/rideshare-core/internal/storage"
)

type Service struct {
	store    storage.Store
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(store storage.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, validate: validator.New(), now: time.Now}
}

type CreateCommand struct {
	Code         string             `json:"code" validate:"required,min=3,max=64"`
	Kind         models.VoucherKind `json:"kind" validate:"required,oneof=PERCENT FLAT"`
	Value        decimal.Decimal    `json:"value"`
	MaxDiscount  decimal.Decimal    `json:"max_discount"`
	MinOrder     decimal.Decimal    `json:"min_order"`
	StartsAt     time.Time          `json:"starts_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	GlobalLimit  int                `json:"global_limit" validate:"gte=0"`
	PerUserLimit int                `json:"per_user_limit" validate:"gte=0"`
}

func (s *Service) Create(ctx context.Context, caller models.Caller, cmd CreateCommand) (*models.Voucher, error) {
	if !caller.Is(models.RoleAdmin) {
		return nil, apperr.ErrWrongRole
	}
	if err := s.validate.Struct(cmd); err != nil {
		return nil, apperr.Validation("invalid_voucher", "%v", err)
	}
	if !cmd.Value.IsPositive() {
		return nil, apperr.Validation("invalid_voucher", "value must be positive")
	}
	if cmd.Kind == models.VoucherPercent && cmd.Value.GreaterThan(decimal.NewFromInt(100)) {
		return nil, apperr.Validation("invalid_voucher", "percent value must be <= 100")
	}
	if cmd.MaxDiscount.IsNegative() || cmd.MinOrder.IsNegative() {
		return nil, apperr.Validation("invalid_voucher", "amounts must not be negative")
	}
	if !cmd.ExpiresAt.IsZero() && !cmd.ExpiresAt.After(cmd.StartsAt) {
		return nil, apperr.Validation("invalid_voucher", "expires_at must be after starts_at")
	}

	v := &models.Voucher{
		ID:           uuid.NewString(),
		Code:         strings.ToUpper(strings.TrimSpace(cmd.Code)),
		Kind:         cmd.Kind,
		Value:        cmd.Value,
		MaxDiscount:  cmd.MaxDiscount,
		MinOrder:     cmd.MinOrder,
		StartsAt:     cmd.StartsAt,
		ExpiresAt:    cmd.ExpiresAt,
		Active:       true,
		GlobalLimit:  cmd.GlobalLimit,
		PerUserLimit: cmd.PerUserLimit,
		CreatedAt:    s.now(),
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertVoucher(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("voucher created", zap.String("voucher_id", v.ID), zap.String("code", v.Code))
	return v, nil
}

// Grant gives userID one redeemable copy of the voucher.
func (s *Service) Grant(ctx context.Context, caller models.Caller, code, userID string) (*models.UserVoucher, error) {
	if !caller.Is(models.RoleAdmin) && !caller.Is(models.RoleSystem) {
		return nil, apperr.ErrWrongRole
	}
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user_required", "user id is required")
	}
	var uv *models.UserVoucher
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		v, err := tx.GetVoucherByCode(ctx, code)
		if err != nil {
			return err
		}
		if v.PerUserLimit > 0 {
			avail, err := tx.CountUserVouchers(ctx, userID, v.ID, models.UserVoucherAvailable)
			if err != nil {
				return err
			}
			used, err := tx.CountUserVouchers(ctx, userID, v.ID, models.UserVoucherRedeemed)
			if err != nil {
				return err
			}
			if avail+used >= v.PerUserLimit {
				return apperr.Conflict("voucher_limit_reached", "user already holds the maximum grants for this voucher")
			}
		}
		uv = &models.UserVoucher{
			ID:        uuid.NewString(),
			UserID:    userID,
			VoucherID: v.ID,
			Status:    models.UserVoucherAvailable,
			CreatedAt: s.now(),
		}
		return tx.InsertUserVoucher(ctx, uv)
	})
	if err != nil {
		return nil, err
	}
	return uv, nil
}

// Quote is a priced, not yet redeemed, voucher application.
type Quote struct {
	VoucherID     string          `json:"voucher_id"`
	UserVoucherID string          `json:"user_voucher_id"`
	Code          string          `json:"code"`
	Amount        decimal.Decimal `json:"amount"`
	Discount      decimal.Decimal `json:"discount"`
}

// Quote prices the voucher for amount without changing any state.
func (s *Service) Quote(ctx context.Context, userID, code string, amount decimal.Decimal) (*Quote, error) {
	var q *Quote
	err := s.store.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		q, err = s.quote(ctx, tx, userID, code, amount)
		return err
	})
	return q, err
}

func (s *Service) quote(ctx context.Context, tx storage.Tx, userID, code string, amount decimal.Decimal) (*Quote, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Validation("voucher_code_required", "voucher code is required")
	}
	v, err := tx.GetVoucherByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !v.Usable(s.now()) {
		return nil, apperr.ErrVoucherUnavailable
	}
	if amount.LessThan(v.MinOrder) {
		return nil, apperr.Validation("below_min_order", "order amount %s is below the voucher minimum %s", amount.StringFixed(2), v.MinOrder.StringFixed(2))
	}
	if v.PerUserLimit > 0 {
		used, err := tx.CountUserVouchers(ctx, userID, v.ID, models.UserVoucherRedeemed)
		if err != nil {
			return nil, err
		}
		if used >= v.PerUserLimit {
			return nil, apperr.ErrVoucherUsed
		}
	}
	uv, err := tx.FindAvailableUserVoucher(ctx, userID, v.ID)
	if err != nil {
		return nil, err
	}
	return &Quote{
		VoucherID:     v.ID,
		UserVoucherID: uv.ID,
		Code:          v.Code,
		Amount:        amount,
		Discount:      v.Discount(amount),
	}, nil
}

// Redeem marks the quoted grant used and counts it against the global limit.
// It runs inside the caller's transaction; a grant already used yields
// apperr.ErrVoucherUsed.
func (s *Service) Redeem(ctx context.Context, tx storage.Tx, q *Quote, rideID string) error {
	if err := tx.RedeemUserVoucher(ctx, q.UserVoucherID, rideID, s.now()); err != nil {
		return err
	}
	if err := tx.IncrementVoucherUsage(ctx, q.VoucherID); err != nil {
		return err
	}
	observability.VoucherRedemptions.Inc()
	return nil
}

// RedeemStandalone quotes and redeems in one transaction of its own.
func (s *Service) RedeemStandalone(ctx context.Context, userID, code, rideID string, amount decimal.Decimal) (*Quote, error) {
	var q *Quote
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		q, err = s.quote(ctx, tx, userID, code, amount)
		if err != nil {
			return err
		}
		return s.Redeem(ctx, tx, q, rideID)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}
