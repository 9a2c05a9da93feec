package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChargeRequest asks the provider to authorise an amount for one payer.
type ChargeRequest struct {
	RideID         string
	PayerID        string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IdempotencyKey string
}

// ChargeResult is the provider's answer. A declined charge is not an error.
type ChargeResult struct {
	Approved      bool
	Reference     string
	DeclineReason string
}

// Charger authorises funds and later captures or voids the authorisation.
type Charger interface {
	Authorize(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Capture(ctx context.Context, reference string) error
	Void(ctx context.Context, reference string) error
}

// MinorUnits converts an amount to integer cents.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

var ErrUnknownReference = errors.New("unknown payment reference")

// Offline approves every charge and remembers the outcome; for local runs and tests.
type Offline struct {
	mu       sync.Mutex
	Decline  bool
	Fail     error
	captured map[string]bool
	voided   map[string]bool
	auths    map[string]ChargeRequest
}

func NewOffline() *Offline {
	return &Offline{captured: map[string]bool{}, voided: map[string]bool{}, auths: map[string]ChargeRequest{}}
}

func (o *Offline) Authorize(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Fail != nil {
		return ChargeResult{}, o.Fail
	}
	if o.Decline {
		return ChargeResult{Approved: false, DeclineReason: "card_declined"}, nil
	}
	ref := "off_" + uuid.NewString()
	o.auths[ref] = req
	return ChargeResult{Approved: true, Reference: ref}, nil
}

func (o *Offline) Capture(_ context.Context, ref string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.auths[ref]; !ok {
		return fmt.Errorf("capture %s: %w", ref, ErrUnknownReference)
	}
	o.captured[ref] = true
	return nil
}

func (o *Offline) Void(_ context.Context, ref string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.auths[ref]; !ok {
		return fmt.Errorf("void %s: %w", ref, ErrUnknownReference)
	}
	o.voided[ref] = true
	return nil
}

// Counts reports how many authorisations were captured and voided.
func (o *Offline) Counts() (authorized, captured, voided int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.auths), len(o.captured), len(o.voided)
}
