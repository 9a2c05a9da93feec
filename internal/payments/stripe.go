package payments

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient authorises with manual-capture PaymentIntents, then captures
// or cancels them once the settlement transaction has resolved.
type StripeClient struct {
	intents  *paymentintent.Client
	currency string
	// Customer maps a payer id to a Stripe customer id; nil sends no customer.
	Customer func(payerID string) string
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	return NewStripeClientWithBackend(apiKey, currency, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(apiKey, currency string, backend stripe.Backend) *StripeClient {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeClient{intents: &paymentintent.Client{B: backend, Key: apiKey}, currency: currency}
}

func (s *StripeClient) Authorize(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(req.Amount)),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Description),
	}
	if s.Customer != nil {
		if id := s.Customer(req.PayerID); id != "" {
			params.Customer = stripe.String(id)
		}
	}
	params.Context = ctx
	params.AddMetadata("ride_id", req.RideID)
	params.AddMetadata("payer_id", req.PayerID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.intents.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return ChargeResult{Approved: false, DeclineReason: string(se.Code)}, nil
		}
		return ChargeResult{}, err
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture && pi.Status != stripe.PaymentIntentStatusSucceeded {
		return ChargeResult{Approved: false, Reference: pi.ID, DeclineReason: string(pi.Status)}, nil
	}
	return ChargeResult{Approved: true, Reference: pi.ID}, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(paymentIntentID, params)
	return err
}

// Void releases the hold on a PaymentIntent.
func (s *StripeClient) Void(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(paymentIntentID, params)
	return err
}
