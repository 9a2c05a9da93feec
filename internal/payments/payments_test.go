package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1250), MinorUnits(decimal.RequireFromString("12.50")))
	assert.Equal(t, int64(1), MinorUnits(decimal.RequireFromString("0.005")))
	assert.Equal(t, int64(0), MinorUnits(decimal.Zero))
}

func TestOfflineLifecycle(t *testing.T) {
	o := NewOffline()
	ctx := context.Background()
	res, err := o.Authorize(ctx, ChargeRequest{RideID: "r1", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.NoError(t, o.Capture(ctx, res.Reference))
	assert.ErrorIs(t, o.Void(ctx, "nope"), ErrUnknownReference)

	a, c, v := o.Counts()
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, c)
	assert.Equal(t, 0, v)
}

func TestOfflineDeclineAndFail(t *testing.T) {
	o := NewOffline()
	o.Decline = true
	res, err := o.Authorize(context.Background(), ChargeRequest{})
	require.NoError(t, err)
	assert.False(t, res.Approved)

	o.Fail = errors.New("timeout")
	_, err = o.Authorize(context.Background(), ChargeRequest{})
	assert.Error(t, err)
}

func stripeBackend(t *testing.T, handler http.HandlerFunc) stripe.Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
}

func TestStripeAuthorizeRequiresCapture(t *testing.T) {
	var gotPath, gotAmount, gotCapture string
	backend := stripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotPath = r.URL.Path
		gotAmount = r.PostForm.Get("amount")
		gotCapture = r.PostForm.Get("capture_method")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"requires_capture"}`))
	})
	c := NewStripeClientWithBackend("sk_test_x", "usd", backend)

	res, err := c.Authorize(context.Background(), ChargeRequest{RideID: "r1", PayerID: "u1", Amount: decimal.RequireFromString("18.40")})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "pi_123", res.Reference)
	assert.Equal(t, "/v1/payment_intents", gotPath)
	assert.Equal(t, "1840", gotAmount)
	assert.Equal(t, "manual", gotCapture)
}

func TestStripeAuthorizeCardDeclined(t *testing.T) {
	backend := stripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	})
	c := NewStripeClientWithBackend("sk_test_x", "usd", backend)

	res, err := c.Authorize(context.Background(), ChargeRequest{Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "card_declined", res.DeclineReason)
}
