package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("accept bid: %w", ErrBidNotPending)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "bid_not_pending", CodeOf(err))
	assert.True(t, errors.Is(err, ErrBidNotPending))
	assert.False(t, errors.Is(err, ErrJourneyNotOpen))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal", CodeOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Validation("bad", "x"):               http.StatusBadRequest,
		ErrAlreadyPaid:                       http.StatusConflict,
		ErrNotYourRide:                       http.StatusForbidden,
		ErrRideNotFound:                      http.StatusNotFound,
		Upstream("declined", errors.New("x")): http.StatusBadGateway,
		errors.New("x"):                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestUpstreamUnwraps(t *testing.T) {
	cause := errors.New("card declined")
	err := Upstream("charge_failed", cause)
	assert.ErrorIs(t, err, cause)
}
