// Package apperr defines the error kinds surfaced by the core services.
// Callers classify failures with KindOf and render them by Code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "state_conflict"
	KindForbidden  Kind = "forbidden"
	KindNotFound   Kind = "not_found"
	KindUpstream   Kind = "upstream"
	KindInternal   Kind = "internal"
)

// Error is a classified failure with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newErr(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...any) *Error {
	return newErr(KindValidation, code, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newErr(KindConflict, code, format, args...)
}

func Forbidden(code, format string, args ...any) *Error {
	return newErr(KindForbidden, code, format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newErr(KindNotFound, code, format, args...)
}

// Upstream wraps a failure from an external collaborator such as the payment provider.
func Upstream(code string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: "upstream call failed", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: "internal error", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Shared sentinels used across services.
var (
	ErrJourneyNotFound = NotFound("journey_not_found", "journey not found")
	ErrBidNotFound     = NotFound("bid_not_found", "bid not found")
	ErrRideNotFound    = NotFound("ride_not_found", "ride not found")
	ErrLegNotFound     = NotFound("leg_not_found", "leg not found")
	ErrPaymentNotFound = NotFound("payment_not_found", "payment not found")
	ErrVoucherNotFound = NotFound("voucher_not_found", "voucher not found")

	ErrJourneyNotOpen     = Conflict("journey_not_open", "journey is not open for bids")
	ErrBidNotPending      = Conflict("bid_not_pending", "bid is no longer pending")
	ErrDuplicateBid       = Conflict("duplicate_bid", "driver already has a pending bid on this journey")
	ErrDriverUnavailable  = Conflict("driver_unavailable", "driver is not available")
	ErrRideNotCompleted   = Conflict("ride_not_completed", "ride is not completed")
	ErrRideNotPaid        = Conflict("ride_not_paid", "ride fare has not been settled")
	ErrAlreadyPaid        = Conflict("already_paid", "ride has already been paid")
	ErrRideFull           = Conflict("ride_full", "ride has no free seats")
	ErrAlreadyOnRide      = Conflict("already_on_ride", "passenger already has a leg on this ride")
	ErrTipAlreadyGiven    = Conflict("tip_already_given", "tip already recorded for this ride")
	ErrVoucherUsed        = Conflict("voucher_already_used", "voucher has already been used")
	ErrVoucherUnavailable = Conflict("voucher_unavailable", "voucher cannot be used")
	ErrConcurrentUpdate   = Conflict("concurrent_update", "record changed concurrently")

	ErrNotYourJourney = Forbidden("not_your_journey", "caller does not own this journey")
	ErrNotYourRide    = Forbidden("not_your_ride", "caller is not a participant of this ride")
	ErrWrongRole      = Forbidden("wrong_role", "caller role is not allowed to perform this action")
)
