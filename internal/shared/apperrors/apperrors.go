// Package apperrors implements the §7 error taxonomy shared by the
// realtime gateway and the REST surface, so both surfaces map the same
// domain failure onto the same code and HTTP status.
package apperrors

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindDomainRule         Kind = "DOMAIN_RULE"
	KindStoreUnavailable   Kind = "STORE_UNAVAILABLE"
	KindExternalUnavailable Kind = "EXTERNAL_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL"
)

// Error is the taxonomy-tagged error every core component returns.
// Code is the stable machine token (e.g. RIDE_TAKEN) surfaced in
// acknowledgements and REST bodies; Kind drives HTTP status and
// retry policy.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code string, cause error) *Error {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}

// Named domain errors referenced directly by the state machine,
// dispatch engine, and working-hours service (§7, §8).
var (
	ErrRideTaken            = New(KindConflict, "RIDE_TAKEN", "ride is no longer available")
	ErrInvalidOTP           = New(KindDomainRule, "INVALID_OTP", "otp does not match")
	ErrInsufficientBalance  = New(KindDomainRule, "INSUFFICIENT_BALANCE", "insufficient wallet balance")
	ErrRideNotFound         = New(KindNotFound, "RIDE_NOT_FOUND", "ride not found")
	ErrDriverNotFound       = New(KindNotFound, "DRIVER_NOT_FOUND", "driver not found")
	ErrInvalidTransition    = New(KindDomainRule, "INVALID_TRANSITION", "ride is not in a state that allows this action")
	ErrDuplicateRideRequest = New(KindInvalidInput, "DUPLICATE_RIDE", "duplicate raidId on insert")
)

// CheckError maps an error to an HTTP status for the REST surface. It
// tolerates plain errors (returns 500) so repo/driver code that hasn't
// been ported to *Error yet still degrades safely.
func CheckError(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case KindInvalidInput:
			return http.StatusBadRequest
		case KindUnauthenticated:
			return http.StatusUnauthorized
		case KindUnauthorized:
			return http.StatusForbidden
		case KindNotFound:
			return http.StatusNotFound
		case KindConflict:
			return http.StatusConflict
		case KindDomainRule:
			return http.StatusUnprocessableEntity
		case KindStoreUnavailable, KindExternalUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}

// Code extracts the stable machine code from an error, or "INTERNAL"
// for anything not tagged.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return string(KindInternal)
}
