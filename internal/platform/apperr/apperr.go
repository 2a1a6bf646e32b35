// Package apperr defines the error kinds shared by the queue, visit and
// confirmation services and maps them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicflow/queue/internal/platform/db"
)

type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindWindowClosed       Kind = "window_closed"
	KindRateLimited        Kind = "rate_limited"
	KindSuspiciousActivity Kind = "suspicious_activity"
	KindValidation         Kind = "validation"
	KindAllocationConflict Kind = "allocation_conflict"
)

// Error is a classified failure. Code is a stable machine-readable reason
// such as "limit_reached" or "token_expired".
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	CurrentStatus string
	Retryable     bool
	Err           error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, and by Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: what + "_not_found", Message: what + " not found"}
}

// InvalidState reports an operation attempted from a status that does not
// allow it. current is echoed to the caller.
func InvalidState(current string, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Code: "invalid_state", CurrentStatus: current, Message: fmt.Sprintf(format, args...)}
}

func WindowClosed(reason string, retryable bool) *Error {
	return &Error{Kind: KindWindowClosed, Code: reason, Retryable: retryable}
}

func RateLimited(code string) *Error {
	return &Error{Kind: KindRateLimited, Code: code, Retryable: true}
}

func Suspicious(code string) *Error {
	return &Error{Kind: KindSuspiciousActivity, Code: code}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: "validation_failed", Message: fmt.Sprintf(format, args...)}
}

func AllocationConflict(err error) *Error {
	return &Error{Kind: KindAllocationConflict, Code: "allocation_conflict", Retryable: true, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrWindowClosed       = &Error{Kind: KindWindowClosed}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrSuspicious         = &Error{Kind: KindSuspiciousActivity}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrAllocationConflict = &Error{Kind: KindAllocationConflict}
)

// KindOf returns the Kind of err, or "" for unclassified errors. Lock
// conflicts that exhausted their retries count as allocation conflicts.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, db.ErrLockConflict) {
		return KindAllocationConflict
	}
	return ""
}

func statusFor(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindWindowClosed, KindSuspiciousActivity:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindAllocationConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload returned to clients.
type Body struct {
	Code          string `json:"code"`
	Message       string `json:"message,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

// HTTP converts err into an *echo.HTTPError. Unclassified errors become a
// generic 500 so internal details never reach the client.
func HTTP(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var ae *Error
	if !errors.As(err, &ae) {
		if errors.Is(err, db.ErrLockConflict) {
			ae = AllocationConflict(err)
		} else {
			return echo.NewHTTPError(http.StatusInternalServerError, Body{Code: "internal_error"}).SetInternal(err)
		}
	}

	body := Body{
		Code:          ae.Code,
		Message:       ae.Message,
		CurrentStatus: ae.CurrentStatus,
		Retryable:     ae.Retryable,
	}
	if body.Code == "" {
		body.Code = string(ae.Kind)
	}
	return echo.NewHTTPError(statusFor(ae.Kind), body).SetInternal(err)
}
