package usecase

import (
	"errors"
	"fmt"
	"time"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorPersistence  ErrorCode = "PERSISTENCE_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is the only error type the usecase layer returns. RetryAfter is set
// for ErrorRateLimited.
type Error struct {
	Code       ErrorCode
	Reason     string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// AsError returns err as *Error, wrapping anything else as INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return newError(ErrorInternal, "unexpected_error", err)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// upstreamError classifies a provider failure; a 429 from upstream is
// reported as rate limiting.
func upstreamError(prefix string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, prefix+"_rate_limited", err)
	}
	return newError(ErrorUpstream, prefix+"_error", err)
}
