package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrQuotaExceeded marks an upstream failure caused by rate limiting. Errors
// wrapping it are recorded with kind "quota" so the backoff controller can
// distinguish throttling from transient faults.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrSkipped is returned when a fetch is suppressed by the backoff window
// and no previously cached value exists to degrade to.
var ErrSkipped = errors.New("fetch skipped by backoff")

// QuotaError is an upstream rate-limit response (e.g. HTTP 429).
type QuotaError struct {
	StatusCode int
	Message    string
}

func (e *QuotaError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("quota exceeded (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("quota exceeded (status %d)", e.StatusCode)
}

// Is makes QuotaError match ErrQuotaExceeded with errors.Is.
func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// ClassifyKind maps an upstream error to the error-kind label stored in
// ErrorState and used for metrics.
func ClassifyKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		return "error"
	}
}
