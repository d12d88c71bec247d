package provider

import (
	"context"
	"errors"
	"net"
)

// TransientError marks a provider failure worth retrying, such as a rate
// limit or server overload. Concrete transports wrap qualifying errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient provider error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err as retryable. Returns nil for nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RetryableStatus reports whether an HTTP status from a model API should
// be retried: rate limits and server errors.
func RetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// Transient reports whether err is worth retrying. Context cancellation
// is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
