package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

var (
	// ErrBreakerOpen matches every fast-fail rejection, whether the breaker
	// is OPEN or HALF_OPEN with its trial call already in flight.
	ErrBreakerOpen = errors.New("resilience: circuit breaker open")

	// ErrDuplicateRegistration is returned when a name is registered twice.
	ErrDuplicateRegistration = errors.New("resilience: already registered")

	// ErrNotFound is returned for an unknown service or check name.
	ErrNotFound = errors.New("resilience: not registered")

	// ErrInvalidConfig is returned for configuration values that cannot work.
	ErrInvalidConfig = errors.New("resilience: invalid configuration")

	// ErrNoHealthyCheckpoint is returned by Rollback when no stored
	// checkpoint was captured while the system was healthy.
	ErrNoHealthyCheckpoint = errors.New("resilience: no healthy checkpoint")
)

// BreakerOpenError is returned when a breaker rejects a call without
// invoking the operation.
type BreakerOpenError struct {
	cause error
	// Service is the breaker's service name.
	Service string
	// State is the breaker state that caused the rejection.
	State BreakerState
	// RetryAfter is how long until the breaker will admit a trial call.
	// It is zero while a trial call is in flight.
	RetryAfter time.Duration
}

func newBreakerOpenError(service string, state BreakerState, retryAfter time.Duration, w *RollingWindow) *BreakerOpenError {
	return &BreakerOpenError{
		Service:    service,
		State:      state,
		RetryAfter: retryAfter,
		cause: jperrors.NewCircuitBreakerError(
			"request rejected",
			service,
			state.String(),
			jperrors.WithCause(ErrBreakerOpen),
			jperrors.WithCounts(windowCounts(w)),
		),
	}
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %q half-open: trial call in flight", e.Service)
	}
	return fmt.Sprintf("circuit breaker %q open: retry in %s", e.Service, e.RetryAfter)
}

// Unwrap exposes the jp-go-errors circuit breaker error.
func (e *BreakerOpenError) Unwrap() error {
	return e.cause
}

// Is reports whether target is ErrBreakerOpen.
func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

// IsBreakerOpen reports whether err is a fast-fail rejection.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, ErrBreakerOpen)
}

// ErrorClassifier determines whether an error should trigger a caller-side retry.
// Implement this interface to customize retry behavior for your specific error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// ErrorClassifierFunc adapts a function to ErrorClassifier.
type ErrorClassifierFunc func(err error) bool

// IsRetryable implements ErrorClassifier.
func (f ErrorClassifierFunc) IsRetryable(err error) bool {
	return f(err)
}

type defaultClassifier struct{}

// IsRetryable treats breaker rejections and caller cancellation as final.
// Everything else, including per-call timeouts, is retried.
func (defaultClassifier) IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	// A per-call timeout is transient; the caller's own deadline is not.
	case jperrors.IsTimeout(err):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return false
	// The breaker already decided the service is down.
	case IsBreakerOpen(err):
		return false
	default:
		return true
	}
}

// DefaultErrorClassifier returns the classifier used when none is configured.
func DefaultErrorClassifier() ErrorClassifier {
	return defaultClassifier{}
}

func windowCounts(w *RollingWindow) jperrors.CircuitCounts {
	if w == nil {
		return jperrors.CircuitCounts{}
	}
	return jperrors.CircuitCounts{
		Requests:             uint32(w.Len()),                  // #nosec G115 - bounded by window capacity
		TotalSuccesses:       uint32(w.Successes()),            // #nosec G115
		TotalFailures:        uint32(w.Failures()),             // #nosec G115
		ConsecutiveSuccesses: uint32(w.ConsecutiveSuccesses()), // #nosec G115
		ConsecutiveFailures:  uint32(w.ConsecutiveFailures()),  // #nosec G115
	}
}
