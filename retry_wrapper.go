package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Retries are always the caller's choice: nothing
// else in this package retries on its own.
//
// Example:
//
//	post, err := resilience.Retry(ctx, func(ctx context.Context) (*Post, error) {
//	    return resilience.Execute(ctx, cb, publish)
//	}, resilience.WithMaxAttempts(4))
func Retry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...RetryOption) (T, error) {
	config := newRetryConfig(opts...)
	result, _, err := retryWith(ctx, config, fn)
	return result, err
}

func newRetryConfig(opts ...RetryOption) *RetryConfig {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}
	return config
}

// retryWith returns the result, the number of attempts made and the final error.
func retryWith[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var (
		zero     T
		result   T
		attempts int
	)

	if config.MaxAttempts <= 0 {
		return zero, 0, errors.New("max attempts must be positive")
	}
	if err := ctx.Err(); err != nil {
		return zero, 0, err
	}

	err := retry.Do(ctx, newBackoff(config), func(ctx context.Context) error {
		attempts++

		if err := ctx.Err(); err != nil {
			return err
		}

		r, err := fn(ctx)
		if err == nil {
			if attempts > 1 {
				config.Logger.Info("request succeeded after retry", "attempts", attempts)
			}
			result = r
			return nil
		}

		if !config.ErrorClassifier.IsRetryable(err) {
			config.Logger.Debug("non-retryable error, giving up",
				"error", err,
				"attempts", attempts)
			return err
		}

		config.Logger.Debug("retrying request after delay",
			"attempt", attempts,
			"error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		config.Logger.Warn("request failed after retries",
			"attempts", attempts,
			"error", err)
		return zero, attempts, err
	}
	return result, attempts, nil
}

// newBackoff builds the go-retry backoff for config. retry.Do counts the
// first attempt, so MaxAttempts-1 retries are allowed.
func newBackoff(config *RetryConfig) retry.Backoff {
	maxRetries := min(max(config.MaxAttempts-1, 0), 999)
	jitter := config.InitialDelay / 10

	var base retry.Backoff
	switch config.Strategy {
	case RetryStrategyConstant:
		base = retry.NewConstant(config.InitialDelay)
	case RetryStrategyFibonacci:
		base = retry.NewFibonacci(config.InitialDelay)
	default:
		base = newScaledExponential(config.InitialDelay, config.Multiplier)
	}

	if jitter > 0 {
		base = retry.WithJitter(jitter, base)
	}
	if config.MaxDelay > 0 {
		base = retry.WithCappedDuration(config.MaxDelay, base)
	}
	return retry.WithMaxRetries(uint64(maxRetries), base) // #nosec G115 - bounded above
}

// newScaledExponential grows the delay by multiplier per attempt.
// A multiplier of 2 (or an invalid one) uses go-retry's own exponential.
func newScaledExponential(initial time.Duration, multiplier float64) retry.Backoff {
	if multiplier <= 0 || multiplier == 2.0 {
		return retry.NewExponential(initial)
	}

	next := float64(initial)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay := next
		if next < float64(1<<62) {
			next *= multiplier
		}
		return time.Duration(delay), false
	})
}

// RetryWrapper wraps a ResilientClient with caller-side retry.
type RetryWrapper[Req, Resp any] struct {
	client ResilientClient[Req, Resp]
	config *RetryConfig
	stats  *retryStats
}

type retryStats struct {
	lastAttemptTime time.Time
	lastError       error
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	mu              sync.RWMutex
}

// NewRetryWrapper creates a retry wrapper around a ResilientClient.
//
// Example:
//
//	wrapper := resilience.NewRetryWrapper[Req, Resp](
//	    guarded,
//	    resilience.WithMaxAttempts(5),
//	    resilience.WithExponentialBackoff(time.Second, 30*time.Second),
//	)
func NewRetryWrapper[Req, Resp any](client ResilientClient[Req, Resp], opts ...RetryOption) *RetryWrapper[Req, Resp] {
	return &RetryWrapper[Req, Resp]{
		client: client,
		config: newRetryConfig(opts...),
		stats:  &retryStats{},
	}
}

// Execute performs the request with retry logic.
func (w *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	resp, attempts, err := retryWith(ctx, w.config, func(ctx context.Context) (Resp, error) {
		w.stats.mu.Lock()
		w.stats.lastAttemptTime = time.Now()
		w.stats.mu.Unlock()
		return w.client.Execute(ctx, req)
	})

	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()

	w.stats.totalAttempts += int64(attempts)
	if attempts > 1 {
		w.stats.totalRetries += int64(attempts - 1)
	}
	if err != nil {
		w.stats.totalFailures++
		w.stats.lastError = err
	} else {
		w.stats.totalSuccesses++
	}
	return resp, err
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// LastAttemptTime is when the most recent attempt started.
	LastAttemptTime time.Time

	// LastError is the error of the most recent failed request.
	LastError error

	// TotalAttempts counts every call to the client, first tries included.
	TotalAttempts int64

	// TotalRetries counts the attempts after the first of each request.
	TotalRetries int64

	// TotalSuccesses counts requests that eventually succeeded.
	TotalSuccesses int64

	// TotalFailures counts requests that failed once retries were exhausted.
	TotalFailures int64
}

// GetRetryStats returns a snapshot of the wrapper's statistics.
func (w *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   w.stats.totalAttempts,
		TotalRetries:    w.stats.totalRetries,
		TotalSuccesses:  w.stats.totalSuccesses,
		TotalFailures:   w.stats.totalFailures,
		LastAttemptTime: w.stats.lastAttemptTime,
		LastError:       w.stats.lastError,
	}
}
