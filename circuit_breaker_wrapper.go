package resilience

import (
	"context"
	"log/slog"
)

// BreakerClient wraps a ResilientClient so that every request goes through a
// CircuitBreaker. While the breaker is open, requests are rejected without
// reaching the wrapped client.
type BreakerClient[Req, Resp any] struct {
	client ResilientClient[Req, Resp]
	cb     *CircuitBreaker
}

// NewBreakerClient guards client with cb.
//
// Example:
//
//	cb, _ := manager.Register("search-api", resilience.DefaultBreakerConfig())
//	guarded := resilience.NewBreakerClient[SearchRequest, SearchResponse](searchClient, cb)
func NewBreakerClient[Req, Resp any](client ResilientClient[Req, Resp], cb *CircuitBreaker) *BreakerClient[Req, Resp] {
	return &BreakerClient[Req, Resp]{
		client: client,
		cb:     cb,
	}
}

// Execute sends req through the breaker. Rejections match ErrBreakerOpen;
// errors from the wrapped client are returned unchanged.
func (c *BreakerClient[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return Execute(ctx, c.cb, func(ctx context.Context) (Resp, error) {
		return c.client.Execute(ctx, req)
	})
}

// Breaker returns the guarding breaker.
func (c *BreakerClient[Req, Resp]) Breaker() *CircuitBreaker {
	return c.cb
}

// State returns the current state of the guarding breaker.
func (c *BreakerClient[Req, Resp]) State() BreakerState {
	return c.cb.State()
}

// GetHealth returns a snapshot of the guarding breaker.
func (c *BreakerClient[Req, Resp]) GetHealth() BreakerStatus {
	return c.cb.Status()
}

// CombineRetryAndBreaker layers caller-side retry over a breaker-guarded client.
// The breaker is the inner layer so that it sees every attempt; the retry is
// the outer layer and, with the default classifier, stops as soon as the
// breaker rejects.
func CombineRetryAndBreaker[Req, Resp any](
	client ResilientClient[Req, Resp],
	cb *CircuitBreaker,
	retryConfig *RetryConfig,
	logger *slog.Logger,
) ResilientClient[Req, Resp] {
	if logger != nil && retryConfig != nil {
		retryConfig.Logger = logger
	}

	withBreaker := NewBreakerClient(client, cb)

	return NewRetryWrapper[Req, Resp](withBreaker, func(c *RetryConfig) {
		if retryConfig != nil {
			*c = *retryConfig
		}
	})
}
