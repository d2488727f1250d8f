// Package resilience keeps an agent that talks to many independent services
// alive when some of them fail. It provides per-service circuit breakers
// coordinated by a manager, a health monitor that probes components on their
// own schedules, a degradation controller that gates features by severity
// level, and a rollback manager that selects the last known-good checkpoint.
//
// The package never decides what a protected operation does. It only decides
// whether the operation is invoked, bounds how long it may take, and records
// the consequences.
package resilience

import (
	"context"
)

// ResilientClient defines a generic interface for executing requests.
// Type parameters Req and Resp can be any types, making this suitable for HTTP
// clients, SDK clients, or any other per-service call an agent makes.
//
// Example:
//
//	type PlatformClient struct {
//	    client *http.Client
//	}
//
//	func (c *PlatformClient) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
//	    return c.client.Do(req.WithContext(ctx))
//	}
//
//	cb, _ := manager.Register("platform", resilience.DefaultBreakerConfig())
//	guarded := resilience.NewBreakerClient[*http.Request, *http.Response](platformClient, cb)
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// Operation is a unit of work guarded by a CircuitBreaker.
type Operation func(ctx context.Context) error
