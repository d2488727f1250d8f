package resilience

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int32

const (
	// StateClosed means calls flow normally and outcomes are recorded.
	StateClosed BreakerState = iota

	// StateHalfOpen means a single trial call decides whether to close again.
	StateHalfOpen

	// StateOpen means calls are rejected without being invoked.
	StateOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (s BreakerState) eventKind() EventKind {
	switch s {
	case StateOpen:
		return EventStateOpen
	case StateHalfOpen:
		return EventStateHalfOpen
	default:
		return EventStateClosed
	}
}

// CircuitBreaker guards calls to one service. It opens once FailureThreshold
// of the last WindowSize outcomes have failed, rejects calls while open, and
// after ResetTimeout admits exactly one trial call to decide whether to close.
type CircuitBreaker struct {
	openedAt time.Time
	clock    clockwork.Clock
	logger   *slog.Logger
	bus      *EventBus
	window   *RollingWindow
	name     string
	config   BreakerConfig

	mu sync.Mutex
	// generation changes on every transition; outcomes of calls admitted
	// under an older generation are discarded.
	generation    uint64
	probeInFlight bool

	state    atomic.Int32
	rejected atomic.Uint64
}

type stateTransition struct {
	at       time.Time
	from, to BreakerState
}

// NewCircuitBreaker creates a standalone breaker. Breakers created through a
// BreakerManager additionally publish their transitions on the manager's bus.
func NewCircuitBreaker(name string, config BreakerConfig) (*CircuitBreaker, error) {
	return newCircuitBreaker(name, config, nil)
}

func newCircuitBreaker(name string, config BreakerConfig, bus *EventBus) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: config.Logger,
		clock:  config.Clock,
		bus:    bus,
		window: NewRollingWindow(config.WindowSize),
	}, nil
}

// Name returns the service name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the breaker's configuration.
func (cb *CircuitBreaker) Config() BreakerConfig {
	return cb.config
}

// State returns the current state without causing a transition. An OPEN
// breaker whose reset timeout has elapsed still reports OPEN until the next
// call moves it to HALF_OPEN.
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(cb.state.Load())
}

// Call invokes op under breaker governance.
//
// The operation's own error is returned unchanged when it runs. When the
// breaker rejects the call, op is not invoked and a *BreakerOpenError
// matching ErrBreakerOpen is returned. With CallTimeout set, a call still
// running when the timeout elapses is recorded as a failure and a
// jp-go-errors timeout error is returned. A ctx that is already done is
// returned before admission and records nothing.
func (cb *CircuitBreaker) Call(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, probe, err := cb.admit()
	if err != nil {
		return err
	}

	opErr := runWithTimeout(ctx, cb.clock, cb.config.CallTimeout, cb.name, op)
	cb.settle(generation, probe, opErr)

	if opErr != nil {
		cb.logger.Debug("call failed through circuit breaker",
			"service", cb.name,
			"error", opErr)
	}
	return opErr
}

// Execute runs fn through cb and returns its result.
//
// Example:
//
//	profile, err := resilience.Execute(ctx, cb, func(ctx context.Context) (*Profile, error) {
//	    return api.FetchProfile(ctx, handle)
//	})
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		mu      sync.Mutex
		result  T
		settled bool
	)

	err := cb.Call(ctx, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		if !settled {
			result = r
		}
		mu.Unlock()
		return nil
	})

	mu.Lock()
	settled = true
	out := result
	mu.Unlock()

	if err != nil {
		return zero, err
	}
	return out, nil
}

// admit decides whether a call may proceed and, while HALF_OPEN, claims the
// single trial slot.
func (cb *CircuitBreaker) admit() (generation uint64, probe bool, err error) {
	var transitions []stateTransition

	cb.mu.Lock()
	now := cb.clock.Now()

	if cb.State() == StateOpen {
		elapsed := now.Sub(cb.openedAt)
		if elapsed < cb.config.ResetTimeout {
			rejection := newBreakerOpenError(cb.name, StateOpen, cb.config.ResetTimeout-elapsed, cb.window)
			cb.mu.Unlock()
			cb.reject(rejection)
			return 0, false, rejection
		}
		transitions = append(transitions, cb.setState(StateHalfOpen, now))
	}

	if cb.State() == StateHalfOpen {
		if cb.probeInFlight {
			rejection := newBreakerOpenError(cb.name, StateHalfOpen, 0, cb.window)
			cb.mu.Unlock()
			cb.notify(transitions)
			cb.reject(rejection)
			return 0, false, rejection
		}
		cb.probeInFlight = true
		probe = true
	}

	generation = cb.generation
	cb.mu.Unlock()

	cb.notify(transitions)
	return generation, probe, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(generation uint64, probe bool, opErr error) {
	var transitions []stateTransition

	cb.mu.Lock()
	if generation != cb.generation {
		cb.mu.Unlock()
		return
	}

	now := cb.clock.Now()
	success := opErr == nil

	switch cb.State() {
	case StateClosed:
		cb.window.Record(success)
		if !success && cb.window.Failures() >= cb.config.FailureThreshold {
			transitions = append(transitions, cb.setState(StateOpen, now))
		}
	case StateHalfOpen:
		if probe {
			if success {
				transitions = append(transitions, cb.setState(StateClosed, now))
			} else {
				transitions = append(transitions, cb.setState(StateOpen, now))
			}
		}
	}
	cb.mu.Unlock()

	cb.notify(transitions)
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to BreakerState, now time.Time) stateTransition {
	from := cb.State()
	cb.state.Store(int32(to))
	cb.generation++
	cb.probeInFlight = false

	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.window.Reset()
	}

	return stateTransition{from: from, to: to, at: now}
}

func (cb *CircuitBreaker) notify(transitions []stateTransition) {
	for _, t := range transitions {
		cb.logger.Warn("circuit breaker state changed",
			"service", cb.name,
			"from", t.from.String(),
			"to", t.to.String())

		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.name, t.from, t.to)
		}

		if cb.bus != nil {
			cb.bus.Publish(Event{
				Kind:   t.to.eventKind(),
				Source: "breaker",
				Name:   cb.name,
				From:   t.from.String(),
				To:     t.to.String(),
				At:     t.at,
			})
		}
	}
}

func (cb *CircuitBreaker) reject(err *BreakerOpenError) {
	cb.rejected.Add(1)
	cb.logger.Debug("circuit breaker rejected call",
		"service", cb.name,
		"state", err.State.String(),
		"retry_after", err.RetryAfter)
}

// Reset forces the breaker back to CLOSED with an empty window. Calls in
// flight when Reset runs no longer affect the breaker.
func (cb *CircuitBreaker) Reset() {
	var transitions []stateTransition

	cb.mu.Lock()
	if cb.State() == StateClosed {
		cb.generation++
		cb.window.Reset()
	} else {
		transitions = append(transitions, cb.setState(StateClosed, cb.clock.Now()))
	}
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker reset", "service", cb.name)
	cb.notify(transitions)
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.State()
	status := BreakerStatus{
		Name:                 cb.name,
		State:                state.String(),
		Healthy:              state != StateOpen,
		Requests:             cb.window.Len(),
		TotalSuccesses:       cb.window.Successes(),
		TotalFailures:        cb.window.Failures(),
		ConsecutiveFailures:  cb.window.ConsecutiveFailures(),
		ConsecutiveSuccesses: cb.window.ConsecutiveSuccesses(),
		FailureThreshold:     cb.config.FailureThreshold,
		WindowSize:           cb.config.WindowSize,
		Rejected:             cb.rejected.Load(),
		ProbeInFlight:        cb.probeInFlight,
	}

	if state == StateOpen {
		openedAt := cb.openedAt
		status.OpenedAt = &openedAt
		if remaining := cb.config.ResetTimeout - cb.clock.Since(cb.openedAt); remaining > 0 {
			status.RetryAfter = remaining
		}
	}
	return status
}
