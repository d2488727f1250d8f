package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
)

// BreakerManager owns the circuit breakers of one agent, keyed by service
// name. Independent managers can coexist.
type BreakerManager struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	bus      *EventBus
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
}

// BreakerAggregate counts managed breakers per state.
type BreakerAggregate struct {
	Total    int `json:"total"`
	Closed   int `json:"closed"`
	HalfOpen int `json:"half_open"`
	Open     int `json:"open"`
}

// OpenRatio returns the share of breakers that are OPEN.
func (a BreakerAggregate) OpenRatio() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Open) / float64(a.Total)
}

// ShouldDegrade reports whether at least ratio of the breakers are OPEN.
// A manager with no breakers never asks for degradation.
func (a BreakerAggregate) ShouldDegrade(ratio float64) bool {
	return a.Total > 0 && a.OpenRatio() >= ratio
}

// NewBreakerManager creates an empty manager.
//
// Example:
//
//	manager := resilience.NewBreakerManager(resilience.WithManagerLogger(logger))
//	cb, err := manager.Register("platform-api", resilience.DefaultBreakerConfig())
func NewBreakerManager(opts ...ManagerOption) *BreakerManager {
	config := ManagerConfig{}
	for _, opt := range opts {
		opt(&config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Bus == nil {
		config.Bus = NewEventBus(config.Logger)
	}

	return &BreakerManager{
		logger:   config.Logger,
		clock:    config.Clock,
		bus:      config.Bus,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Events returns the bus on which every managed breaker publishes.
func (m *BreakerManager) Events() *EventBus {
	return m.bus
}

// Register creates the breaker for serviceName. It fails with
// ErrDuplicateRegistration if the name is taken and with ErrInvalidConfig if
// config cannot work; existing breakers are unaffected either way.
func (m *BreakerManager) Register(serviceName string, config BreakerConfig) (*CircuitBreaker, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("%w: service name is empty", ErrInvalidConfig)
	}

	if config.Logger == nil {
		config.Logger = m.logger
	}
	if config.Clock == nil {
		config.Clock = m.clock
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[serviceName]; exists {
		return nil, fmt.Errorf("%w: circuit breaker %q", ErrDuplicateRegistration, serviceName)
	}

	cb, err := newCircuitBreaker(serviceName, config, m.bus)
	if err != nil {
		return nil, fmt.Errorf("circuit breaker %q: %w", serviceName, err)
	}
	m.breakers[serviceName] = cb

	m.logger.Info("registered circuit breaker",
		"service", serviceName,
		"failure_threshold", config.FailureThreshold,
		"window_size", config.WindowSize,
		"reset_timeout", config.ResetTimeout)

	return cb, nil
}

// Get returns the breaker for serviceName or ErrNotFound.
func (m *BreakerManager) Get(serviceName string) (*CircuitBreaker, error) {
	m.mu.RLock()
	cb, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: circuit breaker %q", ErrNotFound, serviceName)
	}
	return cb, nil
}

// Call runs op through the breaker registered for serviceName.
func (m *BreakerManager) Call(ctx context.Context, serviceName string, op Operation) error {
	cb, err := m.Get(serviceName)
	if err != nil {
		return err
	}
	return cb.Call(ctx, op)
}

// Names returns the registered service names in sorted order.
func (m *BreakerManager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	slices.Sort(names)
	return names
}

// AggregateStatus counts breakers per state. States are read without taking
// breaker locks, so the counts are a snapshot.
func (m *BreakerManager) AggregateStatus() BreakerAggregate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := BreakerAggregate{Total: len(m.breakers)}
	for _, cb := range m.breakers {
		switch cb.State() {
		case StateOpen:
			agg.Open++
		case StateHalfOpen:
			agg.HalfOpen++
		default:
			agg.Closed++
		}
	}
	return agg
}

// Statuses returns a snapshot of every breaker, sorted by name.
func (m *BreakerManager) Statuses() []BreakerStatus {
	names := m.Names()
	statuses := make([]BreakerStatus, 0, len(names))
	for _, name := range names {
		cb, err := m.Get(name)
		if err != nil {
			continue
		}
		statuses = append(statuses, cb.Status())
	}
	return statuses
}
