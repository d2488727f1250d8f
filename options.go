package resilience

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerConfig holds circuit breaker configuration options.
type BreakerConfig struct {
	// Logger for breaker operations.
	// Default: the manager's logger, else slog.Default()
	Logger *slog.Logger `yaml:"-"`

	// Clock supplies time for ResetTimeout and CallTimeout.
	// Default: the manager's clock, else the real clock
	Clock clockwork.Clock `yaml:"-"`

	// OnStateChange is called after every state transition, in addition to
	// the events published on the manager's bus.
	OnStateChange func(name string, from, to BreakerState) `yaml:"-"`

	// FailureThreshold is the number of failures within the last WindowSize
	// outcomes that opens the breaker.
	// Default: 3
	FailureThreshold int `yaml:"failureThreshold"`

	// WindowSize is the number of recent outcomes considered.
	// Default: 5
	WindowSize int `yaml:"windowSize"`

	// ResetTimeout is how long the breaker stays OPEN before admitting a trial call.
	// Default: 30 seconds
	ResetTimeout time.Duration `yaml:"resetTimeout"`

	// CallTimeout bounds each admitted call. A call that has not completed
	// in time counts as a failure. Zero disables the bound.
	// Default: 0
	CallTimeout time.Duration `yaml:"callTimeout"`
}

// BreakerOption is a functional option for configuring breaker behavior.
type BreakerOption func(*BreakerConfig)

// DefaultBreakerConfig returns breaker configuration with sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		WindowSize:       5,
		ResetTimeout:     30 * time.Second,
	}
}

// Validate reports configuration values a breaker cannot run with.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be at least 1, got %d", ErrInvalidConfig, c.FailureThreshold)
	}
	if c.WindowSize < c.FailureThreshold {
		return fmt.Errorf("%w: window size %d is smaller than failure threshold %d",
			ErrInvalidConfig, c.WindowSize, c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("%w: reset timeout must be positive", ErrInvalidConfig)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: call timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// With returns a copy of c with opts applied.
//
// Example:
//
//	cfg := resilience.DefaultBreakerConfig().With(
//	    resilience.WithFailureThreshold(5),
//	    resilience.WithResetTimeout(time.Minute),
//	)
func (c BreakerConfig) With(opts ...BreakerOption) BreakerConfig {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithFailureThreshold sets how many failures in the window open the breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(c *BreakerConfig) {
		c.FailureThreshold = n
	}
}

// WithWindowSize sets how many recent outcomes are kept.
func WithWindowSize(n int) BreakerOption {
	return func(c *BreakerConfig) {
		c.WindowSize = n
	}
}

// WithResetTimeout sets how long the breaker stays open.
//
// Example:
//
//	resilience.WithResetTimeout(60 * time.Second)
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.ResetTimeout = d
	}
}

// WithCallTimeout bounds every admitted call.
func WithCallTimeout(d time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.CallTimeout = d
	}
}

// WithStateChangeHandler sets a callback for breaker state changes.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(name string, from, to resilience.BreakerState) {
//	    log.Printf("breaker %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(c *BreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithBreakerLogger sets a custom logger for one breaker.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(c *BreakerConfig) {
		c.Logger = logger
	}
}

// WithBreakerClock sets the clock for one breaker.
func WithBreakerClock(clock clockwork.Clock) BreakerOption {
	return func(c *BreakerConfig) {
		c.Clock = clock
	}
}

// ManagerConfig holds BreakerManager configuration.
type ManagerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Bus    *EventBus
}

// ManagerOption is a functional option for configuring a BreakerManager.
type ManagerOption func(*ManagerConfig)

// WithManagerLogger sets the logger shared by managed breakers.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(c *ManagerConfig) {
		c.Logger = logger
	}
}

// WithManagerClock sets the clock shared by managed breakers.
func WithManagerClock(clock clockwork.Clock) ManagerOption {
	return func(c *ManagerConfig) {
		c.Clock = clock
	}
}

// WithManagerEventBus publishes breaker events on an existing bus.
func WithManagerEventBus(bus *EventBus) ManagerOption {
	return func(c *ManagerConfig) {
		c.Bus = bus
	}
}

// MonitorConfig holds HealthMonitor configuration.
type MonitorConfig struct {
	// Logger for monitor operations.
	// Default: slog.Default()
	Logger *slog.Logger `yaml:"-"`

	// Clock drives check schedules and probe timeouts.
	// Default: the real clock
	Clock clockwork.Clock `yaml:"-"`

	// Bus receives check and system events.
	// Default: a new bus
	Bus *EventBus `yaml:"-"`

	// DefaultInterval applies to checks registered without an interval.
	// Default: 30 seconds
	DefaultInterval time.Duration `yaml:"defaultInterval"`

	// DefaultTimeout applies to checks registered without a timeout.
	// Default: 5 seconds
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`

	// RecoveryAttemptThreshold is the consecutive failure count from which
	// check:recovery-attempt is emitted.
	// Default: 3
	RecoveryAttemptThreshold int `yaml:"recoveryAttemptThreshold"`

	// HistorySize is how many outcomes per check feed the success ratio.
	// Default: 100
	HistorySize int `yaml:"historySize"`
}

// MonitorOption is a functional option for configuring a HealthMonitor.
type MonitorOption func(*MonitorConfig)

// DefaultMonitorConfig returns monitor configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		DefaultInterval:          30 * time.Second,
		DefaultTimeout:           5 * time.Second,
		RecoveryAttemptThreshold: 3,
		HistorySize:              100,
	}
}

// WithMonitorLogger sets a custom logger for the monitor.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(c *MonitorConfig) {
		c.Logger = logger
	}
}

// WithMonitorClock sets the clock for check schedules and timeouts.
func WithMonitorClock(clock clockwork.Clock) MonitorOption {
	return func(c *MonitorConfig) {
		c.Clock = clock
	}
}

// WithMonitorEventBus publishes monitor events on an existing bus.
func WithMonitorEventBus(bus *EventBus) MonitorOption {
	return func(c *MonitorConfig) {
		c.Bus = bus
	}
}

// WithDefaultCheckInterval sets the interval for checks that omit one.
func WithDefaultCheckInterval(d time.Duration) MonitorOption {
	return func(c *MonitorConfig) {
		c.DefaultInterval = d
	}
}

// WithDefaultCheckTimeout sets the timeout for checks that omit one.
func WithDefaultCheckTimeout(d time.Duration) MonitorOption {
	return func(c *MonitorConfig) {
		c.DefaultTimeout = d
	}
}

// WithRecoveryAttemptThreshold sets the consecutive failures that trigger
// check:recovery-attempt.
func WithRecoveryAttemptThreshold(n int) MonitorOption {
	return func(c *MonitorConfig) {
		c.RecoveryAttemptThreshold = n
	}
}

// DegradationConfig holds DegradationController configuration.
type DegradationConfig struct {
	Logger *slog.Logger    `yaml:"-"`
	Clock  clockwork.Clock `yaml:"-"`
	Bus    *EventBus       `yaml:"-"`

	// Features lists, per level, the feature IDs that level newly disables.
	// A level also disables everything listed for lower levels.
	// Default: DefaultFeatureTable()
	Features map[DegradationLevel][]string `yaml:"-"`

	// RecoveryThreshold is the number of consecutive healthy observations
	// required before each step down.
	// Default: 3
	RecoveryThreshold int `yaml:"recoveryThreshold"`
}

// DegradationOption is a functional option for configuring a DegradationController.
type DegradationOption func(*DegradationConfig)

// DefaultDegradationConfig returns controller configuration with sensible defaults.
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		Features:          DefaultFeatureTable(),
		RecoveryThreshold: 3,
	}
}

// WithRecoveryThreshold sets the hysteresis for recovery.
func WithRecoveryThreshold(n int) DegradationOption {
	return func(c *DegradationConfig) {
		c.RecoveryThreshold = n
	}
}

// WithFeatureTable replaces the feature-gating table.
//
// Example:
//
//	resilience.WithFeatureTable(map[resilience.DegradationLevel][]string{
//	    resilience.LevelReduced: {"image-generation"},
//	    resilience.LevelMinimal: {"posting"},
//	})
func WithFeatureTable(table map[DegradationLevel][]string) DegradationOption {
	return func(c *DegradationConfig) {
		c.Features = table
	}
}

// WithDegradationLogger sets a custom logger for the controller.
func WithDegradationLogger(logger *slog.Logger) DegradationOption {
	return func(c *DegradationConfig) {
		c.Logger = logger
	}
}

// WithDegradationClock sets the clock used to timestamp level changes.
func WithDegradationClock(clock clockwork.Clock) DegradationOption {
	return func(c *DegradationConfig) {
		c.Clock = clock
	}
}

// WithDegradationEventBus publishes level changes on an existing bus.
func WithDegradationEventBus(bus *EventBus) DegradationOption {
	return func(c *DegradationConfig) {
		c.Bus = bus
	}
}

// RollbackConfig holds RollbackManager configuration.
type RollbackConfig struct {
	Logger *slog.Logger    `yaml:"-"`
	Clock  clockwork.Clock `yaml:"-"`
	Bus    *EventBus       `yaml:"-"`

	// Capacity is the maximum number of checkpoints kept.
	// Default: 10
	Capacity int `yaml:"capacity"`
}

// RollbackOption is a functional option for configuring a RollbackManager.
type RollbackOption func(*RollbackConfig)

// DefaultRollbackConfig returns rollback configuration with sensible defaults.
func DefaultRollbackConfig() RollbackConfig {
	return RollbackConfig{Capacity: 10}
}

// WithCapacity sets how many checkpoints are kept.
func WithCapacity(n int) RollbackOption {
	return func(c *RollbackConfig) {
		c.Capacity = n
	}
}

// WithRollbackLogger sets a custom logger for the rollback manager.
func WithRollbackLogger(logger *slog.Logger) RollbackOption {
	return func(c *RollbackConfig) {
		c.Logger = logger
	}
}

// WithRollbackClock sets the clock used to timestamp checkpoints.
func WithRollbackClock(clock clockwork.Clock) RollbackOption {
	return func(c *RollbackConfig) {
		c.Clock = clock
	}
}

// WithRollbackEventBus publishes checkpoint events on an existing bus.
func WithRollbackEventBus(bus *EventBus) RollbackOption {
	return func(c *RollbackConfig) {
		c.Bus = bus
	}
}

// RetryStrategy defines the backoff strategy for caller-side retries.
type RetryStrategy string

const (
	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// RetryConfig holds caller-side retry configuration options.
// The breaker and monitor never retry on their own.
type RetryConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Default: DefaultErrorClassifier()
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// InitialDelay is the delay before the first retry.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries (for exponential/fibonacci).
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the growth factor for the exponential strategy.
	// Default: 2.0
	Multiplier float64

	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 3
	MaxAttempts int
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts, including the first.
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures exponential backoff with jitter.
//
// Example:
//
//	resilience.WithExponentialBackoff(time.Second, 30*time.Second)
//	// With default multiplier 2.0: ~1s, ~2s, ~4s, ~8s, ~16s, 30s (capped)
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the backoff multiplier for the exponential strategy.
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.Multiplier = multiplier
	}
}

// WithConstantBackoff configures a constant delay between retries with jitter.
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.InitialDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter.
func WithFibonacciBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		Strategy:        RetryStrategyExponential,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		ErrorClassifier: DefaultErrorClassifier(),
		Logger:          slog.Default(),
	}
}
