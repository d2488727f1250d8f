package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrProbeUnhealthy is recorded when a probe returns false without an error.
var ErrProbeUnhealthy = errors.New("resilience: probe reported unhealthy")

// ProbeFunc reports whether a component is healthy. Returning false or an
// error both count as a failure.
type ProbeFunc func(ctx context.Context) (bool, error)

// HealthCheck registers a component with a HealthMonitor.
type HealthCheck struct {
	Probe ProbeFunc
	Name  string
	// Interval between probes. Zero uses the monitor's default.
	Interval time.Duration
	// Timeout for one probe. Zero uses the monitor's default.
	Timeout time.Duration
	// Critical checks force the system UNHEALTHY while failing.
	Critical bool
}

// HealthMonitor probes registered components, each on its own schedule, and
// aggregates their records into a SystemHealth.
type HealthMonitor struct {
	logger *slog.Logger
	clock  clockwork.Clock
	bus    *EventBus
	ctx    context.Context
	cancel context.CancelFunc
	checks map[string]*checkEntry
	config MonitorConfig
	wg     sync.WaitGroup
	mu     sync.Mutex
	// emitMu is held from a record update until its events are delivered,
	// so listeners see system transitions in the order they happened.
	// Listeners must not call RunCheck or Unregister.
	emitMu sync.Mutex
	system HealthState
}

type checkEntry struct {
	cancel  context.CancelFunc
	history *RollingWindow
	check   HealthCheck
	record  ComponentHealth
	probed  bool
}

// NewHealthMonitor creates a monitor with no checks. Call Start to begin
// probing.
func NewHealthMonitor(opts ...MonitorOption) *HealthMonitor {
	config := DefaultMonitorConfig()
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
	if config.HistorySize < 1 {
		config.HistorySize = 100
	}
	if config.RecoveryAttemptThreshold < 1 {
		config.RecoveryAttemptThreshold = 3
	}

	return &HealthMonitor{
		config: config,
		logger: config.Logger,
		clock:  config.Clock,
		bus:    config.Bus,
		checks: make(map[string]*checkEntry),
		system: HealthUnknown,
	}
}

// Events returns the bus carrying check:* and system:* events.
func (m *HealthMonitor) Events() *EventBus {
	return m.bus
}

// Register adds a check. If the monitor is running, the check's schedule
// starts immediately; otherwise it starts with Start.
func (m *HealthMonitor) Register(check HealthCheck) error {
	if strings.TrimSpace(check.Name) == "" {
		return fmt.Errorf("%w: health check name is empty", ErrInvalidConfig)
	}
	if check.Probe == nil {
		return fmt.Errorf("%w: health check %q has no probe", ErrInvalidConfig, check.Name)
	}
	if check.Interval < 0 || check.Timeout < 0 {
		return fmt.Errorf("%w: health check %q has a negative interval or timeout", ErrInvalidConfig, check.Name)
	}
	if check.Interval == 0 {
		check.Interval = m.config.DefaultInterval
	}
	if check.Timeout == 0 {
		check.Timeout = m.config.DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checks[check.Name]; exists {
		return fmt.Errorf("%w: health check %q", ErrDuplicateRegistration, check.Name)
	}

	entry := &checkEntry{
		check:   check,
		history: NewRollingWindow(m.config.HistorySize),
		record: ComponentHealth{
			Name:     check.Name,
			Critical: check.Critical,
			Status:   HealthUnknown,
		},
	}
	m.checks[check.Name] = entry
	m.system = m.aggregateLocked()

	if m.ctx != nil {
		m.startLocked(entry)
	}

	m.logger.Info("registered health check",
		"check", check.Name,
		"critical", check.Critical,
		"interval", check.Interval,
		"timeout", check.Timeout)

	return nil
}

// Unregister stops and removes a check.
func (m *HealthMonitor) Unregister(name string) error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	entry, exists := m.checks[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: health check %q", ErrNotFound, name)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	delete(m.checks, name)
	prev := m.system
	m.system = m.aggregateLocked()
	current := m.system
	m.mu.Unlock()

	m.logger.Info("unregistered health check", "check", name)
	m.publishSystem(prev, current)
	return nil
}

// Start begins the schedule of every registered check. Starting a running
// monitor is a no-op. Stop ends all schedules.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, entry := range m.checks {
		m.startLocked(entry)
	}

	m.logger.Info("health monitor started", "checks", len(m.checks))
}

// Stop ends every schedule and waits for running probes to return.
// It must not be called from an event listener.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.ctx, m.cancel = nil, nil
	for _, entry := range m.checks {
		entry.cancel = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *HealthMonitor) startLocked(entry *checkEntry) {
	ctx, cancel := context.WithCancel(m.ctx)
	entry.cancel = cancel

	m.wg.Add(1)
	go m.schedule(ctx, entry)
}

func (m *HealthMonitor) schedule(ctx context.Context, entry *checkEntry) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(entry.check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.probe(ctx, entry)
		}
	}
}

// RunCheck probes one check immediately and returns its updated record.
func (m *HealthMonitor) RunCheck(ctx context.Context, name string) (ComponentHealth, error) {
	m.mu.Lock()
	entry, exists := m.checks[name]
	m.mu.Unlock()

	if !exists {
		return ComponentHealth{}, fmt.Errorf("%w: health check %q", ErrNotFound, name)
	}

	m.probe(ctx, entry)
	return m.Component(name)
}

func (m *HealthMonitor) probe(ctx context.Context, entry *checkEntry) {
	check := entry.check
	err := runWithTimeout(ctx, m.clock, check.Timeout, check.Name, func(ctx context.Context) error {
		healthy, err := check.Probe(ctx)
		if err != nil {
			return err
		}
		if !healthy {
			return ErrProbeUnhealthy
		}
		return nil
	})

	// Shutting down is not a component failure.
	if ctx.Err() != nil {
		return
	}

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.checks[check.Name] != entry {
		m.mu.Unlock()
		return
	}

	success := err == nil
	entry.probed = true
	entry.history.Record(success)

	rec := &entry.record
	rec.Checks++
	rec.LastCheckedAt = m.clock.Now()
	rec.LastSuccess = success
	rec.SuccessRatio = entry.history.SuccessRatio()
	if success {
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
	} else {
		rec.ConsecutiveFailures++
		rec.LastError = err.Error()
	}
	rec.Status = componentStatus(check.Critical, success)

	record := *rec
	prev := m.system
	m.system = m.aggregateLocked()
	current := m.system
	m.mu.Unlock()

	m.publishCheck(record, err)
	m.publishSystem(prev, current)
}

// componentStatus derives a probed check's contribution to system health.
func componentStatus(critical, success bool) HealthState {
	switch {
	case success:
		return HealthHealthy
	case critical:
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}

func (m *HealthMonitor) publishCheck(record ComponentHealth, err error) {
	event := Event{
		Source:              "monitor",
		Name:                record.Name,
		Status:              record.Status,
		ConsecutiveFailures: record.ConsecutiveFailures,
		Err:                 err,
		At:                  record.LastCheckedAt,
	}

	if err == nil {
		m.logger.Debug("health check passed", "check", record.Name)
		event.Kind = EventCheckSuccess
		m.bus.Publish(event)
		return
	}

	m.logger.Warn("health check failed",
		"check", record.Name,
		"critical", record.Critical,
		"consecutive_failures", record.ConsecutiveFailures,
		"error", err)
	event.Kind = EventCheckFailure
	m.bus.Publish(event)

	if record.ConsecutiveFailures >= m.config.RecoveryAttemptThreshold {
		m.logger.Warn("health check failing repeatedly, recovery suggested",
			"check", record.Name,
			"consecutive_failures", record.ConsecutiveFailures)
		event.Kind = EventCheckRecoveryAttempt
		m.bus.Publish(event)
	}
}

func (m *HealthMonitor) publishSystem(prev, current HealthState) {
	if prev == current {
		return
	}

	kind, ok := current.eventKind()
	if !ok {
		return
	}

	if current == HealthHealthy {
		m.logger.Info("system health changed", "from", prev.String(), "to", current.String())
	} else {
		m.logger.Warn("system health changed", "from", prev.String(), "to", current.String())
	}

	m.bus.Publish(Event{
		Kind:   kind,
		Source: "monitor",
		From:   prev.String(),
		To:     current.String(),
		Status: current,
		At:     m.clock.Now(),
	})
}

// aggregateLocked returns the worst component status. A monitor without
// checks is UNKNOWN.
func (m *HealthMonitor) aggregateLocked() HealthState {
	if len(m.checks) == 0 {
		return HealthUnknown
	}

	worst := HealthHealthy
	for _, entry := range m.checks {
		if entry.record.Status.severity() > worst.severity() {
			worst = entry.record.Status
		}
	}
	return worst
}

// Status returns the current aggregate status.
func (m *HealthMonitor) Status() HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// GetSystemHealth returns the aggregate status, per-component records and
// uptime, the mean success ratio over probed checks as a percentage (0 when
// nothing has been probed).
func (m *HealthMonitor) GetSystemHealth() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	health := SystemHealth{
		Status:     m.system,
		CheckedAt:  m.clock.Now(),
		Components: make([]ComponentHealth, 0, len(m.checks)),
	}

	var ratioSum float64
	var probed int
	for _, entry := range m.checks {
		health.Components = append(health.Components, entry.record)
		if entry.probed {
			ratioSum += entry.history.SuccessRatio()
			probed++
		}
	}
	if probed > 0 {
		health.Uptime = ratioSum / float64(probed) * 100
	}

	slices.SortFunc(health.Components, func(a, b ComponentHealth) int {
		return strings.Compare(a.Name, b.Name)
	})
	return health
}

// Components returns every check record, sorted by name.
func (m *HealthMonitor) Components() []ComponentHealth {
	return m.GetSystemHealth().Components
}

func (m *HealthMonitor) checkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checks)
}

// Component returns the record of one check.
func (m *HealthMonitor) Component(name string) (ComponentHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.checks[name]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("%w: health check %q", ErrNotFound, name)
	}
	return entry.record, nil
}

// BreakerCheck builds a check that fails while cb is OPEN.
func BreakerCheck(cb *CircuitBreaker, critical bool, interval time.Duration) HealthCheck {
	return HealthCheck{
		Name:     "breaker:" + cb.Name(),
		Critical: critical,
		Interval: interval,
		Probe: func(context.Context) (bool, error) {
			return cb.State() != StateOpen, nil
		},
	}
}
