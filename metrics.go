package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful probes and selected rollbacks.
	OutcomeSuccess = "success"
	// OutcomeFailure labels failed probes and exhausted rollbacks.
	OutcomeFailure = "failure"
)

// Metrics exports component events as Prometheus collectors.
type Metrics struct {
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	healthChecks       *prometheus.CounterVec
	recoveryAttempts   *prometheus.CounterVec
	systemHealth       prometheus.Gauge
	degradationLevel   prometheus.Gauge
	checkpoints        prometheus.Counter
	rollbacks          *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace. Call Register to expose
// them and Observe to feed them.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
			},
			[]string{"service"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions, partitioned by target state.",
			},
			[]string{"service", "to"},
		),
		healthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Health probes run, partitioned by outcome.",
			},
			[]string{"check", "outcome"},
		),
		recoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_attempts_total",
				Help:      "Recovery hints emitted for repeatedly failing checks.",
			},
			[]string{"check"},
		),
		systemHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "system_health_status",
				Help:      "Aggregate system health (0 unknown, 1 healthy, 2 degraded, 3 unhealthy).",
			},
		),
		degradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "degradation_level",
				Help:      "Current degradation level (0 full to 3 emergency).",
			},
		),
		checkpoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_created_total",
				Help:      "Checkpoints captured.",
			},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Rollback requests, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// Register attaches the collectors to reg. When reg already holds an
// equivalent collector, that collector is adopted so Observe feeds the
// series reg exposes. Call Register before Observe.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, err := range []error{
		register(reg, &m.breakerState),
		register(reg, &m.breakerTransitions),
		register(reg, &m.healthChecks),
		register(reg, &m.recoveryAttempts),
		register(reg, &m.systemHealth),
		register(reg, &m.degradationLevel),
		register(reg, &m.checkpoints),
		register(reg, &m.rollbacks),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector *C) error {
	err := reg.Register(*collector)
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}

	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return err
	}
	*collector = existing
	return nil
}

// Observe subscribes the collectors to bus and returns the unsubscribe function.
func (m *Metrics) Observe(bus *EventBus) func() {
	return bus.Subscribe(m.record)
}

func (m *Metrics) record(e Event) {
	switch e.Kind {
	case EventStateOpen, EventStateHalfOpen, EventStateClosed:
		state := StateClosed
		switch e.Kind {
		case EventStateOpen:
			state = StateOpen
		case EventStateHalfOpen:
			state = StateHalfOpen
		}
		m.breakerState.WithLabelValues(e.Name).Set(float64(state))
		m.breakerTransitions.WithLabelValues(e.Name, e.To).Inc()
	case EventCheckSuccess:
		m.healthChecks.WithLabelValues(e.Name, OutcomeSuccess).Inc()
	case EventCheckFailure:
		m.healthChecks.WithLabelValues(e.Name, OutcomeFailure).Inc()
	case EventCheckRecoveryAttempt:
		m.recoveryAttempts.WithLabelValues(e.Name).Inc()
	case EventSystemHealthy, EventSystemDegraded, EventSystemUnhealthy:
		m.systemHealth.Set(float64(e.Status))
	case EventDegradationLevel:
		m.degradationLevel.Set(float64(e.Level))
	case EventCheckpointCreated:
		m.checkpoints.Inc()
	case EventCheckpointRollback:
		if e.Err != nil {
			m.rollbacks.WithLabelValues(OutcomeFailure).Inc()
		} else {
			m.rollbacks.WithLabelValues(OutcomeSuccess).Inc()
		}
	}
}
