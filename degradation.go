package resilience

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// DegradationLevel is an ordered severity stage. Higher levels disable more
// features.
type DegradationLevel int

const (
	LevelFull DegradationLevel = iota
	LevelReduced
	LevelMinimal
	LevelEmergency
)

// String returns the lowercase level name.
func (l DegradationLevel) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelReduced:
		return "reduced"
	case LevelMinimal:
		return "minimal"
	case LevelEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseDegradationLevel maps a level name to its value.
func ParseDegradationLevel(s string) (DegradationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return LevelFull, nil
	case "reduced":
		return LevelReduced, nil
	case "minimal":
		return LevelMinimal, nil
	case "emergency":
		return LevelEmergency, nil
	default:
		return LevelFull, fmt.Errorf("%w: unknown degradation level %q", ErrInvalidConfig, s)
	}
}

// DefaultFeatureTable lists the features each level newly disables.
func DefaultFeatureTable() map[DegradationLevel][]string {
	return map[DegradationLevel][]string{
		LevelReduced:   {"analytics", "prefetch"},
		LevelMinimal:   {"background-sync", "notifications"},
		LevelEmergency: {"posting", "external-writes"},
	}
}

// DegradationController tracks the current DegradationLevel and answers
// feature-gating queries. Levels move one step at a time; stepping down
// needs RecoveryThreshold consecutive healthy observations.
type DegradationController struct {
	logger        *slog.Logger
	clock         clockwork.Clock
	bus           *EventBus
	disabled      [LevelEmergency + 1]map[string]struct{}
	config        DegradationConfig
	mu            sync.RWMutex
	level         DegradationLevel
	healthyStreak int
}

// NewDegradationController creates a controller at LevelFull.
func NewDegradationController(opts ...DegradationOption) *DegradationController {
	config := DefaultDegradationConfig()
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
	if config.RecoveryThreshold < 1 {
		config.RecoveryThreshold = 1
	}

	dc := &DegradationController{
		config: config,
		logger: config.Logger,
		clock:  config.Clock,
		bus:    config.Bus,
		level:  LevelFull,
	}

	// Each level disables its own entries plus everything below it.
	cumulative := make(map[string]struct{})
	for l := LevelFull; l <= LevelEmergency; l++ {
		for _, feature := range config.Features[l] {
			cumulative[feature] = struct{}{}
		}
		set := make(map[string]struct{}, len(cumulative))
		for feature := range cumulative {
			set[feature] = struct{}{}
		}
		dc.disabled[l] = set
	}

	return dc
}

// Events returns the bus carrying degradation:level events.
func (dc *DegradationController) Events() *EventBus {
	return dc.bus
}

// Level returns the current level.
func (dc *DegradationController) Level() DegradationLevel {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.level
}

// Degrade moves one level up and clears the recovery streak. At
// LevelEmergency it does nothing and reports false.
func (dc *DegradationController) Degrade() (DegradationLevel, bool) {
	dc.mu.Lock()
	if dc.level >= LevelEmergency {
		level := dc.level
		dc.mu.Unlock()
		return level, false
	}
	from := dc.level
	dc.level++
	dc.healthyStreak = 0
	to := dc.level
	dc.mu.Unlock()

	dc.logger.Warn("degradation level raised",
		"from", from.String(),
		"to", to.String(),
		"disabled_features", dc.DisabledFeatures())
	dc.publish(from, to)
	return to, true
}

// Recover moves one level down if the recovery streak has reached
// RecoveryThreshold since the last level change, and reports whether it did.
func (dc *DegradationController) Recover() (DegradationLevel, bool) {
	dc.mu.Lock()
	if dc.level == LevelFull || dc.healthyStreak < dc.config.RecoveryThreshold {
		level := dc.level
		dc.mu.Unlock()
		return level, false
	}
	from := dc.level
	dc.level--
	dc.healthyStreak = 0
	to := dc.level
	dc.mu.Unlock()

	dc.logger.Info("degradation level lowered",
		"from", from.String(),
		"to", to.String())
	dc.publish(from, to)
	return to, true
}

// ObserveHealth feeds one system health observation into the recovery
// streak: HEALTHY extends it, anything else resets it.
func (dc *DegradationController) ObserveHealth(status HealthState) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if status == HealthHealthy {
		dc.healthyStreak++
		return
	}
	dc.healthyStreak = 0
}

// CanRecover reports whether Recover would currently step down.
func (dc *DegradationController) CanRecover() bool {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.level > LevelFull && dc.healthyStreak >= dc.config.RecoveryThreshold
}

// IsFeatureEnabled reports whether featureID is allowed at the current level.
func (dc *DegradationController) IsFeatureEnabled(featureID string) bool {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	_, disabled := dc.disabled[dc.level][featureID]
	return !disabled
}

// DisabledFeatures returns the sorted feature IDs disabled at the current level.
func (dc *DegradationController) DisabledFeatures() []string {
	dc.mu.RLock()
	set := dc.disabled[dc.level]
	features := make([]string, 0, len(set))
	for feature := range set {
		features = append(features, feature)
	}
	dc.mu.RUnlock()

	slices.Sort(features)
	return features
}

// Attach drives the controller from monitor: every system:unhealthy event
// degrades one level. The system status is observed once per round of
// checks, that is once every registered check has reported since the
// previous observation, stepping down when the streak allows it.
// The returned function detaches the controller.
func (dc *DegradationController) Attach(monitor *HealthMonitor) func() {
	unsubscribeSystem := monitor.Events().Subscribe(func(Event) {
		dc.Degrade()
	}, EventSystemUnhealthy)

	var (
		mu       sync.Mutex
		reported = make(map[string]struct{})
	)
	unsubscribeChecks := monitor.Events().Subscribe(func(e Event) {
		mu.Lock()
		reported[e.Name] = struct{}{}
		if len(reported) < monitor.checkCount() {
			mu.Unlock()
			return
		}
		clear(reported)
		mu.Unlock()

		dc.ObserveHealth(monitor.Status())
		if dc.CanRecover() {
			dc.Recover()
		}
	}, EventCheckSuccess, EventCheckFailure)

	return func() {
		unsubscribeSystem()
		unsubscribeChecks()
	}
}

func (dc *DegradationController) publish(from, to DegradationLevel) {
	dc.bus.Publish(Event{
		Kind:   EventDegradationLevel,
		Source: "degradation",
		From:   from.String(),
		To:     to.String(),
		Level:  to,
		At:     dc.clock.Now(),
	})
}
