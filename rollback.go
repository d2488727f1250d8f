package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Checkpoint pairs a caller-defined state snapshot with the system health
// observed when it was captured. The snapshot is never inspected.
type Checkpoint[S any] struct {
	CreatedAt time.Time    `json:"created_at"`
	State     S            `json:"state"`
	ID        string       `json:"id"`
	Health    SystemHealth `json:"health"`
}

// Healthy reports whether the checkpoint was captured while the system was HEALTHY.
func (c Checkpoint[S]) Healthy() bool {
	return c.Health.Status == HealthHealthy
}

// RollbackManager keeps the most recent checkpoints, evicting the oldest once
// Capacity is exceeded, and selects the newest healthy one on Rollback.
// Applying the selected state is up to the caller.
type RollbackManager[S any] struct {
	logger      *slog.Logger
	clock       clockwork.Clock
	bus         *EventBus
	checkpoints []Checkpoint[S]
	config      RollbackConfig
	mu          sync.Mutex
}

// NewRollbackManager creates an empty manager.
//
// Example:
//
//	rollbacks := resilience.NewRollbackManager[AgentState]()
//	rollbacks.CreateCheckpoint(state, monitor.GetSystemHealth())
//	// ... later, after sustained UNHEALTHY status:
//	cp, err := rollbacks.Rollback()
//	if err == nil {
//	    state = cp.State
//	}
func NewRollbackManager[S any](opts ...RollbackOption) *RollbackManager[S] {
	config := DefaultRollbackConfig()
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
	if config.Capacity < 1 {
		config.Capacity = DefaultRollbackConfig().Capacity
	}

	return &RollbackManager[S]{
		config:      config,
		logger:      config.Logger,
		clock:       config.Clock,
		bus:         config.Bus,
		checkpoints: make([]Checkpoint[S], 0, config.Capacity),
	}
}

// Events returns the bus carrying checkpoint events.
func (r *RollbackManager[S]) Events() *EventBus {
	return r.bus
}

// CreateCheckpoint stores state with the health observed alongside it.
func (r *RollbackManager[S]) CreateCheckpoint(state S, health SystemHealth) Checkpoint[S] {
	cp := Checkpoint[S]{
		ID:        uuid.NewString(),
		CreatedAt: r.clock.Now(),
		State:     state,
		Health:    health,
	}

	r.mu.Lock()
	if len(r.checkpoints) >= r.config.Capacity {
		evicted := len(r.checkpoints) - r.config.Capacity + 1
		r.checkpoints = append(r.checkpoints[:0], r.checkpoints[evicted:]...)
	}
	r.checkpoints = append(r.checkpoints, cp)
	size := len(r.checkpoints)
	r.mu.Unlock()

	r.logger.Debug("checkpoint created",
		"id", cp.ID,
		"health", health.Status.String(),
		"stored", size)

	r.bus.Publish(Event{
		Kind:   EventCheckpointCreated,
		Source: "rollback",
		Name:   cp.ID,
		Status: health.Status,
		At:     cp.CreatedAt,
	})
	return cp
}

// Rollback returns the newest checkpoint captured while HEALTHY, or
// ErrNoHealthyCheckpoint. The stack is left unchanged, so repeated calls
// without new checkpoints select the same one.
func (r *RollbackManager[S]) Rollback() (Checkpoint[S], error) {
	r.mu.Lock()
	var (
		selected Checkpoint[S]
		found    bool
	)
	for i := len(r.checkpoints) - 1; i >= 0; i-- {
		if r.checkpoints[i].Healthy() {
			selected = r.checkpoints[i]
			found = true
			break
		}
	}
	stored := len(r.checkpoints)
	r.mu.Unlock()

	if !found {
		r.logger.Warn("rollback failed: no healthy checkpoint", "stored", stored)
		r.bus.Publish(Event{
			Kind:   EventCheckpointRollback,
			Source: "rollback",
			Err:    ErrNoHealthyCheckpoint,
			At:     r.clock.Now(),
		})
		return Checkpoint[S]{}, fmt.Errorf("%w among %d checkpoints", ErrNoHealthyCheckpoint, stored)
	}

	r.logger.Info("rollback checkpoint selected",
		"id", selected.ID,
		"created_at", selected.CreatedAt)
	r.bus.Publish(Event{
		Kind:   EventCheckpointRollback,
		Source: "rollback",
		Name:   selected.ID,
		Status: selected.Health.Status,
		At:     r.clock.Now(),
	})
	return selected, nil
}

// Checkpoints returns the stored checkpoints from oldest to newest.
func (r *RollbackManager[S]) Checkpoints() []Checkpoint[S] {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Checkpoint[S], len(r.checkpoints))
	copy(out, r.checkpoints)
	return out
}

// Latest returns the newest checkpoint regardless of health.
func (r *RollbackManager[S]) Latest() (Checkpoint[S], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.checkpoints) == 0 {
		return Checkpoint[S]{}, false
	}
	return r.checkpoints[len(r.checkpoints)-1], true
}

// Len returns the number of stored checkpoints.
func (r *RollbackManager[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.checkpoints)
}
