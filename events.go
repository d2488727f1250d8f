package resilience

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EventKind names a notification emitted by one of the components.
type EventKind string

const (
	// EventStateOpen is emitted when a breaker enters OPEN.
	EventStateOpen EventKind = "state:open"
	// EventStateHalfOpen is emitted when a breaker admits its trial call.
	EventStateHalfOpen EventKind = "state:half_open"
	// EventStateClosed is emitted when a breaker returns to CLOSED.
	EventStateClosed EventKind = "state:closed"

	// EventCheckFailure is emitted after a failed probe.
	EventCheckFailure EventKind = "check:failure"
	// EventCheckSuccess is emitted after a successful probe.
	EventCheckSuccess EventKind = "check:success"
	// EventCheckRecoveryAttempt hints that a component has failed often
	// enough for the caller to try its own recovery. The monitor does nothing else.
	EventCheckRecoveryAttempt EventKind = "check:recovery-attempt"

	// EventSystemHealthy, EventSystemDegraded and EventSystemUnhealthy fire
	// when the aggregate system status changes to that value.
	EventSystemHealthy   EventKind = "system:healthy"
	EventSystemDegraded  EventKind = "system:degraded"
	EventSystemUnhealthy EventKind = "system:unhealthy"

	// EventDegradationLevel is emitted when the controller changes level.
	EventDegradationLevel EventKind = "degradation:level"

	// EventCheckpointCreated and EventCheckpointRollback come from a RollbackManager.
	EventCheckpointCreated  EventKind = "checkpoint:created"
	EventCheckpointRollback EventKind = "checkpoint:rollback"
)

// Event carries the identifiers and counters of a single notification.
// Fields that do not apply to a kind are left zero.
type Event struct {
	At     time.Time
	Err    error
	Kind   EventKind
	Source string
	// Name is the breaker service, check name or checkpoint ID.
	Name                string
	From                string
	To                  string
	Status              HealthState
	Level               DegradationLevel
	ConsecutiveFailures int
}

// Listener receives events. Listeners run on the emitting goroutine and must
// not block; hand work off to another goroutine when it may take long.
type Listener func(Event)

// EventBus dispatches events synchronously to subscribers.
type EventBus struct {
	logger    *slog.Logger
	listeners map[uint64]subscription
	mu        sync.RWMutex
	nextID    uint64
}

type subscription struct {
	kinds    map[EventKind]struct{}
	listener Listener
	id       uint64
}

// NewEventBus creates an empty bus. A nil logger uses slog.Default().
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger:    logger,
		listeners: make(map[uint64]subscription),
	}
}

// Subscribe registers listener for the given kinds, or for every kind when
// none are given. The returned function removes the subscription.
func (b *EventBus) Subscribe(listener Listener, kinds ...EventKind) func() {
	if listener == nil {
		return func() {}
	}

	sub := subscription{listener: listener}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.listeners[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, sub.id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to matching subscribers in subscription order.
// A panicking listener is logged and skipped.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	matched := make([]subscription, 0, len(b.listeners))
	for _, sub := range b.listeners {
		if sub.kinds != nil {
			if _, ok := sub.kinds[e.Kind]; !ok {
				continue
			}
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	slices.SortFunc(matched, func(x, y subscription) int {
		return cmp.Compare(x.id, y.id)
	})
	for _, sub := range matched {
		b.deliver(sub.listener, e)
	}
}

func (b *EventBus) deliver(listener Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"kind", e.Kind,
				"name", e.Name,
				"panic", r)
		}
	}()
	listener(e)
}
