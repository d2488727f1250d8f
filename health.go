package resilience

import (
	"time"
)

// BreakerStatus is a point-in-time view of a circuit breaker.
type BreakerStatus struct {
	// OpenedAt is set while the breaker is OPEN.
	OpenedAt *time.Time `json:"opened_at,omitempty"`

	// Name is the service the breaker guards.
	Name string `json:"name"`

	// State is "closed", "half_open" or "open".
	State string `json:"state"`

	// Requests is the number of outcomes currently in the window.
	Requests int `json:"requests"`

	// TotalSuccesses is the number of successful outcomes in the window.
	TotalSuccesses int `json:"total_successes"`

	// TotalFailures is the number of failed outcomes in the window.
	TotalFailures int `json:"total_failures"`

	// ConsecutiveFailures is the run of failures at the recent end of the window.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the run of successes at the recent end of the window.
	ConsecutiveSuccesses int `json:"consecutive_successes"`

	FailureThreshold int `json:"failure_threshold"`
	WindowSize       int `json:"window_size"`

	// RetryAfter is the time left until a trial call is admitted.
	RetryAfter time.Duration `json:"retry_after"`

	// Rejected counts calls failed fast since the breaker was created.
	Rejected uint64 `json:"rejected"`

	// Healthy is false only while the breaker is OPEN.
	Healthy bool `json:"healthy"`

	ProbeInFlight bool `json:"probe_in_flight"`
}

// HealthState is the status of one component or of the whole system.
type HealthState int

const (
	// HealthUnknown means no probe has completed yet.
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns the lowercase name of the state.
func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// severity orders states for worst-of aggregation:
// UNHEALTHY > DEGRADED > UNKNOWN > HEALTHY.
func (s HealthState) severity() int {
	switch s {
	case HealthUnhealthy:
		return 3
	case HealthDegraded:
		return 2
	case HealthUnknown:
		return 1
	default:
		return 0
	}
}

func (s HealthState) eventKind() (EventKind, bool) {
	switch s {
	case HealthHealthy:
		return EventSystemHealthy, true
	case HealthDegraded:
		return EventSystemDegraded, true
	case HealthUnhealthy:
		return EventSystemUnhealthy, true
	default:
		return "", false
	}
}

// ComponentHealth is the record kept for one registered check.
type ComponentHealth struct {
	LastCheckedAt       time.Time   `json:"last_checked_at"`
	Name                string      `json:"name"`
	LastError           string      `json:"last_error,omitempty"`
	Status              HealthState `json:"status"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	// SuccessRatio is the share of successes among the last HistorySize probes.
	SuccessRatio float64 `json:"success_ratio"`
	Checks       int     `json:"checks"`
	Critical     bool    `json:"critical"`
	LastSuccess  bool    `json:"last_success"`
}

// SystemHealth aggregates every component record.
type SystemHealth struct {
	CheckedAt  time.Time         `json:"checked_at"`
	Components []ComponentHealth `json:"components"`
	Status     HealthState       `json:"status"`
	// Uptime is the mean success ratio of probed checks, as a percentage.
	Uptime float64 `json:"uptime_percent"`
}
