package resilience

// RollingWindow keeps the last N call outcomes, true meaning success.
// Once full, each new outcome evicts the oldest one.
// RollingWindow is not safe for concurrent use; owners guard it.
type RollingWindow struct {
	outcomes []bool
	next     int
	size     int
	failures int
}

// NewRollingWindow creates a window holding at most capacity outcomes.
// A capacity below one is raised to one.
func NewRollingWindow(capacity int) *RollingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingWindow{outcomes: make([]bool, capacity)}
}

// Record appends an outcome, evicting the oldest when the window is full.
func (w *RollingWindow) Record(success bool) {
	if w.size == len(w.outcomes) {
		if !w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.size++
	}

	w.outcomes[w.next] = success
	if !success {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

// Len returns the number of outcomes currently held.
func (w *RollingWindow) Len() int {
	return w.size
}

// Capacity returns the fixed maximum length.
func (w *RollingWindow) Capacity() int {
	return len(w.outcomes)
}

// Failures returns the number of failed outcomes in the window.
func (w *RollingWindow) Failures() int {
	return w.failures
}

// Successes returns the number of successful outcomes in the window.
func (w *RollingWindow) Successes() int {
	return w.size - w.failures
}

// SuccessRatio returns successes divided by length, or 0 for an empty window.
func (w *RollingWindow) SuccessRatio() float64 {
	if w.size == 0 {
		return 0
	}
	return float64(w.Successes()) / float64(w.size)
}

// ConsecutiveFailures counts failures at the recent end of the window.
func (w *RollingWindow) ConsecutiveFailures() int {
	return w.trailing(false)
}

// ConsecutiveSuccesses counts successes at the recent end of the window.
func (w *RollingWindow) ConsecutiveSuccesses() int {
	return w.trailing(true)
}

// Outcomes returns the held outcomes from oldest to newest.
func (w *RollingWindow) Outcomes() []bool {
	out := make([]bool, 0, w.size)
	start := (w.next - w.size + len(w.outcomes)) % len(w.outcomes)
	for i := 0; i < w.size; i++ {
		out = append(out, w.outcomes[(start+i)%len(w.outcomes)])
	}
	return out
}

// Reset empties the window.
func (w *RollingWindow) Reset() {
	w.next = 0
	w.size = 0
	w.failures = 0
}

func (w *RollingWindow) trailing(want bool) int {
	n := 0
	for i := 1; i <= w.size; i++ {
		idx := (w.next - i + len(w.outcomes)) % len(w.outcomes)
		if w.outcomes[idx] != want {
			break
		}
		n++
	}
	return n
}
