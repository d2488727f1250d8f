package resilience_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	resilience "github.com/JohnPlummer/jp-go-agent-resilience"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockClient implements ResilientClient for testing.
type mockClient struct {
	executeFunc func(ctx context.Context, req string) (string, error)
	callCount   atomic.Int32
}

func (m *mockClient) Execute(ctx context.Context, req string) (string, error) {
	m.callCount.Add(1)
	return m.executeFunc(ctx, req)
}

func (m *mockClient) getCallCount() int {
	return int(m.callCount.Load())
}

// countingOp returns an operation that fails with err (nil for success) and
// a counter of its invocations.
func countingOp(err error) (resilience.Operation, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) error {
		calls.Add(1)
		return err
	}, &calls
}

// eventRecorder collects events published on a bus.
type eventRecorder struct {
	events []resilience.Event
	mu     sync.Mutex
}

func recordEvents(bus *resilience.EventBus, kinds ...resilience.EventKind) *eventRecorder {
	r := &eventRecorder{}
	bus.Subscribe(func(e resilience.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	}, kinds...)
	return r
}

func (r *eventRecorder) all() []resilience.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]resilience.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) kinds() []resilience.EventKind {
	events := r.all()
	out := make([]resilience.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *eventRecorder) count(kind resilience.EventKind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// switchProbe is a probe whose result can be flipped between runs.
type switchProbe struct {
	calls   atomic.Int32
	healthy atomic.Bool
}

func newSwitchProbe(healthy bool) *switchProbe {
	p := &switchProbe{}
	p.healthy.Store(healthy)
	return p
}

func (p *switchProbe) probe(context.Context) (bool, error) {
	p.calls.Add(1)
	return p.healthy.Load(), nil
}

func (p *switchProbe) set(healthy bool) {
	p.healthy.Store(healthy)
}
