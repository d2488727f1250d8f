package resilience_test

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/JohnPlummer/jp-go-agent-resilience"
)

var _ = Describe("DegradationController", func() {
	var (
		fc         clockwork.FakeClock
		controller *resilience.DegradationController
	)

	BeforeEach(func() {
		fc = clockwork.NewFakeClock()
		controller = resilience.NewDegradationController(
			resilience.WithDegradationLogger(quietLogger()),
			resilience.WithDegradationClock(fc),
		)
	})

	observeHealthy := func(n int) {
		for range n {
			controller.ObserveHealth(resilience.HealthHealthy)
		}
	}

	Describe("Levels", func() {
		It("should start at FULL with every feature enabled", func() {
			Expect(controller.Level()).To(Equal(resilience.LevelFull))
			Expect(controller.DisabledFeatures()).To(BeEmpty())
			Expect(controller.IsFeatureEnabled("analytics")).To(BeTrue())
		})

		It("should degrade one step at a time and stop at EMERGENCY", func() {
			expected := []resilience.DegradationLevel{
				resilience.LevelReduced,
				resilience.LevelMinimal,
				resilience.LevelEmergency,
			}
			for _, want := range expected {
				level, changed := controller.Degrade()
				Expect(changed).To(BeTrue())
				Expect(level).To(Equal(want))
			}

			level, changed := controller.Degrade()
			Expect(changed).To(BeFalse())
			Expect(level).To(Equal(resilience.LevelEmergency))
		})

		It("should parse and print level names", func() {
			level, err := resilience.ParseDegradationLevel(" Minimal ")
			Expect(err).NotTo(HaveOccurred())
			Expect(level).To(Equal(resilience.LevelMinimal))
			Expect(level.String()).To(Equal("minimal"))

			_, err = resilience.ParseDegradationLevel("partial")
			Expect(err).To(MatchError(resilience.ErrInvalidConfig))
		})
	})

	Describe("Recovery hysteresis", func() {
		BeforeEach(func() {
			controller.Degrade()
			controller.Degrade()
		})

		It("should not recover before three healthy observations", func() {
			observeHealthy(2)
			Expect(controller.CanRecover()).To(BeFalse())

			_, changed := controller.Recover()
			Expect(changed).To(BeFalse())
			Expect(controller.Level()).To(Equal(resilience.LevelMinimal))
		})

		It("should step down once per streak", func() {
			observeHealthy(3)
			level, changed := controller.Recover()
			Expect(changed).To(BeTrue())
			Expect(level).To(Equal(resilience.LevelReduced))

			// The streak starts over after each step.
			_, changed = controller.Recover()
			Expect(changed).To(BeFalse())

			observeHealthy(3)
			level, _ = controller.Recover()
			Expect(level).To(Equal(resilience.LevelFull))

			observeHealthy(3)
			_, changed = controller.Recover()
			Expect(changed).To(BeFalse())
		})

		It("should reset the streak on a non-healthy observation", func() {
			observeHealthy(2)
			controller.ObserveHealth(resilience.HealthDegraded)
			observeHealthy(2)
			Expect(controller.CanRecover()).To(BeFalse())

			controller.ObserveHealth(resilience.HealthHealthy)
			Expect(controller.CanRecover()).To(BeTrue())
		})

		It("should reset the streak when degrading again", func() {
			observeHealthy(3)
			controller.Degrade()
			Expect(controller.CanRecover()).To(BeFalse())
		})

		It("should honour a custom threshold", func() {
			controller = resilience.NewDegradationController(
				resilience.WithDegradationLogger(quietLogger()),
				resilience.WithRecoveryThreshold(1),
			)
			controller.Degrade()
			observeHealthy(1)
			level, changed := controller.Recover()
			Expect(changed).To(BeTrue())
			Expect(level).To(Equal(resilience.LevelFull))
		})
	})

	Describe("Feature gating", func() {
		It("should disable features cumulatively by level", func() {
			controller.Degrade()
			Expect(controller.IsFeatureEnabled("analytics")).To(BeFalse())
			Expect(controller.IsFeatureEnabled("notifications")).To(BeTrue())

			controller.Degrade()
			Expect(controller.IsFeatureEnabled("analytics")).To(BeFalse())
			Expect(controller.IsFeatureEnabled("notifications")).To(BeFalse())
			Expect(controller.IsFeatureEnabled("posting")).To(BeTrue())

			controller.Degrade()
			Expect(controller.DisabledFeatures()).To(Equal([]string{
				"analytics", "background-sync", "external-writes",
				"notifications", "posting", "prefetch",
			}))
		})

		It("should re-enable features on recovery", func() {
			controller.Degrade()
			observeHealthy(3)
			controller.Recover()
			Expect(controller.IsFeatureEnabled("analytics")).To(BeTrue())
		})

		It("should enable unknown features at every level", func() {
			for range 3 {
				controller.Degrade()
			}
			Expect(controller.IsFeatureEnabled("core-loop")).To(BeTrue())
		})

		It("should use a custom feature table", func() {
			controller = resilience.NewDegradationController(
				resilience.WithDegradationLogger(quietLogger()),
				resilience.WithFeatureTable(map[resilience.DegradationLevel][]string{
					resilience.LevelMinimal: {"image-generation"},
				}),
			)
			controller.Degrade()
			Expect(controller.IsFeatureEnabled("image-generation")).To(BeTrue())
			controller.Degrade()
			Expect(controller.IsFeatureEnabled("image-generation")).To(BeFalse())
			Expect(controller.IsFeatureEnabled("analytics")).To(BeTrue())
		})
	})

	Describe("Events", func() {
		It("should publish each level change", func() {
			recorder := recordEvents(controller.Events(), resilience.EventDegradationLevel)
			controller.Degrade()
			observeHealthy(3)
			controller.Recover()

			events := recorder.all()
			Expect(events).To(HaveLen(2))
			Expect(events[0].Level).To(Equal(resilience.LevelReduced))
			Expect(events[0].From).To(Equal("full"))
			Expect(events[1].Level).To(Equal(resilience.LevelFull))
			Expect(events[1].At).To(BeTemporally("==", fc.Now()))
		})
	})

	Describe("Attach", func() {
		It("should degrade on system failure and recover after sustained health", func() {
			ctx := context.Background()
			monitor := resilience.NewHealthMonitor(
				resilience.WithMonitorLogger(quietLogger()),
				resilience.WithMonitorClock(fc),
			)
			detach := controller.Attach(monitor)
			DeferCleanup(detach)

			p := newSwitchProbe(false)
			Expect(monitor.Register(resilience.HealthCheck{
				Name:     "database",
				Critical: true,
				Interval: time.Minute,
				Probe:    p.probe,
			})).To(Succeed())

			_, err := monitor.RunCheck(ctx, "database")
			Expect(err).NotTo(HaveOccurred())
			Expect(controller.Level()).To(Equal(resilience.LevelReduced))

			// Staying unhealthy does not degrade further.
			_, _ = monitor.RunCheck(ctx, "database")
			Expect(controller.Level()).To(Equal(resilience.LevelReduced))

			p.set(true)
			_, _ = monitor.RunCheck(ctx, "database")
			_, _ = monitor.RunCheck(ctx, "database")
			Expect(controller.Level()).To(Equal(resilience.LevelReduced))

			_, _ = monitor.RunCheck(ctx, "database")
			Expect(controller.Level()).To(Equal(resilience.LevelFull))
		})

		It("should observe system health once per round of checks", func() {
			ctx := context.Background()
			monitor := resilience.NewHealthMonitor(
				resilience.WithMonitorLogger(quietLogger()),
				resilience.WithMonitorClock(fc),
			)
			DeferCleanup(controller.Attach(monitor))

			database := newSwitchProbe(false)
			Expect(monitor.Register(resilience.HealthCheck{Name: "database", Critical: true, Probe: database.probe})).To(Succeed())
			Expect(monitor.Register(resilience.HealthCheck{Name: "cache", Probe: newSwitchProbe(true).probe})).To(Succeed())
			Expect(monitor.Register(resilience.HealthCheck{Name: "queue", Probe: newSwitchProbe(true).probe})).To(Succeed())

			_, _ = monitor.RunCheck(ctx, "database")
			Expect(controller.Level()).To(Equal(resilience.LevelReduced))

			database.set(true)
			round := func() {
				for _, name := range []string{"database", "cache", "queue"} {
					_, err := monitor.RunCheck(ctx, name)
					Expect(err).NotTo(HaveOccurred())
				}
			}

			// Three healthy results from one round are a single observation.
			round()
			Expect(controller.Level()).To(Equal(resilience.LevelReduced))
			round()
			Expect(controller.Level()).To(Equal(resilience.LevelReduced))

			round()
			Expect(controller.Level()).To(Equal(resilience.LevelFull))
		})

		It("should stop reacting once detached", func() {
			monitor := resilience.NewHealthMonitor(
				resilience.WithMonitorLogger(quietLogger()),
				resilience.WithMonitorClock(fc),
			)
			detach := controller.Attach(monitor)
			detach()

			Expect(monitor.Register(resilience.HealthCheck{
				Name:     "database",
				Critical: true,
				Probe:    newSwitchProbe(false).probe,
			})).To(Succeed())
			_, _ = monitor.RunCheck(context.Background(), "database")

			Expect(controller.Level()).To(Equal(resilience.LevelFull))
		})
	})
})
