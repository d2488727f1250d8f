package resilience_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/JohnPlummer/jp-go-agent-resilience"
)

var _ = Describe("EventBus", func() {
	var bus *resilience.EventBus

	BeforeEach(func() {
		bus = resilience.NewEventBus(quietLogger())
	})

	It("should deliver to listeners in subscription order", func() {
		var order []int
		for i := range 5 {
			bus.Subscribe(func(resilience.Event) {
				order = append(order, i)
			})
		}

		bus.Publish(resilience.Event{Kind: resilience.EventStateOpen})
		Expect(order).To(Equal([]int{0, 1, 2, 3, 4}))
	})

	It("should filter by kind", func() {
		opens := recordEvents(bus, resilience.EventStateOpen)
		all := recordEvents(bus)

		bus.Publish(resilience.Event{Kind: resilience.EventStateOpen})
		bus.Publish(resilience.Event{Kind: resilience.EventCheckFailure})

		Expect(opens.kinds()).To(Equal([]resilience.EventKind{resilience.EventStateOpen}))
		Expect(all.all()).To(HaveLen(2))
	})

	It("should stop delivering after unsubscribe", func() {
		calls := 0
		unsubscribe := bus.Subscribe(func(resilience.Event) { calls++ })

		bus.Publish(resilience.Event{Kind: resilience.EventStateClosed})
		unsubscribe()
		unsubscribe()
		bus.Publish(resilience.Event{Kind: resilience.EventStateClosed})

		Expect(calls).To(Equal(1))
	})

	It("should keep delivering when a listener panics", func() {
		bus.Subscribe(func(resilience.Event) { panic("listener bug") })
		recorder := recordEvents(bus)

		Expect(func() {
			bus.Publish(resilience.Event{Kind: resilience.EventSystemHealthy})
		}).NotTo(Panic())
		Expect(recorder.count(resilience.EventSystemHealthy)).To(Equal(1))
	})

	It("should ignore a nil listener", func() {
		unsubscribe := bus.Subscribe(nil)
		Expect(unsubscribe).NotTo(BeNil())
		Expect(func() {
			bus.Publish(resilience.Event{Kind: resilience.EventStateOpen})
		}).NotTo(Panic())
	})
})
