package bus

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestBusSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bus Suite")
}

var _ = Describe("Bus", func() {
	var b *Bus

	BeforeEach(func() {
		b = New()
	})

	Describe("Publish", func() {
		It("delivers to every subscriber of the envelope's topic", func() {
			var received []Envelope
			b.Subscribe(TopicIngestRequests, func(e Envelope) { received = append(received, e) })

			b.Publish(Envelope{Topic: TopicIngestRequests, Payload: map[string]any{"file": "a.bin"}})

			Expect(received).To(HaveLen(1))
			Expect(received[0].Payload).To(HaveKeyWithValue("file", "a.bin"))
		})

		It("does not deliver to subscribers of a different topic", func() {
			fired := false
			b.Subscribe(TopicQuotaAlert, func(Envelope) { fired = true })

			b.Publish(Envelope{Topic: TopicHealingEvents})

			Expect(fired).To(BeFalse())
		})

		It("snapshots subscribers so a handler registered during Publish doesn't run in the same call", func() {
			calls := 0
			b.Subscribe(TopicTrashExpired, func(Envelope) {
				calls++
				b.Subscribe(TopicTrashExpired, func(Envelope) { calls++ })
			})

			b.Publish(Envelope{Topic: TopicTrashExpired})

			Expect(calls).To(Equal(1))
		})
	})
})
