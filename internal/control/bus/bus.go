// Package bus implements a synchronous in-process pub/sub bus, grounded
// on original_source/cloud_drive/messaging.py's InMemoryBus.
package bus

import "sync"

// Fixed topic constants, mirroring MessageBusConfig.topics' defaults.
const (
	TopicIngestRequests      = "ingest.requests"
	TopicReplicationRequests = "replication.requests"
	TopicUploadsExpired      = "uploads.expired"
	TopicTrashExpired        = "trash.expired"
	TopicActivityEvents      = "activity.events"
	TopicQuotaAlert          = "quota.alert"
	TopicHealingEvents       = "healing.events"
	TopicLifecycleTransitions = "lifecycle.transitions"
)

// Envelope is MessageEnvelope.
type Envelope struct {
	Topic   string
	Payload map[string]any
	Retries int
}

// Handler receives a published Envelope.
type Handler func(Envelope)

// Bus is a naive same-process pub/sub bus: Publish invokes every
// subscriber synchronously, in subscription order, matching the
// original's "list(self._subscribers[topic])" snapshot-then-call shape.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]Handler)}
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Publish delivers envelope to every subscriber of its topic,
// synchronously, in registration order.
func (b *Bus) Publish(envelope Envelope) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.subscribers[envelope.Topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(envelope)
	}
}
