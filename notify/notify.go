// Package notify implements the Notification Bus (spec.md §4.8): best-effort, at-most-once, in-publication-order
// fan-out of chain lifecycle events to subscribers keyed by chain ID and to the "api" fan-in topic.
package notify

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// EventType names one of the lifecycle events the bus carries.
type EventType string

const (
	EventStarted          EventType = "started"
	EventStopped          EventType = "stopped"
	EventError            EventType = "error"
	EventSnapshotTaken    EventType = "snapshot_taken"
	EventSnapshotReverted EventType = "snapshot_reverted"
	EventStatusChanged    EventType = "status_changed"
	// EventLag is synthesized by the bus itself, never published by a caller: it marks that a slow subscriber
	// missed one or more events because its buffer overflowed.
	EventLag EventType = "lag"
)

// APITopic is the fan-in topic that receives every chain's lifecycle events, in the order the bus interleaves
// them across chains.
const APITopic = "api"

// ChainTopic returns the per-chain topic name for id.
func ChainTopic(id string) string {
	return fmt.Sprintf("chain:%s", id)
}

// DefaultBufferSize is the default number of events the bus holds for a slow subscriber before it starts
// dropping the oldest, per spec.md §4.8.
const DefaultBufferSize = 1024

// Event is a single notification delivered to subscribers.
type Event struct {
	Type    EventType
	Topic   string
	ChainID string
	Payload any
}

// Handle identifies a subscription so the caller can later Unsubscribe it.
type Handle uuid.UUID

// Bus is a topic-keyed, buffered publish/subscribe fan-out. It is safe for concurrent use.
type Bus struct {
	bufferSize int

	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]*subscriber
}

// subscriber holds one subscription's delivery channel and lag-tracking state.
type subscriber struct {
	ch         chan Event
	topic      string
	lagPending bool
	mu         sync.Mutex
}

// New creates a Bus whose subscriber buffers hold bufferSize events. A bufferSize of 0 uses DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		subs:       make(map[string]map[uuid.UUID]*subscriber),
	}
}

// Subscribe registers a new subscription on topic and returns its handle and a receive-only channel of events.
// The channel is closed when Unsubscribe is called for this handle.
func (b *Bus) Subscribe(topic string) (Handle, <-chan Event) {
	id := uuid.New()
	sub := &subscriber{
		ch:    make(chan Event, b.bufferSize),
		topic: topic,
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uuid.UUID]*subscriber)
	}
	b.subs[topic][id] = sub
	b.mu.Unlock()

	return Handle(id), sub.ch
}

// Unsubscribe removes the subscription identified by handle from topic and closes its channel. Unsubscribing an
// unknown or already-removed handle is a no-op, per spec.md §4.8's idempotence requirement.
func (b *Bus) Unsubscribe(topic string, handle Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byHandle, ok := b.subs[topic]
	if !ok {
		return
	}
	sub, ok := byHandle[uuid.UUID(handle)]
	if !ok {
		return
	}
	delete(byHandle, uuid.UUID(handle))
	if len(byHandle) == 0 {
		delete(b.subs, topic)
	}
	close(sub.ch)
}

// Publish delivers event to every subscriber of topic, in publication order, without blocking on any one of
// them. Publish never fails: a subscriber with a full buffer has its oldest event dropped to make room, per
// spec.md §4.8.
func (b *Bus) Publish(topic string, event Event) {
	event.Topic = topic

	b.mu.RLock()
	byHandle := b.subs[topic]
	subs := make([]*subscriber, 0, len(byHandle))
	for _, sub := range byHandle {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

// PublishChainEvent publishes event on both the per-chain topic for chainID and the shared api fan-in topic, as
// every chain lifecycle event must be observable on both per spec.md §4.8.
func (b *Bus) PublishChainEvent(chainID string, eventType EventType, payload any) {
	event := Event{Type: eventType, ChainID: chainID, Payload: payload}
	b.Publish(ChainTopic(chainID), event)
	b.Publish(APITopic, event)
}

// deliver sends event to the subscriber's buffer, dropping the oldest buffered event on overflow and surfacing a
// lag marker ahead of the next successfully delivered event.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- event:
		return
	default:
	}

	// Buffer is full: drop the oldest entry to make room.
	select {
	case <-s.ch:
	default:
	}

	if !s.lagPending {
		s.lagPending = true
		select {
		case s.ch <- Event{Type: EventLag, Topic: s.topic}:
		default:
			// No room even after the drop above (a concurrent reader raced us); drop the oldest again.
			select {
			case <-s.ch:
			default:
			}
			s.ch <- Event{Type: EventLag, Topic: s.topic}
		}
		s.lagPending = false
	}

	select {
	case s.ch <- event:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- event
	}
}
