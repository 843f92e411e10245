package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSubscribeTwiceForSameTopicDeliversToEach ensures two independent subscriptions to the same topic each
// receive their own copy of a published event, per spec.md §8's round-trip property.
func TestSubscribeTwiceForSameTopicDeliversToEach(t *testing.T) {
	bus := New(8)

	_, ch1 := bus.Subscribe(APITopic)
	_, ch2 := bus.Subscribe(APITopic)

	bus.Publish(APITopic, Event{Type: EventStarted, ChainID: "1"})

	select {
	case e := <-ch1:
		assert.Equal(t, EventStarted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive event")
	}
	select {
	case e := <-ch2:
		assert.Equal(t, EventStarted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive event")
	}
}

// TestPublishChainEventFansOutToChainAndAPITopics ensures a chain event reaches both its own chain topic and the
// api fan-in topic.
func TestPublishChainEventFansOutToChainAndAPITopics(t *testing.T) {
	bus := New(8)

	_, chainCh := bus.Subscribe(ChainTopic("42"))
	_, apiCh := bus.Subscribe(APITopic)

	bus.PublishChainEvent("42", EventStarted, map[string]any{"id": "42"})

	select {
	case e := <-chainCh:
		assert.Equal(t, EventStarted, e.Type)
		assert.Equal(t, "42", e.ChainID)
	case <-time.After(time.Second):
		t.Fatal("chain topic subscriber did not receive event")
	}
	select {
	case e := <-apiCh:
		assert.Equal(t, EventStarted, e.Type)
		assert.Equal(t, "42", e.ChainID)
	case <-time.After(time.Second):
		t.Fatal("api topic subscriber did not receive event")
	}
}

// TestOverflowDropsOldestAndSurfacesLag ensures a slow subscriber whose buffer overflows eventually observes a
// lag marker rather than blocking the publisher or panicking.
func TestOverflowDropsOldestAndSurfacesLag(t *testing.T) {
	bus := New(2)
	_, ch := bus.Subscribe(APITopic)

	// Publish more events than the buffer can hold without ever draining it.
	for i := 0; i < 10; i++ {
		bus.Publish(APITopic, Event{Type: EventStatusChanged, ChainID: "1"})
	}

	sawLag := false
	drained := 0
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("channel closed unexpectedly")
			}
			drained++
			if e.Type == EventLag {
				sawLag = true
			}
		default:
			goto done
		}
	}
done:
	assert.True(t, sawLag, "expected a lag marker after buffer overflow")
	assert.Greater(t, drained, 0)
}

// TestUnsubscribeIsIdempotent ensures unsubscribing twice (or unsubscribing an unknown handle) never panics.
func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New(8)
	handle, ch := bus.Subscribe(APITopic)

	bus.Unsubscribe(APITopic, handle)
	bus.Unsubscribe(APITopic, handle)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Unsubscribing a handle that was never registered on this topic is also a no-op.
	bogus, _ := bus.Subscribe("other-topic")
	require.NotPanics(t, func() {
		bus.Unsubscribe(APITopic, bogus)
	})
}

// TestPublishWithNoSubscribersIsSafe ensures publishing to a topic nobody subscribed to does not panic or block.
func TestPublishWithNoSubscribersIsSafe(t *testing.T) {
	bus := New(8)
	assert.NotPanics(t, func() {
		bus.Publish(ChainTopic("does-not-exist"), Event{Type: EventStopped})
	})
}
