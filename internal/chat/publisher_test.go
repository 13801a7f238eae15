package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	p := NewPublisher()
	a := p.Subscribe(0)
	b := p.Subscribe(0)

	p.Publish(Event{Type: EventStreamDelta, Content: "x"})

	assert.Equal(t, "x", (<-a.C).Content)
	assert.Equal(t, "x", (<-b.C).Content)
}

func TestSubscribeReplayPrecedesLive(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe(0, Event{Type: EventUserMessage, Content: "old"})
	p.Publish(Event{Type: EventStreamDelta, Content: "new"})

	first := <-sub.C
	assert.Equal(t, "old", first.Content)
	second := <-sub.C
	assert.Equal(t, "new", second.Content)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe(0)

	p.Unsubscribe(sub)
	_, ok := <-sub.C
	assert.False(t, ok)

	// Safe to repeat.
	p.Unsubscribe(sub)
	p.Publish(Event{Type: EventStreamDelta})
}

func TestCloseDropsLaterPublishes(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe(0)

	p.Close()
	p.Publish(Event{Type: EventStreamDelta, Content: "dropped"})

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.True(t, p.Closed())

	// Close is idempotent; subscribing afterwards yields a closed channel.
	p.Close()
	late := p.Subscribe(0)
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestSlowSubscriberEvicted(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe(0)

	for i := 0; i < defaultSubscriptionBuffer+1; i++ {
		p.Publish(Event{Type: EventStreamDelta})
	}

	for i := 0; i < defaultSubscriptionBuffer; i++ {
		_, ok := <-sub.C
		require.True(t, ok)
	}
	_, ok := <-sub.C
	assert.False(t, ok)

	// The publisher itself stays usable.
	fresh := p.Subscribe(0)
	p.Publish(Event{Type: EventStreamEnd})
	assert.Equal(t, EventStreamEnd, (<-fresh.C).Type)
}
