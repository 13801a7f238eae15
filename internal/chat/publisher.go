package chat

import (
	"sync"

	"github.com/codefionn/werkstatt/internal/logger"
)

const defaultSubscriptionBuffer = 64

// Subscription is one subscriber's view of a Publisher. Events arrive on C
// in publish order. The channel is closed when the subscription is removed
// or the publisher shuts down.
type Subscription struct {
	C chan Event

	pub    *Publisher
	closed bool
}

// Publisher fans events out to any number of subscribers. It replaces
// per-listener handler bookkeeping with an explicit subscribe/unsubscribe
// contract: closing the publisher invalidates it, and every later Publish
// is a silent no-op.
type Publisher struct {
	mu     sync.Mutex
	subs   map[*Subscription]bool
	closed bool
}

// NewPublisher creates an empty, open publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[*Subscription]bool)}
}

// Subscribe registers a new subscriber. Any replay events are preloaded
// into the channel before the subscription goes live, so a subscriber
// observes: replay, then live events. A closed publisher returns a
// subscription whose channel is already closed.
func (p *Publisher) Subscribe(buffer int, replay ...Event) *Subscription {
	if buffer < defaultSubscriptionBuffer {
		buffer = defaultSubscriptionBuffer
	}
	if buffer < len(replay)+1 {
		buffer = len(replay) + 1
	}

	sub := &Subscription{C: make(chan Event, buffer)}
	sub.pub = p

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		sub.closed = true
		close(sub.C)
		return sub
	}

	for _, ev := range replay {
		sub.C <- ev
	}
	p.subs[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once and after the publisher is closed.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if sub.closed {
		return
	}
	delete(p.subs, sub)
	sub.closed = true
	close(sub.C)
}

// Publish delivers an event to every subscriber. Publishing to a closed
// publisher is a no-op; nothing is delivered and no error is raised. A
// subscriber whose buffer is full is evicted rather than blocking the
// publisher.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for sub := range p.subs {
		select {
		case sub.C <- ev:
		default:
			logger.Warn("chat: evicting slow subscriber (type=%s)", ev.Type)
			delete(p.subs, sub)
			sub.closed = true
			close(sub.C)
		}
	}
}

// Close invalidates the publisher and closes every subscriber channel.
// Idempotent.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		delete(p.subs, sub)
		sub.closed = true
		close(sub.C)
	}
}

// Closed reports whether the publisher has been shut down.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
