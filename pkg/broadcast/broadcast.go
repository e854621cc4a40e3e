// Package broadcast is the bounded in-process fan-out bus. Events are
// packed once per mutation and published as immutable byte buffers
// shared across all subscribers, so N clients never cost N encodings.
package broadcast

import (
	"sync"
)

// DefaultCapacity is the per-subscriber frame buffer.
const DefaultCapacity = 256

// Subscriber receives pre-packed frames. When the subscriber falls
// behind the bus capacity it is considered desynchronized: its channel
// is closed and the session layer must drop the connection so the
// client resynchronizes through the snapshot path.
type Subscriber struct {
	ch     chan []byte
	lagged bool
}

// C returns the frame channel. A closed channel means the subscriber
// lagged and must resynchronize.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

// Lagged reports whether the subscriber was dropped for falling
// behind.
func (s *Subscriber) Lagged() bool {
	return s.lagged
}

// Bus manages subscriptions and frame distribution.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	capacity int
	closed   bool
}

// New creates a bus with the given per-subscriber capacity (frames).
// Zero or negative means DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscriber]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{ch: make(chan []byte, b.capacity)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the frame to every subscriber without blocking.
// A subscriber with a full buffer is dropped on the spot; lagging one
// peer never delays the rest.
func (b *Bus) Publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- frame:
		default:
			sub.lagged = true
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// Close drops all subscribers and rejects future ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
