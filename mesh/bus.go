package mesh

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the retained event window.
	DefaultCapacity = 1000
	// subscriberBuffer is the per-subscriber live-tail channel depth.
	subscriberBuffer = 128
)

// Bus is an append-only, bounded, ordered event log with multi-subscriber
// fan-out. Appends never block on slow or absent subscribers; a subscriber
// that cannot keep up misses events from its live tail and can recover state
// with Snapshot.
type Bus struct {
	mu       sync.RWMutex
	events   []Event
	start    int
	count    int
	nextSeq  uint64
	capacity int

	subs    map[uint64]*Subscription
	nextSub uint64
}

// Subscription is a live tail over bus appends from the moment of Subscribe.
type Subscription struct {
	bus *Bus
	id  uint64

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Events returns the ordered live event stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.bus.removeSubscription(s.id)
	})
}

// NewBus creates a bus with the given retained-event capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Bus{
		events:   make([]Event, capacity),
		capacity: capacity,
		subs:     make(map[uint64]*Subscription),
	}
}

// Append assigns the next sequence number, stores the event in the retained
// window (evicting the oldest when full) and fans it out to subscribers.
// The stored event is returned with Seq and Timestamp populated.
//
// Fan-out happens inside the append critical section so subscribers observe
// sequence order; sends are non-blocking, so producers never wait.
func (b *Bus) Append(event Event) Event {
	event.Type = NormalizeType(event.Type)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	if event.Seq != 0 && event.Seq != b.nextSeq {
		// Callers never assign sequence numbers; a mismatch is a programming
		// error, not a recoverable condition.
		panic(fmt.Sprintf("mesh: append with preassigned sequence %d, want %d", event.Seq, b.nextSeq))
	}
	event.Seq = b.nextSeq

	if b.count == b.capacity {
		b.start = (b.start + 1) % b.capacity
		b.count--
	}
	b.events[(b.start+b.count)%b.capacity] = event
	b.count++

	for _, sub := range b.subs {
		select {
		case sub.events <- event:
		case <-sub.closed:
		default:
			// Slow subscriber: drop from the live tail rather than block the
			// producer. Snapshot remains the recovery path.
		}
	}

	return event
}

// Snapshot returns the currently retained events in sequence order.
func (b *Bus) Snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.events[(b.start+i)%b.capacity])
	}
	return out
}

// Len returns the number of retained events.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LastSeq returns the most recently assigned sequence number.
func (b *Bus) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// DistinctTypes returns the sorted set of type tags present in the retained
// window. Types whose last event has been evicted do not appear.
func (b *Bus) DistinctTypes() []EventType {
	b.mu.RLock()
	seen := make(map[EventType]struct{})
	for i := 0; i < b.count; i++ {
		seen[b.events[(b.start+i)%b.capacity].Type] = struct{}{}
	}
	b.mu.RUnlock()

	out := make([]EventType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe registers a live tail starting after the current snapshot.
// Earlier events are visible through Snapshot only, never replayed.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		events: make(chan Event, subscriberBuffer),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	b.nextSub++
	sub.id = b.nextSub
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

func (b *Bus) removeSubscription(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
