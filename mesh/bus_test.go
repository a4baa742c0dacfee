package mesh

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAppendAssignsStrictlyIncreasingGapFreeSequences(t *testing.T) {
	bus := NewBus(64)

	for i := 0; i < 20; i++ {
		event := bus.Append(Event{Type: TypeLAN, Title: fmt.Sprintf("event %d", i)})
		if event.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, event.Seq)
		}
	}

	snapshot := bus.Snapshot()
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i].Seq != snapshot[i-1].Seq+1 {
			t.Fatalf("sequence gap between %d and %d", snapshot[i-1].Seq, snapshot[i].Seq)
		}
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	const capacity = 10
	const appends = 35

	bus := NewBus(capacity)
	for i := 0; i < appends; i++ {
		bus.Append(Event{Type: TypeGossip, Title: fmt.Sprintf("event %d", i)})
	}

	snapshot := bus.Snapshot()
	if len(snapshot) != capacity {
		t.Fatalf("expected %d retained events, got %d", capacity, len(snapshot))
	}
	if snapshot[0].Seq != appends-capacity+1 {
		t.Fatalf("expected oldest retained seq %d, got %d", appends-capacity+1, snapshot[0].Seq)
	}
	if snapshot[len(snapshot)-1].Seq != appends {
		t.Fatalf("expected newest retained seq %d, got %d", appends, snapshot[len(snapshot)-1].Seq)
	}
}

func TestConcurrentAppendsProduceNoDuplicatesOrGaps(t *testing.T) {
	const producers = 8
	const perProducer = 200

	bus := NewBus(producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Append(Event{Type: TypeCost, Title: fmt.Sprintf("producer %d event %d", p, i)})
			}
		}(p)
	}
	wg.Wait()

	snapshot := bus.Snapshot()
	if len(snapshot) != producers*perProducer {
		t.Fatalf("expected %d events, got %d", producers*perProducer, len(snapshot))
	}
	for i, event := range snapshot {
		if event.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d at index %d, got %d", i+1, i, event.Seq)
		}
	}
}

func TestSubscriberSeesLiveTailInOrderWithoutReplay(t *testing.T) {
	bus := NewBus(64)

	bus.Append(Event{Type: TypeLAN, Title: "before subscribe"})
	bus.Append(Event{Type: TypeLAN, Title: "also before subscribe"})

	sub := bus.Subscribe()
	defer sub.Close()
	snapshotLen := uint64(bus.Len())

	for i := 0; i < 5; i++ {
		bus.Append(Event{Type: TypeRoute, Title: fmt.Sprintf("after subscribe %d", i)})
	}

	var previous uint64
	for i := 0; i < 5; i++ {
		select {
		case event := <-sub.Events():
			if event.Seq <= snapshotLen {
				t.Fatalf("subscriber saw pre-subscription event seq %d", event.Seq)
			}
			if event.Seq <= previous {
				t.Fatalf("subscriber saw out-of-order seq %d after %d", event.Seq, previous)
			}
			previous = event.Seq
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSlowSubscriberNeverBlocksProducer(t *testing.T) {
	bus := NewBus(2048)

	// Never drained.
	sub := bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*4; i++ {
			bus.Append(Event{Type: TypeInference, Title: "burst"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("producer blocked on slow subscriber")
	}

	if bus.LastSeq() != uint64(subscriberBuffer*4) {
		t.Fatalf("expected %d appends, got %d", subscriberBuffer*4, bus.LastSeq())
	}
}

func TestFilterByTypeReturnsOrderedSubsequence(t *testing.T) {
	bus := NewBus(64)

	bus.Append(Event{Type: TypeChat, Title: "chat 1"})
	bus.Append(Event{Type: TypeCost, Title: "cost 1"})
	bus.Append(Event{Type: TypeChat, Title: "chat 2"})
	bus.Append(Event{Type: TypeError, Title: "error 1"})
	bus.Append(Event{Type: TypeChat, Title: "chat 3"})

	chats := FilterByType(bus.Snapshot(), TypeChat)
	if len(chats) != 3 {
		t.Fatalf("expected 3 chat events, got %d", len(chats))
	}
	wantTitles := []string{"chat 1", "chat 2", "chat 3"}
	for i, event := range chats {
		if event.Title != wantTitles[i] {
			t.Fatalf("expected title %q at %d, got %q", wantTitles[i], i, event.Title)
		}
		if event.Type != TypeChat {
			t.Fatalf("unexpected type %q in chat filter", event.Type)
		}
	}
}

func TestDistinctTypesTracksRetainedWindow(t *testing.T) {
	bus := NewBus(3)

	bus.Append(Event{Type: TypeChat, Title: "chat"})
	bus.Append(Event{Type: TypeCost, Title: "cost"})

	types := bus.DistinctTypes()
	if len(types) != 2 {
		t.Fatalf("expected 2 distinct types, got %v", types)
	}

	// Push the chat event out of the window.
	bus.Append(Event{Type: TypeRoute, Title: "route 1"})
	bus.Append(Event{Type: TypeRoute, Title: "route 2"})

	types = bus.DistinctTypes()
	for _, typ := range types {
		if typ == TypeChat {
			t.Fatalf("expected chat to disappear after eviction, got %v", types)
		}
	}
	if len(types) != 2 {
		t.Fatalf("expected cost and route, got %v", types)
	}
}

func TestUnknownTypeNormalizedToOther(t *testing.T) {
	bus := NewBus(8)
	event := bus.Append(Event{Type: EventType("telepathy"), Title: "future tag"})
	if event.Type != TypeOther {
		t.Fatalf("expected unknown tag to normalize to %q, got %q", TypeOther, event.Type)
	}
}
