package mesh

import (
	"errors"
	"testing"
)

func TestSendThenReceiveCompletesTurn(t *testing.T) {
	bus := NewBus(64)
	channel := NewChannel(bus, "peer-1")

	sent, err := channel.Send("what models do you run?")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !sent.Pending {
		t.Fatalf("expected sent turn to be pending")
	}
	if !channel.Awaiting() {
		t.Fatalf("expected channel to be awaiting a response")
	}

	received, err := channel.Receive("llama-3.2-3b, local only")
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if received.Role != RoleCounterpart {
		t.Fatalf("expected counterpart role, got %q", received.Role)
	}
	if channel.Awaiting() {
		t.Fatalf("expected awaiting state cleared after receive")
	}

	turns := channel.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Pending {
		t.Fatalf("expected user turn marked complete after response")
	}
	if turns[1].Seq <= turns[0].Seq {
		t.Fatalf("expected turns in bus order, got seqs %d then %d", turns[0].Seq, turns[1].Seq)
	}
}

func TestSecondSendWhileAwaitingIsRejected(t *testing.T) {
	bus := NewBus(64)
	channel := NewChannel(bus, "peer-1")

	if _, err := channel.Send("first"); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}

	if _, err := channel.Send("second"); !errors.Is(err, ErrResponsePending) {
		t.Fatalf("expected ErrResponsePending, got %v", err)
	}

	if _, err := channel.Receive("reply"); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if _, err := channel.Send("third"); err != nil {
		t.Fatalf("Send after response failed: %v", err)
	}
}

func TestEveryTurnIsMirroredAsChatEvent(t *testing.T) {
	bus := NewBus(64)
	channel := NewChannel(bus, "peer-1")

	if _, err := channel.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := channel.Receive("hi"); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	chats := FilterByType(bus.Snapshot(), TypeChat)
	if len(chats) != 2 {
		t.Fatalf("expected 2 chat events on the bus, got %d", len(chats))
	}
	if chats[0].Detail != "hello" || chats[1].Detail != "hi" {
		t.Fatalf("unexpected chat event contents: %+v", chats)
	}
	for _, event := range chats {
		if event.PeerID != "peer-1" {
			t.Fatalf("expected peer id on chat event, got %q", event.PeerID)
		}
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	bus := NewBus(8)
	channel := NewChannel(bus, "peer-1")

	if _, err := channel.Send("   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if channel.Awaiting() {
		t.Fatalf("rejected send must not set awaiting state")
	}
}

func TestResetClearsAwaitingWithoutTurn(t *testing.T) {
	bus := NewBus(8)
	channel := NewChannel(bus, "peer-1")

	if _, err := channel.Send("anyone there?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	channel.Reset()
	if channel.Awaiting() {
		t.Fatalf("expected awaiting cleared after reset")
	}

	turns := channel.Turns()
	if len(turns) != 1 {
		t.Fatalf("expected a single turn after reset, got %d", len(turns))
	}
	if turns[0].Pending {
		t.Fatalf("expected pending flag cleared by reset")
	}
}
