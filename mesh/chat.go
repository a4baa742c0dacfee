package mesh

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrResponsePending is returned by Send while a response is outstanding.
	// Sends are rejected rather than queued; the caller retries after the
	// counterpart's turn arrives or after Reset.
	ErrResponsePending = errors.New("mesh: response pending for previous send")
	// ErrEmptyContent is returned for blank chat content.
	ErrEmptyContent = errors.New("mesh: chat content is required")
)

// Role marks who authored a chat turn.
type Role string

const (
	RoleUser        Role = "user"
	RoleCounterpart Role = "counterpart"
)

// Turn is one message in a conversational exchange. Every Turn is also
// recorded on the bus as a chat event; the channel keeps the richer fields.
type Turn struct {
	Role      Role
	Content   string
	Timestamp time.Time
	Pending   bool
	Seq       uint64
}

// Channel is a request/response conversation with one peer, built on the
// bus's ordering guarantees. At most one response may be outstanding.
type Channel struct {
	bus    *Bus
	peerID string

	mu       sync.RWMutex
	turns    []Turn
	awaiting bool
}

// NewChannel creates a conversation channel bound to a peer and a bus.
func NewChannel(bus *Bus, peerID string) *Channel {
	return &Channel{
		bus:    bus,
		peerID: peerID,
	}
}

// PeerID returns the counterpart peer identifier.
func (c *Channel) PeerID() string {
	return c.peerID
}

// Send records a user turn, mirrors it as a chat event and marks the channel
// awaiting a response. A second Send while awaiting fails with
// ErrResponsePending.
func (c *Channel) Send(content string) (Turn, error) {
	if strings.TrimSpace(content) == "" {
		return Turn{}, ErrEmptyContent
	}

	c.mu.Lock()
	if c.awaiting {
		c.mu.Unlock()
		return Turn{}, ErrResponsePending
	}
	c.awaiting = true

	turn := Turn{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		Pending:   true,
	}
	c.turns = append(c.turns, turn)
	index := len(c.turns) - 1
	c.mu.Unlock()

	event := c.bus.Append(Event{
		Type:   TypeChat,
		Title:  "Chat sent",
		Detail: content,
		PeerID: c.peerID,
	})

	c.mu.Lock()
	c.turns[index].Seq = event.Seq
	turn = c.turns[index]
	c.mu.Unlock()

	return turn, nil
}

// Receive records the counterpart's turn, mirrors it as a chat event and
// clears the awaiting-response state, completing the pending user turn.
func (c *Channel) Receive(content string) (Turn, error) {
	if strings.TrimSpace(content) == "" {
		return Turn{}, ErrEmptyContent
	}

	c.mu.Lock()
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleUser && c.turns[i].Pending {
			c.turns[i].Pending = false
			break
		}
	}
	c.awaiting = false

	turn := Turn{
		Role:      RoleCounterpart,
		Content:   content,
		Timestamp: time.Now(),
	}
	c.turns = append(c.turns, turn)
	index := len(c.turns) - 1
	c.mu.Unlock()

	event := c.bus.Append(Event{
		Type:   TypeChat,
		Title:  "Chat received",
		Detail: content,
		PeerID: c.peerID,
	})

	c.mu.Lock()
	c.turns[index].Seq = event.Seq
	turn = c.turns[index]
	c.mu.Unlock()

	return turn, nil
}

// Awaiting reports whether a response is outstanding.
func (c *Channel) Awaiting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.awaiting
}

// Reset clears the awaiting-response state without recording a turn, for
// counterparts that disappear mid-exchange.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleUser && c.turns[i].Pending {
			c.turns[i].Pending = false
			break
		}
	}
	c.awaiting = false
}

// Turns returns a snapshot of the conversation in order.
func (c *Channel) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Turn(nil), c.turns...)
}
