package mesh

import (
	"time"
)

// EventType tags a MeshEvent with the kind of fact it records.
type EventType string

const (
	TypeConnected       EventType = "connected"
	TypeJoined          EventType = "joined"
	TypePeerJoined      EventType = "peer-joined"
	TypePeerLeft        EventType = "peer-left"
	TypeCost            EventType = "cost"
	TypeChat            EventType = "chat"
	TypeRoute           EventType = "route"
	TypeError           EventType = "error"
	TypeGossip          EventType = "gossip"
	TypeLAN             EventType = "lan"
	TypeInference       EventType = "inference"
	TypeModelInvocation EventType = "model-invocation"
	// TypeOther is the forward-compatibility bucket for tags this build does
	// not know about.
	TypeOther EventType = "other"
)

var knownTypes = map[EventType]struct{}{
	TypeConnected:       {},
	TypeJoined:          {},
	TypePeerJoined:      {},
	TypePeerLeft:        {},
	TypeCost:            {},
	TypeChat:            {},
	TypeRoute:           {},
	TypeError:           {},
	TypeGossip:          {},
	TypeLAN:             {},
	TypeInference:       {},
	TypeModelInvocation: {},
	TypeOther:           {},
}

// NormalizeType maps unknown tags to TypeOther.
func NormalizeType(t EventType) EventType {
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeOther
}

// Event is an immutable, timestamped fact observed on the mesh.
//
// Seq is assigned by the bus at append time and is strictly increasing and
// gap-free within one bus instance.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail,omitempty"`
	PeerID    string    `json:"peer_id,omitempty"`
}

// FilterByType returns the subsequence of events matching any of the given
// types, preserving order. It is a pure view operation.
func FilterByType(events []Event, types ...EventType) []Event {
	if len(types) == 0 {
		return append([]Event(nil), events...)
	}

	wanted := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}

	out := make([]Event, 0, len(events))
	for _, event := range events {
		if _, ok := wanted[event.Type]; ok {
			out = append(out, event)
		}
	}
	return out
}
