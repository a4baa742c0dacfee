// Package registry owns the authoritative roster of discovered peers and
// their trust state. Reads are safe for concurrent callers; writes are
// serialized behind one lock.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"atmosphere/transport"
)

var (
	// ErrPeerNotFound indicates no PeerHandle exists for the identifier.
	ErrPeerNotFound = errors.New("registry: peer not found")
	// ErrTrustConflict indicates an attempt to create a second live trust
	// record for an already-paired peer without revoking first.
	ErrTrustConflict = errors.New("registry: live trust record exists, revoke first")
	// ErrTrustNotFound indicates no trust record exists for the identifier.
	ErrTrustNotFound = errors.New("registry: trust record not found")
	// ErrTrustRevoked indicates the trust record was already revoked.
	ErrTrustRevoked = errors.New("registry: trust record revoked")
)

// TrustState is the pairing outcome recorded for a peer.
type TrustState string

const (
	TrustPaired  TrustState = "paired"
	TrustRevoked TrustState = "revoked"
)

// PeerHandle is one discoverable device. The identifier is immutable; RSSI
// and LastSeen are refreshed by the advertisement stream only.
type PeerHandle struct {
	ID       string
	Name     string
	Platform string
	RSSI     int
	LastSeen time.Time
}

// TrustRecord is the durable outcome of a completed pairing.
type TrustRecord struct {
	PeerID        string
	State         TrustState
	Key           []byte
	SAS           string
	EstablishedAt time.Time
	RevokedAt     time.Time
}

// Registry maps peer identifiers to handles and, separately, to trust
// records. At most one trust record per peer identifier is held live.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]PeerHandle
	trust  map[string]TrustRecord
	pinned map[string]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		peers:  make(map[string]PeerHandle),
		trust:  make(map[string]TrustRecord),
		pinned: make(map[string]int),
	}
}

// UpsertAdvertisement creates or refreshes the PeerHandle for an
// advertisement. It is idempotent; only RSSI and LastSeen change on repeats.
// The returned flag is true when the handle was newly created.
func (r *Registry) UpsertAdvertisement(adv transport.Advertisement) (PeerHandle, bool) {
	timestamp := adv.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	handle, exists := r.peers[adv.PeerID]
	if !exists {
		handle = PeerHandle{
			ID:       adv.PeerID,
			Name:     adv.Name,
			Platform: adv.Platform,
		}
	}
	if adv.Name != "" {
		handle.Name = adv.Name
	}
	if adv.Platform != "" {
		handle.Platform = adv.Platform
	}
	handle.RSSI = adv.RSSI
	handle.LastSeen = timestamp

	r.peers[adv.PeerID] = handle
	return handle, !exists
}

// EnsureHandle creates a bare PeerHandle when an inbound pairing arrives for
// a peer never seen advertising. Existing handles are returned untouched.
func (r *Registry) EnsureHandle(peerID, name string) PeerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handle, ok := r.peers[peerID]; ok {
		return handle
	}

	handle := PeerHandle{
		ID:       peerID,
		Name:     name,
		LastSeen: time.Now(),
	}
	r.peers[peerID] = handle
	return handle
}

// Get returns the PeerHandle for an identifier.
func (r *Registry) Get(peerID string) (PeerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.peers[peerID]
	return handle, ok
}

// List returns all handles sorted by name then identifier.
func (r *Registry) List() []PeerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerHandle, 0, len(r.peers))
	for _, handle := range r.peers {
		out = append(out, handle)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Pin protects a PeerHandle from stale eviction while a pairing session
// references it. Pins nest.
func (r *Registry) Pin(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned[peerID]++
}

// Unpin releases one Pin.
func (r *Registry) Unpin(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pinned[peerID] <= 1 {
		delete(r.pinned, peerID)
		return
	}
	r.pinned[peerID]--
}

// EvictStale removes PeerHandles with no advertisement inside the window.
// Pinned handles and handles with a live Paired trust record are kept:
// pairing is independent of momentary radio silence. Trust records are
// never touched; revocation is always explicit. The evicted IDs are
// returned.
func (r *Registry) EvictStale(now time.Time, window time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, handle := range r.peers {
		if now.Sub(handle.LastSeen) <= window {
			continue
		}
		if r.pinned[id] > 0 {
			continue
		}
		if record, ok := r.trust[id]; ok && record.State == TrustPaired {
			continue
		}
		delete(r.peers, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// RecordTrust stores the trust record produced by a completed pairing.
// A live Paired record for the same peer fails with ErrTrustConflict; the
// caller must revoke first. Key material is copied.
func (r *Registry) RecordTrust(record TrustRecord) error {
	if record.PeerID == "" {
		return errors.New("registry: trust record peer ID is required")
	}
	if record.State != TrustPaired {
		return fmt.Errorf("registry: cannot record trust in state %q", record.State)
	}
	if len(record.Key) == 0 {
		return errors.New("registry: trust record key material is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.trust[record.PeerID]; ok && existing.State == TrustPaired {
		return ErrTrustConflict
	}

	record.Key = append([]byte(nil), record.Key...)
	if record.EstablishedAt.IsZero() {
		record.EstablishedAt = time.Now()
	}
	r.trust[record.PeerID] = record
	return nil
}

// Revoke withdraws trust for a peer. The revoked record remains for audit
// but is never again usable for membership decisions.
func (r *Registry) Revoke(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.trust[peerID]
	if !ok {
		return ErrTrustNotFound
	}
	if record.State == TrustRevoked {
		return ErrTrustRevoked
	}

	record.State = TrustRevoked
	record.RevokedAt = time.Now()
	r.trust[peerID] = record
	return nil
}

// Trust returns the trust record for a peer, live or revoked.
func (r *Registry) Trust(peerID string) (TrustRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.trust[peerID]
	if !ok {
		return TrustRecord{}, false
	}
	record.Key = append([]byte(nil), record.Key...)
	return record, true
}

// IsPaired reports whether a peer holds live Paired trust. Revoked records
// never count as membership.
func (r *Registry) IsPaired(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.trust[peerID]
	return ok && record.State == TrustPaired
}
