package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// MemoryNetwork links Memory transports by peer ID so tests can drive
// multi-device pairing flows without radio hardware.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Memory
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*Memory)}
}

// Join attaches a new transport for the given peer ID.
func (n *MemoryNetwork) Join(peerID string) *Memory {
	m := &Memory{
		network:        n,
		peerID:         peerID,
		advertisements: make(chan Advertisement, 64),
		inbound:        make(chan net.Conn, 16),
		closed:         make(chan struct{}),
	}

	n.mu.Lock()
	n.nodes[peerID] = m
	n.mu.Unlock()
	return m
}

// Advertise delivers an advertisement to every other attached transport.
func (n *MemoryNetwork) Advertise(adv Advertisement) {
	if adv.Timestamp.IsZero() {
		adv.Timestamp = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, node := range n.nodes {
		if id == adv.PeerID {
			continue
		}
		node.deliverAdvertisement(adv)
	}
}

func (n *MemoryNetwork) lookup(peerID string) (*Memory, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	node, ok := n.nodes[peerID]
	return node, ok
}

func (n *MemoryNetwork) remove(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, peerID)
}

// Memory is a net.Pipe-backed Transport for tests and simulations.
type Memory struct {
	network *MemoryNetwork
	peerID  string

	advertisements chan Advertisement
	inbound        chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// PeerID returns the local peer identifier of this transport.
func (m *Memory) PeerID() string {
	return m.peerID
}

// Advertisements implements Transport.
func (m *Memory) Advertisements() <-chan Advertisement {
	return m.advertisements
}

// Inbound implements Transport.
func (m *Memory) Inbound() <-chan net.Conn {
	return m.inbound
}

// Connect implements Transport using a synchronous pipe to the target peer.
func (m *Memory) Connect(ctx context.Context, peerID string) (net.Conn, error) {
	select {
	case <-m.closed:
		return nil, ErrUnavailable
	default:
	}

	target, ok := m.network.lookup(peerID)
	if !ok {
		return nil, ErrPeerUnknown
	}

	local, remote := net.Pipe()
	select {
	case target.inbound <- remote:
		return local, nil
	case <-target.closed:
		_ = local.Close()
		_ = remote.Close()
		return nil, ErrUnavailable
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.network.remove(m.peerID)
		close(m.advertisements)
	})
	return nil
}

func (m *Memory) deliverAdvertisement(adv Advertisement) {
	select {
	case <-m.closed:
		return
	default:
	}

	select {
	case m.advertisements <- adv:
	default:
	}
}
