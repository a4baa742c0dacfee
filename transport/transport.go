// Package transport defines the narrow contract the pairing core has with
// the radio layer: an advertisement stream plus connect/accept for raw
// byte channels. Radio specifics live behind implementations (mDNS/TCP in
// the discovery package, in-memory pipes here for tests).
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrUnavailable indicates the transport cannot operate (radio off,
	// permission denied, stopped).
	ErrUnavailable = errors.New("transport: unavailable")
	// ErrPeerUnknown indicates a connect request for a peer that has not
	// been observed advertising.
	ErrPeerUnknown = errors.New("transport: peer unknown")
)

// Advertisement is one observed proximity broadcast.
type Advertisement struct {
	PeerID    string
	Name      string
	Platform  string
	RSSI      int // dBm, most recent reading
	Timestamp time.Time
}

// Transport is the adapter contract consumed by the core.
//
// Advertisements delivers observed peer broadcasts until Close. Connect
// opens a raw byte channel to an advertised peer; Inbound yields channels
// opened by remote peers. Both channel directions carry the pairing wire
// protocol; the transport attaches no semantics to the bytes.
type Transport interface {
	Advertisements() <-chan Advertisement
	Connect(ctx context.Context, peerID string) (net.Conn, error)
	Inbound() <-chan net.Conn
	Close() error
}
