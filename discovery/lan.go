package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"atmosphere/transport"
)

// LAN implements transport.Transport over mDNS discovery and plain TCP.
// Advertisements carry no signal strength on a wired or WiFi LAN, so RSSI is
// reported as zero and proximity ranking falls to the consumer.
type LAN struct {
	cfg Config

	broadcaster *Broadcaster
	scanner     *PeerScanner
	listener    net.Listener

	advertisements chan transport.Advertisement
	inbound        chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// StartLAN opens the TCP listener, begins broadcasting and starts scanning.
// A zero ListeningPort picks a free port automatically.
func StartLAN(config Config) (*LAN, error) {
	cfg := config.withDefaults()

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.ListeningPort))
	if err != nil {
		return nil, fmt.Errorf("open pairing listener: %w", err)
	}
	cfg.ListeningPort = listener.Addr().(*net.TCPAddr).Port

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		_ = listener.Close()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		_ = listener.Close()
		return nil, err
	}

	lan := &LAN{
		cfg:            cfg,
		broadcaster:    broadcaster,
		scanner:        scanner,
		listener:       listener,
		advertisements: make(chan transport.Advertisement, 64),
		inbound:        make(chan net.Conn, 16),
		closed:         make(chan struct{}),
	}

	lan.wg.Add(2)
	go lan.acceptLoop()
	go lan.eventLoop()
	return lan, nil
}

// Port returns the bound TCP listener port.
func (l *LAN) Port() int {
	return l.cfg.ListeningPort
}

// Advertisements implements transport.Transport.
func (l *LAN) Advertisements() <-chan transport.Advertisement {
	return l.advertisements
}

// Inbound implements transport.Transport.
func (l *LAN) Inbound() <-chan net.Conn {
	return l.inbound
}

// Connect implements transport.Transport by dialing the peer's last known
// endpoints in order.
func (l *LAN) Connect(ctx context.Context, peerID string) (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, transport.ErrUnavailable
	default:
	}

	peer, ok := l.scanner.Peer(peerID)
	if !ok {
		return nil, transport.ErrPeerUnknown
	}

	var dialer net.Dialer
	var lastErr error
	for _, address := range peer.Addresses {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(peer.Port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: no addresses for peer %q", transport.ErrUnavailable, peerID)
	}
	return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, lastErr)
}

// Close implements transport.Transport.
func (l *LAN) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.scanner.Stop()
		l.broadcaster.Stop()
		_ = l.listener.Close()
		l.wg.Wait()
		close(l.advertisements)
		close(l.inbound)
	})
	return nil
}

func (l *LAN) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			// Transient accept failures back off briefly.
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case l.inbound <- conn:
		case <-l.closed:
			_ = conn.Close()
			return
		}
	}
}

func (l *LAN) eventLoop() {
	defer l.wg.Done()

	for {
		select {
		case event, ok := <-l.scanner.Events():
			if !ok {
				return
			}
			if event.Type != EventPeerUpserted {
				continue
			}
			adv := transport.Advertisement{
				PeerID:    event.Peer.DeviceID,
				Name:      event.Peer.DeviceName,
				Platform:  event.Peer.Platform,
				Timestamp: event.Peer.LastSeen,
			}
			select {
			case l.advertisements <- adv:
			default:
			}
		case <-l.closed:
			return
		}
	}
}
