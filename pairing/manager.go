package pairing

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"atmosphere/crypto"
	"atmosphere/mesh"
	"atmosphere/registry"
	"atmosphere/storage"
	"atmosphere/transport"
)

const (
	// DefaultExchangeTimeout bounds channel establishment plus key agreement.
	// Discovery and key exchange complete in low single-digit seconds; the
	// human confirmation window is unbounded unless ConfirmTimeout is set.
	DefaultExchangeTimeout = 5 * time.Second
	// DefaultSilenceWindow evicts PeerHandles with no advertisement.
	DefaultSilenceWindow = 60 * time.Second
	// DefaultEvictInterval is the stale-eviction sweep period.
	DefaultEvictInterval = 10 * time.Second

	ltkContextLabel = "atmosphere/ltk/v1"
)

// Options configures a pairing Manager.
type Options struct {
	Identity  Identity
	Transport transport.Transport
	Registry  *registry.Registry
	Bus       *mesh.Bus

	// Store receives trust records and pairing audit rows. Optional.
	Store *storage.Store

	// OnConfirmationNeeded is invoked when a session starts displaying its
	// SAS. Optional.
	OnConfirmationNeeded func(peerID, sas string)

	ExchangeTimeout time.Duration
	// ConfirmTimeout bounds the human confirmation window. Zero means no
	// timeout: confirmation waits indefinitely but stays cancellable.
	ConfirmTimeout time.Duration

	SilenceWindow time.Duration
	EvictInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.ExchangeTimeout <= 0 {
		out.ExchangeTimeout = DefaultExchangeTimeout
	}
	if out.SilenceWindow <= 0 {
		out.SilenceWindow = DefaultSilenceWindow
	}
	if out.EvictInterval <= 0 {
		out.EvictInterval = DefaultEvictInterval
	}
	return out
}

// Manager owns pairing sessions, consumes the transport's advertisement and
// inbound streams, and feeds the registry and the bus.
type Manager struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	sessions map[string]*Session

	errs chan error
}

// NewManager validates options and creates a stopped Manager.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, errors.New("pairing: transport is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("pairing: registry is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("pairing: bus is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		errs:     make(chan error, 16),
	}, nil
}

// Start launches the advertisement, inbound and eviction loops.
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.advertisementLoop()
	go m.inboundLoop()
	go m.evictLoop()
}

// Stop cancels all activity and waits for loops and sessions to finish.
// In-flight sessions abort with ErrCancelled.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()

		m.mu.Lock()
		for _, session := range m.sessions {
			session.signalCancel()
		}
		m.mu.Unlock()

		m.wg.Wait()
	})
}

// Errors returns asynchronous background errors (audit writes, malformed
// inbound traffic). Best-effort, never blocking.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Session returns the current session for a peer, terminal or live.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[peerID]
	return session, ok
}

// StartPairing opens a pairing session with a discovered peer. The returned
// session is driven in the background; callers watch State/SAS/Done and
// answer with ConfirmCode or RejectCode.
func (m *Manager) StartPairing(peerID string) (*Session, error) {
	if m.opts.Registry.IsPaired(peerID) {
		return nil, registry.ErrTrustConflict
	}
	handle, ok := m.opts.Registry.Get(peerID)
	if !ok {
		return nil, ErrPeerUnknown
	}

	session := newSession(peerID, handle.Name, true)

	m.mu.Lock()
	if existing, ok := m.sessions[peerID]; ok && !existing.Terminal() {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.sessions[peerID] = session
	m.mu.Unlock()

	m.opts.Registry.Pin(peerID)
	m.wg.Add(1)
	go m.runInitiator(session)

	return session, nil
}

// ConfirmCode signals that the local user verified the displayed codes match.
func (m *Manager) ConfirmCode(peerID string) error {
	session, ok := m.Session(peerID)
	if !ok {
		return ErrSessionNotFound
	}
	if session.State() != StateAwaitingConfirmation {
		return ErrNotAwaitingConfirmation
	}
	session.signalConfirm()
	return nil
}

// RejectCode signals that the displayed codes do not match. The session
// aborts with ErrCodeMismatch on both sides and must be restarted from
// scratch to retry.
func (m *Manager) RejectCode(peerID string) error {
	session, ok := m.Session(peerID)
	if !ok {
		return ErrSessionNotFound
	}
	if session.State() != StateAwaitingConfirmation {
		return ErrNotAwaitingConfirmation
	}
	session.signalReject()
	return nil
}

// CancelPairing cancels a live session at any non-terminal state.
func (m *Manager) CancelPairing(peerID string) error {
	session, ok := m.Session(peerID)
	if !ok {
		return ErrSessionNotFound
	}
	if session.Terminal() {
		return ErrSessionNotFound
	}
	session.signalCancel()
	return nil
}

// Revoke withdraws trust from a paired peer. Re-establishing trust requires
// a fresh pairing from scratch.
func (m *Manager) Revoke(peerID string) error {
	if err := m.opts.Registry.Revoke(peerID); err != nil {
		return err
	}

	m.opts.Bus.Append(mesh.Event{
		Type:   mesh.TypePeerLeft,
		Title:  "Peer trust revoked",
		PeerID: peerID,
	})
	m.audit(storage.PairingEvent{
		EventType:    storage.PairingEventRevoked,
		PeerDeviceID: peerID,
	})
	if m.opts.Store != nil {
		if err := m.opts.Store.MarkTrustRevoked(peerID, time.Now()); err != nil {
			m.reportError(fmt.Errorf("mark trust revoked: %w", err))
		}
	}
	return nil
}

func (m *Manager) advertisementLoop() {
	defer m.wg.Done()

	for {
		select {
		case adv, ok := <-m.opts.Transport.Advertisements():
			if !ok {
				return
			}
			handle, created := m.opts.Registry.UpsertAdvertisement(adv)
			if created {
				m.opts.Bus.Append(mesh.Event{
					Type:   mesh.TypeLAN,
					Title:  "Peer discovered",
					Detail: fmt.Sprintf("%s (%d dBm)", handle.Name, handle.RSSI),
					PeerID: handle.ID,
				})
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) inboundLoop() {
	defer m.wg.Done()

	for {
		select {
		case conn, ok := <-m.opts.Transport.Inbound():
			if !ok {
				return
			}
			m.wg.Add(1)
			go m.runResponder(conn)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) evictLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, peerID := range m.opts.Registry.EvictStale(time.Now(), m.opts.SilenceWindow) {
				m.opts.Bus.Append(mesh.Event{
					Type:   mesh.TypePeerLeft,
					Title:  "Peer out of range",
					PeerID: peerID,
				})
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) runInitiator(session *Session) {
	defer m.wg.Done()
	defer m.opts.Registry.Unpin(session.peerID)

	if err := session.transition(StateKeyExchanging); err != nil {
		m.failSession(session, nil, err, "")
		return
	}

	dialCtx, dialCancel := context.WithTimeout(m.ctx, m.opts.ExchangeTimeout)
	go func() {
		select {
		case <-session.cancelCh:
			dialCancel()
		case <-dialCtx.Done():
		}
	}()
	conn, err := m.opts.Transport.Connect(dialCtx, session.peerID)
	dialCancel()
	if err != nil {
		m.failSession(session, nil, classifyConnectError(session, err), "")
		return
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return
	}

	request, err := buildPairExchange(m.opts.Identity, typePairRequest, ephemeralPublic.Bytes())
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return
	}
	if err := m.sendMessage(conn, request); err != nil {
		m.failSession(session, conn, m.exchangeFailure(session, err), "")
		return
	}

	payload, err := readFrameWithTimeout(conn, m.opts.ExchangeTimeout)
	if err != nil {
		m.failSession(session, conn, m.exchangeFailure(session, err), "")
		return
	}

	response, abort, err := decodeExchangeOrAbort(payload, typePairResponse)
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return
	}
	if abort != nil {
		m.failSession(session, conn, abortCauseFromCode(abort.Code), "")
		return
	}
	if _, err := verifyExchange(*response); err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return
	}
	if response.DeviceID != session.peerID {
		m.failSession(session, conn, fmt.Errorf("%w: responder identity mismatch", ErrKeyExchangeFailed), abortCodeExchange)
		return
	}

	if err := m.deriveAndAwait(session, conn, ephemeralPrivate, response.X25519PublicKey); err != nil {
		return
	}
	m.awaitConfirmation(session, conn)
}

func (m *Manager) runResponder(conn net.Conn) {
	defer m.wg.Done()

	payload, err := readFrameWithTimeout(conn, m.opts.ExchangeTimeout)
	if err != nil {
		_ = conn.Close()
		m.reportError(fmt.Errorf("read pair request: %w", err))
		return
	}

	request, abort, err := decodeExchangeOrAbort(payload, typePairRequest)
	if err != nil {
		_ = conn.Close()
		m.reportError(fmt.Errorf("decode pair request: %w", err))
		return
	}
	if abort != nil {
		_ = conn.Close()
		return
	}
	if _, err := verifyExchange(*request); err != nil {
		_ = m.sendMessage(conn, buildPairAbort(m.opts.Identity.DeviceID, abortCodeExchange, "signature verification failed"))
		_ = conn.Close()
		m.reportError(fmt.Errorf("verify pair request from %q: %w", request.DeviceID, err))
		return
	}

	peerID := request.DeviceID
	if m.opts.Registry.IsPaired(peerID) {
		_ = m.sendMessage(conn, buildPairAbort(m.opts.Identity.DeviceID, abortCodeAlreadyPaired, "peer already paired, revoke first"))
		_ = conn.Close()
		return
	}

	session := newSession(peerID, request.DeviceName, false)
	m.mu.Lock()
	if existing, ok := m.sessions[peerID]; ok && !existing.Terminal() {
		m.mu.Unlock()
		_ = m.sendMessage(conn, buildPairAbort(m.opts.Identity.DeviceID, abortCodeBusy, "pairing session already in progress"))
		_ = conn.Close()
		return
	}
	m.sessions[peerID] = session
	m.mu.Unlock()

	m.opts.Registry.EnsureHandle(peerID, request.DeviceName)
	m.opts.Registry.Pin(peerID)
	defer m.opts.Registry.Unpin(peerID)

	if err := session.transition(StateKeyExchanging); err != nil {
		m.failSession(session, conn, err, "")
		return
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return
	}

	response, err := buildPairExchange(m.opts.Identity, typePairResponse, ephemeralPublic.Bytes())
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return
	}
	if err := m.sendMessage(conn, response); err != nil {
		m.failSession(session, conn, m.exchangeFailure(session, err), "")
		return
	}

	if err := m.deriveAndAwait(session, conn, ephemeralPrivate, request.X25519PublicKey); err != nil {
		return
	}
	m.awaitConfirmation(session, conn)
}

// deriveAndAwait computes the SAS and derived keys from the completed key
// agreement and moves the session to AwaitingConfirmation. On failure the
// session is aborted and a non-nil error returned.
func (m *Manager) deriveAndAwait(session *Session, conn net.Conn, ephemeralPrivate *ecdh.PrivateKey, peerEphemeralBase64 string) error {
	sharedSecret, err := computeSharedSecret(ephemeralPrivate, peerEphemeralBase64)
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return err
	}
	defer crypto.Zero(sharedSecret)

	localID := m.opts.Identity.DeviceID
	sas, err := crypto.DeriveSAS(sharedSecret, localID, session.peerID)
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return err
	}
	confirmKey, err := crypto.DeriveKey(sharedSecret, crypto.PairContext(confirmContextLabel, localID, session.peerID), 32)
	if err != nil {
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return err
	}
	longTermKey, err := crypto.DeriveKey(sharedSecret, crypto.PairContext(ltkContextLabel, localID, session.peerID), 32)
	if err != nil {
		crypto.Zero(confirmKey)
		m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
		return err
	}

	if err := session.setAwaiting(sas, confirmKey, longTermKey); err != nil {
		crypto.Zero(confirmKey)
		crypto.Zero(longTermKey)
		m.failSession(session, conn, err, abortCodeCancelled)
		return err
	}

	if m.opts.OnConfirmationNeeded != nil {
		m.opts.OnConfirmationNeeded(session.peerID, sas)
	}
	return nil
}

// awaitConfirmation drives the two-sided commitment: the session reaches
// Paired only after the local confirm has been sent and the counterpart's
// confirm has been received and verified.
func (m *Manager) awaitConfirmation(session *Session, conn net.Conn) {
	confirmKey := session.confirmKeyCopy()
	defer crypto.Zero(confirmKey)

	// The reader closes inboundCh on any failure. Buffered frames drain
	// before the closed channel reports, so an abort followed by the peer
	// hanging up is always seen as the abort.
	inboundCh := make(chan []byte, 4)
	go func() {
		defer close(inboundCh)
		for {
			payload, err := readFrame(conn)
			if err != nil {
				return
			}
			select {
			case inboundCh <- payload:
			case <-session.done:
				return
			}
		}
	}()

	var timeoutCh <-chan time.Time
	if m.opts.ConfirmTimeout > 0 {
		timer := time.NewTimer(m.opts.ConfirmTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	localID := m.opts.Identity.DeviceID
	confirmPending := session.confirmCh
	confirmSent := false
	confirmReceived := false

	for {
		if confirmSent && confirmReceived {
			m.finishSession(session, conn)
			return
		}

		select {
		case <-confirmPending:
			confirm, err := buildPairConfirm(confirmKey, localID, session.peerID)
			if err != nil {
				m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
				return
			}
			if err := m.sendMessage(conn, confirm); err != nil {
				m.failSession(session, conn, m.exchangeFailure(session, err), "")
				return
			}
			confirmSent = true
			confirmPending = nil

		case <-session.rejectCh:
			m.failSession(session, conn, ErrCodeMismatch, abortCodeMismatch)
			return

		case <-session.cancelCh:
			m.failSession(session, conn, ErrCancelled, abortCodeCancelled)
			return

		case payload, ok := <-inboundCh:
			if !ok {
				m.failSession(session, conn, m.exchangeFailure(session, errChannelClosed), "")
				return
			}
			msgType, err := decodeMessageType(payload)
			if err != nil {
				m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
				return
			}
			switch msgType {
			case typePairConfirm:
				var confirm pairConfirm
				if err := json.Unmarshal(payload, &confirm); err != nil {
					m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
					return
				}
				if err := openPairConfirm(confirm, confirmKey, localID, session.peerID); err != nil {
					m.failSession(session, conn, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err), abortCodeExchange)
					return
				}
				confirmReceived = true
			case typePairAbort:
				var abort pairAbort
				if err := json.Unmarshal(payload, &abort); err != nil {
					m.failSession(session, conn, ErrPeerAborted, "")
					return
				}
				m.failSession(session, conn, abortCauseFromCode(abort.Code), "")
				return
			default:
				m.failSession(session, conn, fmt.Errorf("%w: unexpected message %q", ErrKeyExchangeFailed, msgType), abortCodeExchange)
				return
			}

		case <-timeoutCh:
			m.failSession(session, conn, ErrConfirmationTimeout, abortCodeTimeout)
			return
		}
	}
}

// finishSession commits trust and emits the success event. The trust record
// is placed in the registry before the session turns terminal so a Paired
// session can never exist without its record.
func (m *Manager) finishSession(session *Session, conn net.Conn) {
	record := registry.TrustRecord{
		PeerID:        session.peerID,
		State:         registry.TrustPaired,
		Key:           session.longTermKeyCopy(),
		SAS:           session.sasCopy(),
		EstablishedAt: time.Now(),
	}
	if err := m.opts.Registry.RecordTrust(record); err != nil {
		crypto.Zero(record.Key)
		m.failSession(session, conn, err, abortCodeAlreadyPaired)
		return
	}

	if _, _, err := session.finishPaired(); err != nil {
		m.reportError(err)
	}
	_ = conn.Close()

	m.opts.Bus.Append(mesh.Event{
		Type:   mesh.TypeJoined,
		Title:  "Peer joined mesh",
		Detail: session.peerName,
		PeerID: session.peerID,
	})
	m.audit(storage.PairingEvent{
		EventType:    storage.PairingEventPaired,
		PeerDeviceID: session.peerID,
		Detail:       "sas=" + crypto.FormatSAS(record.SAS),
	})
	if m.opts.Store != nil {
		if err := m.opts.Store.SaveTrustRecord(storage.TrustRecord{
			PeerDeviceID:  record.PeerID,
			State:         string(record.State),
			KeyMaterial:   record.Key,
			SAS:           record.SAS,
			EstablishedAt: record.EstablishedAt.UnixMilli(),
		}); err != nil {
			m.reportError(fmt.Errorf("save trust record: %w", err))
		}
	}
	crypto.Zero(record.Key)
}

// failSession aborts the session with the given cause, optionally notifying
// the peer first, and emits the error event. All key material is destroyed.
func (m *Manager) failSession(session *Session, conn net.Conn, cause error, abortCode string) {
	if conn != nil && abortCode != "" {
		_ = m.sendMessage(conn, buildPairAbort(m.opts.Identity.DeviceID, abortCode, cause.Error()))
	}

	wasTerminal := session.Terminal()
	session.finishAborted(cause)
	if conn != nil {
		_ = conn.Close()
	}
	if wasTerminal {
		return
	}

	m.opts.Bus.Append(mesh.Event{
		Type:   mesh.TypeError,
		Title:  "Pairing failed",
		Detail: cause.Error(),
		PeerID: session.peerID,
	})
	m.audit(storage.PairingEvent{
		EventType:    storage.PairingEventAborted,
		PeerDeviceID: session.peerID,
		Detail:       cause.Error(),
	})
}

func (m *Manager) sendMessage(conn net.Conn, message any) error {
	payload, err := encodeJSON(message)
	if err != nil {
		return err
	}
	return writeFrame(conn, payload)
}

// exchangeFailure maps a transport-level failure during the exchange to its
// pairing cause, preferring cancellation when the local side asked for it.
func (m *Manager) exchangeFailure(session *Session, err error) error {
	select {
	case <-session.cancelCh:
		return ErrCancelled
	default:
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectTimeout
	}
	return fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
}

func classifyConnectError(session *Session, err error) error {
	select {
	case <-session.cancelCh:
		return ErrCancelled
	default:
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrConnectTimeout
	case errors.Is(err, transport.ErrPeerUnknown):
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
}

func abortCauseFromCode(code string) error {
	switch code {
	case abortCodeMismatch:
		return ErrCodeMismatch
	case abortCodeCancelled:
		return fmt.Errorf("%w: cancelled", ErrPeerAborted)
	case abortCodeTimeout:
		return ErrConfirmationTimeout
	case abortCodeAlreadyPaired:
		return registry.ErrTrustConflict
	default:
		return fmt.Errorf("%w: %s", ErrPeerAborted, code)
	}
}

func decodeExchangeOrAbort(payload []byte, wantType string) (*pairExchange, *pairAbort, error) {
	msgType, err := decodeMessageType(payload)
	if err != nil {
		return nil, nil, err
	}

	switch msgType {
	case wantType:
		var msg pairExchange
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", wantType, err)
		}
		return &msg, nil, nil
	case typePairAbort:
		var abort pairAbort
		if err := json.Unmarshal(payload, &abort); err != nil {
			return nil, nil, fmt.Errorf("decode pair abort: %w", err)
		}
		return nil, &abort, nil
	default:
		return nil, nil, fmt.Errorf("unexpected message type %q, want %q", msgType, wantType)
	}
}

func (m *Manager) audit(event storage.PairingEvent) {
	if m.opts.Store == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if err := m.opts.Store.LogPairingEvent(event); err != nil {
		m.reportError(fmt.Errorf("log pairing event: %w", err))
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}
