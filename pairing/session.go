package pairing

import (
	"fmt"
	"sync"
	"time"

	"atmosphere/crypto"
)

// State is a pairing session lifecycle state.
type State string

const (
	// StateDiscovered is the initial state: the peer is known from an
	// advertisement but no channel is open.
	StateDiscovered State = "discovered"
	// StateKeyExchanging covers channel establishment and key agreement.
	StateKeyExchanging State = "key_exchanging"
	// StateAwaitingConfirmation means both sides hold the shared secret and
	// the SAS is on display, waiting for the humans.
	StateAwaitingConfirmation State = "awaiting_confirmation"
	// StatePaired is the terminal success state.
	StatePaired State = "paired"
	// StateAborted is the terminal failure state.
	StateAborted State = "aborted"
	// StateRevoked marks withdrawn trust after a successful pairing.
	StateRevoked State = "revoked"
)

// transitions is the only legal state graph; anything else is rejected.
var transitions = map[State][]State{
	StateDiscovered:           {StateKeyExchanging, StateAborted},
	StateKeyExchanging:        {StateAwaitingConfirmation, StateAborted},
	StateAwaitingConfirmation: {StatePaired, StateAborted},
	StatePaired:               {StateRevoked},
}

func transitionAllowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one pairing attempt with one peer. It is driven by the Manager;
// consumers observe it through State, SAS, Err and Done.
type Session struct {
	peerID    string
	peerName  string
	initiator bool
	startedAt time.Time

	mu    sync.Mutex
	state State
	sas   string
	err   error

	// Key material. confirmKey protects the confirmation exchange only;
	// longTermKey is released to the registry on Paired and zeroed on any
	// other outcome.
	confirmKey  []byte
	longTermKey []byte

	confirmOnce sync.Once
	confirmCh   chan struct{}
	rejectOnce  sync.Once
	rejectCh    chan struct{}
	cancelOnce  sync.Once
	cancelCh    chan struct{}

	done chan struct{}
}

func newSession(peerID, peerName string, initiator bool) *Session {
	return &Session{
		peerID:    peerID,
		peerName:  peerName,
		initiator: initiator,
		startedAt: time.Now(),
		state:     StateDiscovered,
		confirmCh: make(chan struct{}),
		rejectCh:  make(chan struct{}),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// PeerID returns the remote peer identifier.
func (s *Session) PeerID() string {
	return s.peerID
}

// Initiator reports whether the local device opened the session.
func (s *Session) Initiator() bool {
	return s.initiator
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SAS returns the short authentication string while the session awaits
// confirmation. The second return is false in any other state.
func (s *Session) SAS() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingConfirmation {
		return "", false
	}
	return s.sas, true
}

// Err returns the abort cause for a terminal failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Terminal reports whether the session has finished, in success or failure.
func (s *Session) Terminal() bool {
	switch s.State() {
	case StatePaired, StateAborted, StateRevoked:
		return true
	default:
		return false
	}
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !transitionAllowed(s.state, to) {
		return fmt.Errorf("pairing: illegal transition %s -> %s for peer %q", s.state, to, s.peerID)
	}
	s.state = to
	return nil
}

func (s *Session) setAwaiting(sas string, confirmKey, longTermKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !transitionAllowed(s.state, StateAwaitingConfirmation) {
		return fmt.Errorf("pairing: illegal transition %s -> %s for peer %q", s.state, StateAwaitingConfirmation, s.peerID)
	}
	s.state = StateAwaitingConfirmation
	s.sas = sas
	s.confirmKey = confirmKey
	s.longTermKey = longTermKey
	return nil
}

// finishPaired moves to Paired and hands the long-term key to the caller.
// The confirmation key is no longer needed and is destroyed.
func (s *Session) finishPaired() ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !transitionAllowed(s.state, StatePaired) {
		return nil, "", fmt.Errorf("pairing: illegal transition %s -> %s for peer %q", s.state, StatePaired, s.peerID)
	}
	s.state = StatePaired

	key := s.longTermKey
	s.longTermKey = nil
	crypto.Zero(s.confirmKey)
	s.confirmKey = nil

	close(s.done)
	return key, s.sas, nil
}

// finishAborted moves to Aborted from any non-terminal state and destroys
// all session key material.
func (s *Session) finishAborted(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePaired, StateAborted, StateRevoked:
		return
	}
	s.state = StateAborted
	s.err = cause
	s.sas = ""

	crypto.Zero(s.confirmKey)
	s.confirmKey = nil
	crypto.Zero(s.longTermKey)
	s.longTermKey = nil

	close(s.done)
}

func (s *Session) signalConfirm() {
	s.confirmOnce.Do(func() { close(s.confirmCh) })
}

func (s *Session) signalReject() {
	s.rejectOnce.Do(func() { close(s.rejectCh) })
}

func (s *Session) signalCancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

func (s *Session) confirmKeyCopy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.confirmKey...)
}

func (s *Session) longTermKeyCopy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.longTermKey...)
}

func (s *Session) sasCopy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sas
}
