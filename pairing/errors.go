package pairing

import "errors"

var (
	// ErrTransportUnavailable indicates the radio/transport layer could not
	// provide a channel to the peer.
	ErrTransportUnavailable = errors.New("pairing: transport unavailable")
	// ErrConnectTimeout indicates the transport channel did not open within
	// the exchange timeout.
	ErrConnectTimeout = errors.New("pairing: connect timeout")
	// ErrKeyExchangeFailed indicates the key agreement could not complete or
	// verify. Failed exchanges are never retried automatically; the caller
	// restarts from scratch with fresh state.
	ErrKeyExchangeFailed = errors.New("pairing: key exchange failed")
	// ErrCodeMismatch indicates one side reported the displayed codes do not
	// match. The session is torn down and must be restarted, never resumed.
	ErrCodeMismatch = errors.New("pairing: authentication codes do not match")
	// ErrConfirmationTimeout indicates a configured confirmation window
	// elapsed before both sides confirmed.
	ErrConfirmationTimeout = errors.New("pairing: confirmation timeout")
	// ErrCancelled indicates explicit local cancellation.
	ErrCancelled = errors.New("pairing: session cancelled")
	// ErrPeerAborted indicates the remote side aborted the session.
	ErrPeerAborted = errors.New("pairing: peer aborted session")

	// ErrSessionActive indicates a pairing session already exists for the peer.
	ErrSessionActive = errors.New("pairing: session already in progress")
	// ErrSessionNotFound indicates no session exists for the peer.
	ErrSessionNotFound = errors.New("pairing: session not found")
	// ErrNotAwaitingConfirmation indicates a confirm/reject arrived while the
	// session was not displaying a code.
	ErrNotAwaitingConfirmation = errors.New("pairing: session is not awaiting confirmation")
	// ErrPeerUnknown indicates pairing was requested for a peer the registry
	// has never seen.
	ErrPeerUnknown = errors.New("pairing: peer not in registry")
)

var errChannelClosed = errors.New("pairing channel closed")
