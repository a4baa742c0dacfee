package pairing

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atmosphere/crypto"
)

const (
	// protocolVersion is the pairing wire protocol version.
	protocolVersion = 1

	typePairRequest  = "pair_request"
	typePairResponse = "pair_response"
	typePairConfirm  = "pair_confirm"
	typePairAbort    = "pair_abort"
)

// Abort codes carried on the wire.
const (
	abortCodeCancelled    = "cancelled"
	abortCodeMismatch     = "code_mismatch"
	abortCodeExchange     = "key_exchange_failed"
	abortCodeAlreadyPaired = "already_paired"
	abortCodeTimeout      = "timeout"
	abortCodeBusy         = "busy"
)

var (
	errUnsupportedVersion = errors.New("pairing: unsupported protocol version")
	errInvalidSignature   = errors.New("pairing: invalid signature")
	errInvalidMessageType = errors.New("pairing: invalid message type")
)

// Identity contains the local device values used to build signed messages.
type Identity struct {
	DeviceID          string
	DeviceName        string
	Platform          string
	Ed25519PrivateKey ed25519.PrivateKey
	Ed25519PublicKey  ed25519.PublicKey
}

func (id Identity) validate() error {
	if id.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if id.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if len(id.Ed25519PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is required")
	}
	if len(id.Ed25519PublicKey) != ed25519.PublicKeySize {
		return errors.New("local Ed25519 public key is required")
	}
	return nil
}

type envelope struct {
	Type string `json:"type"`
}

// pairExchange is the signed key-agreement message, identical in shape for
// request and response.
type pairExchange struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Platform         string `json:"platform,omitempty"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// pairConfirm carries the user's code confirmation, sealed under the
// confirmation key so only a counterpart holding the same shared secret can
// produce or read it.
type pairConfirm struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
}

type pairAbort struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func decodeMessageType(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", errInvalidMessageType
	}
	return env.Type, nil
}

func buildPairExchange(identity Identity, msgType string, ephemeralPublicKey []byte) (pairExchange, error) {
	if err := identity.validate(); err != nil {
		return pairExchange{}, err
	}

	msg := pairExchange{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		Platform:         identity.Platform,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Ed25519PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion:  protocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signature, err := signExchange(msg, identity.Ed25519PrivateKey)
	if err != nil {
		return pairExchange{}, err
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

func signExchange(msg pairExchange, privateKey ed25519.PrivateKey) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal signable pair exchange: %w", err)
	}

	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return nil, fmt.Errorf("sign pair exchange: %w", err)
	}
	return signature, nil
}

// verifyExchange checks protocol version and signature, returning the
// sender's verified identity public key.
func verifyExchange(msg pairExchange) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != protocolVersion {
		return nil, errUnsupportedVersion
	}
	if msg.DeviceID == "" {
		return nil, errors.New("pair exchange missing device ID")
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode pair exchange signature: %w", err)
	}

	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal signable pair exchange: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, errInvalidSignature
	}

	return publicKey, nil
}

const confirmContextLabel = "atmosphere/confirm/v1"

// buildPairConfirm seals the local device ID under the confirmation key so
// the counterpart can verify the confirm came from the other holder of the
// shared secret.
func buildPairConfirm(confirmKey []byte, localID, peerID string) (pairConfirm, error) {
	aad := []byte(crypto.PairContext(confirmContextLabel, localID, peerID))
	ciphertext, nonce, err := crypto.Seal(confirmKey, []byte("confirm|"+localID), aad)
	if err != nil {
		return pairConfirm{}, fmt.Errorf("seal pair confirm: %w", err)
	}

	return pairConfirm{
		Type:       typePairConfirm,
		DeviceID:   localID,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Timestamp:  time.Now().UnixMilli(),
	}, nil
}

// openPairConfirm verifies a counterpart confirmation against the shared
// confirmation key.
func openPairConfirm(msg pairConfirm, confirmKey []byte, localID, peerID string) error {
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode confirm ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(msg.Nonce)
	if err != nil {
		return fmt.Errorf("decode confirm nonce: %w", err)
	}

	aad := []byte(crypto.PairContext(confirmContextLabel, localID, peerID))
	plaintext, err := crypto.Open(confirmKey, nonce, ciphertext, aad)
	if err != nil {
		return fmt.Errorf("open pair confirm: %w", err)
	}
	if string(plaintext) != "confirm|"+peerID {
		return errors.New("pair confirm payload mismatch")
	}
	return nil
}

func buildPairAbort(localID, code, message string) pairAbort {
	return pairAbort{
		Type:      typePairAbort,
		DeviceID:  localID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// computeSharedSecret finishes the Diffie-Hellman exchange against the
// counterpart's base64-encoded ephemeral public key.
func computeSharedSecret(ephemeralPrivate *ecdh.PrivateKey, peerPublicBase64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerPublicBase64)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 public key: %w", err)
	}

	peerPublic, err := crypto.ParseX25519PublicKey(raw)
	if err != nil {
		return nil, err
	}
	return crypto.ComputeX25519SharedSecret(ephemeralPrivate, peerPublic)
}

func encodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal pairing message: %w", err)
	}
	return payload, nil
}
