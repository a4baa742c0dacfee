package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"golang.org/x/crypto/hkdf"
)

const x25519PrivatePEMType = "X25519 PRIVATE KEY"

var x25519Curve = ecdh.X25519()

// EnsureX25519PrivateKey loads an X25519 private key from disk, generating it if absent.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadX25519PrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveX25519PrivateKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// GenerateEphemeralX25519KeyPair creates a one-shot X25519 keypair for key agreement.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates and parses raw X25519 public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret performs the Diffie-Hellman operation.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	if peerPublicKey == nil {
		return nil, errors.New("peer public key is required")
	}

	sharedSecret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return sharedSecret, nil
}

// DeriveKey derives length bytes from a shared secret via HKDF-SHA256.
//
// The context string must be built identically on both peers; PairContext
// orders the two device IDs so both ends produce the same string.
func DeriveKey(sharedSecret []byte, context string, length int) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	if length <= 0 {
		return nil, fmt.Errorf("invalid derived key length %d", length)
	}

	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(context))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive key for context %q: %w", context, err)
	}
	return out, nil
}

// PairContext builds an order-independent context string for two peer IDs.
func PairContext(label, localID, peerID string) string {
	first, second := localID, peerID
	if second < first {
		first, second = second, first
	}
	return label + "|" + first + "|" + second
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// LoadX25519PrivateKey reads an X25519 private key from PEM.
func LoadX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != 32 {
		return nil, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block.Bytes))
	}

	privateKey, err := x25519Curve.NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}

	return privateKey, nil
}

// SaveX25519PrivateKey writes an X25519 private key PEM file with 0600 permissions.
func SaveX25519PrivateKey(path string, key *ecdh.PrivateKey) error {
	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: key.Bytes(),
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}

	return nil
}
