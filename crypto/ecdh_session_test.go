package crypto

import (
	"bytes"
	"testing"
)

func TestDerivedKeysMatchAcrossPeers(t *testing.T) {
	alicePrivate, alicePublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate alice ephemeral keypair: %v", err)
	}
	bobPrivate, bobPublic, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate bob ephemeral keypair: %v", err)
	}

	aliceShared, err := ComputeX25519SharedSecret(alicePrivate, bobPublic)
	if err != nil {
		t.Fatalf("compute alice shared secret: %v", err)
	}
	bobShared, err := ComputeX25519SharedSecret(bobPrivate, alicePublic)
	if err != nil {
		t.Fatalf("compute bob shared secret: %v", err)
	}

	if !bytes.Equal(aliceShared, bobShared) {
		t.Fatalf("expected matching shared secrets")
	}

	aliceKey, err := DeriveKey(aliceShared, PairContext("test", "alice-device", "bob-device"), 32)
	if err != nil {
		t.Fatalf("derive alice key: %v", err)
	}
	bobKey, err := DeriveKey(bobShared, PairContext("test", "bob-device", "alice-device"), 32)
	if err != nil {
		t.Fatalf("derive bob key: %v", err)
	}

	if len(aliceKey) != 32 {
		t.Fatalf("expected 32-byte derived key, got %d", len(aliceKey))
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatalf("expected matching derived keys")
	}
}

func TestDeriveKeyContextSeparation(t *testing.T) {
	aPriv, _, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	_, bPub, err := GenerateEphemeralX25519KeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	shared, err := ComputeX25519SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("compute shared secret: %v", err)
	}

	confirmKey, err := DeriveKey(shared, PairContext("confirm", "a", "b"), 32)
	if err != nil {
		t.Fatalf("derive confirm key: %v", err)
	}
	longTermKey, err := DeriveKey(shared, PairContext("ltk", "a", "b"), 32)
	if err != nil {
		t.Fatalf("derive long-term key: %v", err)
	}

	if bytes.Equal(confirmKey, longTermKey) {
		t.Fatalf("expected distinct keys for distinct contexts")
	}
}

func TestZeroOverwritesKeyMaterial(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	Zero(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("expected zeroed byte at %d, got %d", i, b)
		}
	}
}
