package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureEd25519KeyPairIsStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "identity_private.pem")
	publicPath := filepath.Join(dir, "identity_public.pem")

	firstPrivate, firstPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first EnsureEd25519KeyPair failed: %v", err)
	}

	secondPrivate, secondPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second EnsureEd25519KeyPair failed: %v", err)
	}

	if !bytes.Equal(firstPrivate, secondPrivate) {
		t.Fatalf("expected stable private key across runs")
	}
	if !bytes.Equal(firstPublic, secondPublic) {
		t.Fatalf("expected stable public key across runs")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privateKey, publicKey, err := EnsureEd25519KeyPair(
		filepath.Join(dir, "private.pem"),
		filepath.Join(dir, "public.pem"),
	)
	if err != nil {
		t.Fatalf("EnsureEd25519KeyPair failed: %v", err)
	}

	payload := []byte("pair-request payload")
	signature, err := Sign(privateKey, payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !Verify(publicKey, payload, signature) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(publicKey, []byte("tampered"), signature) {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestKeyFingerprintFormatting(t *testing.T) {
	dir := t.TempDir()
	_, publicKey, err := EnsureEd25519KeyPair(
		filepath.Join(dir, "private.pem"),
		filepath.Join(dir, "public.pem"),
	)
	if err != nil {
		t.Fatalf("EnsureEd25519KeyPair failed: %v", err)
	}

	fingerprint := KeyFingerprint(publicKey)
	if len(fingerprint) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(fingerprint))
	}

	formatted := FormatFingerprint(fingerprint)
	if len(formatted) != 32+7 {
		t.Fatalf("unexpected formatted fingerprint length: %q", formatted)
	}
}
