package crypto

import (
	"encoding/binary"
	"fmt"
)

const (
	// SASDigits is the short authentication string length in decimal digits.
	SASDigits = 6
	sasModulo = 1_000_000

	sasContextLabel = "atmosphere/sas/v1"
)

// DeriveSAS derives the 6-digit short authentication string from a shared secret.
//
// Both peers must call this with the same pair of device IDs (in either
// order) and the same shared secret, and will obtain the same code. The SAS
// is the only value the shared secret may be used for before mutual
// confirmation.
func DeriveSAS(sharedSecret []byte, localID, peerID string) (string, error) {
	raw, err := DeriveKey(sharedSecret, PairContext(sasContextLabel, localID, peerID), 8)
	if err != nil {
		return "", fmt.Errorf("derive SAS: %w", err)
	}

	code := binary.BigEndian.Uint64(raw) % sasModulo
	return fmt.Sprintf("%06d", code), nil
}

// FormatSAS groups a 6-digit code as two triplets for display.
func FormatSAS(sas string) string {
	if len(sas) != SASDigits {
		return sas
	}
	return sas[:3] + " " + sas[3:]
}
