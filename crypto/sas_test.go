package crypto

import (
	"testing"
)

func TestDeriveSASMatchesAcrossPeers(t *testing.T) {
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

	aliceSAS, err := DeriveSAS(aliceShared, "alice-device", "bob-device")
	if err != nil {
		t.Fatalf("derive alice SAS: %v", err)
	}
	bobSAS, err := DeriveSAS(bobShared, "bob-device", "alice-device")
	if err != nil {
		t.Fatalf("derive bob SAS: %v", err)
	}

	if aliceSAS != bobSAS {
		t.Fatalf("expected matching SAS codes, got %q and %q", aliceSAS, bobSAS)
	}
	if len(aliceSAS) != SASDigits {
		t.Fatalf("expected %d-digit SAS, got %q", SASDigits, aliceSAS)
	}
	for _, r := range aliceSAS {
		if r < '0' || r > '9' {
			t.Fatalf("expected decimal SAS, got %q", aliceSAS)
		}
	}
}

func TestDeriveSASDiffersAcrossKeyAgreements(t *testing.T) {
	codes := make(map[string]int)
	for i := 0; i < 8; i++ {
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
		sas, err := DeriveSAS(shared, "a", "b")
		if err != nil {
			t.Fatalf("derive SAS: %v", err)
		}
		codes[sas]++
	}

	// Fresh random runs landing on one identical code 8 times would mean the
	// derivation is not keyed by the secret at all.
	if len(codes) == 1 {
		t.Fatalf("expected SAS to vary across fresh key agreements, got only %v", codes)
	}
}

func TestFormatSASGroupsTriplets(t *testing.T) {
	if got := FormatSAS("472831"); got != "472 831" {
		t.Fatalf("expected %q, got %q", "472 831", got)
	}
	if got := FormatSAS("12"); got != "12" {
		t.Fatalf("expected passthrough for malformed input, got %q", got)
	}
}
