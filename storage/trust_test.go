package storage

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestSaveAndGetTrustRecord(t *testing.T) {
	store := newTestStore(t)
	saved := mustSaveTrust(t, store, "device-a")

	got, err := store.GetTrustRecord("device-a")
	if err != nil {
		t.Fatalf("get trust record: %v", err)
	}
	if got.State != TrustStatePaired {
		t.Fatalf("state = %q, want %q", got.State, TrustStatePaired)
	}
	if !bytes.Equal(got.KeyMaterial, saved.KeyMaterial) {
		t.Fatalf("key material mismatch")
	}
	if got.SAS != saved.SAS {
		t.Fatalf("sas = %q, want %q", got.SAS, saved.SAS)
	}
	if got.RevokedAt != nil {
		t.Fatalf("revoked_at should be nil for paired record")
	}
}

func TestGetTrustRecordNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetTrustRecord("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveTrustRecordValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveTrustRecord(TrustRecord{State: TrustStatePaired, KeyMaterial: []byte("k")}); err == nil {
		t.Fatal("expected error for missing peer device ID")
	}
	if err := store.SaveTrustRecord(TrustRecord{PeerDeviceID: "a", State: "weird", KeyMaterial: []byte("k")}); err == nil {
		t.Fatal("expected error for invalid state")
	}
	if err := store.SaveTrustRecord(TrustRecord{PeerDeviceID: "a", State: TrustStatePaired}); err == nil {
		t.Fatal("expected error for empty key material")
	}
}

func TestMarkTrustRevokedDestroysKeyMaterial(t *testing.T) {
	store := newTestStore(t)
	mustSaveTrust(t, store, "device-a")

	revokedAt := time.Now()
	if err := store.MarkTrustRevoked("device-a", revokedAt); err != nil {
		t.Fatalf("mark trust revoked: %v", err)
	}

	got, err := store.GetTrustRecord("device-a")
	if err != nil {
		t.Fatalf("get trust record: %v", err)
	}
	if got.State != TrustStateRevoked {
		t.Fatalf("state = %q, want %q", got.State, TrustStateRevoked)
	}
	if len(got.KeyMaterial) != 0 {
		t.Fatalf("key material should be destroyed on revocation, got %d bytes", len(got.KeyMaterial))
	}
	if got.RevokedAt == nil || *got.RevokedAt != revokedAt.UnixMilli() {
		t.Fatalf("revoked_at = %v, want %d", got.RevokedAt, revokedAt.UnixMilli())
	}
}

func TestMarkTrustRevokedNotFound(t *testing.T) {
	store := newTestStore(t)

	if err := store.MarkTrustRevoked("missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRepairAfterRevocationReplacesRecord(t *testing.T) {
	store := newTestStore(t)
	mustSaveTrust(t, store, "device-a")
	if err := store.MarkTrustRevoked("device-a", time.Now()); err != nil {
		t.Fatalf("mark trust revoked: %v", err)
	}

	fresh := TrustRecord{
		PeerDeviceID:  "device-a",
		State:         TrustStatePaired,
		KeyMaterial:   []byte("fresh-key"),
		SAS:           "654321",
		EstablishedAt: nowUnixMilli(),
	}
	if err := store.SaveTrustRecord(fresh); err != nil {
		t.Fatalf("re-save trust record: %v", err)
	}

	got, err := store.GetTrustRecord("device-a")
	if err != nil {
		t.Fatalf("get trust record: %v", err)
	}
	if got.State != TrustStatePaired {
		t.Fatalf("state = %q, want %q", got.State, TrustStatePaired)
	}
	if !bytes.Equal(got.KeyMaterial, fresh.KeyMaterial) {
		t.Fatalf("key material should be replaced after re-pairing")
	}
	if got.RevokedAt != nil {
		t.Fatalf("revoked_at should reset after re-pairing")
	}
}

func TestGetTrustRecordsOrdering(t *testing.T) {
	store := newTestStore(t)

	older := TrustRecord{
		PeerDeviceID:  "device-old",
		State:         TrustStatePaired,
		KeyMaterial:   []byte("k1"),
		SAS:           "111111",
		EstablishedAt: 1000,
	}
	newer := TrustRecord{
		PeerDeviceID:  "device-new",
		State:         TrustStatePaired,
		KeyMaterial:   []byte("k2"),
		SAS:           "222222",
		EstablishedAt: 2000,
	}
	if err := store.SaveTrustRecord(older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	if err := store.SaveTrustRecord(newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	records, err := store.GetTrustRecords()
	if err != nil {
		t.Fatalf("get trust records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].PeerDeviceID != "device-new" {
		t.Fatalf("records[0] = %q, want device-new first", records[0].PeerDeviceID)
	}
}

func TestDeleteTrustRecord(t *testing.T) {
	store := newTestStore(t)
	mustSaveTrust(t, store, "device-a")

	if err := store.DeleteTrustRecord("device-a"); err != nil {
		t.Fatalf("delete trust record: %v", err)
	}
	if _, err := store.GetTrustRecord("device-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
	if err := store.DeleteTrustRecord("device-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}
