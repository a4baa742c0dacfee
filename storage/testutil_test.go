package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTrust(t *testing.T, store *Store, peerDeviceID string) TrustRecord {
	t.Helper()

	record := TrustRecord{
		PeerDeviceID:  peerDeviceID,
		State:         TrustStatePaired,
		KeyMaterial:   []byte("key-material-" + peerDeviceID),
		SAS:           "123456",
		EstablishedAt: nowUnixMilli(),
	}
	if err := store.SaveTrustRecord(record); err != nil {
		t.Fatalf("save trust record for %q: %v", peerDeviceID, err)
	}
	return record
}
