package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dataDir := t.TempDir()

	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if filepath.Base(dbPath) != DefaultDBFileName {
		t.Fatalf("db filename = %q, want %q", filepath.Base(dbPath), DefaultDBFileName)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
}

func TestReopenPreservesData(t *testing.T) {
	dataDir := t.TempDir()

	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mustSaveTrust(t, store, "device-a")
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	record, err := reopened.GetTrustRecord("device-a")
	if err != nil {
		t.Fatalf("get trust record after reopen: %v", err)
	}
	if record.State != TrustStatePaired {
		t.Fatalf("state = %q, want %q", record.State, TrustStatePaired)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if err := store.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
