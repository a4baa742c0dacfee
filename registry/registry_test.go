package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"atmosphere/transport"
)

func TestUpsertAdvertisementCreatesThenRefreshes(t *testing.T) {
	reg := New()

	first := time.Now().Add(-time.Minute)
	handle, created := reg.UpsertAdvertisement(transport.Advertisement{
		PeerID:    "P1",
		Name:      "Pixel 8",
		Platform:  "android",
		RSSI:      -60,
		Timestamp: first,
	})
	if !created {
		t.Fatalf("expected handle creation on first advertisement")
	}
	if handle.ID != "P1" || handle.RSSI != -60 {
		t.Fatalf("unexpected handle: %+v", handle)
	}

	second := time.Now()
	handle, created = reg.UpsertAdvertisement(transport.Advertisement{
		PeerID:    "P1",
		RSSI:      -48,
		Timestamp: second,
	})
	if created {
		t.Fatalf("expected idempotent upsert for known peer")
	}
	if handle.RSSI != -48 {
		t.Fatalf("expected refreshed RSSI, got %d", handle.RSSI)
	}
	if handle.Name != "Pixel 8" {
		t.Fatalf("expected name retained across blank update, got %q", handle.Name)
	}
	if !handle.LastSeen.Equal(second) {
		t.Fatalf("expected refreshed last-seen timestamp")
	}
}

func TestEvictStaleRemovesSilentUnpairedPeers(t *testing.T) {
	reg := New()
	now := time.Now()

	reg.UpsertAdvertisement(transport.Advertisement{PeerID: "fresh", Timestamp: now})
	reg.UpsertAdvertisement(transport.Advertisement{PeerID: "stale", Timestamp: now.Add(-time.Hour)})

	evicted := reg.EvictStale(now, 30*time.Second)
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("expected only stale peer evicted, got %v", evicted)
	}
	if _, ok := reg.Get("fresh"); !ok {
		t.Fatalf("fresh peer must survive eviction")
	}
}

func TestEvictStaleKeepsPairedAndPinnedPeers(t *testing.T) {
	reg := New()
	now := time.Now()
	stale := now.Add(-time.Hour)

	reg.UpsertAdvertisement(transport.Advertisement{PeerID: "paired", Timestamp: stale})
	reg.UpsertAdvertisement(transport.Advertisement{PeerID: "pinned", Timestamp: stale})
	reg.UpsertAdvertisement(transport.Advertisement{PeerID: "plain", Timestamp: stale})

	if err := reg.RecordTrust(TrustRecord{
		PeerID: "paired",
		State:  TrustPaired,
		Key:    []byte{1, 2, 3},
	}); err != nil {
		t.Fatalf("RecordTrust failed: %v", err)
	}
	reg.Pin("pinned")

	evicted := reg.EvictStale(now, time.Minute)
	if len(evicted) != 1 || evicted[0] != "plain" {
		t.Fatalf("expected only unpinned unpaired peer evicted, got %v", evicted)
	}

	reg.Unpin("pinned")
	evicted = reg.EvictStale(now, time.Minute)
	if len(evicted) != 1 || evicted[0] != "pinned" {
		t.Fatalf("expected pinned peer evicted after unpin, got %v", evicted)
	}
	if _, ok := reg.Get("paired"); !ok {
		t.Fatalf("paired peer must never be evicted by silence")
	}
}

func TestRecordTrustRejectsSecondLiveRecord(t *testing.T) {
	reg := New()

	if err := reg.RecordTrust(TrustRecord{PeerID: "P1", State: TrustPaired, Key: []byte{1}}); err != nil {
		t.Fatalf("first RecordTrust failed: %v", err)
	}

	err := reg.RecordTrust(TrustRecord{PeerID: "P1", State: TrustPaired, Key: []byte{2}})
	if !errors.Is(err, ErrTrustConflict) {
		t.Fatalf("expected ErrTrustConflict, got %v", err)
	}
}

func TestRevokeThenRepairReplacesKeyMaterial(t *testing.T) {
	reg := New()

	if err := reg.RecordTrust(TrustRecord{PeerID: "P1", State: TrustPaired, Key: []byte{1, 1, 1}, SAS: "111111"}); err != nil {
		t.Fatalf("RecordTrust failed: %v", err)
	}
	if !reg.IsPaired("P1") {
		t.Fatalf("expected P1 paired")
	}

	if err := reg.Revoke("P1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if reg.IsPaired("P1") {
		t.Fatalf("revoked peer must not count as paired")
	}
	if err := reg.Revoke("P1"); !errors.Is(err, ErrTrustRevoked) {
		t.Fatalf("expected ErrTrustRevoked on double revoke, got %v", err)
	}

	if err := reg.RecordTrust(TrustRecord{PeerID: "P1", State: TrustPaired, Key: []byte{2, 2, 2}, SAS: "222222"}); err != nil {
		t.Fatalf("re-pair RecordTrust failed: %v", err)
	}

	record, ok := reg.Trust("P1")
	if !ok {
		t.Fatalf("expected trust record after re-pair")
	}
	if record.State != TrustPaired {
		t.Fatalf("expected live record, got state %q", record.State)
	}
	if record.Key[0] != 2 {
		t.Fatalf("expected new key material after re-pair")
	}
}

func TestRevokeUnknownPeerFails(t *testing.T) {
	reg := New()
	if err := reg.Revoke("ghost"); !errors.Is(err, ErrTrustNotFound) {
		t.Fatalf("expected ErrTrustNotFound, got %v", err)
	}
}

func TestConcurrentReadsAndWritesAreSafe(t *testing.T) {
	reg := New()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				reg.UpsertAdvertisement(transport.Advertisement{PeerID: "P1", RSSI: -j, Timestamp: now})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				reg.List()
				reg.Get("P1")
				reg.IsPaired("P1")
			}
		}()
	}
	wg.Wait()

	if _, ok := reg.Get("P1"); !ok {
		t.Fatalf("expected P1 present after concurrent upserts")
	}
}
