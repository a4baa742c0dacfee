package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"atmosphere/config"
	"atmosphere/crypto"
	"atmosphere/discovery"
	"atmosphere/mesh"
	"atmosphere/pairing"
	"atmosphere/registry"
	"atmosphere/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	ed25519PrivateKey, ed25519PublicKey, err := crypto.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing Ed25519 keypair: %v", err)
	}

	if _, err := crypto.EnsureX25519PrivateKey(cfg.X25519PrivateKeyPath); err != nil {
		log.Fatalf("startup failed while preparing X25519 keypair: %v", err)
	}

	fingerprint := crypto.KeyFingerprint(ed25519PublicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	bus := mesh.NewBus(cfg.BusCapacity)
	roster := registry.New()
	if err := restoreTrust(roster, store); err != nil {
		log.Printf("trust restore error: %v", err)
	}

	listeningPort := 0
	if cfg.PortMode == config.PortModeFixed {
		listeningPort = cfg.ListeningPort
	}
	lan, err := discovery.StartLAN(discovery.Config{
		SelfDeviceID:   cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		Platform:       cfg.Platform,
		ListeningPort:  listeningPort,
		KeyFingerprint: cfg.KeyFingerprint,
	})
	if err != nil {
		log.Fatalf("startup failed while opening LAN transport: %v", err)
	}
	defer lan.Close()
	fmt.Printf("Listening Port:  %d\n", lan.Port())

	manager, err := pairing.NewManager(pairing.Options{
		Identity: pairing.Identity{
			DeviceID:          cfg.DeviceID,
			DeviceName:        cfg.DeviceName,
			Platform:          cfg.Platform,
			Ed25519PrivateKey: ed25519PrivateKey,
			Ed25519PublicKey:  ed25519PublicKey,
		},
		Transport: lan,
		Registry:  roster,
		Bus:       bus,
		Store:     store,
		OnConfirmationNeeded: func(peerID, sas string) {
			log.Printf("pairing: verify code %s with peer %s", crypto.FormatSAS(sas), peerID)
		},
		ExchangeTimeout: time.Duration(cfg.ExchangeTimeoutSeconds) * time.Second,
		ConfirmTimeout:  time.Duration(cfg.ConfirmTimeoutSeconds) * time.Second,
		SilenceWindow:   time.Duration(cfg.SilenceWindowSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("startup failed while creating pairing manager: %v", err)
	}
	manager.Start()
	defer manager.Stop()

	go logManagerErrors(manager.Errors())

	subscription := bus.Subscribe()
	defer subscription.Close()
	go logBusEvents(subscription.Events())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// restoreTrust reloads durable trust records into the in-memory registry so
// mesh membership survives restarts.
func restoreTrust(roster *registry.Registry, store *storage.Store) error {
	records, err := store.GetTrustRecords()
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.State != storage.TrustStatePaired {
			continue
		}
		err := roster.RecordTrust(registry.TrustRecord{
			PeerID:        record.PeerDeviceID,
			State:         registry.TrustPaired,
			Key:           record.KeyMaterial,
			SAS:           record.SAS,
			EstablishedAt: time.UnixMilli(record.EstablishedAt),
		})
		if err != nil {
			return fmt.Errorf("restore trust for %q: %w", record.PeerDeviceID, err)
		}
	}
	return nil
}

func logBusEvents(events <-chan mesh.Event) {
	for event := range events {
		log.Printf("mesh: seq=%d type=%s title=%q peer=%s", event.Seq, event.Type, event.Title, event.PeerID)
	}
}

func logManagerErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("pairing: %v", err)
	}
}
