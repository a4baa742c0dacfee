package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "atmosphere"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 7475
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	// DefaultBusCapacity bounds the in-memory mesh event log.
	DefaultBusCapacity = 1000
	// DefaultSilenceWindowSeconds evicts silent unpaired peers from the roster.
	DefaultSilenceWindowSeconds = 60
	// DefaultExchangeTimeoutSeconds bounds pairing channel setup and key agreement.
	DefaultExchangeTimeoutSeconds = 5

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`

	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`

	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	X25519PrivateKeyPath  string `json:"x25519_private_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`

	BusCapacity            int `json:"bus_capacity"`
	SilenceWindowSeconds   int `json:"silence_window_seconds"`
	ExchangeTimeoutSeconds int `json:"exchange_timeout_seconds"`
	// ConfirmTimeoutSeconds of zero leaves the confirmation window open until
	// the user answers or cancels.
	ConfirmTimeoutSeconds int `json:"confirm_timeout_seconds"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ATMOSPHERE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("ATMOSPHERE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceID:               uuid.NewString(),
		DeviceName:             defaultDeviceName(),
		Platform:               runtime.GOOS,
		PortMode:               PortModeAutomatic,
		ListeningPort:          0,
		Ed25519PrivateKeyPath:  filepath.Join(keysDir, "ed25519_private.pem"),
		Ed25519PublicKeyPath:   filepath.Join(keysDir, "ed25519_public.pem"),
		X25519PrivateKeyPath:   filepath.Join(keysDir, "x25519_private.pem"),
		KeyFingerprint:         "",
		BusCapacity:            DefaultBusCapacity,
		SilenceWindowSeconds:   DefaultSilenceWindowSeconds,
		ExchangeTimeoutSeconds: DefaultExchangeTimeoutSeconds,
		ConfirmTimeoutSeconds:  0,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Atmosphere Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}

	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}

	if cfg.X25519PrivateKeyPath == "" {
		cfg.X25519PrivateKeyPath = filepath.Join(keysDir, "x25519_private.pem")
		updated = true
	}

	if cfg.BusCapacity <= 0 {
		cfg.BusCapacity = DefaultBusCapacity
		updated = true
	}
	if cfg.SilenceWindowSeconds <= 0 {
		cfg.SilenceWindowSeconds = DefaultSilenceWindowSeconds
		updated = true
	}
	if cfg.ExchangeTimeoutSeconds <= 0 {
		cfg.ExchangeTimeoutSeconds = DefaultExchangeTimeoutSeconds
		updated = true
	}
	if cfg.ConfirmTimeoutSeconds < 0 {
		cfg.ConfirmTimeoutSeconds = 0
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
