package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "timerlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "TIMERLINK_DATA_DIR"
	// DefaultServiceType is the shared peer-to-peer namespace token.
	DefaultServiceType = "lgv-timer"
	// DefaultAppID is advertised so incompatible clients can self-filter.
	DefaultAppID = "com.littlegreenviper.speakerbeeper"
	// DefaultAppVersion is advertised alongside DefaultAppID.
	DefaultAppVersion = "1.0"
	// DefaultListeningPort is the TCP port used in fixed port mode without an override.
	DefaultListeningPort = 9777
	// DefaultInvitationTimeout bounds unanswered invitations.
	DefaultInvitationTimeout = 30 * time.Second
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// RoleCommander runs the Advertiser.
	RoleCommander = "commander"
	// RoleClient runs the Browser.
	RoleClient = "client"

	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                 string `json:"device_id"`
	DeviceName               string `json:"device_name"`
	Role                     string `json:"role"`
	ServiceType              string `json:"service_type"`
	AppID                    string `json:"app_id"`
	AppVersion               string `json:"app_version"`
	PortMode                 string `json:"port_mode"`
	ListeningPort            int    `json:"listening_port"`
	InvitationTimeoutSeconds int    `json:"invitation_timeout_seconds"`
	AutoAcceptClients        bool   `json:"auto_accept_clients"`
	LogLevel                 string `json:"log_level"`
	IdentityKeyPath          string `json:"identity_key_path"`
	KeyFingerprint           string `json:"key_fingerprint"`
}

// InvitationTimeout returns the configured timeout as a duration.
func (c *DeviceConfig) InvitationTimeout() time.Duration {
	if c.InvitationTimeoutSeconds <= 0 {
		return DefaultInvitationTimeout
	}
	return time.Duration(c.InvitationTimeoutSeconds) * time.Second
}

// ListenAddress returns the TCP listen address for the commander.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If TIMERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
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

		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
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

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Timer"
}

// normalizeDefaults fills missing fields and reports whether anything changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	set := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}

	set(&cfg.DeviceID, uuid.NewString())
	set(&cfg.DeviceName, defaultDeviceName())
	set(&cfg.ServiceType, DefaultServiceType)
	set(&cfg.AppID, DefaultAppID)
	set(&cfg.AppVersion, DefaultAppVersion)
	set(&cfg.LogLevel, "info")
	set(&cfg.IdentityKeyPath, filepath.Join(dataDir, "keys", "identity.pem"))

	if role := normalizeRole(cfg.Role); role != cfg.Role {
		cfg.Role = role
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

	if cfg.InvitationTimeoutSeconds <= 0 {
		cfg.InvitationTimeoutSeconds = int(DefaultInvitationTimeout / time.Second)
		updated = true
	}

	return updated
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleCommander:
		return RoleCommander
	default:
		return RoleClient
	}
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
