// Package config manages lsend agent configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete lsend agent configuration.
type Config struct {
	Identity  IdentityConfig  `koanf:"identity"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	HTTP      HTTPConfig      `koanf:"http"`
	Transfer  TransferConfig  `koanf:"transfer"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
}

// IdentityConfig overrides the defaults internal/identity would otherwise
// derive from the host (hostname, GOOS/GOARCH).
type IdentityConfig struct {
	Alias       string `koanf:"alias"`
	DeviceModel string `koanf:"device_model"`
	DeviceType  string `koanf:"device_type"`
}

// DiscoveryConfig holds multicast discovery tunables.
type DiscoveryConfig struct {
	// Port is the multicast discovery port. Fixed at 53317 by convention,
	// but kept configurable for tests that need an isolated port.
	Port int `koanf:"port"`

	// Interface pins discovery to a specific network interface name;
	// empty delegates selection to netio.SelectInterface.
	Interface string `koanf:"interface"`

	// AnnounceInterval is how often this agent sends a primary
	// announcement (default 5s).
	AnnounceInterval time.Duration `koanf:"announce_interval"`

	// Timeout is the peer staleness window (default 15s).
	Timeout time.Duration `koanf:"timeout"`
}

// HTTPConfig holds the HttpPlane server bind configuration.
type HTTPConfig struct {
	// BindAddr is the address the HTTP server listens on; empty binds all
	// interfaces.
	BindAddr string `koanf:"bind_addr"`

	// Port is the TCP port; 0 means OS-chosen.
	Port int `koanf:"port"`

	// Scheme is "http" or "https", published in self DeviceInfo snapshots.
	Scheme string `koanf:"scheme"`
}

// TransferConfig holds file-transfer tunables.
type TransferConfig struct {
	// DownloadDir is where accepted uploads are written (default
	// "./downloads_localsend").
	DownloadDir string `koanf:"download_dir"`

	// ConsentMode selects the UserConsentProvider: "auto-accept",
	// "auto-decline", or "queue" (operator-driven via lsendctl).
	ConsentMode string `koanf:"consent_mode"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the same defaults any
// deployment without a config file or env overrides starts from.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{},
		Discovery: DiscoveryConfig{
			Port:             53317,
			AnnounceInterval: 5 * time.Second,
			Timeout:          15 * time.Second,
		},
		HTTP: HTTPConfig{
			Port:   0,
			Scheme: "http",
		},
		Transfer: TransferConfig{
			DownloadDir: "./downloads_localsend",
			ConsentMode: "auto-accept",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for lsend configuration.
// Variables are named LSEND_<section>_<key>, e.g., LSEND_HTTP_PORT.
const envPrefix = "LSEND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (LSEND_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms LSEND_HTTP_PORT -> http.port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	// Section names carry no underscore, so only the first one separates
	// section from key (LSEND_TRANSFER_DOWNLOAD_DIR -> transfer.download_dir).
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"identity.alias":            defaults.Identity.Alias,
		"identity.device_model":     defaults.Identity.DeviceModel,
		"identity.device_type":      defaults.Identity.DeviceType,
		"discovery.port":            defaults.Discovery.Port,
		"discovery.interface":       defaults.Discovery.Interface,
		"discovery.announce_interval": defaults.Discovery.AnnounceInterval.String(),
		"discovery.timeout":         defaults.Discovery.Timeout.String(),
		"http.bind_addr":            defaults.HTTP.BindAddr,
		"http.port":                 defaults.HTTP.Port,
		"http.scheme":               defaults.HTTP.Scheme,
		"transfer.download_dir":     defaults.Transfer.DownloadDir,
		"transfer.consent_mode":     defaults.Transfer.ConsentMode,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidDiscoveryPort indicates the discovery port is outside 1..65535.
	ErrInvalidDiscoveryPort = errors.New("discovery.port must be within 1..65535")

	// ErrInvalidAnnounceInterval indicates the announce interval is not positive.
	ErrInvalidAnnounceInterval = errors.New("discovery.announce_interval must be > 0")

	// ErrInvalidTimeout indicates the peer timeout is not positive.
	ErrInvalidTimeout = errors.New("discovery.timeout must be > 0")

	// ErrInvalidHTTPPort indicates the HTTP port is outside 0..65535.
	ErrInvalidHTTPPort = errors.New("http.port must be within 0..65535")

	// ErrInvalidScheme indicates the HTTP scheme is neither http nor https.
	ErrInvalidScheme = errors.New("http.scheme must be http or https")

	// ErrEmptyDownloadDir indicates the download directory is empty after
	// sanitization.
	ErrEmptyDownloadDir = errors.New("transfer.download_dir must not be empty")

	// ErrInvalidConsentMode indicates an unrecognized consent mode.
	ErrInvalidConsentMode = errors.New("transfer.consent_mode must be auto-accept, auto-decline, or queue")
)

// ValidConsentModes lists the recognized consent_mode strings.
var ValidConsentModes = map[string]bool{
	"auto-accept":  true,
	"auto-decline": true,
	"queue":        true,
}

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Discovery.Port < 1 || cfg.Discovery.Port > 65535 {
		return ErrInvalidDiscoveryPort
	}

	if cfg.Discovery.AnnounceInterval <= 0 {
		return ErrInvalidAnnounceInterval
	}

	if cfg.Discovery.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return ErrInvalidHTTPPort
	}

	if cfg.HTTP.Scheme != "http" && cfg.HTTP.Scheme != "https" {
		return ErrInvalidScheme
	}

	if strings.TrimSpace(cfg.Transfer.DownloadDir) == "" {
		return ErrEmptyDownloadDir
	}

	if !ValidConsentModes[cfg.Transfer.ConsentMode] {
		return ErrInvalidConsentMode
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
