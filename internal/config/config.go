// Package config manages nearbyd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
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

	"github.com/nearbycore/nearby/internal/conn"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete nearbyd configuration.
type Config struct {
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Service   ServiceConfig   `koanf:"service"`
	Bwu       BwuConfig       `koanf:"bwu"`
	Endpoints []EndpointEntry `koanf:"endpoints"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ServiceConfig holds the default advertising/discovery parameters a
// client applies (spec.md section 6.3's AdvertisingOptions/DiscoveryOptions/
// ListeningOptions).
type ServiceConfig struct {
	// ServiceID identifies the application namespace endpoints advertise
	// and discover under (spec.md section 3, glossary: ServiceID).
	ServiceID string `koanf:"service_id"`

	// Strategy selects the PCP topology: "cluster", "star", or
	// "point_to_point" (spec.md section 4.2).
	Strategy string `koanf:"strategy"`

	// AllowedMediums lists the mediums a client may advertise, discover,
	// or accept connections over, e.g. ["bluetooth", "ble", "wifi_lan"].
	AllowedMediums []string `koanf:"allowed_mediums"`

	// LowPower requests reduced-power advertising where the medium
	// supports it (spec.md section 6.3's AdvertisingOptions.LowPower).
	LowPower bool `koanf:"low_power"`

	// KeepAliveInterval is the default keep-alive ping cadence for
	// established connections (spec.md section 4.5).
	KeepAliveInterval time.Duration `koanf:"keep_alive_interval"`

	// KeepAliveTimeout is how long a connection tolerates a missed
	// keep-alive before it is considered dead (spec.md section 4.5).
	KeepAliveTimeout time.Duration `koanf:"keep_alive_timeout"`

	// SavePath is the directory incoming file/stream payloads are
	// written to (spec.md section 4.7).
	SavePath string `koanf:"save_path"`

	// ListenAddr is the local TCP accept address nearbyd's demo Wi-Fi LAN
	// medium driver (cmd/nearbyd's wifiLanMedium) binds for incoming raw
	// channels (spec.md section 4.3.1's StartListeningForIncomingConnections).
	ListenAddr string `koanf:"listen_addr"`

	// MulticastAddr is the UDP multicast group the demo Wi-Fi LAN medium
	// beacons advertisements on and listens for discovery on (spec.md
	// section 6.2's mDNS-service-info role, stood in for without a real
	// mDNS responder).
	MulticastAddr string `koanf:"multicast_addr"`
}

// BwuConfig holds the default bandwidth-upgrade parameters (spec.md
// section 4.6).
type BwuConfig struct {
	// AllowUpgradeTo lists mediums eligible as an upgrade target, in the
	// order they should be preferred.
	AllowUpgradeTo []string `koanf:"allow_upgrade_to"`

	// RetryDelay is the initial backoff before retrying a failed upgrade
	// attempt.
	RetryDelay time.Duration `koanf:"retry_delay"`

	// RetryMaxDelay caps the exponential backoff between upgrade retries.
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`
}

// EndpointEntry describes a remote endpoint to inject at startup via
// InjectEndpoint (spec.md section 6.3, SPEC_FULL.md section 12's
// restored InjectedBluetoothDeviceStore), e.g. for a paired device that
// should be treated as already discovered.
type EndpointEntry struct {
	// EndpointID is the 4-character ASCII endpoint id to inject.
	EndpointID string `koanf:"endpoint_id"`

	// RemoteBTMAC is the classic-Bluetooth MAC address, as a colon-
	// separated hex string (e.g. "AA:BB:CC:DD:EE:FF").
	RemoteBTMAC string `koanf:"remote_bt_mac"`

	// EndpointInfo is the opaque endpoint-info payload advertised for
	// this injected endpoint.
	EndpointInfo string `koanf:"endpoint_info"`

	// Address is an optional "host:port" the demo Wi-Fi LAN medium
	// dials directly for this endpoint, bypassing beacon discovery --
	// useful for a peer on a network that blocks multicast. When set,
	// nearbyd registers it with the medium driver alongside the
	// Bluetooth-injection path above.
	Address string `koanf:"address"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Keep-alive defaults mirror spec.md section 4.5's suggested values: a
// 5-second ping interval with a 30-second timeout gives six ping
// intervals of slack before a connection is declared dead.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Service: ServiceConfig{
			ServiceID:         "com.nearbycore.nearby",
			Strategy:          "point_to_point",
			AllowedMediums:    []string{"bluetooth", "ble", "wifi_lan"},
			KeepAliveInterval: 5 * time.Second,
			KeepAliveTimeout:  30 * time.Second,
			SavePath:          "/var/lib/nearbyd/payloads",
			ListenAddr:        ":47235",
			MulticastAddr:     "239.255.42.99:47236",
		},
		Bwu: BwuConfig{
			AllowUpgradeTo: []string{"wifi_lan", "wifi_direct", "wifi_hotspot", "web_rtc"},
			RetryDelay:     1 * time.Second,
			RetryMaxDelay:  30 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for nearbyd configuration.
// Variables are named NEARBYD_<section>_<key>, e.g., NEARBYD_METRICS_ADDR.
const envPrefix = "NEARBYD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (NEARBYD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	NEARBYD_METRICS_ADDR     -> metrics.addr
//	NEARBYD_METRICS_PATH     -> metrics.path
//	NEARBYD_LOG_LEVEL        -> log.level
//	NEARBYD_LOG_FORMAT       -> log.format
//	NEARBYD_SERVICE_SERVICE_ID -> service.service_id
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// NEARBYD_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, first _ -> .).
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

// envKeyMapper transforms NEARBYD_METRICS_ADDR -> metrics.addr.
// Strips the NEARBYD_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so keys containing _ keep it
// (NEARBYD_SERVICE_SERVICE_ID -> service.service_id).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
		"service.service_id":          defaults.Service.ServiceID,
		"service.strategy":            defaults.Service.Strategy,
		"service.allowed_mediums":     defaults.Service.AllowedMediums,
		"service.low_power":           defaults.Service.LowPower,
		"service.keep_alive_interval": defaults.Service.KeepAliveInterval.String(),
		"service.keep_alive_timeout":  defaults.Service.KeepAliveTimeout.String(),
		"service.save_path":           defaults.Service.SavePath,
		"service.listen_addr":         defaults.Service.ListenAddr,
		"service.multicast_addr":      defaults.Service.MulticastAddr,
		"bwu.allow_upgrade_to":        defaults.Bwu.AllowUpgradeTo,
		"bwu.retry_delay":             defaults.Bwu.RetryDelay.String(),
		"bwu.retry_max_delay":         defaults.Bwu.RetryMaxDelay.String(),
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
	// ErrEmptyListenAddr indicates the demo Wi-Fi LAN medium's TCP accept
	// address is empty.
	ErrEmptyListenAddr = errors.New("service.listen_addr must not be empty")

	// ErrEmptyMulticastAddr indicates the demo Wi-Fi LAN medium's beacon
	// multicast group is empty.
	ErrEmptyMulticastAddr = errors.New("service.multicast_addr must not be empty")

	// ErrEmptyServiceID indicates service.service_id is empty.
	ErrEmptyServiceID = errors.New("service.service_id must not be empty")

	// ErrInvalidStrategy indicates service.strategy is not recognized.
	ErrInvalidStrategy = errors.New("service.strategy must be cluster, star, or point_to_point")

	// ErrInvalidMedium indicates a medium name could not be resolved.
	ErrInvalidMedium = errors.New("unrecognized medium name")

	// ErrInvalidKeepAlive indicates the keep-alive interval/timeout pair
	// is nonsensical (interval must be strictly less than timeout).
	ErrInvalidKeepAlive = errors.New("service.keep_alive_interval must be positive and less than service.keep_alive_timeout")

	// ErrInvalidEndpointID indicates an injected endpoint entry's id is
	// not EndpointIDLength characters (spec.md section 6.3, conn.EndpointIDLength).
	ErrInvalidEndpointID = errors.New("endpoints[].endpoint_id must be conn.EndpointIDLength characters")

	// ErrInvalidBTMAC indicates an injected endpoint's remote_bt_mac is
	// not a well-formed six-octet MAC address.
	ErrInvalidBTMAC = errors.New("endpoints[].remote_bt_mac must be a colon-separated six-octet MAC address")
)

// ValidStrategies lists the recognized strategy strings.
var ValidStrategies = map[string]bool{
	"cluster":        true,
	"star":           true,
	"point_to_point": true,
}

// mediumNames maps the configuration file's lowercase medium names to
// conn.Medium values.
var mediumNames = map[string]conn.Medium{
	"bluetooth":    conn.MediumBluetooth,
	"ble":          conn.MediumBLE,
	"ble_v2":       conn.MediumBLEV2,
	"wifi_lan":     conn.MediumWifiLan,
	"wifi_direct":  conn.MediumWifiDirect,
	"wifi_hotspot": conn.MediumWifiHotspot,
	"web_rtc":      conn.MediumWebRTC,
}

// ParseMedium resolves a configuration file medium name to a conn.Medium.
func ParseMedium(name string) (conn.Medium, error) {
	m, ok := mediumNames[strings.ToLower(name)]
	if !ok {
		return conn.MediumUnknown, fmt.Errorf("%q: %w", name, ErrInvalidMedium)
	}
	return m, nil
}

// ParseMediums resolves a list of configuration file medium names.
func ParseMediums(names []string) ([]conn.Medium, error) {
	out := make([]conn.Medium, 0, len(names))
	for _, n := range names {
		m, err := ParseMedium(n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Service.ListenAddr == "" {
		return ErrEmptyListenAddr
	}

	if cfg.Service.MulticastAddr == "" {
		return ErrEmptyMulticastAddr
	}

	if cfg.Service.ServiceID == "" {
		return ErrEmptyServiceID
	}

	if !ValidStrategies[cfg.Service.Strategy] {
		return ErrInvalidStrategy
	}

	if _, err := ParseMediums(cfg.Service.AllowedMediums); err != nil {
		return err
	}

	if cfg.Service.KeepAliveInterval <= 0 || cfg.Service.KeepAliveInterval >= cfg.Service.KeepAliveTimeout {
		return ErrInvalidKeepAlive
	}

	if _, err := ParseMediums(cfg.Bwu.AllowUpgradeTo); err != nil {
		return err
	}

	if err := validateEndpoints(cfg.Endpoints); err != nil {
		return err
	}

	return nil
}

// validateEndpoints checks each injected-endpoint entry for correctness.
// An entry must carry a RemoteBTMAC (for Bluetooth injection via
// conn.BasePcpHandler.InjectEndpoint), an Address (for the demo Wi-Fi LAN
// medium's static peer registration), or both.
func validateEndpoints(entries []EndpointEntry) error {
	for i, e := range entries {
		if len(e.EndpointID) != conn.EndpointIDLength {
			return fmt.Errorf("endpoints[%d]: %w", i, ErrInvalidEndpointID)
		}
		if e.RemoteBTMAC == "" && e.Address == "" {
			return fmt.Errorf("endpoints[%d]: must set remote_bt_mac or address", i)
		}
		if e.RemoteBTMAC != "" {
			if _, err := ParseBTMAC(e.RemoteBTMAC); err != nil {
				return fmt.Errorf("endpoints[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// ParseBTMAC parses a colon-separated six-octet MAC address string, e.g.
// "AA:BB:CC:DD:EE:FF", as used by EndpointEntry.RemoteBTMAC.
func ParseBTMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, ErrInvalidBTMAC
	}
	for i, p := range parts {
		var b int
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil || b < 0 || b > 0xff {
			return mac, ErrInvalidBTMAC
		}
		mac[i] = byte(b)
	}
	return mac, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
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
