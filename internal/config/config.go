// Package config manages espif-go client configuration using koanf/v2.
//
// Supports YAML files, environment variables, and (layered on top by
// the CLI) command-line flags.
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

// Config holds the complete espif client configuration.
type Config struct {
	Transport TransportConfig `koanf:"transport"`
	Exchange  ExchangeConfig  `koanf:"exchange"`
	Flash     FlashConfig     `koanf:"flash"`
	Multicast MulticastConfig `koanf:"multicast"`
	Log       LogConfig       `koanf:"log"`
}

// TransportConfig holds defaults for the underlying socket.
type TransportConfig struct {
	// CommandPort is the default TCP/UDP port the target listens on.
	CommandPort uint16 `koanf:"command_port"`
}

// ExchangeConfig holds defaults for the request/reply engine.
type ExchangeConfig struct {
	// MaxAttempts is the number of send/receive attempts before an
	// exchange fails hard.
	MaxAttempts int `koanf:"max_attempts"`

	// InitialBackoff is the delay before the first retry; it doubles
	// on each subsequent attempt.
	InitialBackoff time.Duration `koanf:"initial_backoff"`
}

// FlashConfig holds defaults for the sector protocol and OTA layout.
type FlashConfig struct {
	// SectorSize is the flash erase/program unit size in bytes.
	SectorSize int `koanf:"sector_size"`

	// SlotBase gives the flash byte offset of OTA slot 0 and slot 1.
	SlotBase [2]int64 `koanf:"slot_base"`
}

// MulticastConfig holds defaults for the discovery loop.
type MulticastConfig struct {
	// Burst is the number of probe datagrams sent per discovery run.
	Burst int `koanf:"burst"`

	// Deadline bounds the overall discovery loop.
	Deadline time.Duration `koanf:"deadline"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with espif's defaults
// (spec.md §6): sector_size=4096, command_port=24, max_attempts=4,
// initial_backoff=200ms, burst=1, multicast deadline=10s, and OTA slot
// bases 0x200000/0x280000.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			CommandPort: 24,
		},
		Exchange: ExchangeConfig{
			MaxAttempts:    4,
			InitialBackoff: 200 * time.Millisecond,
		},
		Flash: FlashConfig{
			SectorSize: 4096,
			SlotBase:   [2]int64{0x200000, 0x280000},
		},
		Multicast: MulticastConfig{
			Burst:    1,
			Deadline: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for espif configuration.
// Variables are named ESPIF_<section>_<key>, e.g. ESPIF_FLASH_SECTOR_SIZE.
const envPrefix = "ESPIF_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ESPIF_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer: the CLI's flag set is the primary surface, a config
// file is an optional convenience.
//
// Environment variable mapping:
//
//	ESPIF_TRANSPORT_COMMAND_PORT -> transport.command_port
//	ESPIF_EXCHANGE_MAX_ATTEMPTS  -> exchange.max_attempts
//	ESPIF_FLASH_SECTOR_SIZE      -> flash.sector_size
//	ESPIF_MULTICAST_BURST        -> multicast.burst
//	ESPIF_LOG_LEVEL              -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms ESPIF_FLASH_SECTOR_SIZE -> flash.sector_size.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	// Only the first underscore separates section from key; the key
	// itself may contain underscores (sector_size, command_port, ...).
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"transport.command_port":   defaults.Transport.CommandPort,
		"exchange.max_attempts":    defaults.Exchange.MaxAttempts,
		"exchange.initial_backoff": defaults.Exchange.InitialBackoff.String(),
		"flash.sector_size":        defaults.Flash.SectorSize,
		"flash.slot_base":          []int64{defaults.Flash.SlotBase[0], defaults.Flash.SlotBase[1]},
		"multicast.burst":          defaults.Multicast.Burst,
		"multicast.deadline":       defaults.Multicast.Deadline.String(),
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
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
	// ErrInvalidCommandPort indicates transport.command_port is zero.
	ErrInvalidCommandPort = errors.New("transport.command_port must be nonzero")

	// ErrInvalidSectorSize indicates flash.sector_size is not positive.
	ErrInvalidSectorSize = errors.New("flash.sector_size must be > 0")

	// ErrInvalidMaxAttempts indicates exchange.max_attempts is not positive.
	ErrInvalidMaxAttempts = errors.New("exchange.max_attempts must be >= 1")

	// ErrInvalidInitialBackoff indicates exchange.initial_backoff is not positive.
	ErrInvalidInitialBackoff = errors.New("exchange.initial_backoff must be > 0")

	// ErrInvalidBurst indicates multicast.burst is not positive.
	ErrInvalidBurst = errors.New("multicast.burst must be >= 1")
)

// Validate checks the configuration for logical errors, returning the
// first one encountered.
func Validate(cfg *Config) error {
	if cfg.Transport.CommandPort == 0 {
		return ErrInvalidCommandPort
	}
	if cfg.Flash.SectorSize <= 0 {
		return ErrInvalidSectorSize
	}
	if cfg.Exchange.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if cfg.Exchange.InitialBackoff <= 0 {
		return ErrInvalidInitialBackoff
	}
	if cfg.Multicast.Burst < 1 {
		return ErrInvalidBurst
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
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
