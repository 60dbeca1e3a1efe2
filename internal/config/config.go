// Package config loads the rendezvous server's configuration using koanf/v2:
// code defaults, overlaid by an optional YAML file, overlaid by
// RENDEZVOUS_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config enumerates every configuration key named in the spec's External
// Interfaces section, plus the ambient logging/metrics knobs every
// component in this module needs regardless of feature scope.
type Config struct {
	Port int `koanf:"port"`

	QueueTimeout        time.Duration `koanf:"queue_timeout"`
	MaxQueueSize        int           `koanf:"max_queue_size"`
	MaxConnectionsPerIP int           `koanf:"max_connections_per_ip"`
	BanDuration         time.Duration `koanf:"ban_duration"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	ConnectionTimeout   time.Duration `koanf:"connection_timeout"`
	ModeSwitchTimeout   time.Duration `koanf:"mode_switch_timeout"`

	RateLimitMessagesPerMinute int `koanf:"rate_limit_messages_per_minute"`
	RateLimitSkipsPerMinute    int `koanf:"rate_limit_skips_per_minute"`
	RateLimitReportsPerHour    int `koanf:"rate_limit_reports_per_hour"`

	MaxMessageSize   int `koanf:"max_message_size"`
	MaxMessageLength int `koanf:"max_message_length"`

	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	MetricsEnabled bool `koanf:"metrics_enabled"`

	AdminToken string `koanf:"admin_token"`

	TokensEnabled  bool          `koanf:"tokens_enabled"`
	JWTSecret      string        `koanf:"jwt_secret"`
	TokenTTL       time.Duration `koanf:"token_ttl"`
	RefreshTTL     time.Duration `koanf:"refresh_ttl"`
	EncryptionOn   bool          `koanf:"encryption_enabled"`
	FingerprintCap uint64        `koanf:"fingerprint_cache_capacity"`
}

// DefaultConfig returns a Config populated with the defaults spec.md §6
// names for every key (and reasonable additions for the ambient keys it
// doesn't name).
func DefaultConfig() *Config {
	return &Config{
		Port: 3000,

		QueueTimeout:        300 * time.Second,
		MaxQueueSize:        10000,
		MaxConnectionsPerIP: 20,
		BanDuration:         24 * time.Hour,
		HeartbeatInterval:   30 * time.Second,
		ConnectionTimeout:   60 * time.Second,
		ModeSwitchTimeout:   30 * time.Second,

		RateLimitMessagesPerMinute: 30,
		RateLimitSkipsPerMinute:    10,
		RateLimitReportsPerHour:    3,

		MaxMessageSize:   10240,
		MaxMessageLength: 500,

		CleanupInterval: 60 * time.Second,

		LogLevel:  "info",
		LogFormat: "text",

		MetricsEnabled: true,
		AdminToken:     "",

		TokensEnabled:  false,
		TokenTTL:       15 * time.Minute,
		RefreshTTL:     24 * time.Hour,
		EncryptionOn:   false,
		FingerprintCap: 100000,
	}
}

const envPrefix = "RENDEZVOUS_"

// Load builds a Config from defaults, an optional YAML file (ignored if
// path is empty or does not exist), and RENDEZVOUS_* environment variables,
// in that order of increasing precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config from %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
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

// envKeyMapper transforms RENDEZVOUS_MAX_QUEUE_SIZE -> max_queue_size.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ToLower(s)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"port":                           d.Port,
		"queue_timeout":                  d.QueueTimeout.String(),
		"max_queue_size":                 d.MaxQueueSize,
		"max_connections_per_ip":         d.MaxConnectionsPerIP,
		"ban_duration":                   d.BanDuration.String(),
		"heartbeat_interval":             d.HeartbeatInterval.String(),
		"connection_timeout":             d.ConnectionTimeout.String(),
		"mode_switch_timeout":            d.ModeSwitchTimeout.String(),
		"rate_limit_messages_per_minute": d.RateLimitMessagesPerMinute,
		"rate_limit_skips_per_minute":    d.RateLimitSkipsPerMinute,
		"rate_limit_reports_per_hour":    d.RateLimitReportsPerHour,
		"max_message_size":               d.MaxMessageSize,
		"max_message_length":             d.MaxMessageLength,
		"cleanup_interval":               d.CleanupInterval.String(),
		"log_level":                      d.LogLevel,
		"log_format":                     d.LogFormat,
		"metrics_enabled":                d.MetricsEnabled,
		"admin_token":                    d.AdminToken,
		"tokens_enabled":                 d.TokensEnabled,
		"jwt_secret":                     d.JWTSecret,
		"token_ttl":                      d.TokenTTL.String(),
		"refresh_ttl":                    d.RefreshTTL.String(),
		"encryption_enabled":             d.EncryptionOn,
		"fingerprint_cache_capacity":     d.FingerprintCap,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrInvalidPort        = errors.New("port must be > 0")
	ErrInvalidQueueSize    = errors.New("max_queue_size must be > 0")
	ErrShortJWTSecret      = errors.New("jwt_secret must be at least 32 bytes when tokens_enabled is true")
	ErrInvalidMessageSize  = errors.New("max_message_size must be > 0")
	ErrInvalidMessageLen   = errors.New("max_message_length must be > 0")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Port <= 0 {
		return ErrInvalidPort
	}
	if cfg.MaxQueueSize <= 0 {
		return ErrInvalidQueueSize
	}
	if cfg.MaxMessageSize <= 0 {
		return ErrInvalidMessageSize
	}
	if cfg.MaxMessageLength <= 0 {
		return ErrInvalidMessageLen
	}
	if cfg.TokensEnabled && len(cfg.JWTSecret) < 32 {
		return ErrShortJWTSecret
	}
	return nil
}
