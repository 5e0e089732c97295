// ABOUTME: Configuration loading and parsing for agent-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/agent-gateway/internal/telemetry"
)

// Config represents the complete agent-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	WS          WSConfig          `yaml:"ws" toml:"ws"`
	Worker      WorkerConfig      `yaml:"worker" toml:"worker"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Telemetry   telemetry.Config  `yaml:"telemetry" toml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// SharedSecretHash is a bcrypt hash of the operator password. Empty disables password connect.
	SharedSecretHash string `yaml:"shared_secret_hash" toml:"shared_secret_hash"`

	RevocationPruneInterval    time.Duration `yaml:"-" toml:"-"`
	RevocationPruneIntervalRaw string        `yaml:"revocation_prune_interval" toml:"revocation_prune_interval"`
}

// WSConfig holds WebSocket endpoint configuration
type WSConfig struct {
	// AllowRemote admits non-loopback, non-private peers.
	AllowRemote bool `yaml:"allow_remote" toml:"allow_remote"`
	// TrustForwardedHeaders uses X-Forwarded-For / X-Real-IP for the remote gate.
	TrustForwardedHeaders bool     `yaml:"trust_forwarded_headers" toml:"trust_forwarded_headers"`
	OriginPatterns        []string `yaml:"origin_patterns" toml:"origin_patterns"`
	MaxPayloadBytes       int64    `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	MaxBufferedBytes      int64    `yaml:"max_buffered_bytes" toml:"max_buffered_bytes"`
	RateLimitPerMinute    int      `yaml:"rate_limit_per_minute" toml:"rate_limit_per_minute"`

	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout     time.Duration `yaml:"-" toml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HandshakeTimeoutRaw  string        `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// WorkerConfig holds background task worker configuration
type WorkerConfig struct {
	Enabled        bool `yaml:"enabled" toml:"enabled"`
	MaxConcurrency int  `yaml:"max_concurrency" toml:"max_concurrency"`
	ErrorLimit     int  `yaml:"error_limit" toml:"error_limit"`

	PollInterval    time.Duration `yaml:"-" toml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval" toml:"poll_interval"`
}

// IdempotencyConfig holds idempotency ledger configuration
type IdempotencyConfig struct {
	SweepSchedule string `yaml:"sweep_schedule" toml:"sweep_schedule"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults applied before durations are parsed.
const (
	DefaultHTTPAddr           = "127.0.0.1:8080"
	DefaultMaxPayloadBytes    = 1 << 20
	DefaultMaxBufferedBytes   = 8 << 20
	DefaultRateLimitPerMinute = 120
	DefaultHeartbeatInterval  = "20s"
	DefaultHandshakeTimeout   = "10s"
	DefaultPollInterval       = "2s"
	DefaultMaxConcurrency     = 4
	DefaultErrorLimit         = 1000
	DefaultIdempotencyTTL     = "1h"
	DefaultSweepSchedule      = "@every 5m"
	DefaultRevocationPrune    = "1m"
)

var redactedKeys = map[string]bool{
	"jwt_secret":         true,
	"shared_secret_hash": true,
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied and durations unparsed.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: DefaultHTTPAddr},
		Database: DatabaseConfig{
			Path: "agent-gateway.db",
		},
		Auth: AuthConfig{RevocationPruneIntervalRaw: DefaultRevocationPrune},
		WS: WSConfig{
			MaxPayloadBytes:      DefaultMaxPayloadBytes,
			MaxBufferedBytes:     DefaultMaxBufferedBytes,
			RateLimitPerMinute:   DefaultRateLimitPerMinute,
			HeartbeatIntervalRaw: DefaultHeartbeatInterval,
			HandshakeTimeoutRaw:  DefaultHandshakeTimeout,
		},
		Worker: WorkerConfig{
			Enabled:         true,
			MaxConcurrency:  DefaultMaxConcurrency,
			ErrorLimit:      DefaultErrorLimit,
			PollIntervalRaw: DefaultPollInterval,
		},
		Idempotency: IdempotencyConfig{
			SweepSchedule: DefaultSweepSchedule,
			TTLRaw:        DefaultIdempotencyTTL,
		},
		Telemetry: telemetry.Config{Exporter: telemetry.ExporterNone},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// finish parses durations and validates.
func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.WS.MaxPayloadBytes <= 0 {
		return fmt.Errorf("ws.max_payload_bytes must be positive")
	}
	if c.WS.RateLimitPerMinute < 0 {
		return fmt.Errorf("ws.rate_limit_per_minute must not be negative")
	}
	if c.WS.HeartbeatInterval <= 0 {
		return fmt.Errorf("ws.heartbeat_interval must be positive")
	}
	if c.Worker.MaxConcurrency <= 0 {
		return fmt.Errorf("worker.max_concurrency must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.revocation_prune_interval", cfg.Auth.RevocationPruneIntervalRaw, &cfg.Auth.RevocationPruneInterval},
		{"ws.heartbeat_interval", cfg.WS.HeartbeatIntervalRaw, &cfg.WS.HeartbeatInterval},
		{"ws.handshake_timeout", cfg.WS.HandshakeTimeoutRaw, &cfg.WS.HandshakeTimeout},
		{"worker.poll_interval", cfg.Worker.PollIntervalRaw, &cfg.Worker.PollInterval},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Redacted returns the config document as a generic map with secrets masked.
func (c *Config) Redacted() map[string]any {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return map[string]any{}
	}
	redact(doc)
	return doc
}

func redact(m map[string]any) {
	for k, v := range m {
		switch inner := v.(type) {
		case map[string]any:
			redact(inner)
		case string:
			if redactedKeys[k] && inner != "" {
				m[k] = "***"
			}
		}
	}
}

// Hash fingerprints the redacted config.
func (c *Config) Hash() string {
	raw, err := json.Marshal(c.Redacted())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
