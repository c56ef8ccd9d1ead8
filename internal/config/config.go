// ABOUTME: Configuration loading and parsing for concierge-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete concierge-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp" toml:"whatsapp"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// Session backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// SessionConfig selects where the paired session and instance lease live
type SessionConfig struct {
	Backend        string `yaml:"backend" toml:"backend"`
	Path           string `yaml:"path" toml:"path"`
	RedisAddr      string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password" toml:"redis_password"`
	RedisDB        int    `yaml:"redis_db" toml:"redis_db"`
	RedisKeyPrefix string `yaml:"redis_key_prefix" toml:"redis_key_prefix"`

	// InstanceID names this process in the lease. Empty picks a random id per
	// start; a stable value lets a restarted process reclaim its own lease.
	InstanceID string `yaml:"instance_id" toml:"instance_id"`

	LeaseTTL    time.Duration `yaml:"-" toml:"-"`
	LeaseTTLRaw string        `yaml:"lease_ttl" toml:"lease_ttl"`
}

// WhatsAppConfig configures the whatsmeow driver
type WhatsAppConfig struct {
	DeviceDB     string `yaml:"device_db" toml:"device_db"`
	DeviceName   string `yaml:"device_name" toml:"device_name"`
	HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`
}

// GatewayConfig holds command timing and policy
type GatewayConfig struct {
	SendPolicy string `yaml:"send_policy" toml:"send_policy"`
	DedupeSize int    `yaml:"dedupe_size" toml:"dedupe_size"`

	SendTimeout      time.Duration `yaml:"-" toml:"-"`
	QueryTimeout     time.Duration `yaml:"-" toml:"-"`
	CallLimit        time.Duration `yaml:"-" toml:"-"`
	ReconnectInitial time.Duration `yaml:"-" toml:"-"`
	ReconnectMax     time.Duration `yaml:"-" toml:"-"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SendTimeoutRaw      string `yaml:"send_timeout" toml:"send_timeout"`
	QueryTimeoutRaw     string `yaml:"query_timeout" toml:"query_timeout"`
	CallLimitRaw        string `yaml:"call_limit" toml:"call_limit"`
	ReconnectInitialRaw string `yaml:"reconnect_initial" toml:"reconnect_initial"`
	ReconnectMaxRaw     string `yaml:"reconnect_max" toml:"reconnect_max"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// EventsConfig tunes subscriber delivery
type EventsConfig struct {
	SubscriberQueue int `yaml:"subscriber_queue" toml:"subscriber_queue"`

	Keepalive    time.Duration `yaml:"-" toml:"-"`
	KeepaliveRaw string        `yaml:"keepalive" toml:"keepalive"`
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// RelayConfig holds the optional event relays
type RelayConfig struct {
	NATS   NATSRelayConfig   `yaml:"nats" toml:"nats"`
	Matrix MatrixRelayConfig `yaml:"matrix" toml:"matrix"`
}

// NATSRelayConfig configures publishing events to NATS
type NATSRelayConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	Servers       []string `yaml:"servers" toml:"servers"`
	SubjectPrefix string   `yaml:"subject_prefix" toml:"subject_prefix"`
}

// MatrixRelayConfig configures staff notices in a Matrix room
type MatrixRelayConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration text. isTOML selects the TOML decoder.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Session.Backend == "" {
		c.Session.Backend = BackendSQLite
	}
	if c.Session.LeaseTTL == 0 {
		c.Session.LeaseTTL = 30 * time.Second
	}
	if c.WhatsApp.DeviceName == "" {
		c.WhatsApp.DeviceName = "Concierge Gateway"
	}
	if c.WhatsApp.HistoryLimit == 0 {
		c.WhatsApp.HistoryLimit = 200
	}
	if c.Gateway.SendPolicy == "" {
		c.Gateway.SendPolicy = "open"
	}
	if c.Gateway.SendTimeout == 0 {
		c.Gateway.SendTimeout = 15 * time.Second
	}
	if c.Gateway.QueryTimeout == 0 {
		c.Gateway.QueryTimeout = 10 * time.Second
	}
	if c.Gateway.CallLimit == 0 {
		c.Gateway.CallLimit = 2 * time.Minute
	}
	if c.Gateway.ReconnectInitial == 0 {
		c.Gateway.ReconnectInitial = 2 * time.Second
	}
	if c.Gateway.ReconnectMax == 0 {
		c.Gateway.ReconnectMax = 2 * time.Minute
	}
	if c.Gateway.DedupeTTL == 0 {
		c.Gateway.DedupeTTL = 10 * time.Minute
	}
	if c.Gateway.DedupeSize == 0 {
		c.Gateway.DedupeSize = 10000
	}
	if c.Events.SubscriberQueue == 0 {
		c.Events.SubscriberQueue = 1024
	}
	if c.Events.Keepalive == 0 {
		c.Events.Keepalive = 25 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Session.Backend {
	case BackendSQLite:
		if c.Session.Path == "" {
			return fmt.Errorf("session.path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("session.backend must be sqlite, redis or memory, got %q", c.Session.Backend)
	}

	if c.WhatsApp.DeviceDB == "" {
		return fmt.Errorf("whatsapp.device_db is required")
	}
	if c.WhatsApp.HistoryLimit < 0 {
		return fmt.Errorf("whatsapp.history_limit must not be negative")
	}

	if c.Gateway.SendPolicy != "open" && c.Gateway.SendPolicy != "inbound_only" {
		return fmt.Errorf("gateway.send_policy must be open or inbound_only, got %q", c.Gateway.SendPolicy)
	}
	if c.Gateway.ReconnectMax < c.Gateway.ReconnectInitial {
		return fmt.Errorf("gateway.reconnect_max must be at least gateway.reconnect_initial")
	}
	if c.Events.SubscriberQueue < 0 {
		return fmt.Errorf("events.subscriber_queue must not be negative")
	}

	if s := c.Auth.JWTSecret; s != "" && len(s) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes, got %d", len(s))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if n := c.Relay.NATS; n.Enabled && len(n.Servers) == 0 {
		return fmt.Errorf("relay.nats.servers is required when the nats relay is enabled")
	}
	if m := c.Relay.Matrix; m.Enabled {
		if m.Homeserver == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("relay.matrix requires homeserver, access_token and room_id")
		}
		if _, err := url.Parse(m.Homeserver); err != nil {
			return fmt.Errorf("relay.matrix.homeserver is not a valid URL: %w", err)
		}
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
		{"session.lease_ttl", cfg.Session.LeaseTTLRaw, &cfg.Session.LeaseTTL},
		{"gateway.send_timeout", cfg.Gateway.SendTimeoutRaw, &cfg.Gateway.SendTimeout},
		{"gateway.query_timeout", cfg.Gateway.QueryTimeoutRaw, &cfg.Gateway.QueryTimeout},
		{"gateway.call_limit", cfg.Gateway.CallLimitRaw, &cfg.Gateway.CallLimit},
		{"gateway.reconnect_initial", cfg.Gateway.ReconnectInitialRaw, &cfg.Gateway.ReconnectInitial},
		{"gateway.reconnect_max", cfg.Gateway.ReconnectMaxRaw, &cfg.Gateway.ReconnectMax},
		{"gateway.dedupe_ttl", cfg.Gateway.DedupeTTLRaw, &cfg.Gateway.DedupeTTL},
		{"events.keepalive", cfg.Events.KeepaliveRaw, &cfg.Events.Keepalive},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// ResolvePath picks the config file: the explicit flag value, then
// CONCIERGE_CONFIG, then $XDG_CONFIG_HOME/concierge/gateway.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("CONCIERGE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath()
}

// DefaultPath returns $XDG_CONFIG_HOME/concierge/gateway.yaml, falling back
// to ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "concierge", "gateway.yaml")
}
