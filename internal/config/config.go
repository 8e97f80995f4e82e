// ABOUTME: Configuration loading and parsing for shard-fleet
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Fleet modes.
const (
	ModeInProcess = "inprocess"
	ModeProcess   = "process"
)

// Session drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config represents the complete shard-fleet configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Fleet    FleetConfig    `yaml:"fleet" toml:"fleet"`
	Identify IdentifyConfig `yaml:"identify" toml:"identify"`
	Session  SessionConfig  `yaml:"session" toml:"session"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP address for health, status, and metrics
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// GatewayConfig holds the gateway API credentials and info caching
type GatewayConfig struct {
	Token  string `yaml:"token" toml:"token"`
	APIURL string `yaml:"api_url" toml:"api_url"`

	// MaxConcurrencyOverride skips the gateway info lookup when positive
	MaxConcurrencyOverride int `yaml:"max_concurrency_override" toml:"max_concurrency_override"`

	InfoTTL    time.Duration `yaml:"-" toml:"-"`
	InfoTTLRaw string        `yaml:"info_ttl" toml:"info_ttl"`
}

// FleetConfig holds shard assignment and worker supervision settings
type FleetConfig struct {
	ShardCount      int      `yaml:"shard_count" toml:"shard_count"`
	ShardIDs        []int    `yaml:"shard_ids" toml:"shard_ids"`
	ShardsPerWorker int      `yaml:"shards_per_worker" toml:"shards_per_worker"`
	Mode            string   `yaml:"mode" toml:"mode"`
	ForwardEvents   []string `yaml:"forward_events" toml:"forward_events"`

	ReadyTimeout   time.Duration `yaml:"-" toml:"-"`
	RestartBackoff time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReadyTimeoutRaw   string `yaml:"ready_timeout" toml:"ready_timeout"`
	RestartBackoffRaw string `yaml:"restart_backoff" toml:"restart_backoff"`
}

// IdentifyConfig holds identify pacing
type IdentifyConfig struct {
	Interval  time.Duration `yaml:"-" toml:"-"`
	MaxJitter time.Duration `yaml:"-" toml:"-"`

	IntervalRaw  string `yaml:"interval" toml:"interval"`
	MaxJitterRaw string `yaml:"max_jitter" toml:"max_jitter"`
}

// SessionConfig selects the session store
type SessionConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
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

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, formatOf(path))
}

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

// Parse decodes, defaults, and validates config data in the given format
// ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml", "":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Gateway.APIURL == "" {
		c.Gateway.APIURL = "https://discord.com/api/v10"
	}
	if c.Gateway.InfoTTL == 0 {
		c.Gateway.InfoTTL = 5 * time.Minute
	}
	if c.Fleet.ShardsPerWorker == 0 {
		c.Fleet.ShardsPerWorker = 1
	}
	if c.Fleet.Mode == "" {
		c.Fleet.Mode = ModeInProcess
	}
	if c.Fleet.ReadyTimeout == 0 {
		c.Fleet.ReadyTimeout = 30 * time.Second
	}
	if c.Fleet.RestartBackoff == 0 {
		c.Fleet.RestartBackoff = time.Second
	}
	if c.Identify.Interval == 0 {
		c.Identify.Interval = 5 * time.Second
	}
	if c.Identify.MaxJitterRaw == "" {
		c.Identify.MaxJitter = 1500 * time.Millisecond
	}
	if c.Session.Driver == "" {
		c.Session.Driver = DriverMemory
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

// ShardList returns the configured shard ids, defaulting to every shard.
func (c *Config) ShardList() []int {
	if len(c.Fleet.ShardIDs) > 0 {
		return c.Fleet.ShardIDs
	}
	ids := make([]int, c.Fleet.ShardCount)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The token is only needed when max concurrency comes from the API
	if c.Gateway.Token == "" && c.Gateway.MaxConcurrencyOverride <= 0 {
		return fmt.Errorf("gateway.token is required (or set gateway.max_concurrency_override)")
	}

	if c.Fleet.ShardCount <= 0 {
		return fmt.Errorf("fleet.shard_count must be positive")
	}
	if c.Fleet.ShardsPerWorker < 0 {
		return fmt.Errorf("fleet.shards_per_worker must not be negative")
	}

	seen := make(map[int]bool, len(c.Fleet.ShardIDs))
	for _, id := range c.Fleet.ShardIDs {
		if id < 0 || id >= c.Fleet.ShardCount {
			return fmt.Errorf("fleet.shard_ids: %d is outside 0..%d", id, c.Fleet.ShardCount-1)
		}
		if seen[id] {
			return fmt.Errorf("fleet.shard_ids: %d listed twice", id)
		}
		seen[id] = true
	}

	switch c.Fleet.Mode {
	case ModeInProcess, ModeProcess:
	default:
		return fmt.Errorf("fleet.mode must be %q or %q, got %q", ModeInProcess, ModeProcess, c.Fleet.Mode)
	}

	switch c.Session.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Session.Path == "" {
			return fmt.Errorf("session.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("session.driver must be %q or %q, got %q", DriverMemory, DriverSQLite, c.Session.Driver)
	}

	if c.Identify.Interval < 0 || c.Identify.MaxJitter < 0 {
		return fmt.Errorf("identify durations must not be negative")
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
		{"info_ttl", cfg.Gateway.InfoTTLRaw, &cfg.Gateway.InfoTTL},
		{"ready_timeout", cfg.Fleet.ReadyTimeoutRaw, &cfg.Fleet.ReadyTimeout},
		{"restart_backoff", cfg.Fleet.RestartBackoffRaw, &cfg.Fleet.RestartBackoff},
		{"interval", cfg.Identify.IntervalRaw, &cfg.Identify.Interval},
		{"max_jitter", cfg.Identify.MaxJitterRaw, &cfg.Identify.MaxJitter},
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

// Example is the config written by `shard-fleet init`.
const Example = `# shard-fleet configuration

server:
  http_addr: "127.0.0.1:8080"   # health, shard status, metrics

gateway:
  token: "${SHARD_FLEET_TOKEN}"
  api_url: "https://discord.com/api/v10"
  info_ttl: "5m"
  # max_concurrency_override: 1

fleet:
  shard_count: 4
  # shard_ids: [0, 1]
  shards_per_worker: 2
  mode: "inprocess"   # inprocess, process
  ready_timeout: "30s"
  restart_backoff: "1s"
  # forward_events: ["ready", "resumed", "closed", "error"]

identify:
  interval: "5s"
  max_jitter: "1.5s"

session:
  driver: "sqlite"    # memory, sqlite
  path: "./shard-fleet.db"

logging:
  level: "info"       # debug, info, warn, error
  format: "text"      # text, json

metrics:
  enabled: true
  path: "/metrics"
`
