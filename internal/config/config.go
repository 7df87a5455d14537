// ABOUTME: Configuration loading and parsing for dm-gateway
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted while locating and loading configuration.
const (
	EnvConfigPath = "DM_CONFIG"
	EnvDBPath     = "DM_DB_PATH"
)

// Config represents the complete dm-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
	Presence  PresenceConfig  `yaml:"presence"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve :443 with tailnet certificates
	Funnel    bool   `yaml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (modernc) or "sqlite3" (mattn)
	Path   string `yaml:"path"`
}

// ChatConfig holds message and delivery limits
type ChatConfig struct {
	MaxBodyLength    int     `yaml:"max_body_length"`
	HistoryLimit     int     `yaml:"history_limit"`
	MaxHistoryLimit  int     `yaml:"max_history_limit"`
	EndpointBuffer   int     `yaml:"endpoint_buffer"`
	DedupeMaxEntries int     `yaml:"dedupe_max_entries"`
	SendRate         float64 `yaml:"send_rate"` // sends per second per socket, 0 disables
	SendBurst        int     `yaml:"send_burst"`

	DedupeTTL   time.Duration `yaml:"-"`
	SendTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DedupeTTLRaw   string `yaml:"dedupe_ttl"`
	SendTimeoutRaw string `yaml:"send_timeout"`
}

// PresenceConfig holds cluster presence configuration
type PresenceConfig struct {
	RedisURL string `yaml:"redis_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: defaultDBPath()},
		Chat: ChatConfig{
			MaxBodyLength:    4000,
			HistoryLimit:     200,
			MaxHistoryLimit:  1000,
			EndpointBuffer:   64,
			DedupeMaxEntries: 10000,
			SendRate:         10,
			SendBurst:        20,
			DedupeTTL:        10 * time.Minute,
			SendTimeout:      5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// DefaultPath returns the config file location: $DM_CONFIG, then
// $XDG_CONFIG_HOME/dm/gateway.yaml, then ~/.config/dm/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dm", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "dm", "gateway.yaml")
}

func defaultDBPath() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "dm", "dm.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "dm.db"
	}
	return filepath.Join(home, ".local", "share", "dm", "dm.db")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of Default.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Chat.MaxBodyLength <= 0 {
		return fmt.Errorf("chat.max_body_length must be positive")
	}
	if c.Chat.HistoryLimit <= 0 || c.Chat.MaxHistoryLimit <= 0 {
		return fmt.Errorf("chat.history_limit and chat.max_history_limit must be positive")
	}
	if c.Chat.HistoryLimit > c.Chat.MaxHistoryLimit {
		return fmt.Errorf("chat.history_limit (%d) exceeds chat.max_history_limit (%d)", c.Chat.HistoryLimit, c.Chat.MaxHistoryLimit)
	}
	if c.Chat.EndpointBuffer <= 0 {
		return fmt.Errorf("chat.endpoint_buffer must be positive")
	}
	if c.Chat.SendRate < 0 {
		return fmt.Errorf("chat.send_rate must not be negative")
	}
	if c.Chat.SendRate > 0 && c.Chat.SendBurst <= 0 {
		return fmt.Errorf("chat.send_burst must be positive when send_rate is set")
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
	var err error

	if cfg.Chat.DedupeTTLRaw != "" {
		cfg.Chat.DedupeTTL, err = time.ParseDuration(cfg.Chat.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Chat.DedupeTTLRaw, err)
		}
	}

	if cfg.Chat.SendTimeoutRaw != "" {
		cfg.Chat.SendTimeout, err = time.ParseDuration(cfg.Chat.SendTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing send_timeout %q: %w", cfg.Chat.SendTimeoutRaw, err)
		}
	}

	return nil
}
