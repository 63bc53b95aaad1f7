// ABOUTME: Configuration loading and parsing for campusfind-messenger
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/campusfind/campusfind-messenger/internal/store"
)

// Defaults applied to unset fields.
const (
	DefaultDriver           = store.DriverSQLite
	DefaultTokenTTL         = 24 * time.Hour
	DefaultStoreTimeout     = 5 * time.Second
	DefaultMaxMessageLength = 2000
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeMaxEntries = 10000
	DefaultSSEKeepalive     = 25 * time.Second

	// MinJWTSecretLength is the minimum HS256 secret size in bytes.
	MinJWTSecretLength = 32
)

// Config represents the complete campusfind-messenger configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Messaging MessagingConfig `yaml:"messaging" toml:"messaging"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig selects and locates the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // memory, sqlite or badger
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl,omitempty" toml:"token_ttl"`
}

// MessagingConfig holds limits and timings for the messaging core
type MessagingConfig struct {
	StoreTimeout     time.Duration `yaml:"-" toml:"-"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	SSEKeepalive     time.Duration `yaml:"-" toml:"-"`
	MaxMessageLength int           `yaml:"max_message_length,omitempty" toml:"max_message_length"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries,omitempty" toml:"dedupe_max_entries"`

	// Raw string values for unmarshaling
	StoreTimeoutRaw string `yaml:"store_timeout,omitempty" toml:"store_timeout"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl,omitempty" toml:"dedupe_ttl"`
	SSEKeepaliveRaw string `yaml:"sse_keepalive,omitempty" toml:"sse_keepalive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
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

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config content. isTOML selects the TOML decoder.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Messaging.StoreTimeout == 0 {
		c.Messaging.StoreTimeout = DefaultStoreTimeout
	}
	if c.Messaging.MaxMessageLength == 0 {
		c.Messaging.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.Messaging.DedupeTTL == 0 {
		c.Messaging.DedupeTTL = DefaultDedupeTTL
	}
	if c.Messaging.DedupeMaxEntries == 0 {
		c.Messaging.DedupeMaxEntries = DefaultDedupeMaxEntries
	}
	if c.Messaging.SSEKeepalive == 0 {
		c.Messaging.SSEKeepalive = DefaultSSEKeepalive
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if !slices.Contains(store.Drivers, c.Database.Driver) {
		return fmt.Errorf("database.driver must be one of %s, got %q", strings.Join(store.Drivers, ", "), c.Database.Driver)
	}
	if c.Database.Driver != store.DriverMemory && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for the %s driver", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	if c.Messaging.StoreTimeout < 0 || c.Messaging.DedupeTTL < 0 || c.Messaging.SSEKeepalive < 0 {
		return fmt.Errorf("messaging durations must be positive")
	}
	if c.Messaging.MaxMessageLength < 0 {
		return fmt.Errorf("messaging.max_message_length must be positive")
	}
	if c.Messaging.DedupeMaxEntries < 0 {
		return fmt.Errorf("messaging.dedupe_max_entries must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"messaging.store_timeout", cfg.Messaging.StoreTimeoutRaw, &cfg.Messaging.StoreTimeout},
		{"messaging.dedupe_ttl", cfg.Messaging.DedupeTTLRaw, &cfg.Messaging.DedupeTTL},
		{"messaging.sse_keepalive", cfg.Messaging.SSEKeepaliveRaw, &cfg.Messaging.SSEKeepalive},
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

// DefaultPath returns the config file location.
// Priority: CAMPUSFIND_CONFIG env var > XDG_CONFIG_HOME/campusfind/messenger.yaml > ~/.config/campusfind/messenger.yaml
func DefaultPath() string {
	if envPath := os.Getenv("CAMPUSFIND_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "messenger.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "campusfind", "messenger.yaml")
}

// DefaultDataPath returns the directory for database files.
// Priority: XDG_DATA_HOME/campusfind > ~/.local/share/campusfind
func DefaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "campusfind")
}

// Template returns a starter YAML config for driver with its data under
// dataDir. The secret is read from the CAMPUSFIND_JWT_SECRET environment
// variable at load time.
func Template(driver, dataDir string) ([]byte, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	if !slices.Contains(store.Drivers, driver) {
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	var dbPath string
	switch driver {
	case store.DriverSQLite:
		dbPath = filepath.Join(dataDir, "messenger.db")
	case store.DriverBadger:
		dbPath = filepath.Join(dataDir, "badger")
	}

	cfg := Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Driver: driver, Path: dbPath},
		Auth: AuthConfig{
			JWTSecret:   "${CAMPUSFIND_JWT_SECRET}",
			TokenTTLRaw: DefaultTokenTTL.String(),
		},
		Messaging: MessagingConfig{
			MaxMessageLength: DefaultMaxMessageLength,
			DedupeMaxEntries: DefaultDedupeMaxEntries,
			StoreTimeoutRaw:  DefaultStoreTimeout.String(),
			DedupeTTLRaw:     DefaultDedupeTTL.String(),
			SSEKeepaliveRaw:  DefaultSSEKeepalive.String(),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config template: %w", err)
	}
	return data, nil
}
