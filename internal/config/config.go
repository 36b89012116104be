// ABOUTME: Configuration loading and parsing for loom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Generation GenerationConfig `yaml:"generation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
// JWTSecret verifies end-user bearer tokens; RuntimeSecret is the shared
// secret presented by the sandbox runtime on the internal callback surface.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	RuntimeSecret string `yaml:"runtime_secret"`
}

// RuntimeConfig holds sandbox runtime connection and retry configuration
type RuntimeConfig struct {
	Endpoint   string `yaml:"endpoint"`
	MaxRetries int    `yaml:"max_retries"`

	RetryDelay    time.Duration `yaml:"-"`
	RetryDelayRaw string        `yaml:"retry_delay"`
}

// GenerationConfig holds generation engine timing configuration
type GenerationConfig struct {
	ApprovalTimeout time.Duration `yaml:"-"`
	AuthTimeout     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ApprovalTimeoutRaw string `yaml:"approval_timeout"`
	AuthTimeoutRaw     string `yaml:"auth_timeout"`

	// SubscriberBuffer is the per-subscriber delivery channel size.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
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

// Defaults applied when the corresponding fields are absent from the file.
const (
	DefaultApprovalTimeout  = 5 * time.Minute
	DefaultAuthTimeout      = 10 * time.Minute
	DefaultRetryDelay       = 2 * time.Second
	DefaultMaxRetries       = 2
	DefaultSubscriberBuffer = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Generation.ApprovalTimeout == 0 {
		c.Generation.ApprovalTimeout = DefaultApprovalTimeout
	}
	if c.Generation.AuthTimeout == 0 {
		c.Generation.AuthTimeout = DefaultAuthTimeout
	}
	if c.Generation.SubscriberBuffer == 0 {
		c.Generation.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Runtime.RetryDelay == 0 {
		c.Runtime.RetryDelay = DefaultRetryDelay
	}
	if c.Runtime.MaxRetries == 0 {
		c.Runtime.MaxRetries = DefaultMaxRetries
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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

	if c.Runtime.Endpoint == "" {
		return fmt.Errorf("runtime.endpoint is required")
	}

	if c.Auth.RuntimeSecret == "" {
		return fmt.Errorf("auth.runtime_secret is required (the sandbox runtime authenticates callbacks with it)")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Generation.ApprovalTimeoutRaw != "" {
		cfg.Generation.ApprovalTimeout, err = time.ParseDuration(cfg.Generation.ApprovalTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing approval_timeout %q: %w", cfg.Generation.ApprovalTimeoutRaw, err)
		}
	}

	if cfg.Generation.AuthTimeoutRaw != "" {
		cfg.Generation.AuthTimeout, err = time.ParseDuration(cfg.Generation.AuthTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing auth_timeout %q: %w", cfg.Generation.AuthTimeoutRaw, err)
		}
	}

	if cfg.Runtime.RetryDelayRaw != "" {
		cfg.Runtime.RetryDelay, err = time.ParseDuration(cfg.Runtime.RetryDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_delay %q: %w", cfg.Runtime.RetryDelayRaw, err)
		}
	}

	return nil
}
