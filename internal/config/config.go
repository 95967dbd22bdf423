package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"TETHER_PORT" default:"8400" yaml:"port"`
	Host string `envconfig:"TETHER_HOST" default:"0.0.0.0" yaml:"host"`
}

// BusConfig holds per-instance transaction engine tunables.
type BusConfig struct {
	// BufferSize is the payload reservation granted to each proc, in bytes.
	// Must be a positive multiple of PageSize.
	BufferSize int `envconfig:"TETHER_BUFFER_SIZE" default:"1048576" yaml:"buffer_size"`
	// PageSize is the commit granularity of the payload allocator.
	PageSize int `envconfig:"TETHER_PAGE_SIZE" default:"4096" yaml:"page_size"`
	// MaxThreads caps dynamically spawned execution contexts per proc.
	MaxThreads int `envconfig:"TETHER_MAX_THREADS" default:"16" yaml:"max_threads"`
	// SeedManifest optionally names a YAML manifest of instances to mount
	// at startup.
	SeedManifest string `envconfig:"TETHER_SEED_MANIFEST" default:"" yaml:"seed_manifest"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"TETHER_LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"TETHER_LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds per-IP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"TETHER_RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"TETHER_RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"TETHER_RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// SnapshotConfig holds instance snapshot export configuration.
type SnapshotConfig struct {
	Dir string `envconfig:"TETHER_SNAPSHOT_DIR" default:"" yaml:"dir"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads environment configuration, then overrides it with the
// values set in the given YAML file. Fields absent from the file keep
// their environment values.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8400",
			Host: "0.0.0.0",
		},
		Bus: BusConfig{
			BufferSize: 1 << 20,
			PageSize:   4096,
			MaxThreads: 16,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate rejects configurations the allocator would refuse at mount
// time, so misconfiguration fails at startup instead.
func (c *Config) Validate() error {
	if c.Bus.PageSize <= 0 {
		return fmt.Errorf("invalid page size %d", c.Bus.PageSize)
	}
	if c.Bus.BufferSize <= 0 || c.Bus.BufferSize%c.Bus.PageSize != 0 {
		return fmt.Errorf("buffer size %d is not a positive multiple of page size %d",
			c.Bus.BufferSize, c.Bus.PageSize)
	}
	if c.Bus.MaxThreads < 0 {
		return fmt.Errorf("invalid max threads %d", c.Bus.MaxThreads)
	}
	return nil
}
