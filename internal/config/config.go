package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvLichessToken     = "KNOCKOUT_LICHESS_TOKEN"
	EnvDatabasePassword = "KNOCKOUT_DATABASE_PASSWORD"
	EnvDiscordToken     = "KNOCKOUT_DISCORD_TOKEN"
	EnvRedisPassword    = "KNOCKOUT_REDIS_PASSWORD"
)

// Config represents the application configuration.
type Config struct {
	Lichess        LichessConfig        `yaml:"lichess"`
	Poller         PollerConfig         `yaml:"poller"`
	Cache          CacheConfig          `yaml:"cache"`
	Discord        DiscordConfig        `yaml:"discord"`
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// LichessConfig holds settings for the Lichess API client.
type LichessConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	CreationDelay  time.Duration `yaml:"creation_delay"`
	ClockLimit     int           `yaml:"clock_limit"`
	ClockIncrement int           `yaml:"clock_increment"`
	Variant        string        `yaml:"variant"`
}

// PollerConfig holds settings for the match result poller.
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// CacheConfig holds Redis cache settings. An empty RedisAddr disables caching.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	OutcomeTTL    time.Duration `yaml:"outcome_ttl"`
	ProfileTTL    time.Duration `yaml:"profile_ttl"`
}

// Enabled reports whether a Redis address is configured.
func (c CacheConfig) Enabled() bool { return c.RedisAddr != "" }

// DiscordConfig holds settings for the Discord notification channel.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether Discord notifications are configured.
func (d DiscordConfig) Enabled() bool { return d.Token != "" && d.ChannelID != "" }

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Lichess: LichessConfig{
			BaseURL:        "https://lichess.org",
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			RetryBaseDelay: 2 * time.Second,
			CreationDelay:  1500 * time.Millisecond,
			ClockLimit:     300,
			ClockIncrement: 0,
			Variant:        "standard",
		},
		Poller: PollerConfig{
			Enabled:  true,
			Interval: 3500 * time.Millisecond,
		},
		Cache: CacheConfig{
			OutcomeTTL: 24 * time.Hour,
			ProfileTTL: 10 * time.Minute,
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "knockout",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "knockout-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from the given path, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLichessToken); ok && v != "" {
		c.Lichess.Token = v
	}
	if v, ok := lookup(EnvDatabasePassword); ok && v != "" {
		c.Database.Password = v
	}
	if v, ok := lookup(EnvDiscordToken); ok && v != "" {
		c.Discord.Token = v
	}
	if v, ok := lookup(EnvRedisPassword); ok && v != "" {
		c.Cache.RedisPassword = v
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if c.Lichess.BaseURL == "" {
		return errors.New("lichess.base_url must not be empty")
	}
	if c.Lichess.MaxAttempts < 1 {
		return fmt.Errorf("lichess.max_attempts must be at least 1, got %d", c.Lichess.MaxAttempts)
	}
	if c.Lichess.Timeout <= 0 {
		return errors.New("lichess.timeout must be positive")
	}
	if c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be positive")
	}
	return nil
}
