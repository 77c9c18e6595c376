package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SHELLCN_SERVER_PORT.
const EnvPrefix = "SHELLCN"

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Registry   RegistryConfig   `yaml:"registry"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Stream     StreamConfig     `yaml:"stream"`
	Visibility VisibilityConfig `yaml:"visibility"`
	Audit      AuditConfig      `yaml:"audit"`
	Stats      StatsConfig      `yaml:"stats"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
	MaxConnections int      `yaml:"max_connections" split_words:"true"`
}

type AuthConfig struct {
	// Secret is the HS256 key used to verify viewer tokens.
	Secret    string `yaml:"secret"`
	Issuer    string `yaml:"issuer"`
	AdminRole string `yaml:"admin_role" split_words:"true"`
}

type RegistryConfig struct {
	Storage      string `yaml:"storage"`
	DatabasePath string `yaml:"database_path" split_words:"true"`
}

type SweeperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period" split_words:"true"`
}

type StreamConfig struct {
	Name              string        `yaml:"name"`
	QueueSize         int           `yaml:"queue_size" split_words:"true"`
	ClientBuffer      int           `yaml:"client_buffer" split_words:"true"`
	HeartbeatThrottle time.Duration `yaml:"heartbeat_throttle" split_words:"true"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval" split_words:"true"`
}

type VisibilityConfig struct {
	// TeamVisibility must be switched on explicitly by the operator.
	TeamVisibility bool `yaml:"team_visibility" split_words:"true"`
}

type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RetentionDays int    `yaml:"retention_days" split_words:"true"`
	PurgeSchedule string `yaml:"purge_schedule" split_words:"true"`
}

type StatsConfig struct {
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Path string `yaml:"path"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Auth: AuthConfig{
			Issuer:    "shellcn",
			AdminRole: "admin",
		},
		Registry: RegistryConfig{
			Storage:      StorageMemory,
			DatabasePath: "data/sessions.db",
		},
		Sweeper: SweeperConfig{
			Interval:    time.Minute,
			GracePeriod: 5 * time.Minute,
		},
		Stream: StreamConfig{
			Name:              "sessions",
			QueueSize:         1024,
			ClientBuffer:      64,
			HeartbeatThrottle: time.Second,
			SnapshotInterval:  30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
			PurgeSchedule: "@daily",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is an error; see LoadOrDefault.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults (plus
// environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = defaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Validate rejects settings the registry cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}
	if c.Sweeper.GracePeriod <= 0 {
		errs = append(errs, errors.New("sweeper.grace_period must be positive"))
	} else if c.Sweeper.GracePeriod < c.Sweeper.Interval {
		errs = append(errs, fmt.Errorf("sweeper.grace_period %s shorter than sweeper.interval %s",
			c.Sweeper.GracePeriod, c.Sweeper.Interval))
	}
	if c.Stream.Name == "" {
		errs = append(errs, errors.New("stream.name must not be empty"))
	}
	if c.Stream.QueueSize <= 0 {
		errs = append(errs, errors.New("stream.queue_size must be positive"))
	}
	if c.Stream.ClientBuffer <= 0 {
		errs = append(errs, errors.New("stream.client_buffer must be positive"))
	}
	if c.Stream.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("stream.snapshot_interval must be positive"))
	}
	switch c.Registry.Storage {
	case StorageMemory:
	case StorageSQLite:
		if c.Registry.DatabasePath == "" {
			errs = append(errs, errors.New("registry.database_path required for sqlite storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.storage %q: want %q or %q",
			c.Registry.Storage, StorageMemory, StorageSQLite))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret must be set (or SHELLCN_AUTH_SECRET)"))
	}
	return errors.Join(errs...)
}

// VisibilityPolicy converts the visibility section into the policy applied
// by the query endpoint and the event stream.
func (c *Config) VisibilityPolicy() session.VisibilityPolicy {
	return session.VisibilityPolicy{TeamVisibility: c.Visibility.TeamVisibility}
}

// StatsDir returns the configured stats directory, defaulting to
// $XDG_STATE_HOME/shellcn (or ~/.local/state/shellcn).
func (c *Config) StatsDir() string {
	if c.Stats.Dir != "" {
		return c.Stats.Dir
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "shellcn")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shellcn")
	}
	return filepath.Join(home, ".local", "state", "shellcn")
}
