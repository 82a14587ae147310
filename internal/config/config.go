// Package config loads service configuration and exposes the MeF settings
// that must be re-read on every transmission.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	MeF       MeFConfig       `yaml:"mef"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	FlagsFile string          `yaml:"flags_file" env:"EFILE_FLAGS_FILE"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host" env:"SERVER_HOST"`
	Port         int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`

	// Per-caller API limits; zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"SERVER_REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"SERVER_BURST"`
	// AuditPath appends admin actions as JSON lines when set.
	AuditPath string `yaml:"audit_path" env:"SERVER_AUDIT_PATH"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the storage backend. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// AuthConfig holds the HS256 secret used to verify bearer tokens issued by
// the platform's auth service.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"JWT_ISSUER"`
}

// RedisConfig enables the shared kill-switch overlay when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	FlagKey  string `yaml:"flag_key" env:"REDIS_FLAG_KEY"`
}

// ReconcileConfig schedules the acknowledgment poller.
type ReconcileConfig struct {
	Enabled    bool          `yaml:"enabled" env:"RECONCILE_ENABLED"`
	Schedule   string        `yaml:"schedule" env:"RECONCILE_SCHEDULE"`
	StaleAfter time.Duration `yaml:"stale_after" env:"RECONCILE_STALE_AFTER"`
	Timeout    time.Duration `yaml:"timeout" env:"RECONCILE_TIMEOUT"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 150 * time.Second,

			RequestsPerSecond: 20,
			Burst:             40,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Redis: RedisConfig{
			FlagKey: "efile:transmissions_enabled",
		},
		MeF: DefaultMeF(),
		Reconcile: ReconcileConfig{
			Enabled:    true,
			Schedule:   "@every 5m",
			StaleAfter: 15 * time.Minute,
			Timeout:    2 * time.Minute,
		},
	}
}

// Load reads configuration in layers: defaults, the YAML file at path (if
// any), a .env file in the working directory, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.MeF.applyEnvProfile()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if err := c.MeF.Validate(); err != nil {
		return fmt.Errorf("mef: %w", err)
	}
	if c.Reconcile.Enabled && strings.TrimSpace(c.Reconcile.Schedule) == "" {
		return fmt.Errorf("reconcile.schedule is required when reconciliation is enabled")
	}
	return nil
}
