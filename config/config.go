// Package config loads the event store settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Store drivers accepted in ES_DRIVER.
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverKurrentDB = "kurrentdb"
)

// Metrics backends accepted in ES_METRICS.
const (
	MetricsNone       = "none"
	MetricsOTel       = "otel"
	MetricsPrometheus = "prometheus"
)

// Config selects and configures the store, snapshot cache and change feed.
type Config struct {
	Driver     string `env:"ES_DRIVER"       envDefault:"sqlite"`
	SQLitePath string `env:"ES_SQLITE_PATH"  envDefault:"eventstore.db"`
	// PostgresDSN is required for the postgres driver.
	PostgresDSN  string `env:"ES_POSTGRES_DSN"`
	KurrentDBURL string `env:"ES_KURRENTDB_URL"`

	// RedisAddr enables the redis snapshot cache. Empty keeps snapshots in
	// memory.
	RedisAddr     string        `env:"ES_REDIS_ADDR"`
	SnapshotTTL   time.Duration `env:"ES_SNAPSHOT_TTL"   envDefault:"0s"`
	SnapshotEvery uint64        `env:"ES_SNAPSHOT_EVERY" envDefault:"0"`

	// NATSURL enables the NATS change feed. Empty uses the in-process bus.
	NATSURL           string `env:"ES_NATS_URL"`
	NATSSubjectPrefix string `env:"ES_NATS_SUBJECT_PREFIX" envDefault:"events"`
	// SpoolDir enables the durable file change feed when NATS is not set.
	SpoolDir string `env:"ES_SPOOL_DIR"`

	// Metrics selects the repository metrics backend: none, otel or
	// prometheus.
	Metrics string `env:"ES_METRICS" envDefault:"otel"`

	OperationTimeout time.Duration `env:"ES_OPERATION_TIMEOUT" envDefault:"10s"`
	LogLevel         string        `env:"ES_LOG_LEVEL"         envDefault:"info"`
	LogFormat        string        `env:"ES_LOG_FORMAT"        envDefault:"text"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks that the selected driver has what it needs.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("ES_SQLITE_PATH is required for driver %q", c.Driver)
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("ES_POSTGRES_DSN is required for driver %q", c.Driver)
		}
	case DriverKurrentDB:
		if c.KurrentDBURL == "" {
			return fmt.Errorf("ES_KURRENTDB_URL is required for driver %q", c.Driver)
		}
	default:
		return fmt.Errorf("unknown ES_DRIVER %q", c.Driver)
	}
	switch c.Metrics {
	case MetricsNone, MetricsOTel, MetricsPrometheus:
	default:
		return fmt.Errorf("ES_METRICS must be none, otel or prometheus, got %q", c.Metrics)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("ES_OPERATION_TIMEOUT must be positive, got %s", c.OperationTimeout)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("ES_LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("ES_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Logger builds the slog logger used by stores, buses and the repository.
func (c Config) Logger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error", "fatal", "panic":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Logrus builds the logrus entry used for command logging.
func (c Config) Logrus() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(logger)
}
