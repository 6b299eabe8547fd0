package config

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "") // restores the original value after the test
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoad_Defaults(t *testing.T) {
	unsetenv(t, "ES_DRIVER", "ES_SQLITE_PATH", "ES_OPERATION_TIMEOUT", "ES_LOG_LEVEL",
		"ES_LOG_FORMAT", "ES_SNAPSHOT_EVERY", "ES_NATS_SUBJECT_PREFIX", "ES_METRICS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, "eventstore.db", cfg.SQLitePath)
	assert.Equal(t, 10*time.Second, cfg.OperationTimeout)
	assert.Equal(t, "events", cfg.NATSSubjectPrefix)
	assert.Zero(t, cfg.SnapshotEvery)
	assert.Equal(t, MetricsOTel, cfg.Metrics)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("ES_DRIVER", "postgres")
	t.Setenv("ES_POSTGRES_DSN", "postgres://erp@localhost/erp")
	t.Setenv("ES_SNAPSHOT_EVERY", "50")
	t.Setenv("ES_REDIS_ADDR", "localhost:6379")
	t.Setenv("ES_SNAPSHOT_TTL", "1h")
	t.Setenv("ES_OPERATION_TIMEOUT", "2s")
	t.Setenv("ES_LOG_LEVEL", "debug")
	t.Setenv("ES_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Driver)
	assert.Equal(t, "postgres://erp@localhost/erp", cfg.PostgresDSN)
	assert.EqualValues(t, 50, cfg.SnapshotEvery)
	assert.Equal(t, time.Hour, cfg.SnapshotTTL)
	assert.Equal(t, 2*time.Second, cfg.OperationTimeout)
	assert.Equal(t, logrus.DebugLevel, cfg.Logrus().Logger.GetLevel())
	assert.NotNil(t, cfg.Logger())
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv("ES_SNAPSHOT_EVERY", "often")
	_, err := Load()
	assert.ErrorContains(t, err, "parse env")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Driver: DriverMemory, OperationTimeout: time.Second, LogLevel: "info", LogFormat: "text", Metrics: MetricsNone}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Driver = "mongo" }, "unknown ES_DRIVER"},
		{"sqlite without path", func(c *Config) { c.Driver = DriverSQLite }, "ES_SQLITE_PATH"},
		{"postgres without dsn", func(c *Config) { c.Driver = DriverPostgres }, "ES_POSTGRES_DSN"},
		{"kurrentdb without url", func(c *Config) { c.Driver = DriverKurrentDB }, "ES_KURRENTDB_URL"},
		{"zero timeout", func(c *Config) { c.OperationTimeout = 0 }, "ES_OPERATION_TIMEOUT"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "ES_LOG_LEVEL"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "ES_LOG_FORMAT"},
		{"bad metrics", func(c *Config) { c.Metrics = "statsd" }, "ES_METRICS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
