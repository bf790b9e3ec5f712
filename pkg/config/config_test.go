package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
global:
  log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultNATSSubjectPrefix, cfg.NATS.SubjectPrefix)
	assert.Equal(t, DefaultCancelPollInterval, cfg.Suite.CancelPollInterval)
	assert.Equal(t, DefaultStaleRunThreshold, cfg.Suite.StaleRunThreshold)
	assert.Equal(t, DefaultEvaluatorModel, cfg.Evaluator.Model)
	assert.Equal(t, DefaultPlatformTimeout, cfg.Platform.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "sqlite defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "platform base url required",
			mutate: func(c *Config) {
				c.Platform.BaseURL = ""
			},
			wantErr: "platform.base_url is required",
		},
		{
			name: "postgres requires host",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Postgres.Database = "testbench"
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "postgres requires database",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Postgres.Host = "localhost"
			},
			wantErr: "database.postgres.database is required",
		},
		{
			name: "unknown driver",
			mutate: func(c *Config) {
				c.Database.Driver = "mysql"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "negative poll interval",
			mutate: func(c *Config) {
				c.Suite.CancelPollInterval = -time.Second
			},
			wantErr: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config

			cfg.applyDefaults()
			cfg.Platform.BaseURL = "http://platform.internal"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPostgresConfigParsing(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  postgres:
    host: db.internal
    port: 5432
    user: testbench
    password: secret
    database: testbench
platform:
  base_url: http://platform.internal
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
}
