package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListenAddr is the default HTTP listen address.
	DefaultListenAddr = ":8420"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default sqlite database path.
	DefaultSQLitePath = "./testbench.db"

	// DefaultNATSSubjectPrefix is the default prefix for suite run subjects.
	DefaultNATSSubjectPrefix = "testbench"

	// DefaultCancelPollInterval is how often the cancellation watcher
	// falls back to polling the store for the durable marker.
	DefaultCancelPollInterval = 2 * time.Second

	// DefaultStaleRunThreshold is how long a RUNNING suite run may go
	// without a live worker before the janitor sweeps it.
	DefaultStaleRunThreshold = 5 * time.Minute

	// DefaultEvaluatorModel is the built-in judge model used when neither
	// the test case nor the agent configures an evaluator.
	DefaultEvaluatorModel = "gpt-4.1"

	// DefaultPlatformTimeout bounds individual agent platform calls. Answer
	// streams are exempt; they run until the stream closes.
	DefaultPlatformTimeout = 60 * time.Second
)

// Config is the root configuration for testbench.
type Config struct {
	Global    GlobalConfig    `yaml:"global"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Suite     SuiteConfig     `yaml:"suite"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Platform  PlatformConfig  `yaml:"platform"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects and configures the result store backend.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains sqlite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains postgres connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// NATSConfig contains notification channel settings. The channel is a
// wake-up hint transport only; the engine keeps working when it is down.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SuiteConfig contains suite execution settings.
type SuiteConfig struct {
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
	StaleRunThreshold  time.Duration `yaml:"stale_run_threshold"`
}

// EvaluatorConfig contains the built-in evaluator defaults used when no
// evaluator is configured on the test case or the agent.
type EvaluatorConfig struct {
	Model string `yaml:"model"`
}

// PlatformConfig points at the agent platform that hosts the agents,
// test cases, evaluators, and the completion endpoint.
type PlatformConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultNATSSubjectPrefix
	}

	if c.Suite.CancelPollInterval == 0 {
		c.Suite.CancelPollInterval = DefaultCancelPollInterval
	}

	if c.Suite.StaleRunThreshold == 0 {
		c.Suite.StaleRunThreshold = DefaultStaleRunThreshold
	}

	if c.Evaluator.Model == "" {
		c.Evaluator.Model = DefaultEvaluatorModel
	}

	if c.Platform.Timeout == 0 {
		c.Platform.Timeout = DefaultPlatformTimeout
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Suite.CancelPollInterval < 0 {
		return fmt.Errorf("suite.cancel_poll_interval must be positive")
	}

	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}

	return nil
}
