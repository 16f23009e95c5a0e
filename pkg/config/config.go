// Package config loads the indexer configuration from one or more YAML
// files. Later files override earlier ones key by key, so a deployment can
// layer site settings over the base configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWorkers is the default number of archives indexed in
	// parallel.
	DefaultWorkers = 1

	// DefaultPostgresPort is the default PostgreSQL port.
	DefaultPostgresPort = 5432

	// DefaultPostgresSSLMode is the default PostgreSQL SSL mode.
	DefaultPostgresSSLMode = "disable"
)

// Config is the root configuration for the indexer.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Index         IndexConfig         `mapstructure:"index"`
	Report        ReportConfig        `mapstructure:"report"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `mapstructure:"log_level"`
	Workers  int    `mapstructure:"workers"`
}

// ArchiveConfig locates the archive hierarchy: Root holds the tar balls
// under per-controller directories, Incoming their extracted trees.
type ArchiveConfig struct {
	Root     string `mapstructure:"root"`
	Incoming string `mapstructure:"incoming"`
}

// ElasticsearchConfig tunes the bulk sink.
type ElasticsearchConfig struct {
	URLs []string `mapstructure:"urls"`

	BatchSize      int           `mapstructure:"batch_size"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`

	// RateLimit caps bulk submissions per second. Zero disables the
	// limiter.
	RateLimit float64 `mapstructure:"rate_limit"`

	// ErrorFile receives one JSON line per permanently failed action.
	ErrorFile string `mapstructure:"error_file"`
}

// IndexConfig names the index family.
type IndexConfig struct {
	Prefix string `mapstructure:"prefix"`

	// TemplateFile overrides the built-in per-category naming versions
	// when set.
	TemplateFile string `mapstructure:"template_file"`
}

// ReportConfig selects the per-archive report database. An empty driver
// disables reporting.
type ReportConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the sqlite report driver.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the postgres report driver.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Load reads and merges the given configuration files in order.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one config file is required")
	}

	v := viper.New()

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result: &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("building config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.Workers <= 0 {
		c.Global.Workers = DefaultWorkers
	}

	if c.Report.Postgres.Port == 0 {
		c.Report.Postgres.Port = DefaultPostgresPort
	}

	if c.Report.Postgres.SSLMode == "" {
		c.Report.Postgres.SSLMode = DefaultPostgresSSLMode
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Archive.Root == "" {
		return fmt.Errorf("archive.root is required")
	}

	if c.Archive.Incoming == "" {
		return fmt.Errorf("archive.incoming is required")
	}

	if _, err := os.Stat(c.Archive.Root); err != nil {
		return fmt.Errorf("archive.root %q: %w", c.Archive.Root, err)
	}

	if _, err := os.Stat(c.Archive.Incoming); err != nil {
		return fmt.Errorf("archive.incoming %q: %w", c.Archive.Incoming, err)
	}

	if len(c.Elasticsearch.URLs) == 0 {
		return fmt.Errorf("at least one elasticsearch URL must be configured")
	}

	if c.Index.Prefix == "" {
		return fmt.Errorf("index.prefix is required")
	}

	if strings.Contains(c.Index.Prefix, ".") {
		return fmt.Errorf("index.prefix %q must not contain a period", c.Index.Prefix)
	}

	switch c.Report.Driver {
	case "":
		// Reporting disabled.
	case "sqlite":
		if c.Report.SQLite.Path == "" {
			return fmt.Errorf("report.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Report.Postgres.Host == "" || c.Report.Postgres.Database == "" ||
			c.Report.Postgres.User == "" {
			return fmt.Errorf(
				"report.postgres requires host, database and user")
		}
	default:
		return fmt.Errorf("unsupported report driver: %s", c.Report.Driver)
	}

	return nil
}
