// Package config loads engine configuration and resolution policy files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/c0deZ3R0/go-changeset-kit/briefcase"
	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
)

// EnvPrefix prefixes environment overrides, e.g. CSET_DATABASE_PATH.
const EnvPrefix = "CSET"

// Metrics backends.
const (
	MetricsNone       = "none"
	MetricsOTel       = "otel"
	MetricsPrometheus = "prometheus"
)

// Config is the engine configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   logging.Config  `mapstructure:"logging"`
	Changeset ChangesetConfig `mapstructure:"changeset"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DatabaseConfig configures the briefcase.
type DatabaseConfig struct {
	Path               string        `mapstructure:"path"`
	BusyTimeout        time.Duration `mapstructure:"busy_timeout"`
	JournalMode        string        `mapstructure:"journal_mode"`
	DisableForeignKeys bool          `mapstructure:"disable_foreign_keys"`
	MetaTable          string        `mapstructure:"meta_table"`
}

// ChangesetConfig configures changesets the engine writes.
type ChangesetConfig struct {
	Compression string `mapstructure:"compression"`
}

// PolicyConfig points at a resolution policy file.
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Backend   string `mapstructure:"backend"`
	Namespace string `mapstructure:"namespace"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			BusyTimeout: 5 * time.Second,
			JournalMode: "WAL",
			MetaTable:   "cset_tip",
		},
		Logging:   logging.DefaultConfig,
		Changeset: ChangesetConfig{Compression: "none"},
		Metrics:   MetricsConfig{Backend: MetricsNone, Namespace: "cset"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)
	v.SetDefault("database.journal_mode", d.Database.JournalMode)
	v.SetDefault("database.disable_foreign_keys", d.Database.DisableForeignKeys)
	v.SetDefault("database.meta_table", d.Database.MetaTable)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.add_source", d.Logging.AddSource)
	v.SetDefault("logging.environment", d.Logging.Environment)
	v.SetDefault("changeset.compression", d.Changeset.Compression)
	v.SetDefault("policy.file", d.Policy.File)
	v.SetDefault("metrics.backend", d.Metrics.Backend)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// Load reads the configuration file at path (YAML, TOML or JSON by
// extension) and applies CSET_ environment overrides. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("failed to read config: %w", err))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("failed to decode config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown enum values.
func (c *Config) Validate() error {
	if _, err := changeset.ParseCompression(c.Changeset.Compression); err != nil {
		return cserrors.NewValidationError(cserrors.OpConfig, err)
	}
	switch strings.ToLower(c.Metrics.Backend) {
	case "", MetricsNone, MetricsOTel, MetricsPrometheus:
	default:
		return cserrors.NewValidationError(cserrors.OpConfig,
			fmt.Errorf("metrics.backend: %q is invalid (valid values: none, otel, prometheus)", c.Metrics.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return cserrors.NewValidationError(cserrors.OpConfig,
			fmt.Errorf("logging.format: %q is invalid (valid values: text, json)", c.Logging.Format))
	}
	switch strings.ToUpper(c.Database.JournalMode) {
	case "", "WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "OFF":
	default:
		return cserrors.NewValidationError(cserrors.OpConfig,
			fmt.Errorf("database.journal_mode: %q is invalid", c.Database.JournalMode))
	}
	if c.Database.BusyTimeout < 0 {
		return cserrors.NewValidationError(cserrors.OpConfig, fmt.Errorf("database.busy_timeout must not be negative"))
	}
	return nil
}

// Compression returns the parsed changeset compression.
func (c *Config) Compression() changeset.Compression {
	comp, _ := changeset.ParseCompression(c.Changeset.Compression)
	return comp
}

// Briefcase returns the briefcase configuration for path, falling back to
// database.path when path is empty.
func (c *Config) Briefcase(path string, logger *logging.Logger) *briefcase.Config {
	if path == "" {
		path = c.Database.Path
	}
	return &briefcase.Config{
		Path:               path,
		JournalMode:        c.Database.JournalMode,
		BusyTimeout:        c.Database.BusyTimeout,
		DisableForeignKeys: c.Database.DisableForeignKeys,
		MetaTable:          c.Database.MetaTable,
		Logger:             logger,
	}
}
