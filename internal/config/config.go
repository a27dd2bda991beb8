// Package config loads agentledger settings from a file and AGENTLEDGER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: database.dsn is read
// from AGENTLEDGER_DATABASE_DSN.
const EnvPrefix = "AGENTLEDGER"

// Config is the full process configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Anchor     AnchorConfig     `mapstructure:"anchor"`
	Mint       MintConfig       `mapstructure:"mint"`
	Chains     ChainsConfig     `mapstructure:"chains"`
	Log        LogConfig        `mapstructure:"log"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`    // file path for sqlite
}

// RedisConfig enables the tip cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LedgerConfig tunes appends.
type LedgerConfig struct {
	MaxAppendAttempts int `mapstructure:"max_append_attempts"`
}

// CheckpointConfig tunes the epoch scheduler.
type CheckpointConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AnchorConfig enables S3 anchoring when Bucket is set.
type AnchorConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// MintConfig configures the mint backend client and reconciler.
type MintConfig struct {
	BackendURL    string        `mapstructure:"backend_url"`
	Token         string        `mapstructure:"token"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// ChainsConfig points at an optional chain registry override file.
type ChainsConfig struct {
	RegistryFile string `mapstructure:"registry_file"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "agentledger.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("ledger.max_append_attempts", 5)

	v.SetDefault("checkpoint.interval", time.Minute)
	v.SetDefault("checkpoint.max_attempts", 5)
	v.SetDefault("checkpoint.timeout", 30*time.Second)

	v.SetDefault("anchor.bucket", "")
	v.SetDefault("anchor.region", "us-east-1")
	v.SetDefault("anchor.endpoint", "")
	v.SetDefault("anchor.prefix", "checkpoints")

	v.SetDefault("mint.backend_url", "")
	v.SetDefault("mint.token", "")
	v.SetDefault("mint.poll_interval", 30*time.Second)
	v.SetDefault("mint.rate_per_second", 5.0)
	v.SetDefault("mint.burst", 5)
	v.SetDefault("mint.timeout", 10*time.Second)
	v.SetDefault("mint.batch_size", 100)

	v.SetDefault("chains.registry_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. With an empty path, ./agentledger.{yaml,toml,json}
// is used when present; otherwise defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("agentledger")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Ledger.MaxAppendAttempts < 1 {
		errs = append(errs, errors.New("ledger.max_append_attempts must be at least 1"))
	}
	if c.Checkpoint.Interval <= 0 {
		errs = append(errs, errors.New("checkpoint.interval must be positive"))
	}
	if c.Checkpoint.MaxAttempts < 1 {
		errs = append(errs, errors.New("checkpoint.max_attempts must be at least 1"))
	}
	if c.Mint.PollInterval <= 0 {
		errs = append(errs, errors.New("mint.poll_interval must be positive"))
	}
	if c.Mint.RatePerSecond <= 0 {
		errs = append(errs, errors.New("mint.rate_per_second must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds a logger writing to w. verbose forces debug level.
func (c LogConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
