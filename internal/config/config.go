// Package config loads validator configuration from a YAML file and
// INCENTIVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atmx/incentive-engine/internal/model"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Validator ValidatorConfig `mapstructure:"validator"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Vote      VoteConfig      `mapstructure:"vote"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
}

type ValidatorConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Budget         int           `mapstructure:"budget"`
	DefaultWeight  int           `mapstructure:"default_weight"`
	MinCheckpoints int           `mapstructure:"min_checkpoints"`
}

type FeedConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

type VoteConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type IdentityConfig struct {
	// Hex secp256k1 key. Empty generates an ephemeral key (development only).
	PrivateKey string `mapstructure:"private_key"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // file | postgres | memory
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type ScheduleConfig struct {
	Protection  string `mapstructure:"protection"`
	Inactivity  string `mapstructure:"inactivity"`
	CopyTrading string `mapstructure:"copy_trading"`
	Drawdown    string `mapstructure:"drawdown"`
	ROI         string `mapstructure:"roi"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TokensConfig struct {
	Default []string `mapstructure:"default"`
	Main    []string `mapstructure:"main"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("validator.interval", "10m")
	v.SetDefault("validator.budget", 1000)
	v.SetDefault("validator.default_weight", 1)
	v.SetDefault("validator.min_checkpoints", 3)

	v.SetDefault("feed.base_url", "http://localhost:9000/api/")
	v.SetDefault("feed.timeout", "25s")
	v.SetDefault("feed.retries", 3)
	v.SetDefault("feed.retry_backoff", "2s")
	v.SetDefault("feed.rate_per_second", 5)

	v.SetDefault("vote.url", "http://localhost:9100")
	v.SetDefault("vote.timeout", "30s")
	v.SetDefault("vote.retries", 3)
	v.SetDefault("vote.retry_backoff", "5s")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", "./data")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("schedule.protection", "@every 5m")
	v.SetDefault("schedule.inactivity", "@every 24h")
	v.SetDefault("schedule.copy_trading", "@every 24h")
	v.SetDefault("schedule.drawdown", "@every 24h")
	v.SetDefault("schedule.roi", "@every 24h")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("tokens.default", model.DefaultTokens)
	v.SetDefault("tokens.main", model.MainTokens)
}

// Load reads configuration. An empty path searches ./config.yaml and
// ./configs/config.yaml; a missing file falls back to defaults and env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// e.g. INCENTIVE_FEED_BASE_URL
	v.SetEnvPrefix("incentive")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		slog.Info("no config file found, using defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch {
	case c.Validator.Interval <= 0:
		return fmt.Errorf("%w: validator.interval must be positive", ErrInvalid)
	case c.Validator.Budget <= 0:
		return fmt.Errorf("%w: validator.budget must be positive", ErrInvalid)
	case c.Validator.DefaultWeight < 0:
		return fmt.Errorf("%w: validator.default_weight must not be negative", ErrInvalid)
	case c.Feed.BaseURL == "":
		return fmt.Errorf("%w: feed.base_url is required", ErrInvalid)
	case len(c.Tokens.Default) == 0:
		return fmt.Errorf("%w: tokens.default is empty", ErrInvalid)
	}
	switch c.Store.Driver {
	case "file", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalid, c.Store.Driver)
	}
	return nil
}

// SlogLevel maps log.level onto slog.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
