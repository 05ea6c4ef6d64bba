// Package config loads the extractor configuration from a config file and
// ZAMMAD_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/logging"
	"github.com/Sternrassler/zammad-extract/pkg/state"
	"github.com/Sternrassler/zammad-extract/pkg/stream"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys.
// Nested keys use underscores, e.g. ZAMMAD_STATE_BACKEND.
const EnvPrefix = "ZAMMAD"

// ErrInvalidConfig is wrapped by all validation errors.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full extractor configuration.
type Config struct {
	APIBaseURL     string         `mapstructure:"api_base_url"`
	AuthToken      string         `mapstructure:"auth_token"`
	StartDate      string         `mapstructure:"start_date"`
	UserAgent      string         `mapstructure:"user_agent"`
	Streams        []string       `mapstructure:"streams"`
	PageSizes      map[string]int `mapstructure:"page_sizes"`
	MaxRetries     int            `mapstructure:"max_retries"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	MetricsAddr    string         `mapstructure:"metrics_addr"`

	State     StateConfig     `mapstructure:"state"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// StateConfig selects the checkpoint store.
type StateConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// RateLimitConfig configures the 429 cooldown tracker. With a Redis URL the
// cooldown is shared by all extractors using the same Redis.
type RateLimitConfig struct {
	RedisURL string `mapstructure:"redis_url"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("api_base_url", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("start_date", "")
	v.SetDefault("user_agent", "zammad-extract/1.0")
	v.SetDefault("streams", []string{})
	v.SetDefault("page_sizes", map[string]int{})
	v.SetDefault("max_retries", 4)
	v.SetDefault("request_timeout", 300*time.Second)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("state.backend", state.BackendFile)
	v.SetDefault("state.path", "state.json")
	v.SetDefault("state.redis_url", "")
	v.SetDefault("state.redis_prefix", state.DefaultRedisPrefix)
	v.SetDefault("rate_limit.redis_url", "")
	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (JSON, YAML or TOML by extension) if given, applies
// environment overrides and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("%w: api_base_url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api_base_url must be an http(s) url (got %q)", ErrInvalidConfig, c.APIBaseURL)
	}
	if c.AuthToken == "" {
		return fmt.Errorf("%w: auth_token is required", ErrInvalidConfig)
	}
	if _, err := c.ParsedStartDate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0 (got %d)", ErrInvalidConfig, c.MaxRetries)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request_timeout must be >= 0 (got %s)", ErrInvalidConfig, c.RequestTimeout)
	}
	if !logging.ValidLevel(logging.LogLevel(c.Log.Level)) {
		return fmt.Errorf("%w: unknown log.level %q", ErrInvalidConfig, c.Log.Level)
	}

	switch c.State.Backend {
	case state.BackendFile:
		if c.State.Path == "" {
			return fmt.Errorf("%w: state.path is required for the file backend", ErrInvalidConfig)
		}
	case state.BackendRedis:
		if c.State.RedisURL == "" {
			return fmt.Errorf("%w: state.redis_url is required for the redis backend", ErrInvalidConfig)
		}
	case state.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown state.backend %q", ErrInvalidConfig, c.State.Backend)
	}

	if _, err := c.Definitions(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ParsedStartDate returns start_date as a UTC time. Both RFC 3339 timestamps
// and plain dates are accepted. An empty value returns the zero time.
func (c *Config) ParsedStartDate() (time.Time, error) {
	if c.StartDate == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, c.StartDate); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", c.StartDate); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("start_date %q is neither RFC 3339 nor YYYY-MM-DD", c.StartDate)
}

// Definitions returns the selected record types with page size overrides
// applied.
func (c *Config) Definitions() ([]stream.Definition, error) {
	defs, err := stream.Select(c.Streams)
	if err != nil {
		return nil, err
	}

	for name := range c.PageSizes {
		if _, err := stream.Lookup(name); err != nil {
			return nil, fmt.Errorf("page_sizes: %w", err)
		}
	}

	for i, d := range defs {
		if size, ok := c.PageSizes[d.Name]; ok {
			defs[i] = d.WithPageSize(size)
		}
		if err := defs[i].Validate(); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// StateStore returns the checkpoint store configuration.
func (c *Config) StateStore() state.Config {
	return state.Config{
		Backend:     c.State.Backend,
		Path:        c.State.Path,
		RedisURL:    c.State.RedisURL,
		RedisPrefix: c.State.RedisPrefix,
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
