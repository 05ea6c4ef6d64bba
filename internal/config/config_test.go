package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/zammad-extract/pkg/logging"
	"github.com/Sternrassler/zammad-extract/pkg/state"
	"github.com/Sternrassler/zammad-extract/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() Config {
	return Config{
		APIBaseURL: "https://support.example.com/api/v1",
		AuthToken:  "secret",
		UserAgent:  "zammad-extract/1.0",
		MaxRetries: 4,
		State:      StateConfig{Backend: state.BackendFile, Path: "state.json"},
		Log:        LogConfig{Level: "info"},
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
api_base_url: https://support.example.com/api/v1
auth_token: secret
start_date: "2024-01-15"
streams: [tickets, users]
page_sizes:
  tickets: 100
request_timeout: 30s
state:
  backend: redis
  redis_url: redis://localhost:6379/2
log:
  level: debug
  pretty: true
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "https://support.example.com/api/v1", cfg.APIBaseURL)
	assert.Equal(t, []string{"tickets", "users"}, cfg.Streams)
	assert.Equal(t, 100, cfg.PageSizes["tickets"])
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, state.BackendRedis, cfg.State.Backend)
	assert.Equal(t, state.DefaultRedisPrefix, cfg.State.RedisPrefix)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, "zammad-extract/1.0", cfg.UserAgent)

	start, err := cfg.ParsedStartDate()
	require.NoError(t, err)
	assert.True(t, start.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))

	lc := cfg.Logging()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.Pretty)
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"api_base_url": "http://localhost:8080/api/v1",
		"auth_token": "secret",
		"state": {"backend": "memory"}
	}`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, state.BackendMemory, cfg.StateStore().Backend)
	assert.Equal(t, 300*time.Second, cfg.RequestTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
api_base_url: https://support.example.com/api/v1
auth_token: from-file
`)
	t.Setenv("ZAMMAD_AUTH_TOKEN", "from-env")
	t.Setenv("ZAMMAD_STATE_PATH", "/var/lib/zammad/state.json")
	t.Setenv("ZAMMAD_STREAMS", "groups,users")
	t.Setenv("ZAMMAD_MAX_RETRIES", "7")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.AuthToken)
	assert.Equal(t, "/var/lib/zammad/state.json", cfg.State.Path)
	assert.Equal(t, []string{"groups", "users"}, cfg.Streams)
	assert.Equal(t, 7, cfg.MaxRetries)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("ZAMMAD_API_BASE_URL", "https://support.example.com/api/v1")
	t.Setenv("ZAMMAD_AUTH_TOKEN", "secret")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, state.BackendFile, cfg.State.Backend)
	assert.Equal(t, "state.json", cfg.State.Path)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "config.yaml", "auth_token: secret\n")
	_, err = Load(New(), path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing base url", func(c *Config) { c.APIBaseURL = "" }},
		{"base url without scheme", func(c *Config) { c.APIBaseURL = "support.example.com" }},
		{"ftp base url", func(c *Config) { c.APIBaseURL = "ftp://support.example.com" }},
		{"missing token", func(c *Config) { c.AuthToken = "" }},
		{"bad start date", func(c *Config) { c.StartDate = "15.01.2024" }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown backend", func(c *Config) { c.State.Backend = "sqlite" }},
		{"file backend without path", func(c *Config) { c.State.Path = "" }},
		{"redis backend without url", func(c *Config) { c.State.Backend = state.BackendRedis }},
		{"unknown stream", func(c *Config) { c.Streams = []string{"invoices"} }},
		{"page size for unknown stream", func(c *Config) { c.PageSizes = map[string]int{"invoices": 10} }},
		{"page size above result cap", func(c *Config) { c.PageSizes = map[string]int{"tickets": 20000} }},
		{"zero page size", func(c *Config) { c.PageSizes = map[string]int{"users": 0} }},
		{"page size not dividing result cap", func(c *Config) { c.PageSizes = map[string]int{"tickets": 300} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), err.Error())
		})
	}

	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestParsedStartDate(t *testing.T) {
	cfg := validConfig()

	got, err := cfg.ParsedStartDate()
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	cfg.StartDate = "2024-03-05T10:30:00+02:00"
	got, err = cfg.ParsedStartDate()
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC)))
	assert.Equal(t, time.UTC, got.Location())
}

func TestDefinitions(t *testing.T) {
	cfg := validConfig()
	cfg.Streams = []string{stream.Tags}
	cfg.PageSizes = map[string]int{stream.Tickets: 50}

	defs, err := cfg.Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, stream.Tickets, defs[0].Name)
	assert.Equal(t, 50, defs[0].PageSize)
	assert.Equal(t, stream.Tags, defs[1].Name)
}
