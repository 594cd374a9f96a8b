package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "0.0.0.0:8787", cfg.Server.Addr)
	require.Equal(t, 5*time.Minute, cfg.Proxy.FreshnessWindow)
	require.Equal(t, 24*time.Hour, cfg.Proxy.UntimedReplayTTL)
	require.Equal(t, 40.0, cfg.RateLimit.Capacity)
	require.Equal(t, 50, cfg.Conversation.MaxHistory)
	require.Equal(t, 10, cfg.Conversation.PromptTurns)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, "none", cfg.Durable.Backend)
	require.True(t, cfg.LLM.Streaming)
	require.Contains(t, cfg.Catalog.Keywords, "ring")
	require.NotEmpty(t, cfg.Conversation.SystemPrompt)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STOREFRONT_PROXY_SHARED_SECRET", "s3cr3t")
	t.Setenv("STOREFRONT_RATELIMIT_CAPACITY", "10")
	t.Setenv("STOREFRONT_PROXY_FRESHNESS_WINDOW", "90s")
	t.Setenv("STOREFRONT_CATALOG_KEYWORDS", "watch,strap")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", cfg.Proxy.SharedSecret)
	require.Equal(t, 10.0, cfg.RateLimit.Capacity)
	require.Equal(t, 90*time.Second, cfg.Proxy.FreshnessWindow)
	require.Equal(t, []string{"watch", "strap"}, cfg.Catalog.Keywords)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
durable:
  backend: sqlite
  sqlite_path: /tmp/conv.db
conversation:
  max_history: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "sqlite", cfg.Durable.Backend)
	require.Equal(t, 8, cfg.Conversation.MaxHistory)
}

func TestStoreConfig_Shared(t *testing.T) {
	require.False(t, StoreConfig{Backend: "memory"}.Shared())
	require.False(t, StoreConfig{Backend: "badger"}.Shared())
	require.True(t, StoreConfig{Backend: "dynamodb", Table: "state"}.Shared())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"capacity", func(c *Config) { c.RateLimit.Capacity = 0 }, "capacity"},
		{"refill", func(c *Config) { c.RateLimit.RefillPerSecond = -1 }, "refill"},
		{"history", func(c *Config) { c.Conversation.MaxHistory = 0 }, "max_history"},
		{"window", func(c *Config) { c.Proxy.FreshnessWindow = 0 }, "freshness_window"},
		{"store", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"store table", func(c *Config) { c.Store.Backend = "dynamodb" }, "store.table"},
		{"durable", func(c *Config) { c.Durable.Backend = "postgres" }, "durable.backend"},
		{"dynamo table", func(c *Config) { c.Durable.Backend = "dynamodb" }, "durable.table"},
		{"replay table", func(c *Config) { c.Proxy.ReplayBackend = "dynamodb" }, "replay_table"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
