package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://books.toscrape.com/", cfg.Crawl.BaseURL)
	assert.Equal(t, 5, cfg.HTTP.Concurrency)
	assert.Equal(t, 3, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 500, cfg.HTTP.DelayMs)
	assert.Equal(t, 360, cfg.Crawl.LeaseTTLMinutes)
	assert.Equal(t, "memory", cfg.Lock.Provider)
	assert.Equal(t, "none", cfg.Snapshots.Provider)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
crawl:
  max_pages: 10
lock:
  provider: redis
  redis_addr: redis:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Crawl.MaxPages)
	assert.Equal(t, "redis", cfg.Lock.Provider)
	assert.Equal(t, "redis:6379", cfg.Lock.RedisAddr)
	// Untouched keys keep defaults.
	assert.Equal(t, 5, cfg.Crawl.DetailConcurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BOOKWATCH_SERVER_PORT", "7070")
	t.Setenv("BOOKWATCH_HTTP_CONCURRENCY", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2, cfg.HTTP.Concurrency)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad lock provider", func(c *Config) { c.Lock.Provider = "etcd" }, "lock.provider"},
		{"gcs without bucket", func(c *Config) { c.Snapshots.Provider = "gcs" }, "gcs_bucket"},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }, "api_keys"},
		{"pubsub without topic", func(c *Config) { c.PubSub.Enabled = true }, "pubsub"},
		{"zero concurrency", func(c *Config) { c.HTTP.Concurrency = 0 }, "concurrency"},
		{"empty base url", func(c *Config) { c.Crawl.BaseURL = "" }, "base_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(&cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
