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
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
[logging]
output = "stdout"
level = "debug"

[database]
host = "db.example"
port = 5432
user = "xrelay"
password = "secret"
name = "xrelay_db"

[pool]
failure_threshold = 5
retention = "7d"

[sources]
refresh_interval = "5m"

[[sources.feed]]
name = "primary"
url = "https://feeds.example/list.txt"
format = "plain"

[[sources.feed]]
name = "secondary"
url = "https://feeds.example/list.json"
format = "json"
timeout = "30s"

[dispatch]
max_attempts = 2
use_fallback = false

[http_api]
enabled = true
addr = ":9000"
api_key = "hunter2"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, Load(path, &cfg))

	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.True(t, cfg.Database.IsConfigured())
	assert.Equal(t, "db.example", cfg.Database.Host)

	assert.Equal(t, 5, cfg.Pool.GetFailureThreshold())
	retention, err := cfg.Pool.GetRetention()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, retention)

	require.Len(t, cfg.Sources.Feeds, 2)
	assert.Equal(t, "primary", cfg.Sources.Feeds[0].Name)
	timeout, err := cfg.Sources.Feeds[1].GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	assert.Equal(t, 2, cfg.Dispatch.GetMaxAttempts())
	assert.False(t, cfg.Dispatch.GetUseFallback())
	assert.Equal(t, ":9000", cfg.HTTPAPI.Addr)
	assert.Equal(t, "hunter2", cfg.HTTPAPI.APIKey)
}

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Database.IsConfigured())
	assert.Equal(t, 10, cfg.Pool.GetFailureThreshold())
	assert.Equal(t, 5, cfg.Pool.GetMinAvailableDurable())
	assert.Equal(t, 3, cfg.Pool.GetMinAvailableMemory())

	retention, err := cfg.Pool.GetRetention()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, retention)

	sweep, err := cfg.Pool.GetSweepInterval()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, sweep)

	probeTimeout, err := cfg.Validator.GetProbeTimeout()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, probeTimeout)
	assert.Equal(t, 10, cfg.Validator.GetMaxConcurrency())
	assert.Equal(t, 5, cfg.Validator.GetMinSuccesses())

	assert.Equal(t, 3, cfg.Dispatch.GetMaxAttempts())
	assert.Equal(t, 5, cfg.Dispatch.GetBatchSize())
	assert.True(t, cfg.Dispatch.GetUseFallback(), "fallback defaults to enabled")

	attemptTimeout, err := cfg.Dispatch.GetAttemptTimeout()
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, attemptTimeout)
}

func TestValidateRejectsFeedWithoutName(t *testing.T) {
	path := writeConfig(t, `
[[sources.feed]]
url = "https://feeds.example/list.txt"
`)
	cfg := NewDefaultConfig()
	err := Load(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestValidateRejectsFeedWithoutURL(t *testing.T) {
	path := writeConfig(t, `
[[sources.feed]]
name = "broken"
`)
	cfg := NewDefaultConfig()
	err := Load(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")
}

func TestValidateRejectsUnknownFeedFormat(t *testing.T) {
	path := writeConfig(t, `
[[sources.feed]]
name = "broken"
url = "https://feeds.example/list.xml"
format = "xml"
`)
	cfg := NewDefaultConfig()
	err := Load(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[pool]
retention = "not-a-duration"
`)
	cfg := NewDefaultConfig()
	assert.Error(t, Load(path, &cfg))
}

func TestValidateRejectsTLSWithoutCerts(t *testing.T) {
	path := writeConfig(t, `
[http_api]
enabled = true
tls = true
`)
	cfg := NewDefaultConfig()
	err := Load(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert_file")
}

func TestLoadMissingFile(t *testing.T) {
	cfg := NewDefaultConfig()
	err := Load(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	assert.True(t, os.IsNotExist(err))
}
