package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 8000, cfg.Port)
	require.Equal(t, "gateway", cfg.AuthMode)
	require.Equal(t, 15.0, cfg.FirstTokenTimeout)
	require.Equal(t, 300.0, cfg.StreamingReadTimeout)
	require.Equal(t, 3, cfg.FirstTokenMaxRetries)
	require.Equal(t, 19876, cfg.OAuth.CallbackPortStart)
	require.Equal(t, 19880, cfg.OAuth.CallbackPortEnd)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9100
auth-mode: per_request
first-token-timeout: 2.5
kiro-region: eu-west-1
models:
  - custom-model
oauth:
  callback-port-start: 21000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, "per_request", cfg.AuthMode)
	require.Equal(t, "eu-west-1", cfg.KiroRegion)
	require.Equal(t, 2500*time.Millisecond, cfg.FirstTokenTimeoutDuration())
	require.Equal(t, []string{"custom-model"}, cfg.Models())
	require.Equal(t, 21000, cfg.OAuth.CallbackPortStart)
	// Untouched fields keep their defaults.
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 19880, cfg.OAuth.CallbackPortEnd)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not an int"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("proxy-api-key: from-yaml\n"), 0o600))

	t.Setenv("PROXY_API_KEY", "from-env")
	t.Setenv("DATABASE_URL", "postgres://db.example.test/gw")
	t.Setenv("REFRESH_TOKEN", "rt-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.ProxyAPIKey)
	require.Equal(t, "postgres://db.example.test/gw", cfg.DatabaseURL)
	require.Equal(t, "rt-env", cfg.RefreshToken)
}

func TestModelsDefault(t *testing.T) {
	cfg := defaults()
	require.Equal(t, DefaultModels, cfg.Models())
	require.Contains(t, cfg.Models(), "claude-sonnet-4-5")
}

func TestWatchReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o600))

	updates := make(chan *Config, 4)
	stop, err := Watch(path, func(cfg *Config) { updates <- cfg })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("port: 9001\n"), 0o600))

	select {
	case cfg := <-updates:
		require.Equal(t, 9001, cfg.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatchSkipsInvalidUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o600))

	updates := make(chan *Config, 4)
	stop, err := Watch(path, func(cfg *Config) { updates <- cfg })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("port: [broken\n"), 0o600))

	select {
	case cfg := <-updates:
		t.Fatalf("invalid config must not be delivered, got port %d", cfg.Port)
	case <-time.After(500 * time.Millisecond):
	}
}
