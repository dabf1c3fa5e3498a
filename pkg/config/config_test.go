package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "http://localhost:8000", cfg.Backend.BaseURL)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout())
	require.Equal(t, 1*time.Second, cfg.ReconnectDelay())
	require.Equal(t, 60*time.Second, cfg.IdleTimeout())
	require.NotEmpty(t, cfg.Database.Path)
}

func TestStreamURLDerivedFromBase(t *testing.T) {
	cfg := Default()
	u, err := cfg.StreamURL()
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/api/chat/stream", u)

	cfg.Backend.BaseURL = "https://bridge.example.com"
	u, err = cfg.StreamURL()
	require.NoError(t, err)
	require.Equal(t, "wss://bridge.example.com/api/chat/stream", u)
}

func TestStreamURLOverride(t *testing.T) {
	cfg := Default()
	cfg.Backend.WebsocketURL = "ws://elsewhere:9000/stream"
	u, err := cfg.StreamURL()
	require.NoError(t, err)
	require.Equal(t, "ws://elsewhere:9000/stream", u)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: http://10.0.0.5:8000
connection:
  idle_timeout_seconds: 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.5:8000", cfg.Backend.BaseURL)
	require.Equal(t, 120*time.Second, cfg.IdleTimeout())
	// Untouched values keep their defaults.
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: ["), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
