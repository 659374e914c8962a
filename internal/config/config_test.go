package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into an empty directory so no stray config.yaml is picked up.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "http://localhost:8065", cfg.Agent.BaseURL)
	assert.Equal(t, 0, cfg.Agent.DecodeErrorLimit)
	assert.Equal(t, 30*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATAAGENT_HTTP_PORT", "9090")
	t.Setenv("DATAAGENT_AGENT_BASE_URL", "http://agent:8065")
	t.Setenv("DATAAGENT_AGENT_DECODE_ERROR_LIMIT", "3")
	t.Setenv("DATAAGENT_WS_PING_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "http://agent:8065", cfg.Agent.BaseURL)
	assert.Equal(t, 3, cfg.Agent.DecodeErrorLimit)
	assert.Equal(t, 5*time.Second, cfg.WS.PingInterval)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := "http:\n  port: 7070\nlog:\n  level: debug\n  pretty: true\ndatabase:\n  url: \":memory:\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, ":memory:", cfg.Database.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATAAGENT_WS_PING_INTERVAL", "2m")

	_, err := Load()
	assert.Error(t, err)
}
