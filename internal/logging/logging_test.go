package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/dataagent/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestLoggerWritesJSONAndFile(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "relay.log")

	logger, closer := newLogger(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &stderr)
	logger.Debug().Msg("hidden")
	logger.Info().Str("run_id", "run_1").Msg("Run started")
	require.NoError(t, closer.Close())

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), `"run_id":"run_1"`)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Run started")
}
