package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNewLevels(t *testing.T) {
	log, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	_, err = New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "irrwatch.log")

	log, err := New(Config{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	log.Info().Str("target", "AS64500").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"target":"AS64500"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestWithComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "irrwatch.log")

	log, err := New(Config{File: path})
	require.NoError(t, err)

	sub := WithComponent(log, "pipeline")
	sub.Info().Msg("run started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"pipeline"`)
}
