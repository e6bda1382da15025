package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
irr_sources:
  - RADB
  - RIPE
targets:
  - AS64500
  - AS-EXAMPLE
database:
  path: /var/lib/irrwatch/db
ticketing:
  base_url: https://abc.example.com/api/v1
  api_token: tok-123
diff:
  lookback_hours: 48
run_all:
  workers: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"RADB", "RIPE"}, cfg.IRRSources)
	assert.Equal(t, []string{"AS64500", "AS-EXAMPLE"}, cfg.Targets)
	assert.Equal(t, "/var/lib/irrwatch/db", cfg.Database.Path)
	assert.Equal(t, "https://abc.example.com/api/v1", cfg.Ticketing.BaseURL)
	assert.Equal(t, 48, cfg.Diff.LookbackHours)
	assert.Equal(t, 4, cfg.RunAll.Workers)

	// Untouched sections keep their defaults.
	assert.Equal(t, "irr", cfg.Fetch.Strategy)
	assert.Equal(t, 60, cfg.Fetch.TimeoutSeconds)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("IRR_DB_PATH", "/tmp/env.db")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path, "env overrides apply without a file")
	assert.Equal(t, "irr", cfg.Fetch.Strategy)

	path := writeConfig(t, "targets: [AS64500]")
	cfg, err = LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AS64500"}, cfg.Targets)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_ABC_TOKEN", "expanded-token")

	path := writeConfig(t, `
ticketing:
  api_token: ${TEST_ABC_TOKEN}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-token", cfg.Ticketing.APIToken)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IRR_DB_PATH", "/tmp/override.db")
	t.Setenv("ABC_BASE_URL", "https://override.example.com")
	t.Setenv("IRR_LOG_LEVEL", "debug")

	path := writeConfig(t, `
database:
  path: /from/file.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, "https://override.example.com", cfg.Ticketing.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsUnknownSource(t *testing.T) {
	cfg := Default()
	cfg.IRRSources = []string{"RADB", "LEVEL3"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown IRR source "LEVEL3"`)
}

func TestValidateSourceCaseInsensitive(t *testing.T) {
	cfg := Default()
	cfg.IRRSources = []string{"radb", "ripe"}

	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsEmptySources(t *testing.T) {
	cfg := Default()
	cfg.IRRSources = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one IRR source")
}

func TestValidateStrategy(t *testing.T) {
	cfg := Default()
	cfg.Fetch.Strategy = "carrier-pigeon"
	assert.ErrorContains(t, cfg.Validate(), "unknown fetch strategy")

	cfg = Default()
	cfg.Fetch.Strategy = "proxy"
	assert.ErrorContains(t, cfg.Validate(), "api_url is required")

	cfg.APIURL = "https://irr-api.example.com"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Fetch.Strategy = "bgpq4"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Fetch.TimeoutSeconds = 0
	cfg.Diff.LookbackHours = -1
	cfg.Database.Path = ""
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch.timeout_seconds")
	assert.Contains(t, err.Error(), "diff.lookback_hours")
	assert.Contains(t, err.Error(), "database.path")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "targets: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidConfigFails(t *testing.T) {
	path := writeConfig(t, `
irr_sources:
  - NOTREAL
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown IRR source")
}
