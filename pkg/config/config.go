// Package config loads irrwatch configuration from YAML with ${VAR}
// environment interpolation and environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"irrwatch/pkg/irr"
	"irrwatch/pkg/logger"
)

// Config is the main configuration container.
type Config struct {
	IRRSources []string        `yaml:"irr_sources"`
	Targets    []string        `yaml:"targets"`
	APIURL     string          `yaml:"api_url"` // when set, fetches are proxied through a deployed irrwatch-api
	Fetch      FetchConfig     `yaml:"fetch"`
	Bgpq4      Bgpq4Config     `yaml:"bgpq4"`
	Database   DatabaseConfig  `yaml:"database"`
	Ticketing  TicketingConfig `yaml:"ticketing"`
	Logging    logger.Config   `yaml:"logging"`
	Diff       DiffConfig      `yaml:"diff"`
	RunAll     RunAllConfig    `yaml:"run_all"`
}

// FetchConfig configures the multi-source IRR client.
type FetchConfig struct {
	Strategy       string  `yaml:"strategy"` // irr (default), bgpq4, or proxy
	RESTBaseURL    string  `yaml:"rest_base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
	RateLimit      float64 `yaml:"rate_limit"`
}

// Bgpq4Config configures the bgpq4 subprocess strategy.
type Bgpq4Config struct {
	Command        []string `yaml:"command"`
	Source         string   `yaml:"source"`
	Aggregate      bool     `yaml:"aggregate"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// DatabaseConfig locates the snapshot store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TicketingConfig configures the downstream ticketing API.
type TicketingConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// DiffConfig tunes baseline selection.
type DiffConfig struct {
	// LookbackHours defines how far back to search for a diff baseline.
	// Snapshots newer than now-lookback are skipped so short-lived
	// flapping settles before it is reported.
	LookbackHours int `yaml:"lookback_hours"`
}

// RunAllConfig tunes batch mode.
type RunAllConfig struct {
	Workers int `yaml:"workers"` // concurrent targets (1 = sequential)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		IRRSources: []string{"RADB", "RIPE", "NTTCOM"},
		Fetch: FetchConfig{
			Strategy:       "irr",
			RESTBaseURL:    "https://rest.db.ripe.net",
			TimeoutSeconds: 60,
			MaxRetries:     3,
		},
		Bgpq4: Bgpq4Config{
			Command:        []string{"bgpq4"},
			Source:         "RADB",
			Aggregate:      true,
			TimeoutSeconds: 120,
		},
		Database: DatabaseConfig{
			Path: "./data/irrwatch.db",
		},
		Ticketing: TicketingConfig{
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Diff: DiffConfig{
			LookbackHours: 24,
		},
		RunAll: RunAllConfig{
			Workers: 1,
		},
	}
}

// Load reads path, expands ${VAR} references, applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load, but a missing file falls back to the
// built-in defaults (still applying environment overrides). Used by the
// CLIs so a bare invocation works without a config file.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IRR_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("IRR_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ABC_BASE_URL"); v != "" {
		c.Ticketing.BaseURL = v
	}
	if v := os.Getenv("ABC_TOKEN"); v != "" {
		c.Ticketing.APIToken = v
	}
	if v := os.Getenv("IRR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("IRR_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks required fields and rejects unknown IRR source names.
// Unknown names fail here rather than falling through to a mirror query.
func (c Config) Validate() error {
	var errs []string

	if len(c.IRRSources) == 0 {
		errs = append(errs, "at least one IRR source must be configured")
	}
	for _, source := range c.IRRSources {
		if !irr.ValidSources[strings.ToUpper(source)] {
			errs = append(errs, fmt.Sprintf("unknown IRR source %q", source))
		}
	}

	switch c.Fetch.Strategy {
	case "", "irr", "bgpq4", "proxy":
	default:
		errs = append(errs, fmt.Sprintf("unknown fetch strategy %q (want irr, bgpq4, or proxy)", c.Fetch.Strategy))
	}
	if c.Fetch.Strategy == "proxy" && c.APIURL == "" {
		errs = append(errs, "api_url is required when fetch.strategy is proxy")
	}

	if c.Fetch.TimeoutSeconds <= 0 {
		errs = append(errs, "fetch.timeout_seconds must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, "fetch.max_retries must be non-negative")
	}
	if c.Ticketing.TimeoutSeconds <= 0 {
		errs = append(errs, "ticketing.timeout_seconds must be positive")
	}
	if c.Ticketing.MaxRetries < 0 {
		errs = append(errs, "ticketing.max_retries must be non-negative")
	}
	if c.Diff.LookbackHours <= 0 {
		errs = append(errs, "diff.lookback_hours must be positive")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
