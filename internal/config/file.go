package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the optional TOML overlay for pipeline tuning. Zero values
// leave the environment-derived settings untouched.
//
//	[readiness]
//	max_attempts = 90
//	interval = "1s"
//	grace = "10s"
//
//	[loader]
//	workers = 4
//	exclude_table_pattern = "~/^tmp_/"
//
//	[[loader.failure_patterns]]
//	name = "connection refused"
//	pattern = "(?i)connection refused"
type fileConfig struct {
	FallbackDatabase string `toml:"fallback_database"`

	Readiness struct {
		MaxAttempts int    `toml:"max_attempts"`
		Interval    string `toml:"interval"`
		Grace       string `toml:"grace"`
	} `toml:"readiness"`

	Loader struct {
		Workers             int              `toml:"workers"`
		Concurrency         int              `toml:"concurrency"`
		ExcludeTablePattern string           `toml:"exclude_table_pattern"`
		FailurePatterns     []FailurePattern `toml:"failure_patterns"`
	} `toml:"loader"`
}

// applyFile overlays the TOML file at path onto c.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.FallbackDatabase != "" {
		c.FallbackDatabase = fc.FallbackDatabase
	}
	if fc.Readiness.MaxAttempts != 0 {
		c.Readiness.MaxAttempts = fc.Readiness.MaxAttempts
	}
	if fc.Readiness.Interval != "" {
		d, err := time.ParseDuration(fc.Readiness.Interval)
		if err != nil {
			return fmt.Errorf("config: readiness.interval: %w", err)
		}
		c.Readiness.Interval = d
	}
	if fc.Readiness.Grace != "" {
		d, err := time.ParseDuration(fc.Readiness.Grace)
		if err != nil {
			return fmt.Errorf("config: readiness.grace: %w", err)
		}
		c.Readiness.Grace = d
	}
	if fc.Loader.Workers != 0 {
		c.Loader.Workers = fc.Loader.Workers
	}
	if fc.Loader.Concurrency != 0 {
		c.Loader.Concurrency = fc.Loader.Concurrency
	}
	if fc.Loader.ExcludeTablePattern != "" {
		c.Loader.ExcludeTablePattern = fc.Loader.ExcludeTablePattern
	}
	for i, p := range fc.Loader.FailurePatterns {
		if p.Pattern == "" {
			return fmt.Errorf("config: loader.failure_patterns[%d]: pattern is required", i)
		}
	}
	if len(fc.Loader.FailurePatterns) > 0 {
		c.Loader.FailurePatterns = fc.Loader.FailurePatterns
	}
	return nil
}
