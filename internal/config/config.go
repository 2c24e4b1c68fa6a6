// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64

	// Filesystem layout. Sessions live under DataDir/sessions/<id>,
	// exported artifacts under DataDir/exports/<id>.
	DataDir string

	// Per-client limit on creating and starting migrations. A zero rate
	// disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Retention settings.
	SessionTTL           time.Duration
	HousekeepingInterval time.Duration

	// Pipeline settings.
	FallbackDatabase string // Used when a dump declares no database name.
	ComposeCommand   string // e.g. "docker compose"; split with shell quoting rules.
	ComposeFile      string

	Readiness ReadinessConfig
	Loader    LoaderConfig

	// Database settings consumed by the loader configuration. Not validated
	// at load time: missing values fail the run that needs them.
	Database DatabaseSettings

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// ReadinessConfig controls the post-provisioning health poll.
type ReadinessConfig struct {
	MaxAttempts int
	Interval    time.Duration
	Grace       time.Duration
}

// LoaderConfig tunes the data-loader command file and the output classifier.
type LoaderConfig struct {
	Workers             int
	Concurrency         int
	ExcludeTablePattern string
	FailurePatterns     []FailurePattern // Empty means the loader's default set.
}

// FailurePattern names a regular expression that marks loader output as failed.
type FailurePattern struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than silently replaced by
// defaults. If UTSUSHI_CONFIG_FILE is set, its TOML contents override the
// pipeline tuning sections.
func Load() (Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	int64Var := func(key string, def int64) int64 {
		v, err := envInt64(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                 intVar("UTSUSHI_PORT", 8080),
		ReadTimeout:          durVar("UTSUSHI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         durVar("UTSUSHI_WRITE_TIMEOUT", 30*time.Second),
		MaxUploadBytes:       int64Var("UTSUSHI_MAX_UPLOAD_BYTES", 1<<30), // 1 GiB default
		RateLimitRPS:         floatVar("UTSUSHI_RATE_LIMIT_RPS", 0.5),
		RateLimitBurst:       intVar("UTSUSHI_RATE_LIMIT_BURST", 5),
		DataDir:              envStr("UTSUSHI_DATA_DIR", "data"),
		SessionTTL:           durVar("UTSUSHI_SESSION_TTL", 24*time.Hour),
		HousekeepingInterval: durVar("UTSUSHI_HOUSEKEEPING_INTERVAL", time.Minute),
		FallbackDatabase:     envStr("UTSUSHI_FALLBACK_DATABASE", ""),
		ComposeCommand:       envStr("UTSUSHI_COMPOSE_COMMAND", "docker compose"),
		ComposeFile:          envStr("UTSUSHI_COMPOSE_FILE", filepath.Join("deploy", "compose.yaml")),
		Readiness: ReadinessConfig{
			MaxAttempts: intVar("UTSUSHI_READY_MAX_ATTEMPTS", 60),
			Interval:    durVar("UTSUSHI_READY_INTERVAL", 2*time.Second),
			Grace:       durVar("UTSUSHI_READY_GRACE", 5*time.Second),
		},
		Loader: LoaderConfig{
			Workers:             intVar("UTSUSHI_LOADER_WORKERS", 8),
			Concurrency:         intVar("UTSUSHI_LOADER_CONCURRENCY", 1),
			ExcludeTablePattern: envStr("UTSUSHI_LOADER_EXCLUDE", "~/^_/"),
		},
		Database: DatabaseSettings{
			SourceHost:     os.Getenv(EnvSourceHost),
			SourceUser:     os.Getenv(EnvSourceUser),
			SourcePassword: os.Getenv(EnvSourcePassword),
			SourcePort:     os.Getenv(EnvSourcePort),
			TargetHost:     os.Getenv(EnvTargetHost),
			TargetUser:     os.Getenv(EnvTargetUser),
			TargetPassword: os.Getenv(EnvTargetPassword),
			TargetDB:       os.Getenv(EnvTargetDB),
			TargetPort:     os.Getenv(EnvTargetPort),
		},
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: boolVar("UTSUSHI_OTEL_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "utsushi"),
		LogLevel:     envStr("UTSUSHI_LOG_LEVEL", "info"),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if path := os.Getenv("UTSUSHI_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks server-level invariants. Database settings are checked
// per run by the loader configuration stage.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: UTSUSHI_PORT must be between 1 and 65535")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: UTSUSHI_DATA_DIR is required")
	}
	if c.ComposeCommand == "" {
		return fmt.Errorf("config: UTSUSHI_COMPOSE_COMMAND is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: UTSUSHI_MAX_UPLOAD_BYTES must be positive")
	}
	if c.Readiness.MaxAttempts <= 0 {
		return fmt.Errorf("config: UTSUSHI_READY_MAX_ATTEMPTS must be positive")
	}
	if c.Readiness.Interval < 0 || c.Readiness.Grace < 0 {
		return fmt.Errorf("config: readiness durations must not be negative")
	}
	if c.Loader.Workers <= 0 || c.Loader.Concurrency <= 0 {
		return fmt.Errorf("config: loader workers and concurrency must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("config: rate limit settings must not be negative")
	}
	if c.HousekeepingInterval <= 0 {
		return fmt.Errorf("config: UTSUSHI_HOUSEKEEPING_INTERVAL must be positive")
	}
	return nil
}

// SessionsDir is the root of per-session workspaces.
func (c Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// ExportsDir is the root of per-session export artifacts.
func (c Config) ExportsDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// UploadsDir holds dumps received over HTTP before a session adopts them.
func (c Config) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
