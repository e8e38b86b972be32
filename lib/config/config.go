// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/pydantic/logfire-sub001/lib/exporter"
	"github.com/pydantic/logfire-sub001/lib/level"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Environment variables read by Load.
const (
	EnvConfig      = "LOGFIRE_CONFIG"
	EnvToken       = "LOGFIRE_TOKEN"
	EnvBaseURL     = "LOGFIRE_BASE_URL"
	EnvEnvironment = "LOGFIRE_ENVIRONMENT"
)

// DefaultBaseURL is the ingest endpoint used when none is configured.
const DefaultBaseURL = "https://logfire-api.pydantic.dev"

// Config is the complete configuration of the tracing pipeline.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Export   ExportConfig   `yaml:"export"`
	Retry    RetryConfig    `yaml:"retry"`
	Sampling SamplingConfig `yaml:"sampling"`

	// Per-environment overrides. Each holds a partial retry and/or
	// sampling section; only the keys present in the file replace
	// base values.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides holds the raw override sections. They are kept as
// YAML nodes and decoded over the base sections, so a key that is
// absent from the override (including a false boolean) leaves the base
// value alone.
type ConfigOverrides struct {
	Retry    yaml.Node `yaml:"retry,omitempty"`
	Sampling yaml.Node `yaml:"sampling,omitempty"`
}

// ExportConfig configures the HTTP sender.
type ExportConfig struct {
	// BaseURL is the ingest endpoint, e.g. https://logfire-api.pydantic.dev.
	BaseURL string `yaml:"base_url"`

	// Token is sent as a bearer token. Prefer LOGFIRE_TOKEN over
	// writing it into the file.
	Token string `yaml:"token"`

	// TracesPath is appended to BaseURL. Default: /v1/traces
	TracesPath string `yaml:"traces_path"`

	// Timeout bounds a single HTTP request. Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Gzip compresses request bodies.
	Gzip bool `yaml:"gzip"`
}

// RetryConfig configures the retrying exporter and its spool.
type RetryConfig struct {
	// ImmediateDelay separates the first attempt from the synchronous
	// retry. Default: 1s
	ImmediateDelay time.Duration `yaml:"immediate_delay"`

	// InitialInterval is the first backoff of a spooled payload.
	// Default: 1s
	InitialInterval time.Duration `yaml:"initial_interval"`

	// MaxInterval caps the doubling backoff. Default: 128s
	MaxInterval time.Duration `yaml:"max_interval"`

	// Jitter is the proportional jitter of each backoff, in [0, 1].
	// Default: 0.5
	Jitter float64 `yaml:"jitter"`

	// MaxBytes caps the uncompressed size of the spool. Default: 512 MiB
	MaxBytes int64 `yaml:"max_bytes"`

	// LogInterval spaces the backlog and drop warnings. Default: 60s
	LogInterval time.Duration `yaml:"log_interval"`

	// SpoolDir persists failed payloads across restarts. Empty uses a
	// temporary directory removed at shutdown.
	SpoolDir string `yaml:"spool_dir"`

	// Compression is "zstd", "lz4", or "none". Default: zstd
	Compression string `yaml:"compression"`
}

// SamplingConfig configures tail sampling.
type SamplingConfig struct {
	// Enabled inserts the tail-sampling processor. When false every
	// span is exported.
	Enabled bool `yaml:"enabled"`

	// Level keeps a trace once any span reaches it. Empty disables
	// the level check. Default: notice
	Level string `yaml:"level"`

	// Duration keeps a trace once it has run longer than this. Zero
	// disables the duration check. Default: 5s
	Duration time.Duration `yaml:"duration"`

	// BackgroundRate is the keep probability of traces crossing
	// neither threshold.
	BackgroundRate float64 `yaml:"background_rate"`

	// HeadRate is applied by trace id before tail sampling.
	// Default: 1
	HeadRate float64 `yaml:"head_rate"`

	// Shards is the number of independently locked buffer maps.
	// Default: 32
	Shards int `yaml:"shards"`

	// DecisionCacheSize bounds the resolved-decision cache.
	// Default: 65536
	DecisionCacheSize int `yaml:"decision_cache_size"`

	// MaxPendingAge drops traces left undecided for longer than this.
	// Zero keeps them until decided.
	MaxPendingAge time.Duration `yaml:"max_pending_age"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		Export: ExportConfig{
			BaseURL:    DefaultBaseURL,
			TracesPath: exporter.DefaultTracesPath,
			Timeout:    10 * time.Second,
		},
		Retry: RetryConfig{
			ImmediateDelay:  exporter.DefaultImmediateRetryDelay,
			InitialInterval: exporter.DefaultInitialInterval,
			MaxInterval:     exporter.DefaultMaxInterval,
			Jitter:          exporter.DefaultJitterFraction,
			MaxBytes:        exporter.DefaultMaxSpoolBytes,
			LogInterval:     exporter.DefaultLogInterval,
			Compression:     exporter.CompressionZstd.String(),
		},
		Sampling: SamplingConfig{
			Level:             level.Notice.String(),
			Duration:          5 * time.Second,
			HeadRate:          1,
			Shards:            32,
			DecisionCacheSize: 65536,
		},
	}
}

// Load builds the configuration from the file named by LOGFIRE_CONFIG,
// or from the defaults when it is unset, then applies the environment
// variables.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from a YAML (.yaml, .yml) or JSON with
// comments (.json, .jsonc) file, merged over the defaults.
//
// After parsing, the override section for the active environment is
// applied, ${VAR} and ${VAR:-default} references in string fields are
// expanded, and finally LOGFIRE_TOKEN and LOGFIRE_BASE_URL replace the
// file's values when set. LOGFIRE_ENVIRONMENT replaces the file's
// environment before the override section is chosen.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.finish(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// loadFile merges one configuration file into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so once comments and trailing
		// commas are stripped the YAML decoder handles it, durations
		// included.
		data = jsonc.ToJSON(data)
	default:
		return fmt.Errorf("%s: unsupported config format %q (want .yaml, .yml, .json, or .jsonc)", path, filepath.Ext(path))
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) finish() error {
	if value := os.Getenv(EnvEnvironment); value != "" {
		c.Environment = Environment(value)
	}
	if err := c.applyEnvironmentOverrides(); err != nil {
		return err
	}
	c.expandVariables()
	if value := os.Getenv(EnvToken); value != "" {
		c.Export.Token = value
	}
	if value := os.Getenv(EnvBaseURL); value != "" {
		c.Export.BaseURL = value
	}
	return nil
}

// applyEnvironmentOverrides decodes the active environment's override
// sections over the base sections.
func (c *Config) applyEnvironmentOverrides() error {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return nil
	}

	if !overrides.Retry.IsZero() {
		if err := overrides.Retry.Decode(&c.Retry); err != nil {
			return fmt.Errorf("%s.retry: %w", c.Environment, err)
		}
	}
	if !overrides.Sampling.IsZero() {
		if err := overrides.Sampling.Decode(&c.Sampling); err != nil {
			return fmt.Errorf("%s.sampling: %w", c.Environment, err)
		}
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// string fields that commonly carry paths or secrets.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Export.BaseURL = expandVars(c.Export.BaseURL, vars)
	c.Export.Token = expandVars(c.Export.Token, vars)
	c.Export.TracesPath = expandVars(c.Export.TracesPath, vars)
	c.Retry.SpoolDir = expandVars(c.Retry.SpoolDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration, reporting every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Export.BaseURL == "" {
		errs = append(errs, errors.New("export.base_url is required"))
	} else if parsed, err := url.Parse(c.Export.BaseURL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("export.base_url must be an http or https URL, got %q", c.Export.BaseURL))
	}
	if c.Export.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("export.timeout must be positive, got %s", c.Export.Timeout))
	}

	if c.Retry.ImmediateDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.immediate_delay must not be negative, got %s", c.Retry.ImmediateDelay))
	}
	if c.Retry.InitialInterval <= 0 {
		errs = append(errs, fmt.Errorf("retry.initial_interval must be positive, got %s", c.Retry.InitialInterval))
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, fmt.Errorf("retry.max_interval (%s) must be at least retry.initial_interval (%s)", c.Retry.MaxInterval, c.Retry.InitialInterval))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be within [0, 1], got %v", c.Retry.Jitter))
	}
	if c.Retry.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_bytes must be positive, got %d", c.Retry.MaxBytes))
	}
	if _, err := exporter.ParseCompressionTag(c.Retry.Compression); err != nil {
		errs = append(errs, fmt.Errorf("retry.compression: %w", err))
	}

	if c.Sampling.Level != "" {
		if _, err := level.Parse(c.Sampling.Level); err != nil {
			errs = append(errs, fmt.Errorf("sampling.level: %w", err))
		}
	}
	if c.Sampling.Duration < 0 {
		errs = append(errs, fmt.Errorf("sampling.duration must not be negative, got %s", c.Sampling.Duration))
	}
	if !validRate(c.Sampling.BackgroundRate) {
		errs = append(errs, fmt.Errorf("sampling.background_rate must be within [0, 1], got %v", c.Sampling.BackgroundRate))
	}
	if !validRate(c.Sampling.HeadRate) {
		errs = append(errs, fmt.Errorf("sampling.head_rate must be within [0, 1], got %v", c.Sampling.HeadRate))
	}
	if c.Sampling.Shards <= 0 {
		errs = append(errs, fmt.Errorf("sampling.shards must be positive, got %d", c.Sampling.Shards))
	}
	if c.Sampling.DecisionCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("sampling.decision_cache_size must be positive, got %d", c.Sampling.DecisionCacheSize))
	}
	if c.Sampling.MaxPendingAge < 0 {
		errs = append(errs, fmt.Errorf("sampling.max_pending_age must not be negative, got %s", c.Sampling.MaxPendingAge))
	}

	return errors.Join(errs...)
}

func validRate(rate float64) bool {
	return rate >= 0 && rate <= 1
}

// SamplingLevel returns the parsed level threshold, or nil when the
// level check is disabled.
func (c *Config) SamplingLevel() (*level.Level, error) {
	if c.Sampling.Level == "" {
		return nil, nil
	}
	threshold, err := level.Parse(c.Sampling.Level)
	if err != nil {
		return nil, err
	}
	return &threshold, nil
}

// EnsureSpoolDir creates the spool directory if one is configured.
func (c *Config) EnsureSpoolDir() error {
	if c.Retry.SpoolDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Retry.SpoolDir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Retry.SpoolDir, err)
	}
	return nil
}
