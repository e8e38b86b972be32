// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pydantic/logfire-sub001/lib/level"
)

// clearEnv unsets the variables Load and LoadFile consult, restoring
// them when the test ends.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvConfig, EnvToken, EnvBaseURL, EnvEnvironment} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Export.BaseURL != DefaultBaseURL {
		t.Errorf("expected base_url=%s, got %s", DefaultBaseURL, cfg.Export.BaseURL)
	}
	if cfg.Retry.MaxInterval != 128*time.Second {
		t.Errorf("expected max_interval=128s, got %s", cfg.Retry.MaxInterval)
	}
	if cfg.Retry.MaxBytes != 512<<20 {
		t.Errorf("expected max_bytes=512MiB, got %d", cfg.Retry.MaxBytes)
	}
	if cfg.Retry.LogInterval != 60*time.Second {
		t.Errorf("expected log_interval=60s, got %s", cfg.Retry.LogInterval)
	}
	if cfg.Retry.ImmediateDelay != time.Second {
		t.Errorf("expected immediate_delay=1s, got %s", cfg.Retry.ImmediateDelay)
	}
	if cfg.Sampling.Enabled {
		t.Error("expected sampling disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_WithoutConfigUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvToken, "env-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Export.BaseURL != DefaultBaseURL {
		t.Errorf("expected default base_url, got %s", cfg.Export.BaseURL)
	}
	if cfg.Export.Token != "env-token" {
		t.Errorf("expected token from %s, got %q", EnvToken, cfg.Export.Token)
	}
}

func TestLoad_WithLogfireConfig(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, "logfire.yaml", `
environment: staging
export:
  base_url: https://ingest.example.com
retry:
  spool_dir: /var/spool/logfire
`)
	t.Setenv(EnvConfig, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Export.BaseURL != "https://ingest.example.com" {
		t.Errorf("expected base_url from file, got %s", cfg.Export.BaseURL)
	}
	if cfg.Retry.SpoolDir != "/var/spool/logfire" {
		t.Errorf("expected spool_dir=/var/spool/logfire, got %s", cfg.Retry.SpoolDir)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, "logfire.yaml", `
environment: production

export:
  token: file-token
  timeout: 3s
  gzip: true

retry:
  initial_interval: 2s
  max_interval: 1m
  max_bytes: 1048576
  compression: lz4

sampling:
  enabled: true
  level: warning
  duration: 750ms
  background_rate: 0.1
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Export.Token != "file-token" {
		t.Errorf("expected token=file-token, got %s", cfg.Export.Token)
	}
	if cfg.Export.Timeout != 3*time.Second || !cfg.Export.Gzip {
		t.Errorf("expected timeout=3s gzip=true, got %s %v", cfg.Export.Timeout, cfg.Export.Gzip)
	}
	if cfg.Retry.InitialInterval != 2*time.Second || cfg.Retry.MaxInterval != time.Minute {
		t.Errorf("expected intervals 2s/1m, got %s/%s", cfg.Retry.InitialInterval, cfg.Retry.MaxInterval)
	}
	if cfg.Retry.MaxBytes != 1<<20 || cfg.Retry.Compression != "lz4" {
		t.Errorf("expected max_bytes=1MiB compression=lz4, got %d %s", cfg.Retry.MaxBytes, cfg.Retry.Compression)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Retry.LogInterval != 60*time.Second {
		t.Errorf("expected default log_interval, got %s", cfg.Retry.LogInterval)
	}
	if !cfg.Sampling.Enabled || cfg.Sampling.Duration != 750*time.Millisecond || cfg.Sampling.BackgroundRate != 0.1 {
		t.Errorf("unexpected sampling section: %+v", cfg.Sampling)
	}
	threshold, err := cfg.SamplingLevel()
	if err != nil || threshold == nil || *threshold != level.Warning {
		t.Errorf("SamplingLevel() = %v, %v; want warning", threshold, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, "logfire.jsonc", `{
  // Comments and trailing commas are allowed.
  "environment": "staging",
  "retry": {
    "max_interval": "30s",
    "jitter": 0.25,
  },
  "sampling": {"enabled": true, "head_rate": 0.5},
}`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Retry.MaxInterval != 30*time.Second || cfg.Retry.Jitter != 0.25 {
		t.Errorf("expected max_interval=30s jitter=0.25, got %s %v", cfg.Retry.MaxInterval, cfg.Retry.Jitter)
	}
	if !cfg.Sampling.Enabled || cfg.Sampling.HeadRate != 0.5 {
		t.Errorf("unexpected sampling section: %+v", cfg.Sampling)
	}
}

func TestLoadFile_UnsupportedExtension(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, "logfire.toml", "environment = 'staging'\n")
	_, err := LoadFile(configPath)
	if err == nil || !strings.Contains(err.Error(), "unsupported config format") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	configPath := writeConfig(t, "logfire.yaml", `
environment: production

retry:
  max_bytes: 1000
  compression: none

sampling:
  enabled: true
  level: info
  background_rate: 0.5

production:
  retry:
    max_bytes: 5000
  sampling:
    level: error

staging:
  sampling:
    enabled: false
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Retry.MaxBytes != 5000 {
		t.Errorf("expected max_bytes=5000 from production override, got %d", cfg.Retry.MaxBytes)
	}
	if cfg.Retry.Compression != "none" {
		t.Errorf("expected compression=none kept from base, got %s", cfg.Retry.Compression)
	}
	if cfg.Sampling.Level != "error" {
		t.Errorf("expected level=error from production override, got %s", cfg.Sampling.Level)
	}
	// Keys the override omits, booleans included, keep their base values.
	if !cfg.Sampling.Enabled {
		t.Error("expected sampling to stay enabled; the production override does not mention it")
	}
	if cfg.Sampling.BackgroundRate != 0.5 {
		t.Errorf("expected background_rate=0.5 from base, got %v", cfg.Sampling.BackgroundRate)
	}
}

func TestEnvVarsOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvBaseURL, "http://localhost:4318")
	t.Setenv(EnvEnvironment, "staging")

	configPath := writeConfig(t, "logfire.yaml", `
environment: development
export:
  base_url: https://file.example.com
  token: file-token
staging:
  sampling:
    enabled: true
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Export.Token != "env-token" {
		t.Errorf("expected token from environment, got %s", cfg.Export.Token)
	}
	if cfg.Export.BaseURL != "http://localhost:4318" {
		t.Errorf("expected base_url from environment, got %s", cfg.Export.BaseURL)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging from environment, got %s", cfg.Environment)
	}
	if !cfg.Sampling.Enabled {
		t.Error("expected the staging override chosen by LOGFIRE_ENVIRONMENT to apply")
	}
}

func TestVariableExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOGFIRE_TEST_SPOOL", "/data/spool")
	configPath := writeConfig(t, "logfire.yaml", `
export:
  token: ${LOGFIRE_TEST_MISSING:-fallback-token}
retry:
  spool_dir: ${LOGFIRE_TEST_SPOOL}/traces
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Retry.SpoolDir != "/data/spool/traces" {
		t.Errorf("expected spool_dir=/data/spool/traces, got %s", cfg.Retry.SpoolDir)
	}
	if cfg.Export.Token != "fallback-token" {
		t.Errorf("expected token=fallback-token, got %s", cfg.Export.Token)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/spool",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/spool",
		},
		{
			input:    "${LOGFIRE_TEST_UNSET:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid environment",
			modify:  func(c *Config) { c.Environment = "invalid" },
			wantErr: "invalid environment",
		},
		{
			name:    "empty base url",
			modify:  func(c *Config) { c.Export.BaseURL = "" },
			wantErr: "export.base_url is required",
		},
		{
			name:    "base url without scheme",
			modify:  func(c *Config) { c.Export.BaseURL = "logfire.example.com" },
			wantErr: "export.base_url must be an http or https URL",
		},
		{
			name:    "max interval below initial",
			modify:  func(c *Config) { c.Retry.MaxInterval = 500 * time.Millisecond },
			wantErr: "retry.max_interval",
		},
		{
			name:    "jitter out of range",
			modify:  func(c *Config) { c.Retry.Jitter = 1.5 },
			wantErr: "retry.jitter",
		},
		{
			name:    "unknown compression",
			modify:  func(c *Config) { c.Retry.Compression = "brotli" },
			wantErr: "retry.compression",
		},
		{
			name:    "unknown level",
			modify:  func(c *Config) { c.Sampling.Level = "loud" },
			wantErr: "sampling.level",
		},
		{
			name:    "head rate out of range",
			modify:  func(c *Config) { c.Sampling.HeadRate = -0.1 },
			wantErr: "sampling.head_rate",
		},
		{
			name:    "zero shards",
			modify:  func(c *Config) { c.Sampling.Shards = 0 },
			wantErr: "sampling.shards",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxBytes = 0
	cfg.Sampling.DecisionCacheSize = -1
	cfg.Export.Timeout = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"retry.max_bytes", "sampling.decision_cache_size", "export.timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSamplingLevelDisabled(t *testing.T) {
	cfg := Default()
	cfg.Sampling.Level = ""
	threshold, err := cfg.SamplingLevel()
	if err != nil || threshold != nil {
		t.Errorf("SamplingLevel() = %v, %v; want nil, nil", threshold, err)
	}
}

func TestEnsureSpoolDir(t *testing.T) {
	cfg := Default()
	cfg.Retry.SpoolDir = filepath.Join(t.TempDir(), "spool", "traces")

	if err := cfg.EnsureSpoolDir(); err != nil {
		t.Fatalf("EnsureSpoolDir failed: %v", err)
	}
	info, err := os.Stat(cfg.Retry.SpoolDir)
	if err != nil {
		t.Fatalf("spool dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", cfg.Retry.SpoolDir)
	}
}
