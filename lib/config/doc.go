// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads configuration for the tracing pipeline.
//
// Configuration comes from a single file named by the LOGFIRE_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). YAML and JSON with comments are both accepted. With no
// file, [Load] starts from [Default]. There is no automatic file
// discovery.
//
// The file may contain environment-specific sections (development,
// staging, production) holding partial retry and sampling sections.
// The section matching [Config].Environment is decoded over the base
// values, key by key.
//
// Variable expansion (${HOME}, ${VAR:-default}) is performed on the
// export URL, token, traces path, and spool directory. Three
// environment variables override the file: LOGFIRE_ENVIRONMENT (before
// overrides are chosen), LOGFIRE_TOKEN, and LOGFIRE_BASE_URL.
//
// Key exports:
//
//   - [Config] -- master struct with Export, Retry, Sampling
//   - [Default] -- returns a Config with the documented defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
