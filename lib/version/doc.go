// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information.
//
// Four package-level variables are injected at build time via
// -ldflags -X: [GitCommit], [GitDirty], [BuildTime], and [Version].
// They default to "unknown" / "0.1.0-dev" in development builds and
// test runs.
//
//	go build -ldflags "-X github.com/pydantic/logfire-sub001/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Info] and [Full] format --version output for the spool CLI;
// [UserAgent] identifies export requests to the ingestion backend.
package version
