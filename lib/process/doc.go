// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. [Fatal] is the
// one place a binary writes raw text to stderr: errors returned from
// run() before (or after) the structured logger exists.
package process
