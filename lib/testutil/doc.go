// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireClosed], and [RequireNoReceive] wrap the
// select-with-timeout pattern so individual tests never call
// time.After themselves. These are the only places tests use real
// wall-clock timeouts; everything else runs on a fake clock.
//
// All helpers call t.Fatalf on failure rather than returning errors.
//
// This package depends on no other packages in this module.
package testutil
