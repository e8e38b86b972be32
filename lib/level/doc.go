// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package level classifies spans by severity.
//
// Levels form a total order (trace, debug, info, notice, warning,
// error, fatal) backed by OpenTelemetry severity numbers, so a
// threshold such as "warning or worse" is a plain comparison:
//
//	if level.OfSpan(span) >= level.Warning { ... }
//
// [OfSpan] reads the numeric logfire.level_num attribute and falls
// back to the span status.
package level
