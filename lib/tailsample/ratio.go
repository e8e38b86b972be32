// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tailsample

import (
	"encoding/binary"

	"go.opentelemetry.io/otel/trace"
)

// Keep runs the Bernoulli trial for a fractional sampling rate. The
// random variable is the upper 63 bits of the trace id's second half,
// which OpenTelemetry trace ids fill with random bits; the trace is
// kept when it falls below rate×2^63. This is the TraceIDRatioBased
// rule of the OpenTelemetry SDK, so a tail decision agrees with a head
// sampler configured at the same rate.
//
// Rates ≤ 0 never keep and rates ≥ 1 always keep.
func Keep(traceID trace.TraceID, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	bound := uint64(rate * (1 << 63))
	value := binary.BigEndian.Uint64(traceID[8:16]) >> 1
	return value < bound
}
