// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import "time"

// Retry timing defaults.
const (
	DefaultImmediateRetryDelay = 1 * time.Second
	DefaultInitialInterval     = 1 * time.Second
	DefaultMaxInterval         = 128 * time.Second
	DefaultJitterFraction      = 0.5
)

// NextInterval doubles previous, capped at ceiling. A non-positive
// previous restarts at DefaultInitialInterval, still capped.
func NextInterval(previous, ceiling time.Duration) time.Duration {
	next := previous * 2
	if previous <= 0 {
		next = DefaultInitialInterval
	}
	// previous*2 can overflow for absurd inputs.
	if next > ceiling || next < previous {
		return ceiling
	}
	return next
}

// Jitter spreads interval proportionally: with random uniform in
// [0, 1), the result lies in [interval×(1−fraction/2),
// interval×(1+fraction/2)). The result is clamped to (0, ceiling], so
// jitter never produces a zero, negative, or over-the-cap wait.
func Jitter(interval, ceiling time.Duration, fraction, random float64) time.Duration {
	if interval > ceiling {
		interval = ceiling
	}
	if fraction < 0 {
		fraction = 0
	}
	jittered := time.Duration(float64(interval) * (1 + fraction*(random-0.5)))
	if jittered > ceiling {
		return ceiling
	}
	if jittered <= 0 {
		if interval > 0 {
			return interval
		}
		return time.Millisecond
	}
	return jittered
}
