// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The retry worker, the immediate-retry delay, and the pending-trace
// janitor all wait on a [Clock] instead of calling the time package
// directly. Production code passes [Real]; tests pass [Fake] and drive
// time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go worker(c)
//	c.WaitForTimers(1)        // worker has registered its wait
//	c.Advance(2 * time.Second) // fire it deterministically
//
// Waits that may be abandoned (select on a timer and some other
// channel) should use [Clock.NewTimer] and Stop the timer, so that the
// fake clock's pending count reflects only live waits.
package clock
