// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tailsample

import (
	"time"

	"github.com/pydantic/logfire-sub001/lib/level"
)

// TailSamplingOptions configures LevelOrDuration.
type TailSamplingOptions struct {
	// Level keeps a trace as soon as any of its spans is at least this
	// severe. Nil disables the level check.
	Level *level.Level

	// Duration keeps a trace once more than this much time has passed
	// since its first span started. Zero disables the duration check.
	Duration time.Duration

	// BackgroundRate is the keep probability of traces that never
	// cross either threshold, applied when the first span ends.
	BackgroundRate float64
}

// DefaultTailSamplingOptions keeps traces containing a notice or
// anything more severe, traces running longer than five seconds, and
// nothing else.
func DefaultTailSamplingOptions() TailSamplingOptions {
	threshold := level.Notice
	return TailSamplingOptions{
		Level:    &threshold,
		Duration: 5 * time.Second,
	}
}

// LevelOrDuration returns a Sampler that keeps a trace when any span is
// at or above the level threshold, or when the trace outlives the
// duration threshold. Every start and end event is evaluated, so
// checking the triggering span is enough to cover every span in the
// buffer.
//
// Until a threshold is crossed the sampler stays undecided. When the
// trace's first span ends without crossing either, it returns
// BackgroundRate.
func LevelOrDuration(options TailSamplingOptions) Sampler {
	return SamplerFunc(func(info SpanInfo) (float64, error) {
		if options.Level != nil && info.Level() >= *options.Level {
			return 1, nil
		}
		if options.Duration > 0 && info.Duration() > options.Duration {
			return 1, nil
		}
		if info.Event == EventEnd && info.IsFirstSpan() {
			return options.BackgroundRate, nil
		}
		return 0, ErrUndecided
	})
}

// Head combines a head sampling rate with a tail sampler. Traces that
// fail the head trial are dropped on their first event, before the tail
// sampler is consulted. The rest get the tail rate scaled by the head
// rate, so the overall keep probability is head×tail and the decision
// stays deterministic per trace id.
func Head(rate float64, tail Sampler) Sampler {
	if rate >= 1 {
		return tail
	}
	return SamplerFunc(func(info SpanInfo) (float64, error) {
		if !Keep(info.Span.SpanContext().TraceID(), rate) {
			return 0, nil
		}
		tailRate, err := tail.SampleRate(info)
		if err != nil {
			return 0, err
		}
		return clampRate(tailRate) * rate, nil
	})
}

func clampRate(rate float64) float64 {
	switch {
	case rate > 1:
		return 1
	case rate < 0:
		return 0
	default:
		return rate
	}
}
