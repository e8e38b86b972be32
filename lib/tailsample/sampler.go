// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tailsample

import (
	"context"
	"errors"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/pydantic/logfire-sub001/lib/level"
)

// ErrUndecided is returned by a Sampler that has not reached a decision
// for the trace yet. The Processor keeps buffering and asks again on
// the next event. Unlike other errors it is not counted or logged.
var ErrUndecided = errors.New("tailsample: no decision yet")

// Event identifies which span lifecycle transition triggered a
// sampling evaluation.
type Event uint8

const (
	EventStart Event = iota + 1
	EventEnd
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// SpanInfo is the view a Sampler gets of one span event.
type SpanInfo struct {
	// Span is the span whose start or end triggered the evaluation.
	Span sdktrace.ReadOnlySpan

	// Parent is the context the span was started under. Nil for end
	// events.
	Parent context.Context

	Event Event

	// Buffer holds every event buffered so far for the trace,
	// including this one.
	Buffer *TraceBuffer
}

// Level returns the severity of the triggering span.
func (i SpanInfo) Level() level.Level { return level.OfSpan(i.Span) }

// Duration returns the time elapsed from the start of the trace's first
// span to this event: the span's end time for end events, its start
// time for start events. Duration can therefore grow past a threshold
// on the start of a late child, before anything has ended.
func (i SpanInfo) Duration() time.Duration {
	var first sdktrace.ReadOnlySpan
	if i.Buffer != nil {
		first = i.Buffer.FirstSpan()
	}
	if first == nil {
		return 0
	}
	eventTime := i.Span.StartTime()
	if i.Event == EventEnd {
		eventTime = i.Span.EndTime()
	}
	if elapsed := eventTime.Sub(first.StartTime()); elapsed > 0 {
		return elapsed
	}
	return 0
}

// IsFirstSpan reports whether the triggering span is the trace's first
// buffered span, normally the local root.
func (i SpanInfo) IsFirstSpan() bool {
	if i.Buffer == nil {
		return false
	}
	first := i.Buffer.FirstSpan()
	return first != nil && first.SpanContext().SpanID() == i.Span.SpanContext().SpanID()
}

// Sampler decides the keep probability of a trace from one of its span
// events.
//
// A rate of 1 keeps the trace and a rate of 0 drops it. Rates in
// between are resolved by a Bernoulli trial derived from the trace id,
// so the same trace and rate always produce the same outcome. Rates
// outside [0, 1] are clamped. Returning ErrUndecided (or any other
// error) leaves the trace buffered.
//
// SampleRate is called with the trace's shard lock held. It must not
// call back into the Processor or end spans, and it must not retain
// info.Buffer.
type Sampler interface {
	SampleRate(info SpanInfo) (float64, error)
}

// SamplerFunc adapts an ordinary function to the Sampler interface.
type SamplerFunc func(info SpanInfo) (float64, error)

// SampleRate calls f(info).
func (f SamplerFunc) SampleRate(info SpanInfo) (float64, error) { return f(info) }

// Fixed returns a Sampler that always returns rate. Fixed(1) keeps
// every trace on its first event, Fixed(0) drops every trace.
func Fixed(rate float64) Sampler {
	return SamplerFunc(func(SpanInfo) (float64, error) { return rate, nil })
}
