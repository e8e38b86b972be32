// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tailsample

import (
	"context"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// StartedSpan is a buffered span-start event: the span as handed to
// OnStart together with the parent context it was started under, so
// that a flush can replay the exact call the downstream processor
// would have received.
type StartedSpan struct {
	Span   sdktrace.ReadWriteSpan
	Parent context.Context
}

// TraceBuffer holds every span event seen for one trace while its
// sampling decision is pending. Started is in arrival order and Ended
// in completion order; the interleaving of the two is recorded as well
// so that a flush replays the events exactly as they arrived.
//
// A TraceBuffer is owned by the Processor and only mutated under the
// lock of the shard holding it. Samplers receive a pointer through
// SpanInfo and must treat it as read-only for the duration of the
// call; retaining it afterwards is a data race.
type TraceBuffer struct {
	Started []StartedSpan
	Ended   []sdktrace.ReadOnlySpan

	// CreatedAt is the processor clock's time when the first event of
	// the trace arrived. Used for pending-age eviction.
	CreatedAt time.Time

	order []Event
}

func (b *TraceBuffer) addStart(span sdktrace.ReadWriteSpan, parent context.Context) {
	b.Started = append(b.Started, StartedSpan{Span: span, Parent: parent})
	b.order = append(b.order, EventStart)
}

func (b *TraceBuffer) addEnd(span sdktrace.ReadOnlySpan) {
	b.Ended = append(b.Ended, span)
	b.order = append(b.order, EventEnd)
}

// replay hands every buffered event to downstream in arrival order.
// Starts stay in start order and ends in end order.
func (b *TraceBuffer) replay(downstream sdktrace.SpanProcessor) {
	var started, ended int
	for _, event := range b.order {
		if event == EventStart {
			next := b.Started[started]
			started++
			downstream.OnStart(next.Parent, next.Span)
		} else {
			downstream.OnEnd(b.Ended[ended])
			ended++
		}
	}
}

// FirstSpan returns the earliest span seen for the trace: the first
// started span, or the first ended span when the buffer was created by
// an end event. Returns nil for an empty buffer.
func (b *TraceBuffer) FirstSpan() sdktrace.ReadOnlySpan {
	if len(b.Started) > 0 {
		return b.Started[0].Span
	}
	if len(b.Ended) > 0 {
		return b.Ended[0]
	}
	return nil
}

// Len returns the number of buffered events.
func (b *TraceBuffer) Len() int { return len(b.Started) + len(b.Ended) }
