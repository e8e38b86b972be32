// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tailsample

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pydantic/logfire-sub001/lib/level"
)

func TestKeepBounds(t *testing.T) {
	var high trace.TraceID
	for i := range high {
		high[i] = 0xff
	}
	var low trace.TraceID
	low[15] = 1

	if Keep(high, 0) || Keep(low, 0) || Keep(low, -1) {
		t.Fatal("rate 0 must never keep")
	}
	if !Keep(high, 1) || !Keep(low, 1) || !Keep(high, 2) {
		t.Fatal("rate 1 must always keep")
	}
	if !Keep(low, 0.01) {
		t.Fatal("a trace id near zero should pass any positive rate")
	}
	if Keep(high, 0.99) {
		t.Fatal("the largest trace id should fail any rate below 1")
	}
}

func TestKeepIsDeterministicAndConverges(t *testing.T) {
	const sampleRate = 0.25
	const samples = 20000

	random := rand.New(rand.NewSource(1))
	kept := 0
	for i := 0; i < samples; i++ {
		var traceID trace.TraceID
		random.Read(traceID[:])

		first := Keep(traceID, sampleRate)
		for repeat := 0; repeat < 3; repeat++ {
			if Keep(traceID, sampleRate) != first {
				t.Fatalf("trace %s flapped between evaluations", traceID)
			}
		}
		if first {
			kept++
		}
	}

	observed := float64(kept) / samples
	if math.Abs(observed-sampleRate) > 0.02 {
		t.Fatalf("empirical keep rate %.4f, want %.2f ± 0.02", observed, sampleRate)
	}
}

type stubSpan struct {
	spanID byte
	start  time.Time
	end    time.Time
	level  *level.Level
}

func (s stubSpan) snapshot() sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStub{
		Name: "stub",
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{1},
			SpanID:  trace.SpanID{s.spanID},
		}),
		StartTime: s.start,
		EndTime:   s.end,
	}
	if s.level != nil {
		stub.Attributes = []attribute.KeyValue{
			attribute.Int64(level.LevelAttribute, s.level.Severity()),
		}
	}
	return stub.Snapshot()
}

func endInfo(buffer *TraceBuffer, span sdktrace.ReadOnlySpan) SpanInfo {
	buffer.addEnd(span)
	return SpanInfo{Span: span, Event: EventEnd, Buffer: buffer}
}

func TestLevelOrDuration(t *testing.T) {
	warning := level.Warning
	errLevel := level.Error
	sampler := LevelOrDuration(TailSamplingOptions{
		Level:          &warning,
		Duration:       5 * time.Second,
		BackgroundRate: 0.1,
	})

	tests := []struct {
		name      string
		spans     []stubSpan
		wantRate  float64
		undecided bool
	}{
		{
			name:      "quiet child ending",
			spans:     []stubSpan{{spanID: 1, start: epoch, end: epoch.Add(4 * time.Second)}, {spanID: 2, start: epoch, end: epoch.Add(time.Second)}},
			undecided: true,
		},
		{
			name:     "severe child ending",
			spans:    []stubSpan{{spanID: 1, start: epoch, end: epoch.Add(4 * time.Second)}, {spanID: 2, start: epoch, end: epoch.Add(time.Second), level: &errLevel}},
			wantRate: 1,
		},
		{
			name:     "slow child ending",
			spans:    []stubSpan{{spanID: 1, start: epoch, end: epoch.Add(4 * time.Second)}, {spanID: 2, start: epoch, end: epoch.Add(6 * time.Second)}},
			wantRate: 1,
		},
		{
			name:     "quiet first span ending",
			spans:    []stubSpan{{spanID: 1, start: epoch, end: epoch.Add(4 * time.Second)}},
			wantRate: 0.1,
		},
		{
			name:     "threshold is inclusive for level",
			spans:    []stubSpan{{spanID: 1, start: epoch, end: epoch.Add(time.Second), level: &warning}},
			wantRate: 1,
		},
		{
			name:     "threshold is exclusive for duration",
			spans:    []stubSpan{{spanID: 1, start: epoch, end: epoch.Add(5 * time.Second)}},
			wantRate: 0.1,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buffer := &TraceBuffer{}
			// The first stub is the trace's first span; the last one
			// triggers the evaluation.
			if len(test.spans) > 1 {
				buffer.addEnd(test.spans[0].snapshot())
			}
			info := endInfo(buffer, test.spans[len(test.spans)-1].snapshot())

			got, err := sampler.SampleRate(info)
			if test.undecided {
				if !errors.Is(err, ErrUndecided) {
					t.Fatalf("SampleRate = %v, %v; want ErrUndecided", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SampleRate: %v", err)
			}
			if got != test.wantRate {
				t.Fatalf("SampleRate = %v, want %v", got, test.wantRate)
			}
		})
	}
}

func TestSpanInfoDurationUsesEventTime(t *testing.T) {
	buffer := &TraceBuffer{}
	root := stubSpan{spanID: 1, start: epoch, end: epoch.Add(20 * time.Second)}.snapshot()
	buffer.addEnd(root)

	child := stubSpan{spanID: 2, start: epoch.Add(3 * time.Second), end: epoch.Add(8 * time.Second)}.snapshot()
	startInfo := SpanInfo{Span: child, Event: EventStart, Buffer: buffer}
	if got := startInfo.Duration(); got != 3*time.Second {
		t.Fatalf("start-event duration = %v, want 3s", got)
	}
	endEvent := SpanInfo{Span: child, Event: EventEnd, Buffer: buffer}
	if got := endEvent.Duration(); got != 8*time.Second {
		t.Fatalf("end-event duration = %v, want 8s", got)
	}
	if (SpanInfo{Span: child, Event: EventEnd}).Duration() != 0 {
		t.Fatal("duration without a buffer should be zero")
	}
}

func TestHeadCombinesRates(t *testing.T) {
	var passing trace.TraceID // lower half zero: passes every positive rate
	passing[0] = 1
	var failing trace.TraceID
	for i := range failing {
		failing[i] = 0xff
	}

	tail := Fixed(0.5)
	sampler := Head(0.5, tail)

	info := func(traceID trace.TraceID) SpanInfo {
		span := tracetest.SpanStub{SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  trace.SpanID{1},
		})}.Snapshot()
		return SpanInfo{Span: span, Event: EventStart, Buffer: &TraceBuffer{}}
	}

	if got, err := sampler.SampleRate(info(failing)); err != nil || got != 0 {
		t.Fatalf("head-rejected trace: SampleRate = %v, %v; want 0", got, err)
	}
	if got, err := sampler.SampleRate(info(passing)); err != nil || got != 0.25 {
		t.Fatalf("head-accepted trace: SampleRate = %v, %v; want 0.25", got, err)
	}

	undecided := Head(0.5, SamplerFunc(func(SpanInfo) (float64, error) { return 0, ErrUndecided }))
	if _, err := undecided.SampleRate(info(passing)); !errors.Is(err, ErrUndecided) {
		t.Fatalf("Head should pass through tail errors, got %v", err)
	}

	if Head(1, tail) == nil {
		t.Fatal("Head(1, tail) should return the tail sampler")
	}
}
