// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package level

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOrdering(t *testing.T) {
	ordered := []Level{Trace, Debug, Info, Notice, Warning, Error, Fatal}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1] >= ordered[i] {
			t.Fatalf("%s should sort below %s", ordered[i-1], ordered[i])
		}
		if ordered[i-1].Severity() >= ordered[i].Severity() {
			t.Fatalf("severity of %s (%d) should be below %s (%d)",
				ordered[i-1], ordered[i-1].Severity(), ordered[i], ordered[i].Severity())
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		want Level
	}{
		{"trace", Trace},
		{"DEBUG", Debug},
		{"info", Info},
		{"notice", Notice},
		{"warn", Warning},
		{"Warning", Warning},
		{" error ", Error},
		{"fatal", Fatal},
	}
	for _, test := range tests {
		got, err := Parse(test.name)
		if err != nil {
			t.Fatalf("Parse(%q): %v", test.name, err)
		}
		if got != test.want {
			t.Errorf("Parse(%q) = %s, want %s", test.name, got, test.want)
		}
	}

	if _, err := Parse("critical"); err == nil {
		t.Fatal("Parse should reject unknown level names")
	}
}

func TestFromSeverity(t *testing.T) {
	tests := []struct {
		severity int64
		want     Level
	}{
		{-3, Trace},
		{0, Trace},
		{1, Trace},
		{4, Trace},
		{5, Debug},
		{9, Info},
		{10, Notice},
		{12, Notice},
		{13, Warning},
		{17, Error},
		{20, Error},
		{21, Fatal},
		{24, Fatal},
	}
	for _, test := range tests {
		if got := FromSeverity(test.severity); got != test.want {
			t.Errorf("FromSeverity(%d) = %s, want %s", test.severity, got, test.want)
		}
	}
}

func TestTextRoundTrip(t *testing.T) {
	for _, original := range []Level{Trace, Notice, Fatal} {
		text, err := original.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%s): %v", original, err)
		}
		var decoded Level
		if err := decoded.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if decoded != original {
			t.Fatalf("round trip of %s produced %s", original, decoded)
		}
	}
	if _, err := Level(42).MarshalText(); err == nil {
		t.Fatal("MarshalText should reject out-of-range levels")
	}
}

func snapshot(stub tracetest.SpanStub) sdktrace.ReadOnlySpan {
	return stub.Snapshot()
}

func TestOfSpan(t *testing.T) {
	tests := []struct {
		name string
		stub tracetest.SpanStub
		want Level
	}{
		{
			name: "no attribute defaults to info",
			stub: tracetest.SpanStub{Name: "plain"},
			want: Info,
		},
		{
			name: "integer level attribute",
			stub: tracetest.SpanStub{Attributes: []attribute.KeyValue{
				attribute.Int(LevelAttribute, 17),
			}},
			want: Error,
		},
		{
			name: "float level attribute",
			stub: tracetest.SpanStub{Attributes: []attribute.KeyValue{
				attribute.Float64(LevelAttribute, 13.0),
			}},
			want: Warning,
		},
		{
			name: "string level attribute",
			stub: tracetest.SpanStub{Attributes: []attribute.KeyValue{
				attribute.String(LevelAttribute, "debug"),
			}},
			want: Debug,
		},
		{
			name: "error status without attribute",
			stub: tracetest.SpanStub{Status: sdktrace.Status{Code: codes.Error}},
			want: Error,
		},
		{
			name: "attribute wins over status",
			stub: tracetest.SpanStub{
				Attributes: []attribute.KeyValue{attribute.Int(LevelAttribute, 5)},
				Status:     sdktrace.Status{Code: codes.Error},
			},
			want: Debug,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := OfSpan(snapshot(test.stub)); got != test.want {
				t.Fatalf("OfSpan = %s, want %s", got, test.want)
			}
		})
	}
}
