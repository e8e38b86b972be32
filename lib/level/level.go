// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package level

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Level is an ordered span severity. Values compare with the usual
// integer operators: Trace < Debug < Info < Notice < Warning < Error < Fatal.
type Level uint8

const (
	Trace Level = iota
	Debug
	Info
	Notice
	Warning
	Error
	Fatal
)

// LevelAttribute is the span attribute carrying the numeric severity
// of a span, using OpenTelemetry severity numbers.
const LevelAttribute = "logfire.level_num"

// severities maps each Level to its OpenTelemetry severity number.
// Each number is the lowest of the level's range, except notice,
// which sits one above info.
var severities = [...]int64{
	Trace:   1,
	Debug:   5,
	Info:    9,
	Notice:  10,
	Warning: 13,
	Error:   17,
	Fatal:   21,
}

var names = [...]string{
	Trace:   "trace",
	Debug:   "debug",
	Info:    "info",
	Notice:  "notice",
	Warning: "warning",
	Error:   "error",
	Fatal:   "fatal",
}

// Severity returns the OpenTelemetry severity number of the level.
func (l Level) Severity() int64 {
	if int(l) >= len(severities) {
		return severities[Fatal]
	}
	return severities[l]
}

// String returns the lowercase level name.
func (l Level) String() string {
	if int(l) >= len(names) {
		return fmt.Sprintf("level(%d)", uint8(l))
	}
	return names[l]
}

// MarshalText implements encoding.TextMarshaler so levels appear by
// name in configuration files.
func (l Level) MarshalText() ([]byte, error) {
	if int(l) >= len(names) {
		return nil, fmt.Errorf("invalid level %d", uint8(l))
	}
	return []byte(names[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Parse converts a level name to a Level. Names are case-insensitive;
// "warn" is accepted as an alias for "warning".
func Parse(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return Trace, nil
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "notice":
		return Notice, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return 0, fmt.Errorf("unknown level %q", name)
	}
}

// FromSeverity maps a numeric severity to the highest level whose
// severity number does not exceed it. Values below 1 map to Trace.
func FromSeverity(severity int64) Level {
	result := Trace
	for candidate := Trace; candidate <= Fatal; candidate++ {
		if severities[candidate] <= severity {
			result = candidate
		}
	}
	return result
}

// OfSpan classifies a span. An explicit LevelAttribute wins; without
// one, a span whose status is Error is classified as Error, and
// anything else as Info.
//
// Safe to call on spans that have started but not ended: the SDK
// guards attribute and status reads with the span's own lock.
func OfSpan(span sdktrace.ReadOnlySpan) Level {
	for _, attribute := range span.Attributes() {
		if string(attribute.Key) != LevelAttribute {
			continue
		}
		switch value := attribute.Value.AsInterface().(type) {
		case int64:
			return FromSeverity(value)
		case float64:
			return FromSeverity(int64(value))
		case string:
			if parsed, err := Parse(value); err == nil {
				return parsed
			}
		}
	}
	if span.Status().Code == codes.Error {
		return Error
	}
	return Info
}
