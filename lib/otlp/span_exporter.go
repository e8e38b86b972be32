// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"context"
	"errors"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/pydantic/logfire-sub001/lib/exporter"
)

// PayloadExporter is the part of *exporter.Exporter the span exporter
// uses.
type PayloadExporter interface {
	Export(ctx context.Context, payload []byte) (exporter.Result, error)
	ForceFlush(ctx context.Context) bool
	Shutdown(ctx context.Context) error
}

// SpanExporter adapts a PayloadExporter to sdktrace.SpanExporter, so
// a BatchSpanProcessor can feed it.
type SpanExporter struct {
	exporter PayloadExporter
}

var _ sdktrace.SpanExporter = (*SpanExporter)(nil)

// NewSpanExporter returns a SpanExporter sending through target.
func NewSpanExporter(target PayloadExporter) *SpanExporter {
	return &SpanExporter{exporter: target}
}

// ExportSpans encodes spans and hands them to the exporter. Deferred
// and dropped payloads are not errors here: the exporter has already
// logged and counted them, and the SDK would only log them again. An
// encoding failure or a shut-down exporter is reported.
func (s *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	payload, err := EncodeSpans(spans)
	if err != nil {
		return err
	}
	if _, err := s.exporter.Export(ctx, payload); errors.Is(err, exporter.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown drains the retry spool within ctx, then shuts the exporter
// down. Payloads left in the spool are reported as an error; with a
// persistent spool they are retried by the next process.
func (s *SpanExporter) Shutdown(ctx context.Context) error {
	var flushErr error
	if !s.exporter.ForceFlush(ctx) {
		flushErr = errors.New("retry spool not drained before shutdown")
		if cause := context.Cause(ctx); cause != nil {
			flushErr = fmt.Errorf("retry spool not drained before shutdown: %w", cause)
		}
	}
	return errors.Join(flushErr, s.exporter.Shutdown(ctx))
}
