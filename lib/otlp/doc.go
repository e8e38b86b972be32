// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package otlp encodes finished spans as OTLP/HTTP protobuf payloads
// and connects the OpenTelemetry SDK's export path to the retrying
// exporter.
//
// [EncodeSpans] produces the bytes the exporter sends and spools;
// [SpanExporter] is what a BatchSpanProcessor calls.
package otlp
