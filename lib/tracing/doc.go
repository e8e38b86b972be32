// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing assembles a TracerProvider whose spans pass through
// the tail sampler and reach the backend through the retrying
// exporter.
//
//	cfg, err := config.Load()
//	...
//	pipeline, err := tracing.Setup(cfg)
//	...
//	defer pipeline.Shutdown(ctx)
//	otel.SetTracerProvider(pipeline.TracerProvider())
package tracing
