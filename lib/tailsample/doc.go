// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package tailsample implements tail-based trace sampling as an
// OpenTelemetry span processor.
//
// A [Processor] sits in front of another sdktrace.SpanProcessor and
// buffers every span of a trace in a [TraceBuffer] until a [Sampler]
// resolves the trace. The sampler sees every start and end event and
// returns a keep probability: 1 flushes the buffered events downstream
// in their original order, 0 discards them, and anything in between is
// settled by a Bernoulli trial on the trace id ([Keep]), so the same
// trace always gets the same outcome. Once resolved, a trace's later
// spans pass straight through or are ignored.
//
// [LevelOrDuration] is the stock sampler: keep traces containing a
// span at or above a severity, or running longer than a threshold, and
// sample the rest at a background rate when the first span ends.
//
//	threshold := level.Warning
//	processor, err := tailsample.NewProcessor(batcher,
//	    tailsample.LevelOrDuration(tailsample.TailSamplingOptions{
//	        Level:    &threshold,
//	        Duration: 5 * time.Second,
//	    }))
//
// Samplers run under a per-shard lock and must not call back into the
// Processor. A sampler error or panic is logged (rate limited) and the
// trace stays buffered; a trace whose first span ends without any
// decision is dropped.
package tailsample
