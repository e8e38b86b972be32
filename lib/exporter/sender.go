// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import "context"

// Sender delivers one serialized payload to the ingestion backend.
// Any error counts as a delivery failure and the payload is retried.
// Implementations must be safe for concurrent use: the caller's
// Export and the background retry worker send concurrently.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SenderFunc adapts an ordinary function to the Sender interface.
type SenderFunc func(ctx context.Context, payload []byte) error

// Send calls f(ctx, payload).
func (f SenderFunc) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }
