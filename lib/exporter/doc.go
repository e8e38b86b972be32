// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package exporter delivers serialized telemetry payloads to the
// ingestion backend and keeps retrying the ones that fail.
//
// [Exporter.Export] sends a payload, retries once after a short delay,
// and on a second failure hands it to a durable [Spool] on disk. A
// single background worker redelivers spooled payloads with
// exponential backoff (1s doubling to 128s, with proportional
// jitter). The spool is bounded by the total uncompressed size of its
// payloads; a payload that does not fit is dropped and reported, which
// is the only way data is lost.
//
// [Exporter.ForceFlush] drains the spool synchronously within a
// context deadline, for controlled shutdown points. Shutdown stops the
// worker and releases the spool without draining it; a persistent
// spool directory is picked up again by the next process that opens
// it.
//
// The backend transport is a [Sender]; [HTTPSender] posts OTLP
// protobuf over HTTP(S) with bearer authentication.
package exporter
